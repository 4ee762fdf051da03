package registration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/utils"
)

// DefaultLambdaGeometric is the published weighting between the geometric and
// photometric objectives (Park, Zhou, Koltun, "Colored Point Cloud
// Registration Revisited", ICCV 2017).
const DefaultLambdaGeometric = 0.968

// gradientMaxNeighbors caps the neighborhood used to fit per-point color
// gradients on the target's tangent planes.
const gradientMaxNeighbors = 30

// coloredICP jointly minimizes the point-to-plane geometric residual and a
// photometric residual comparing the source color against the target's color
// field, linearly extended on the target's tangent plane.
type coloredICP struct {
	lambdaGeometric float64

	// per-target color gradients, computed once per target cloud
	gradTarget *pointcloud.PointCloud
	gradients  []r3.Vector
}

// NewColoredICP returns the colored ICP estimator with the published
// geometric/photometric weighting.
func NewColoredICP() Estimator {
	return NewColoredICPWithLambda(DefaultLambdaGeometric)
}

// NewColoredICPWithLambda returns the colored ICP estimator with an explicit
// geometric weight in [0,1]. A weight of 1 reduces the objective to
// point-to-plane.
func NewColoredICPWithLambda(lambdaGeometric float64) Estimator {
	return &coloredICP{lambdaGeometric: lambdaGeometric}
}

func (c *coloredICP) Name() string {
	return "colored_icp"
}

func (c *coloredICP) Validate(source, target *pointcloud.PointCloud) error {
	if c.lambdaGeometric < 0 || c.lambdaGeometric > 1 {
		return errors.Errorf("geometric weight must be in [0,1], got %f", c.lambdaGeometric)
	}
	if !source.HasNormals() || !target.HasNormals() {
		return errors.Wrap(ErrMissingNormals, "colored ICP needs normals on source and target")
	}
	if !source.HasColors() || !target.HasColors() {
		return errors.Wrap(ErrMissingColors, "colored ICP needs colors on source and target")
	}
	return nil
}

// PrepareTarget fits a color gradient on every target point's tangent plane:
// the 3-vector d minimizing the intensity prediction error over the
// neighborhood, constrained to lie in the plane. The solver calls this once
// per target cloud before iterating.
func (c *coloredICP) PrepareTarget(ctx context.Context, target *pointcloud.PointCloud, maxCorrespondenceDistance float64) error {
	if c.gradTarget == target {
		return nil
	}
	kd := pointcloud.BuildKDTree(target)
	gradients := make([]r3.Vector, target.Size())
	searchRadius := 2 * maxCorrespondenceDistance

	err := utils.GroupWorkParallel(
		ctx,
		target.Size(),
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				gradients[workNum] = fitColorGradient(target, kd, workNum, searchRadius)
			}, nil
		},
	)
	if err != nil {
		return err
	}
	c.gradTarget = target
	c.gradients = gradients
	return nil
}

// fitColorGradient solves the constrained 3x3 least-squares system for one
// target point. Degenerate neighborhoods yield the zero gradient, which turns
// the photometric term off for that point.
func fitColorGradient(target *pointcloud.PointCloud, kd *pointcloud.KDTree, idx int, radius float64) r3.Vector {
	n := target.Normal(idx)
	if n.Norm2() == 0 {
		return r3.Vector{}
	}
	p := target.Point(idx)
	ip := target.Intensity(idx)

	neighbors := kd.RadiusSearch(p, radius)
	if len(neighbors) > gradientMaxNeighbors {
		neighbors = neighbors[:gradientMaxNeighbors]
	}
	if len(neighbors) < 4 {
		return r3.Vector{}
	}

	ata := mat.NewSymDense(3, nil)
	atb := make([]float64, 3)
	addRow := func(row r3.Vector, b float64) {
		ata.SetSym(0, 0, ata.At(0, 0)+row.X*row.X)
		ata.SetSym(0, 1, ata.At(0, 1)+row.X*row.Y)
		ata.SetSym(0, 2, ata.At(0, 2)+row.X*row.Z)
		ata.SetSym(1, 1, ata.At(1, 1)+row.Y*row.Y)
		ata.SetSym(1, 2, ata.At(1, 2)+row.Y*row.Z)
		ata.SetSym(2, 2, ata.At(2, 2)+row.Z*row.Z)
		atb[0] += row.X * b
		atb[1] += row.Y * b
		atb[2] += row.Z * b
	}
	rows := 0
	for _, nb := range neighbors {
		if nb.Index == idx {
			continue
		}
		pj := target.Point(nb.Index)
		// project the neighbor onto the tangent plane at p
		proj := pj.Sub(n.Mul(pj.Sub(p).Dot(n)))
		addRow(proj.Sub(p), target.Intensity(nb.Index)-ip)
		rows++
	}
	// anchor the gradient to the tangent plane
	addRow(n.Mul(float64(rows)), 0)

	var chol mat.Cholesky
	if ok := chol.Factorize(ata); !ok {
		return r3.Vector{}
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(3, atb)); err != nil {
		return r3.Vector{}
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
}

func (c *coloredICP) EstimateIncrement(
	ctx context.Context,
	corrs []Correspondence,
	source, target *pointcloud.PointCloud,
) (Increment, error) {
	if len(corrs) == 0 {
		return Increment{}, errors.New("cannot estimate a transform from zero correspondences")
	}
	if c.gradTarget != target {
		// registration through RegisterICP prepares gradients up front; direct
		// callers get them lazily with the default search scale
		if err := c.PrepareTarget(ctx, target, math.Sqrt(corrs[0].SquaredDistance)+1e-9); err != nil {
			return Increment{}, err
		}
	}

	sqrtGeo := math.Sqrt(c.lambdaGeometric)
	sqrtPhoto := math.Sqrt(1 - c.lambdaGeometric)

	jtj, jtr, residualSq, used := accumulateNormalEquationsParallel(
		ctx,
		len(corrs),
		func(k int, add func(row [6]float64, r float64)) {
			corr := corrs[k]
			n := target.Normal(corr.TargetIndex)
			if n.Norm2() == 0 {
				return
			}
			q := source.Point(corr.SourceIndex)
			p := target.Point(corr.TargetIndex)

			// geometric point-to-plane term
			geoRow := planeJacobianRow(q, n)
			for i := range geoRow {
				geoRow[i] *= sqrtGeo
			}
			add(geoRow, sqrtGeo*q.Sub(p).Dot(n))

			if sqrtPhoto == 0 {
				return
			}
			// photometric term: predict the target intensity at the source
			// point's projection onto the tangent plane and compare with the
			// source's own intensity
			d := c.gradients[corr.TargetIndex]
			proj := q.Sub(n.Mul(q.Sub(p).Dot(n)))
			predicted := target.Intensity(corr.TargetIndex) + d.Dot(proj.Sub(p))
			rPhoto := predicted - source.Intensity(corr.SourceIndex)

			// the projection kills the normal component of the gradient
			dTangent := d.Sub(n.Mul(n.Dot(d)))
			cross := q.Cross(dTangent)
			add([6]float64{
				sqrtPhoto * cross.X, sqrtPhoto * cross.Y, sqrtPhoto * cross.Z,
				sqrtPhoto * dTangent.X, sqrtPhoto * dTangent.Y, sqrtPhoto * dTangent.Z,
			}, sqrtPhoto*rPhoto)
		},
	)
	if used == 0 {
		return Increment{}, errors.Wrap(ErrMissingNormals, "no correspondence had a usable target normal")
	}

	rt, err := solveNormalEquations(jtj, jtr)
	if err != nil {
		return Increment{}, err
	}
	return Increment{
		Transform:  rt,
		Fitness:    fitness(corrs, source.Size()),
		InlierRMSE: math.Sqrt(residualSq / float64(used)),
	}, nil
}
