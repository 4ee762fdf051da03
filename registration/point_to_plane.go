package registration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openscan/cloudalign/pointcloud"
)

// pointToPlane minimizes the sum of squared distances from each source point
// to the tangent plane at its target correspondence. The rotation is
// linearized with the small-angle approximation and the resulting 6-variable
// normal equations are solved directly.
type pointToPlane struct{}

// NewPointToPlane returns the point-to-plane transformation estimator. The
// target cloud must carry normals; points whose normal is the degenerate zero
// marker are excluded from the residual.
func NewPointToPlane() Estimator {
	return pointToPlane{}
}

func (pointToPlane) Name() string {
	return "point_to_plane"
}

func (pointToPlane) Validate(source, target *pointcloud.PointCloud) error {
	if !target.HasNormals() {
		return errors.Wrap(ErrMissingNormals, "point-to-plane needs a target with normals")
	}
	return nil
}

func (pointToPlane) EstimateIncrement(
	ctx context.Context,
	corrs []Correspondence,
	source, target *pointcloud.PointCloud,
) (Increment, error) {
	if len(corrs) == 0 {
		return Increment{}, errors.New("cannot estimate a transform from zero correspondences")
	}

	jtj, jtr, residualSq, used := accumulateNormalEquationsParallel(
		ctx,
		len(corrs),
		func(k int, add func(row [6]float64, r float64)) {
			c := corrs[k]
			n := target.Normal(c.TargetIndex)
			if n.Norm2() == 0 {
				// degenerate neighborhood at estimation time; no plane to measure against
				return
			}
			q := source.Point(c.SourceIndex)
			p := target.Point(c.TargetIndex)
			add(planeJacobianRow(q, n), q.Sub(p).Dot(n))
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

// planeJacobianRow is the derivative of the point-to-plane residual with
// respect to the small-angle pose vector (alpha, beta, gamma, tx, ty, tz).
func planeJacobianRow(q, n r3.Vector) [6]float64 {
	cross := q.Cross(n)
	return [6]float64{cross.X, cross.Y, cross.Z, n.X, n.Y, n.Z}
}
