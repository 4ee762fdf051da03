package registration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/spatialmath"
)

// pointToPoint minimizes the sum of squared Euclidean distances between
// corresponded points. The increment is the closed-form optimum: SVD of the
// cross-covariance of the centered point sets, with a reflection fix when the
// raw rotation has negative determinant.
type pointToPoint struct{}

// NewPointToPoint returns the point-to-point transformation estimator.
func NewPointToPoint() Estimator {
	return pointToPoint{}
}

func (pointToPoint) Name() string {
	return "point_to_point"
}

func (pointToPoint) Validate(source, target *pointcloud.PointCloud) error {
	// positions are all this variant needs
	return nil
}

func (pointToPoint) EstimateIncrement(
	_ context.Context,
	corrs []Correspondence,
	source, target *pointcloud.PointCloud,
) (Increment, error) {
	if len(corrs) == 0 {
		return Increment{}, errors.New("cannot estimate a transform from zero correspondences")
	}

	var srcCentroid, tgtCentroid r3.Vector
	var residualSq float64
	for _, c := range corrs {
		srcCentroid = srcCentroid.Add(source.Point(c.SourceIndex))
		tgtCentroid = tgtCentroid.Add(target.Point(c.TargetIndex))
		residualSq += c.SquaredDistance
	}
	inv := 1. / float64(len(corrs))
	srcCentroid = srcCentroid.Mul(inv)
	tgtCentroid = tgtCentroid.Mul(inv)

	// cross-covariance of the centered point sets
	h := mat.NewDense(3, 3, nil)
	for _, c := range corrs {
		s := source.Point(c.SourceIndex).Sub(srcCentroid)
		t := target.Point(c.TargetIndex).Sub(tgtCentroid)
		h.Set(0, 0, h.At(0, 0)+s.X*t.X)
		h.Set(0, 1, h.At(0, 1)+s.X*t.Y)
		h.Set(0, 2, h.At(0, 2)+s.X*t.Z)
		h.Set(1, 0, h.At(1, 0)+s.Y*t.X)
		h.Set(1, 1, h.At(1, 1)+s.Y*t.Y)
		h.Set(1, 2, h.At(1, 2)+s.Y*t.Z)
		h.Set(2, 0, h.At(2, 0)+s.Z*t.X)
		h.Set(2, 1, h.At(2, 1)+s.Z*t.Y)
		h.Set(2, 2, h.At(2, 2)+s.Z*t.Z)
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Increment{}, errors.New("failed to factorize cross-covariance matrix")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// the optimum subject to det=+1 flips the axis of least significance
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vFixed mat.Dense
		vFixed.Mul(&v, d)
		rot.Mul(&vFixed, u.T())
	}

	rotated := r3.Vector{
		X: rot.At(0, 0)*srcCentroid.X + rot.At(0, 1)*srcCentroid.Y + rot.At(0, 2)*srcCentroid.Z,
		Y: rot.At(1, 0)*srcCentroid.X + rot.At(1, 1)*srcCentroid.Y + rot.At(1, 2)*srcCentroid.Z,
		Z: rot.At(2, 0)*srcCentroid.X + rot.At(2, 1)*srcCentroid.Y + rot.At(2, 2)*srcCentroid.Z,
	}
	trans := tgtCentroid.Sub(rotated)

	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rot.At(i, j))
		}
	}
	m.Set(0, 3, trans.X)
	m.Set(1, 3, trans.Y)
	m.Set(2, 3, trans.Z)
	m.Set(3, 3, 1)
	rt, err := spatialmath.NewRigidTransformFromMatrix(m)
	if err != nil {
		return Increment{}, err
	}

	return Increment{
		Transform:  rt,
		Fitness:    fitness(corrs, source.Size()),
		InlierRMSE: math.Sqrt(residualSq * inv),
	}, nil
}
