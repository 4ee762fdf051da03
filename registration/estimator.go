package registration

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/spatialmath"
	"github.com/openscan/cloudalign/utils"
)

// Increment is one estimator step: the incremental transform that improves the
// current alignment, plus the quality of the alignment the correspondences
// were measured under (before the increment is applied).
type Increment struct {
	Transform *spatialmath.RigidTransform
	// Fitness is the fraction of source points with an accepted correspondence.
	Fitness float64
	// InlierRMSE is the root-mean-square residual over accepted correspondences.
	InlierRMSE float64
}

// Estimator solves for an incremental rigid transform from one iteration's
// correspondences. Implementations are strategies holding only their own
// configuration; EstimateIncrement is a pure function of its inputs.
type Estimator interface {
	// Name identifies the variant in logs.
	Name() string

	// Validate fails fast when the clouds lack attributes the variant needs.
	Validate(source, target *pointcloud.PointCloud) error

	// EstimateIncrement consumes correspondences found under the current
	// alignment; source must already carry that alignment.
	EstimateIncrement(ctx context.Context, corrs []Correspondence, source, target *pointcloud.PointCloud) (Increment, error)
}

// targetPreparer is implemented by estimators that precompute per-target state
// (colored ICP's color gradients). The solver invokes it once per target
// cloud, before iterating.
type targetPreparer interface {
	PrepareTarget(ctx context.Context, target *pointcloud.PointCloud, maxCorrespondenceDistance float64) error
}

// accumulateNormalEquationsParallel builds the 6x6 normal-equation system for
// count residual sources in parallel. emit is called once per item and may add
// any number of (jacobianRow, residual) pairs; groups accumulate into local
// partial sums that are merged once per group. used counts items that added at
// least one row.
func accumulateNormalEquationsParallel(
	ctx context.Context,
	count int,
	emit func(k int, add func(row [6]float64, r float64)),
) (jtj *mat.SymDense, jtr []float64, residualSq float64, used int) {
	jtj = mat.NewSymDense(6, nil)
	jtr = make([]float64, 6)
	var mu sync.Mutex

	//nolint:errcheck
	utils.GroupWorkParallel(
		ctx,
		count,
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			localJtj := mat.NewSymDense(6, nil)
			localJtr := make([]float64, 6)
			var localResidualSq float64
			localUsed := 0
			return func(memberNum, workNum int) {
					added := false
					emit(workNum, func(row [6]float64, r float64) {
						for i := 0; i < 6; i++ {
							for j := i; j < 6; j++ {
								localJtj.SetSym(i, j, localJtj.At(i, j)+row[i]*row[j])
							}
							localJtr[i] += row[i] * r
						}
						localResidualSq += r * r
						added = true
					})
					if added {
						localUsed++
					}
				}, func() {
					mu.Lock()
					defer mu.Unlock()
					jtj.AddSym(jtj, localJtj)
					for i := 0; i < 6; i++ {
						jtr[i] += localJtr[i]
					}
					residualSq += localResidualSq
					used += localUsed
				}
		},
	)
	return jtj, jtr, residualSq, used
}

// fitness is the accepted-correspondence fraction over the source cloud.
func fitness(corrs []Correspondence, sourceSize int) float64 {
	if sourceSize == 0 {
		return 0
	}
	return float64(len(corrs)) / float64(sourceSize)
}

// solveNormalEquations solves the symmetric 6x6 system JtJ x = -Jtr produced
// by the linearized estimators, preferring Cholesky and falling back to a
// least-squares solve when the system is not positive definite.
func solveNormalEquations(jtj *mat.SymDense, jtr []float64) (*spatialmath.RigidTransform, error) {
	neg := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		neg.SetVec(i, -jtr[i])
	}

	var x mat.VecDense
	var chol mat.Cholesky
	if ok := chol.Factorize(jtj); ok {
		if err := chol.SolveVecTo(&x, neg); err != nil {
			return nil, err
		}
	} else {
		dense := mat.NewDense(6, 6, nil)
		dense.Copy(jtj)
		if err := x.SolveVec(dense, neg); err != nil {
			return nil, err
		}
	}

	return spatialmath.NewRigidTransformFromEulerVector(
		x.AtVec(0), x.AtVec(1), x.AtVec(2),
		r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)},
	), nil
}
