package registration

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/spatialmath"
)

func TestRegisterICPValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cloud := pointcloud.MakeRandomCloud(20, 1.0, 1)

	_, err := RegisterICP(context.Background(), nil, cloud, ICPConfig{MaxCorrespondenceDistance: 0.1}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = RegisterICP(context.Background(), cloud, cloud, ICPConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = RegisterICP(context.Background(), cloud, cloud, ICPConfig{
		MaxCorrespondenceDistance: 0.1,
		Criteria:                  ConvergenceCriteria{RelativeFitness: 1e-6, RelativeRMSE: 1e-6, MaxIterations: -1},
	}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	// estimator requirements surface before iterating
	_, err = RegisterICP(context.Background(), cloud, cloud, ICPConfig{
		MaxCorrespondenceDistance: 0.1,
		Estimator:                 NewPointToPlane(),
	}, logger)
	test.That(t, errors.Is(err, ErrMissingNormals), test.ShouldBeTrue)
}

func TestRegisterICPSelfRegistration(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cloud := pointcloud.MakeCubeSurface(0.5, 0.05)

	res, err := RegisterICP(context.Background(), cloud, cloud, ICPConfig{
		MaxCorrespondenceDistance: 0.05,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Termination, test.ShouldEqual, TerminationConverged)
	test.That(t, res.Fitness, test.ShouldEqual, 1.0)
	test.That(t, res.InlierRMSE, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, res.Transformation.AlmostEqual(spatialmath.NewRigidTransform(), 1e-9), test.ShouldBeTrue)
}

func TestRegisterICPRecoversTransformPointToPoint(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeCubeSurface(0.5, 0.05)
	moved := spatialmath.NewRigidTransformFromAxisAngle(
		r3.Vector{Z: 1}, 0.03, r3.Vector{X: 0.01, Y: -0.008, Z: 0.005})
	source := target.Transform(moved)

	res, err := RegisterICP(context.Background(), source, target, ICPConfig{
		MaxCorrespondenceDistance: 0.1,
		Criteria:                  ConvergenceCriteria{RelativeFitness: 1e-7, RelativeRMSE: 1e-7, MaxIterations: 60},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	// the solution undoes the motion applied to the source
	roundTrip := res.Transformation.Compose(moved)
	test.That(t, roundTrip.AlmostEqual(spatialmath.NewRigidTransform(), 5e-3), test.ShouldBeTrue)
	test.That(t, res.Fitness, test.ShouldBeGreaterThan, 0.99)
	test.That(t, res.InlierRMSE, test.ShouldBeLessThan, 5e-3)
}

func TestRegisterICPRecoversTransformPointToPlane(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	target, err := pointcloud.EstimateNormals(
		ctx, pointcloud.MakeCubeSurface(0.5, 0.05), 0.12, 30, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	moved := spatialmath.NewRigidTransformFromEulerVector(
		0.02, -0.01, 0.03, r3.Vector{X: 0.01, Y: 0.005, Z: -0.01})
	source := target.Transform(moved)

	res, err := RegisterICP(ctx, source, target, ICPConfig{
		MaxCorrespondenceDistance: 0.1,
		Estimator:                 NewPointToPlane(),
		Criteria:                  ConvergenceCriteria{RelativeFitness: 1e-7, RelativeRMSE: 1e-7, MaxIterations: 50},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	roundTrip := res.Transformation.Compose(moved)
	test.That(t, roundTrip.AlmostEqual(spatialmath.NewRigidTransform(), 5e-3), test.ShouldBeTrue)
}

func TestRegisterICPInitialGuess(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeCubeSurface(0.5, 0.05)
	moved := spatialmath.NewRigidTransformFromTranslation(r3.Vector{X: 0.3})
	source := target.Transform(moved)

	// without a guess the offset exceeds the gate; the guess brings the clouds
	// into range
	_, err := RegisterICP(context.Background(), source, target, ICPConfig{
		MaxCorrespondenceDistance: 0.02,
	}, logger)
	test.That(t, errors.Is(err, ErrNoCorrespondences), test.ShouldBeTrue)

	res, err := RegisterICP(context.Background(), source, target, ICPConfig{
		MaxCorrespondenceDistance: 0.02,
		InitialGuess:              moved.Invert(),
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Fitness, test.ShouldEqual, 1.0)
	roundTrip := res.Transformation.Compose(moved)
	test.That(t, roundTrip.AlmostEqual(spatialmath.NewRigidTransform(), 1e-6), test.ShouldBeTrue)
}

func TestRegisterICPNoCorrespondences(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeRandomCloud(1000, 0.5, 11)
	source := target.Transform(
		spatialmath.NewRigidTransformFromTranslation(r3.Vector{X: 5}))

	res, err := RegisterICP(context.Background(), source, target, ICPConfig{
		MaxCorrespondenceDistance: 0.02,
	}, logger)
	test.That(t, res, test.ShouldBeNil)
	test.That(t, errors.Is(err, ErrNoCorrespondences), test.ShouldBeTrue)
}

func TestRegisterICPMaxIterations(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeCubeSurface(0.5, 0.05)
	source := target.Transform(
		spatialmath.NewRigidTransformFromTranslation(r3.Vector{X: 0.02}))

	res, err := RegisterICP(context.Background(), source, target, ICPConfig{
		MaxCorrespondenceDistance: 0.1,
		// zero thresholds never converge, so the budget is the only exit
		Criteria: ConvergenceCriteria{RelativeFitness: 0, RelativeRMSE: 0, MaxIterations: 3},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Termination, test.ShouldEqual, TerminationMaxIterations)
	test.That(t, res.Iterations, test.ShouldEqual, 3)
}

func TestRegisterICPCancellation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cloud := pointcloud.MakeCubeSurface(0.5, 0.05)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := RegisterICP(ctx, cloud, cloud, ICPConfig{
		MaxCorrespondenceDistance: 0.05,
	}, logger)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.Termination, test.ShouldEqual, TerminationCancelled)
	test.That(t, res.Iterations, test.ShouldEqual, 0)
	test.That(t, res.Transformation.AlmostEqual(spatialmath.NewRigidTransform(), 1e-12), test.ShouldBeTrue)
}

func TestRegisterICPRMSENonIncreasing(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeCubeSurface(0.5, 0.05)
	source := target.Transform(
		spatialmath.NewRigidTransformFromAxisAngle(r3.Vector{Y: 1}, 0.02, r3.Vector{X: 0.01}))

	// rerun with increasing budgets; more iterations never worsen the fit
	var prev float64
	for i, iters := range []int{1, 5, 20} {
		res, err := RegisterICP(context.Background(), source, target, ICPConfig{
			MaxCorrespondenceDistance: 0.1,
			Criteria:                  ConvergenceCriteria{RelativeFitness: 0, RelativeRMSE: 0, MaxIterations: iters},
		}, logger)
		test.That(t, err, test.ShouldBeNil)
		if i > 0 {
			test.That(t, res.InlierRMSE, test.ShouldBeLessThanOrEqualTo, prev+1e-9)
		}
		prev = res.InlierRMSE
	}
}

func TestEvaluateRegistration(t *testing.T) {
	ctx := context.Background()
	cloud := pointcloud.MakeCubeSurface(0.5, 0.05)

	fit, rmse, err := EvaluateRegistration(ctx, cloud, cloud, 0.05, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit, test.ShouldEqual, 1.0)
	test.That(t, rmse, test.ShouldEqual, 0.0)

	offset := spatialmath.NewRigidTransformFromTranslation(r3.Vector{X: 0.01})
	fit, rmse, err = EvaluateRegistration(ctx, cloud.Transform(offset), cloud, 0.05, offset.Invert())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit, test.ShouldEqual, 1.0)
	test.That(t, rmse, test.ShouldAlmostEqual, 0, 1e-9)

	_, _, err = EvaluateRegistration(ctx, cloud, cloud, -1, nil)
	test.That(t, err, test.ShouldNotBeNil)

	far := spatialmath.NewRigidTransformFromTranslation(r3.Vector{X: 100})
	fit, rmse, err = EvaluateRegistration(ctx, cloud, cloud, 0.05, far)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit, test.ShouldEqual, 0.0)
	test.That(t, rmse, test.ShouldEqual, 0.0)
}

func TestTerminationReasonString(t *testing.T) {
	test.That(t, TerminationConverged.String(), test.ShouldEqual, "converged")
	test.That(t, TerminationMaxIterations.String(), test.ShouldEqual, "max_iterations")
	test.That(t, TerminationCancelled.String(), test.ShouldEqual, "cancelled")
}
