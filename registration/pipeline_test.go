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

func TestPipelineConfigValidate(t *testing.T) {
	err := PipelineConfig{Levels: []ScaleLevel{{VoxelSize: 0, MaxIterations: 10}}}.Validate()
	test.That(t, err, test.ShouldNotBeNil)

	err = PipelineConfig{Levels: []ScaleLevel{{VoxelSize: 0.04, MaxIterations: 0}}}.Validate()
	test.That(t, err, test.ShouldNotBeNil)

	// levels must refine
	err = PipelineConfig{Levels: []ScaleLevel{
		{VoxelSize: 0.02, MaxIterations: 10},
		{VoxelSize: 0.04, MaxIterations: 10},
	}}.Validate()
	test.That(t, err, test.ShouldNotBeNil)

	err = PipelineConfig{Levels: DefaultScaleLevels()}.Validate()
	test.That(t, err, test.ShouldBeNil)
}

func TestScaleLevelDefaults(t *testing.T) {
	lvl := ScaleLevel{VoxelSize: 0.04, MaxIterations: 50}
	test.That(t, lvl.correspondenceDistance(), test.ShouldEqual, 0.04)
	test.That(t, lvl.normalRadius(), test.ShouldAlmostEqual, 0.08, 1e-12)

	lvl = ScaleLevel{VoxelSize: 0.04, MaxIterations: 50, MaxCorrespondenceDistance: 0.1, NormalRadiusMultiplier: 3}
	test.That(t, lvl.correspondenceDistance(), test.ShouldEqual, 0.1)
	test.That(t, lvl.normalRadius(), test.ShouldAlmostEqual, 0.12, 1e-12)
}

func TestRegisterMultiScaleRecoversTransform(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeCubeSurface(0.5, 0.02)
	moved := spatialmath.NewRigidTransformFromAxisAngle(
		r3.Vector{Z: 1}, 0.03, r3.Vector{X: 0.01, Y: 0.005, Z: -0.008})
	source := target.Transform(moved)

	res, err := RegisterMultiScale(context.Background(), source, target, PipelineConfig{
		NormalViewpoint: r3.Vector{X: 0, Y: 0, Z: 5},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Levels), test.ShouldEqual, 3)
	// coarse to fine
	test.That(t, res.Levels[0].VoxelSize, test.ShouldEqual, 0.04)
	test.That(t, res.Levels[2].VoxelSize, test.ShouldEqual, 0.01)
	for _, lvl := range res.Levels {
		test.That(t, lvl.SourceSize, test.ShouldBeGreaterThan, 0)
		test.That(t, lvl.Iterations, test.ShouldBeGreaterThan, 0)
	}

	// final metrics are measured against the full-resolution target
	test.That(t, res.Fitness, test.ShouldBeGreaterThan, 0.9)
	test.That(t, res.InlierRMSE, test.ShouldBeLessThan, 0.01)
	roundTrip := res.Transformation.Compose(moved)
	test.That(t, roundTrip.AlmostEqual(spatialmath.NewRigidTransform(), 0.01), test.ShouldBeTrue)
}

func TestRegisterMultiScalePointToPlane(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target := pointcloud.MakeCubeSurface(0.5, 0.02)
	moved := spatialmath.NewRigidTransformFromTranslation(r3.Vector{X: 0.015, Y: -0.01})
	source := target.Transform(moved)

	res, err := RegisterMultiScale(context.Background(), source, target, PipelineConfig{
		Levels: []ScaleLevel{
			{VoxelSize: 0.04, MaxIterations: 30},
			{VoxelSize: 0.02, MaxIterations: 15},
		},
		Estimator: NewPointToPlane(),
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Levels), test.ShouldEqual, 2)
	test.That(t, res.Fitness, test.ShouldBeGreaterThan, 0.9)
	roundTrip := res.Transformation.Compose(moved)
	test.That(t, roundTrip.AlmostEqual(spatialmath.NewRigidTransform(), 0.01), test.ShouldBeTrue)
}

func TestRegisterMultiScaleValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cloud := pointcloud.MakeCubeSurface(0.5, 0.05)

	_, err := RegisterMultiScale(context.Background(), nil, cloud, PipelineConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = RegisterMultiScale(context.Background(), cloud, cloud, PipelineConfig{
		Levels: []ScaleLevel{{VoxelSize: -1, MaxIterations: 5}},
	}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRegisterMultiScaleMissingColors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	// colorless clouds cannot feed the default colored estimator
	cloud := pointcloud.MakeRandomCloud(2000, 0.5, 9)

	_, err := RegisterMultiScale(context.Background(), cloud, cloud, PipelineConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrMissingColors), test.ShouldBeTrue)
}

func TestRegisterMultiScaleCancellation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cloud := pointcloud.MakeCubeSurface(0.5, 0.02)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := RegisterMultiScale(ctx, cloud, cloud, PipelineConfig{
		Estimator: NewPointToPoint(),
	}, logger)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.Transformation, test.ShouldNotBeNil)
}
