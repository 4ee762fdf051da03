package registration

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/spatialmath"
)

// normalEstimationMaxNeighbors caps the neighborhood for per-level normal
// estimation.
const normalEstimationMaxNeighbors = 30

// ScaleLevel describes one coarse-to-fine stage: both clouds are downsampled
// to VoxelSize, normals are re-estimated at that scale, and the solver runs
// for at most MaxIterations.
type ScaleLevel struct {
	// VoxelSize is the downsampling edge length at this level.
	VoxelSize float64
	// MaxIterations bounds the solver at this level.
	MaxIterations int
	// MaxCorrespondenceDistance gates matches at this level; zero defaults to
	// VoxelSize.
	MaxCorrespondenceDistance float64
	// NormalRadiusMultiplier scales VoxelSize into the normal-estimation search
	// radius; zero defaults to 2.
	NormalRadiusMultiplier float64
}

func (l ScaleLevel) correspondenceDistance() float64 {
	if l.MaxCorrespondenceDistance > 0 {
		return l.MaxCorrespondenceDistance
	}
	return l.VoxelSize
}

func (l ScaleLevel) normalRadius() float64 {
	mult := l.NormalRadiusMultiplier
	if mult <= 0 {
		mult = 2
	}
	return mult * l.VoxelSize
}

// DefaultScaleLevels is the standard three-level coarse-to-fine schedule.
func DefaultScaleLevels() []ScaleLevel {
	return []ScaleLevel{
		{VoxelSize: 0.04, MaxIterations: 50},
		{VoxelSize: 0.02, MaxIterations: 30},
		{VoxelSize: 0.01, MaxIterations: 14},
	}
}

// PipelineConfig configures a multi-scale registration run.
type PipelineConfig struct {
	// Levels runs coarse to fine; empty means DefaultScaleLevels.
	Levels []ScaleLevel
	// Estimator is shared across levels; nil defaults to colored ICP.
	Estimator Estimator
	// InitialGuess seeds the coarsest level; nil means identity.
	InitialGuess *spatialmath.RigidTransform
	// RelativeFitness and RelativeRMSE are per-level convergence thresholds;
	// zero defaults to 1e-6.
	RelativeFitness float64
	RelativeRMSE    float64
	// NormalViewpoint orients estimated normals toward this point.
	NormalViewpoint r3.Vector
}

// Validate rejects configurations the pipeline cannot run with. Levels must
// run coarse to fine so each stage refines the previous one.
func (c PipelineConfig) Validate() error {
	for i, lvl := range c.Levels {
		if lvl.VoxelSize <= 0 {
			return errors.Errorf("level %d: voxel size must be positive, got %f", i, lvl.VoxelSize)
		}
		if lvl.MaxIterations <= 0 {
			return errors.Errorf("level %d: max iterations must be positive, got %d", i, lvl.MaxIterations)
		}
		if i > 0 && lvl.VoxelSize >= c.Levels[i-1].VoxelSize {
			return errors.Errorf("level %d: voxel size %f does not refine previous level %f",
				i, lvl.VoxelSize, c.Levels[i-1].VoxelSize)
		}
	}
	if c.RelativeFitness < 0 || c.RelativeRMSE < 0 {
		return errors.New("relative convergence thresholds must be non-negative")
	}
	return nil
}

// LevelResult records the outcome of one scale level.
type LevelResult struct {
	VoxelSize   float64
	SourceSize  int
	TargetSize  int
	Fitness     float64
	InlierRMSE  float64
	Iterations  int
	Termination TerminationReason
}

// PipelineResult is the outcome of a full multi-scale run. Fitness and
// InlierRMSE are measured against the full-resolution target cloud under the
// finest level's correspondence distance, not against the last downsampled
// stage.
type PipelineResult struct {
	Transformation *spatialmath.RigidTransform
	Fitness        float64
	InlierRMSE     float64
	Levels         []LevelResult
}

// RegisterMultiScale aligns source onto target coarse to fine. Each level
// downsamples both clouds, re-estimates normals at that scale, and runs the
// solver seeded with the previous level's transform. Cancellation returns the
// transform accumulated so far together with the context error.
func RegisterMultiScale(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	config PipelineConfig,
	logger golog.Logger,
) (*PipelineResult, error) {
	if source == nil || target == nil {
		return nil, errors.New("source and target clouds are required")
	}
	if len(config.Levels) == 0 {
		config.Levels = DefaultScaleLevels()
	}
	if config.Estimator == nil {
		config.Estimator = NewColoredICP()
	}
	if config.RelativeFitness == 0 {
		config.RelativeFitness = 1e-6
	}
	if config.RelativeRMSE == 0 {
		config.RelativeRMSE = 1e-6
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	current := spatialmath.NewRigidTransform()
	if config.InitialGuess != nil {
		current = config.InitialGuess.Clone()
	}

	result := &PipelineResult{Levels: make([]LevelResult, 0, len(config.Levels))}
	for i, lvl := range config.Levels {
		levelRes, rt, err := runLevel(ctx, source, target, lvl, config, current, logger)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if rt != nil {
					current = rt
					result.Levels = append(result.Levels, levelRes)
				}
				result.Transformation = current
				return result, err
			}
			return nil, errors.Wrapf(err, "level %d (voxel %f)", i, lvl.VoxelSize)
		}
		current = rt
		result.Levels = append(result.Levels, levelRes)
		logger.Debugw("scale level finished",
			"level", i,
			"voxel_size", lvl.VoxelSize,
			"fitness", levelRes.Fitness,
			"rmse", levelRes.InlierRMSE,
			"iterations", levelRes.Iterations,
			"termination", levelRes.Termination.String(),
		)
	}
	result.Transformation = current

	// final quality is judged against the original target, not the last
	// downsampled stage
	finest := config.Levels[len(config.Levels)-1]
	fit, rmse, err := EvaluateRegistration(ctx, source, target, finest.correspondenceDistance(), current)
	if err != nil {
		return nil, err
	}
	result.Fitness = fit
	result.InlierRMSE = rmse
	return result, nil
}

func runLevel(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	lvl ScaleLevel,
	config PipelineConfig,
	current *spatialmath.RigidTransform,
	logger golog.Logger,
) (LevelResult, *spatialmath.RigidTransform, error) {
	srcDown, err := pointcloud.DownsampleVoxel(source, lvl.VoxelSize)
	if err != nil {
		return LevelResult{}, nil, err
	}
	tgtDown, err := pointcloud.DownsampleVoxel(target, lvl.VoxelSize)
	if err != nil {
		return LevelResult{}, nil, err
	}

	srcDown, err = pointcloud.EstimateNormals(
		ctx, srcDown, lvl.normalRadius(), normalEstimationMaxNeighbors, config.NormalViewpoint)
	if err != nil {
		return LevelResult{}, nil, err
	}
	tgtDown, err = pointcloud.EstimateNormals(
		ctx, tgtDown, lvl.normalRadius(), normalEstimationMaxNeighbors, config.NormalViewpoint)
	if err != nil {
		return LevelResult{}, nil, err
	}

	icpRes, err := RegisterICP(ctx, srcDown, tgtDown, ICPConfig{
		MaxCorrespondenceDistance: lvl.correspondenceDistance(),
		Estimator:                 config.Estimator,
		Criteria: ConvergenceCriteria{
			RelativeFitness: config.RelativeFitness,
			RelativeRMSE:    config.RelativeRMSE,
			MaxIterations:   lvl.MaxIterations,
		},
		InitialGuess: current,
	}, logger)
	if err != nil {
		if icpRes != nil {
			// cancelled mid-level; surface the partial transform
			return LevelResult{
				VoxelSize:   lvl.VoxelSize,
				SourceSize:  srcDown.Size(),
				TargetSize:  tgtDown.Size(),
				Fitness:     icpRes.Fitness,
				InlierRMSE:  icpRes.InlierRMSE,
				Iterations:  icpRes.Iterations,
				Termination: icpRes.Termination,
			}, icpRes.Transformation, err
		}
		return LevelResult{}, nil, err
	}

	return LevelResult{
		VoxelSize:   lvl.VoxelSize,
		SourceSize:  srcDown.Size(),
		TargetSize:  tgtDown.Size(),
		Fitness:     icpRes.Fitness,
		InlierRMSE:  icpRes.InlierRMSE,
		Iterations:  icpRes.Iterations,
		Termination: icpRes.Termination,
	}, icpRes.Transformation, nil
}
