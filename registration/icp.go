package registration

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/spatialmath"
)

// ConvergenceCriteria bounds the ICP fixed-point loop. The loop converges once
// both fitness and inlier RMSE change by less than the relative thresholds
// between consecutive iterations.
type ConvergenceCriteria struct {
	RelativeFitness float64
	RelativeRMSE    float64
	MaxIterations   int
}

// DefaultConvergenceCriteria mirrors the commonly used 1e-6 thresholds.
func DefaultConvergenceCriteria() ConvergenceCriteria {
	return ConvergenceCriteria{RelativeFitness: 1e-6, RelativeRMSE: 1e-6, MaxIterations: 30}
}

// Validate rejects criteria the solver cannot run with.
func (c ConvergenceCriteria) Validate() error {
	if c.MaxIterations <= 0 {
		return errors.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.RelativeFitness < 0 || c.RelativeRMSE < 0 {
		return errors.New("relative convergence thresholds must be non-negative")
	}
	return nil
}

// TerminationReason records which terminal state the solver loop reached.
type TerminationReason int

const (
	// TerminationConverged means both relative convergence thresholds were met.
	TerminationConverged TerminationReason = iota
	// TerminationMaxIterations means the iteration budget ran out. Not an
	// error; callers judge quality from fitness and RMSE.
	TerminationMaxIterations
	// TerminationCancelled means the context was cancelled between iterations.
	TerminationCancelled
)

func (t TerminationReason) String() string {
	switch t {
	case TerminationConverged:
		return "converged"
	case TerminationMaxIterations:
		return "max_iterations"
	case TerminationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RegistrationResult is the outcome of one solver invocation.
type RegistrationResult struct {
	Transformation *spatialmath.RigidTransform
	Fitness        float64
	InlierRMSE     float64
	Iterations     int
	Termination    TerminationReason
}

// ICPConfig configures a single-resolution ICP solve.
type ICPConfig struct {
	// MaxCorrespondenceDistance gates nearest-neighbor matches.
	MaxCorrespondenceDistance float64
	// Estimator is the transformation model; nil defaults to point-to-point.
	Estimator Estimator
	// Criteria bounds the loop; the zero value is replaced with defaults.
	Criteria ConvergenceCriteria
	// InitialGuess seeds the cumulative transform; nil means identity.
	InitialGuess *spatialmath.RigidTransform
}

// solverState is the explicit state of the fixed-point loop, so iteration
// limits, convergence, and cancellation are first-class transitions.
type solverState int

const (
	stateInitializing solverState = iota
	stateIterating
	stateConverged
	stateMaxIterations
	stateCancelled
)

type icpSolver struct {
	state    solverState
	config   ICPConfig
	logger   golog.Logger
	estimator Estimator

	target     *pointcloud.PointCloud
	targetTree *pointcloud.KDTree

	cumulative *spatialmath.RigidTransform
	working    *pointcloud.PointCloud

	fitness    float64
	rmse       float64
	iterations int
}

// RegisterICP rigidly aligns source onto target at a single resolution. The
// returned transform maps source coordinates into the target frame. A nil
// result is only returned alongside an error; cancellation returns the
// partial result together with the context error.
func RegisterICP(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	config ICPConfig,
	logger golog.Logger,
) (*RegistrationResult, error) {
	if source == nil || target == nil {
		return nil, errors.New("source and target clouds are required")
	}
	if config.MaxCorrespondenceDistance <= 0 {
		return nil, errors.Errorf("max correspondence distance must be positive, got %f",
			config.MaxCorrespondenceDistance)
	}
	if config.Estimator == nil {
		config.Estimator = NewPointToPoint()
	}
	if config.Criteria == (ConvergenceCriteria{}) {
		config.Criteria = DefaultConvergenceCriteria()
	}
	if err := config.Criteria.Validate(); err != nil {
		return nil, err
	}
	if err := config.Estimator.Validate(source, target); err != nil {
		return nil, err
	}

	solver := &icpSolver{
		state:    stateInitializing,
		config:   config,
		logger:   logger,
		estimator: config.Estimator,
		target:   target,
	}
	return solver.run(ctx, source)
}

func (s *icpSolver) run(ctx context.Context, source *pointcloud.PointCloud) (*RegistrationResult, error) {
	// initialization: per-solve structures are built once, then the loop only
	// reads them
	s.targetTree = pointcloud.BuildKDTree(s.target)
	if p, ok := s.estimator.(targetPreparer); ok {
		if err := p.PrepareTarget(ctx, s.target, s.config.MaxCorrespondenceDistance); err != nil {
			return nil, err
		}
	}
	s.cumulative = spatialmath.NewRigidTransform()
	if s.config.InitialGuess != nil {
		s.cumulative = s.config.InitialGuess.Clone()
	}
	s.working = source.Transform(s.cumulative)
	s.state = stateIterating

	var prevFitness, prevRMSE float64
	havePrev := false
	for iter := 0; s.state == stateIterating; iter++ {
		if err := ctx.Err(); err != nil {
			s.state = stateCancelled
			return s.result(), err
		}

		corrs := FindCorrespondences(ctx, s.working, s.targetTree, s.config.MaxCorrespondenceDistance)
		if len(corrs) == 0 {
			if iter == 0 {
				return nil, errors.Wrapf(ErrNoCorrespondences,
					"no matches within %f under the initial guess", s.config.MaxCorrespondenceDistance)
			}
			// matches vanished after an update; metrics cannot change anymore
			s.state = stateConverged
			break
		}

		inc, err := s.estimator.EstimateIncrement(ctx, corrs, s.working, s.target)
		if err != nil {
			return nil, err
		}
		s.fitness = inc.Fitness
		s.rmse = inc.InlierRMSE
		s.iterations = iter + 1
		s.logger.Debugw("icp iteration",
			"estimator", s.estimator.Name(),
			"iteration", iter,
			"correspondences", len(corrs),
			"fitness", inc.Fitness,
			"rmse", inc.InlierRMSE,
		)

		s.cumulative = inc.Transform.Compose(s.cumulative)
		s.cumulative.Orthonormalize()
		s.working.TransformInPlace(inc.Transform)

		switch {
		case havePrev &&
			math.Abs(inc.Fitness-prevFitness) < s.config.Criteria.RelativeFitness &&
			math.Abs(inc.InlierRMSE-prevRMSE) < s.config.Criteria.RelativeRMSE:
			s.state = stateConverged
		case iter+1 >= s.config.Criteria.MaxIterations:
			s.state = stateMaxIterations
		}
		prevFitness, prevRMSE = inc.Fitness, inc.InlierRMSE
		havePrev = true
	}
	return s.result(), nil
}

func (s *icpSolver) result() *RegistrationResult {
	reason := TerminationConverged
	switch s.state {
	case stateMaxIterations:
		reason = TerminationMaxIterations
	case stateCancelled:
		reason = TerminationCancelled
	}
	return &RegistrationResult{
		Transformation: s.cumulative,
		Fitness:        s.fitness,
		InlierRMSE:     s.rmse,
		Iterations:     s.iterations,
		Termination:    reason,
	}
}

// EvaluateRegistration measures how well a fixed transform aligns source onto
// target: the accepted-correspondence fraction and the RMS point distance over
// accepted correspondences.
func EvaluateRegistration(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	maxCorrespondenceDistance float64,
	rt *spatialmath.RigidTransform,
) (fitnessOut, rmse float64, err error) {
	if maxCorrespondenceDistance <= 0 {
		return 0, 0, errors.Errorf("max correspondence distance must be positive, got %f",
			maxCorrespondenceDistance)
	}
	if rt == nil {
		rt = spatialmath.NewRigidTransform()
	}
	moved := source.Transform(rt)
	tree := pointcloud.BuildKDTree(target)
	corrs := FindCorrespondences(ctx, moved, tree, maxCorrespondenceDistance)
	if len(corrs) == 0 {
		return 0, 0, nil
	}
	var residualSq float64
	for _, c := range corrs {
		residualSq += c.SquaredDistance
	}
	return fitness(corrs, source.Size()), math.Sqrt(residualSq / float64(len(corrs))), nil
}
