// Package control runs the receding-horizon control loop against a
// simulation backend: fetch forecast, build and solve the horizon problem,
// apply the first action per zone, advance, repeat.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devskill-org/hvac-mpc/boptest"
	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/forecast"
	"github.com/devskill-org/hvac-mpc/logging"
	"github.com/devskill-org/hvac-mpc/mpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Backend is the simulation service driven by the loop
type Backend interface {
	Forecast(ctx context.Context) (map[string][]float64, error)
	Advance(ctx context.Context, actions map[string]float64) (map[string]float64, error)
	Measurements(ctx context.Context) (map[string]float64, error)
}

// Recorder receives every completed step. Recorder failures are logged and
// never stop the loop.
type Recorder interface {
	RecordStep(ctx context.Context, rec *StepRecord) error
}

// RecorderFunc adapts a function to the Recorder interface
type RecorderFunc func(ctx context.Context, rec *StepRecord) error

// RecordStep calls f(ctx, rec)
func (f RecorderFunc) RecordStep(ctx context.Context, rec *StepRecord) error {
	return f(ctx, rec)
}

// Policy holds the run length and failure handling of the loop
type Policy struct {
	Steps             int
	APITimeout        time.Duration
	BackendRetries    int
	RetryBackoff      time.Duration
	DivergenceRetries int
	WarmStart         bool
}

// DefaultPolicy runs one week of hourly steps
func DefaultPolicy() Policy {
	return Policy{
		Steps:             168,
		APITimeout:        30 * time.Second,
		BackendRetries:    3,
		RetryBackoff:      1 * time.Second,
		DivergenceRetries: 2,
		WarmStart:         false,
	}
}

// Validate checks the policy values
func (p Policy) Validate() error {
	if p.Steps < 1 {
		return fmt.Errorf("steps must be at least 1, got: %d", p.Steps)
	}
	if p.APITimeout <= 0 {
		return fmt.Errorf("api timeout must be greater than 0, got: %s", p.APITimeout)
	}
	if p.BackendRetries < 0 {
		return fmt.Errorf("backend retries must be non-negative, got: %d", p.BackendRetries)
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must be non-negative, got: %s", p.RetryBackoff)
	}
	if p.DivergenceRetries < 0 {
		return fmt.Errorf("divergence retries must be non-negative, got: %d", p.DivergenceRetries)
	}
	return nil
}

// StepRecord describes one completed control step
type StepRecord struct {
	RunID               uuid.UUID          `json:"run_id"`
	Step                int                `json:"step"`
	StartedAt           time.Time          `json:"started_at"`
	Actions             map[string]float64 `json:"actions"`
	PlannedTemperatures map[string]float64 `json:"planned_temperatures"`
	Measurements        map[string]float64 `json:"measurements,omitempty"`
	Price               float64            `json:"price"`
	EnergyCost          decimal.Decimal    `json:"energy_cost"`
	Objective           float64            `json:"objective"`
	ComfortCost         float64            `json:"comfort_cost"`
	Iterations          int                `json:"iterations"`
	SolveAttempts       int                `json:"solve_attempts"`
	LearningRate        float64            `json:"learning_rate"`
	Converged           bool               `json:"converged"`
	WarmStarted         bool               `json:"warm_started"`
	SolveDuration       time.Duration      `json:"solve_duration"`
	Duration            time.Duration      `json:"duration"`
}

// ZoneActions returns the applied actions keyed by zone name
func (r *StepRecord) ZoneActions() map[string]float64 {
	out := make(map[string]float64, len(r.Actions))
	for key, v := range r.Actions {
		out[strings.TrimPrefix(key, "hvac_")] = v
	}
	return out
}

// RunReport summarizes a run
type RunReport struct {
	RunID           uuid.UUID       `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Steps           []*StepRecord   `json:"steps"`
	TotalEnergyCost decimal.Decimal `json:"total_energy_cost"`

	// InitialMeasurements is the backend state before the first step
	InitialMeasurements map[string]float64 `json:"initial_measurements,omitempty"`
}

// Completed returns the number of steps applied
func (r *RunReport) Completed() int {
	return len(r.Steps)
}

// Plan is the solved horizon problem for the current backend state
type Plan struct {
	Bundle        *forecast.Bundle
	Problem       *mpc.Problem
	Result        *mpc.Result
	Attempts      int
	LearningRate  float64
	WarmStarted   bool
	SolveDuration time.Duration
}

// Status is a snapshot of the loop for monitoring
type Status struct {
	RunID           string          `json:"run_id"`
	IsRunning       bool            `json:"is_running"`
	CompletedSteps  int             `json:"completed_steps"`
	TotalSteps      int             `json:"total_steps"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	LastStep        *StepRecord     `json:"last_step,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	TotalEnergyCost decimal.Decimal `json:"total_energy_cost"`
}

// Loop is the receding-horizon controller
type Loop struct {
	backend   Backend
	topology  building.Topology
	adapter   *forecast.Adapter
	builder   *mpc.Builder
	solver    *mpc.Solver
	policy    Policy
	recorders []Recorder
	metrics   *Metrics
	logger    *zap.Logger

	mu       sync.RWMutex
	runID    uuid.UUID
	status   Status
	previous mpc.Solution
}

// NewLoop creates a control loop. Every setting is validated up front so a
// run never starts with a configuration that cannot produce a plan.
func NewLoop(backend Backend, topology building.Topology, settings mpc.Settings, solver mpc.SolverConfig, policy Policy, logger *zap.Logger) (*Loop, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid problem settings: %w", err)
	}
	if err := solver.Validate(); err != nil {
		return nil, fmt.Errorf("invalid solver config: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	runID := uuid.New()
	return &Loop{
		backend:  backend,
		topology: topology,
		adapter:  forecast.NewAdapter(topology),
		builder:  mpc.NewBuilder(settings),
		solver:   mpc.NewSolver(solver),
		policy:   policy,
		logger:   logging.OrNop(logger).Named("control"),
		runID:    runID,
		status: Status{
			RunID:      runID.String(),
			TotalSteps: policy.Steps,
		},
	}, nil
}

// AddRecorder registers a step recorder
func (l *Loop) AddRecorder(r Recorder) {
	l.recorders = append(l.recorders, r)
}

// SetMetrics enables metric collection
func (l *Loop) SetMetrics(m *Metrics) {
	l.metrics = m
}

// Topology returns the controlled topology
func (l *Loop) Topology() building.Topology {
	return l.topology
}

// RunID returns the identifier of the current run
func (l *Loop) RunID() uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runID
}

// Status returns a snapshot of the loop state
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Run performs policy.Steps sequential control steps. The first failing
// step aborts the run; the report holds every step applied before it.
func (l *Loop) Run(ctx context.Context) (*RunReport, error) {
	startedAt := time.Now()

	l.mu.Lock()
	l.runID = uuid.New()
	l.previous = nil
	l.status = Status{
		RunID:      l.runID.String(),
		IsRunning:  true,
		TotalSteps: l.policy.Steps,
		StartedAt:  &startedAt,
	}
	report := &RunReport{RunID: l.runID, StartedAt: startedAt, TotalEnergyCost: decimal.Zero}
	l.mu.Unlock()

	l.logger.Info("Starting control run",
		zap.String("run_id", report.RunID.String()),
		zap.Int("steps", l.policy.Steps),
		zap.Int("horizon", l.topology.Horizon),
		zap.Int("zones", len(l.topology.Zones)))

	initial, err := l.Measurements(ctx)
	if err != nil {
		l.logger.Warn("Failed to read initial measurements", zap.Error(err))
	}
	report.InitialMeasurements = initial

	var runErr error
	for i := 0; i < l.policy.Steps; i++ {
		rec, err := l.Step(ctx, i)
		if err != nil {
			runErr = err
			break
		}
		report.Steps = append(report.Steps, rec)
		report.TotalEnergyCost = report.TotalEnergyCost.Add(rec.EnergyCost)
	}
	report.FinishedAt = time.Now()

	l.mu.Lock()
	l.status.IsRunning = false
	l.status.FinishedAt = &report.FinishedAt
	if runErr != nil {
		l.status.LastError = runErr.Error()
	}
	l.mu.Unlock()

	if runErr != nil {
		l.logger.Error("Control run aborted",
			zap.String("run_id", report.RunID.String()),
			zap.Int("completed_steps", report.Completed()),
			zap.Error(runErr))
		return report, runErr
	}

	l.logger.Info("Control run completed",
		zap.String("run_id", report.RunID.String()),
		zap.Int("completed_steps", report.Completed()),
		zap.String("total_energy_cost", report.TotalEnergyCost.StringFixed(4)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// Step performs one control step: plan, apply the first action per zone,
// advance the backend and record the outcome. No action reaches the backend
// unless the solve for this step succeeded.
func (l *Loop) Step(ctx context.Context, step int) (*StepRecord, error) {
	startedAt := time.Now()
	log := l.logger.With(zap.Int("step", step+1))

	plan, err := l.Plan(ctx)
	if err != nil {
		return nil, l.fail(step, err)
	}

	actions, err := plan.Result.Solution.FirstActions(l.topology.Zones)
	if err != nil {
		return nil, l.fail(step, &StepError{Kind: KindInternal, Err: err})
	}
	log.Debug("Applying actions", zap.Any("actions", actions))

	var measurements map[string]float64
	err = l.call(ctx, "advance", func(ctx context.Context) error {
		var err error
		measurements, err = l.backend.Advance(ctx, actions)
		return err
	})
	if err != nil {
		return nil, l.fail(step, backendFailure(ctx, "advance", err))
	}

	price := plan.Bundle.Price()[0]
	cost := decimal.Zero
	planned := make(map[string]float64, len(l.topology.Zones))
	for _, z := range l.topology.Zones {
		cost = cost.Add(decimal.NewFromFloat(actions[mpc.ActionKey(z)]).Mul(decimal.NewFromFloat(price)))
		planned[string(z)] = plan.Result.Solution.Temp(z)[0]
	}

	rec := &StepRecord{
		RunID:               l.RunID(),
		Step:                step,
		StartedAt:           startedAt,
		Actions:             actions,
		PlannedTemperatures: planned,
		Measurements:        measurements,
		Price:               price,
		EnergyCost:          cost,
		Objective:           plan.Result.Objective,
		ComfortCost:         plan.Result.ComfortCost,
		Iterations:          plan.Result.Iterations,
		SolveAttempts:       plan.Attempts,
		LearningRate:        plan.LearningRate,
		Converged:           plan.Result.Converged,
		WarmStarted:         plan.WarmStarted,
		SolveDuration:       plan.SolveDuration,
		Duration:            time.Since(startedAt),
	}

	l.mu.Lock()
	if l.policy.WarmStart {
		l.previous = plan.Result.Solution.ShiftForward()
	}
	l.status.CompletedSteps++
	l.status.LastStep = rec
	l.status.TotalEnergyCost = l.status.TotalEnergyCost.Add(cost)
	l.mu.Unlock()

	l.metrics.observeStep(rec)
	l.record(ctx, rec)

	log.Info("Control step completed",
		zap.Float64("objective", rec.Objective),
		zap.String("energy_cost", rec.EnergyCost.StringFixed(4)),
		zap.Int("iterations", rec.Iterations),
		zap.Int("solve_attempts", rec.SolveAttempts),
		zap.Duration("solve", rec.SolveDuration))
	return rec, nil
}

// Plan fetches the forecast and solves the horizon problem without applying
// anything. Errors are *StepError without a step index.
func (l *Loop) Plan(ctx context.Context) (*Plan, error) {
	var raw map[string][]float64
	err := l.call(ctx, "forecast", func(ctx context.Context) error {
		var err error
		raw, err = l.backend.Forecast(ctx)
		return err
	})
	if err != nil {
		return nil, backendFailure(ctx, "forecast", err)
	}

	bundle, err := l.adapter.Process(raw)
	if err != nil {
		return nil, &StepError{Kind: KindInvalidForecast, Err: err}
	}

	problem, err := l.builder.Build(bundle, l.topology)
	if err != nil {
		if forecast.IsInvalidForecast(err) {
			return nil, &StepError{Kind: KindInvalidForecast, Err: err}
		}
		return nil, &StepError{Kind: KindInternal, Err: err}
	}

	l.mu.RLock()
	previous := l.previous
	l.mu.RUnlock()

	solver := l.solver
	plan := &Plan{Bundle: bundle, Problem: problem}
	solveStart := time.Now()
	for attempt := 0; ; attempt++ {
		plan.Attempts = attempt + 1
		plan.LearningRate = solver.Config().LearningRate
		plan.WarmStarted = attempt == 0 && previous != nil

		var result *mpc.Result
		if plan.WarmStarted {
			result, err = solver.SolveFrom(ctx, problem, previous)
		} else {
			result, err = solver.Solve(ctx, problem)
		}
		if err == nil {
			plan.Result = result
			break
		}

		if ctx.Err() != nil {
			return nil, &StepError{Kind: KindCancelled, Err: err}
		}
		if !mpc.IsNumericalDivergence(err) {
			return nil, &StepError{Kind: KindInternal, Err: err}
		}
		if attempt >= l.policy.DivergenceRetries {
			return nil, &StepError{Kind: KindDivergence, Err: err}
		}

		// retry cold with a smaller step
		solver = solver.WithLearningRate(solver.Config().LearningRate / 2)
		l.logger.Warn("Solver diverged, retrying with halved learning rate",
			zap.Int("attempt", attempt+1),
			zap.Float64("learning_rate", solver.Config().LearningRate),
			zap.Error(err))
	}
	plan.SolveDuration = time.Since(solveStart)
	return plan, nil
}

// Measurements reads the current backend measurements
func (l *Loop) Measurements(ctx context.Context) (map[string]float64, error) {
	var measurements map[string]float64
	err := l.call(ctx, "measurements", func(ctx context.Context) error {
		var err error
		measurements, err = l.backend.Measurements(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return measurements, nil
}

// call runs a backend operation with a per-call timeout, retrying retryable
// failures with exponential backoff.
func (l *Loop) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	backoff := l.policy.RetryBackoff
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, l.policy.APITimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= l.policy.BackendRetries || !retryable(err) {
			return err
		}

		l.metrics.observeRetry(operation)
		l.logger.Warn("Backend call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (l *Loop) record(ctx context.Context, rec *StepRecord) {
	for _, r := range l.recorders {
		if err := r.RecordStep(ctx, rec); err != nil {
			l.logger.Warn("Failed to record step",
				zap.Int("step", rec.Step+1),
				zap.String("recorder", fmt.Sprintf("%T", r)),
				zap.Error(err))
		}
	}
}

func (l *Loop) fail(step int, err error) error {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		stepErr = &StepError{Kind: KindInternal, Err: err}
	}
	stepErr.Step = step
	l.metrics.observeFailure(stepErr.Kind)
	return stepErr
}

// retryable reports whether a failed backend call may succeed when repeated
func retryable(err error) bool {
	if boptest.IsBackendUnavailable(err) {
		return boptest.IsRetryable(err)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func backendFailure(ctx context.Context, operation string, err error) *StepError {
	if ctx.Err() != nil {
		return &StepError{Kind: KindCancelled, Err: err}
	}
	return &StepError{Kind: KindBackend, Err: fmt.Errorf("%s: %w", operation, err)}
}
