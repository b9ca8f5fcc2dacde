// Package mpc builds and solves the receding-horizon HVAC problem: per-zone
// temperature and control trajectories under box bounds, minimizing energy
// cost plus a weighted occupancy comfort cost by Adam gradient descent.
package mpc

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BoundMode selects how the box constraints are enforced during descent
type BoundMode string

// Bound modes
const (
	// BoundProjected clamps the iterate onto the box after every step.
	BoundProjected BoundMode = "projected"
	// BoundPenalty adds weight·max(0, g)² per constraint to the objective
	// during descent and projects the final iterate onto the box.
	BoundPenalty BoundMode = "penalty"
)

// ctxCheckInterval is how many iterations run between context checks
const ctxCheckInterval = 100

// SolverConfig holds the Adam hyper-parameters and termination settings
type SolverConfig struct {
	MaxIterations int
	LearningRate  float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	BoundMode     BoundMode
	PenaltyWeight float64 // only used with BoundPenalty
	Tolerance     float64 // gradient-norm early stop, 0 = run all iterations
}

// DefaultSolverConfig returns 1000 Adam iterations at learning rate 0.01
// with projected bounds and no early stopping.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxIterations: 1000,
		LearningRate:  0.01,
		Beta1:         0.9,
		Beta2:         0.999,
		Epsilon:       1e-8,
		BoundMode:     BoundProjected,
		PenaltyWeight: 100.0,
		Tolerance:     0,
	}
}

// Validate checks the solver configuration
func (c SolverConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got: %d", c.MaxIterations)
	}
	if c.LearningRate <= 0 || math.IsInf(c.LearningRate, 0) || math.IsNaN(c.LearningRate) {
		return fmt.Errorf("learning rate must be a positive number, got: %f", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got: %f", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1), got: %f", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be greater than 0, got: %g", c.Epsilon)
	}
	switch c.BoundMode {
	case BoundProjected:
	case BoundPenalty:
		if c.PenaltyWeight <= 0 {
			return fmt.Errorf("penalty weight must be greater than 0, got: %f", c.PenaltyWeight)
		}
	default:
		return fmt.Errorf("invalid bound mode: %s, must be one of: projected, penalty", c.BoundMode)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got: %g", c.Tolerance)
	}
	return nil
}

// Result is the outcome of one solve
type Result struct {
	Solution     Solution
	Iterations   int
	Objective    float64
	EnergyCost   float64
	ComfortCost  float64
	GradientNorm float64
	MaxViolation float64
	Converged    bool // true when the tolerance stopped the descent early
}

// Solver runs Adam over all decision variables of a problem jointly.
// It keeps no state between solves.
type Solver struct {
	config SolverConfig
}

// NewSolver creates a solver with the given configuration
func NewSolver(config SolverConfig) *Solver {
	return &Solver{config: config}
}

// Config returns the solver configuration
func (s *Solver) Config() SolverConfig {
	return s.config
}

// WithLearningRate returns a copy of the solver using a different learning rate
func (s *Solver) WithLearningRate(lr float64) *Solver {
	cfg := s.config
	cfg.LearningRate = lr
	return &Solver{config: cfg}
}

// Solve minimizes the problem objective starting from the variables' initial values
func (s *Solver) Solve(ctx context.Context, p *Problem) (*Result, error) {
	return s.solve(ctx, p, p.InitialPoint())
}

// SolveFrom minimizes the problem objective starting from a previous solution
func (s *Solver) SolveFrom(ctx context.Context, p *Problem, start Solution) (*Result, error) {
	return s.solve(ctx, p, p.PointFrom(start))
}

func (s *Solver) solve(ctx context.Context, p *Problem, x []float64) (*Result, error) {
	cfg := s.config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid solver config: %w", err)
	}

	n := p.Dim()
	m := make([]float64, n)  // first moment
	v := make([]float64, n)  // second moment
	g := make([]float64, n)  // gradient
	sq := make([]float64, n) // squared gradient

	projected := cfg.BoundMode == BoundProjected
	if projected {
		p.Project(x)
	}

	result := &Result{}
	beta1Pow, beta2Pow := 1.0, 1.0

	for k := 1; k <= cfg.MaxIterations; k++ {
		if k%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("solve cancelled at iteration %d: %w", k, err)
			}
		}

		p.Gradient(x, g)
		if !projected {
			p.AddPenaltyGradient(x, g, cfg.PenaltyWeight)
		}
		if i, bad := firstNonFinite(g); bad {
			return nil, &NumericalDivergenceError{Iteration: k, Variable: p.variableAt(i).Name, Quantity: "gradient"}
		}

		result.GradientNorm = s.stationarity(p, x, g)
		if cfg.Tolerance > 0 && result.GradientNorm <= cfg.Tolerance {
			result.Converged = true
			break
		}

		beta1Pow *= cfg.Beta1
		beta2Pow *= cfg.Beta2

		floats.Scale(cfg.Beta1, m)
		floats.AddScaled(m, 1-cfg.Beta1, g)
		floats.MulTo(sq, g, g)
		floats.Scale(cfg.Beta2, v)
		floats.AddScaled(v, 1-cfg.Beta2, sq)

		for i := range x {
			mHat := m[i] / (1 - beta1Pow)
			vHat := v[i] / (1 - beta2Pow)
			x[i] -= cfg.LearningRate * mHat / (math.Sqrt(vHat) + cfg.Epsilon)
		}

		if projected {
			p.Project(x)
		}
		if i, bad := firstNonFinite(x); bad {
			return nil, &NumericalDivergenceError{Iteration: k, Variable: p.variableAt(i).Name, Quantity: "iterate"}
		}

		result.Iterations = k
	}

	// penalty descent only keeps the iterate near the box
	if !projected {
		p.Project(x)
	}

	result.EnergyCost = p.EnergyCost(x)
	result.ComfortCost = p.ComfortCost(x)
	result.Objective = result.EnergyCost + p.Settings.ComfortWeight*result.ComfortCost
	if math.IsNaN(result.Objective) || math.IsInf(result.Objective, 0) {
		return nil, &NumericalDivergenceError{Iteration: result.Iterations, Quantity: "objective"}
	}

	result.MaxViolation = p.Violation(x)
	result.Solution = p.Solution(x)
	return result, nil
}

// stationarity returns the norm of the gradient with the components that
// point out of an active bound removed, so a solution sitting on a bound
// still counts as converged.
func (s *Solver) stationarity(p *Problem, x, g []float64) float64 {
	if s.config.BoundMode != BoundProjected {
		return floats.Norm(g, 2)
	}

	pg := append([]float64(nil), g...)
	for _, c := range p.Constraints {
		v := p.byName[c.Variable]
		values := p.view(x, v)
		grad := p.view(pg, v)
		for t, xi := range values {
			// descent moves along -g; drop it when that would leave the box
			if c.Expression(xi) >= 0 && -grad[t]*c.slope() > 0 {
				grad[t] = 0
			}
		}
	}
	return floats.Norm(pg, 2)
}

// Solve runs a fresh Adam solve with the given iteration budget and learning
// rate, using the remaining defaults.
func Solve(p *Problem, maxIterations int, learningRate float64) (Solution, error) {
	cfg := DefaultSolverConfig()
	cfg.MaxIterations = maxIterations
	cfg.LearningRate = learningRate

	result, err := NewSolver(cfg).Solve(context.Background(), p)
	if err != nil {
		return nil, err
	}
	return result.Solution, nil
}

func firstNonFinite(values []float64) (int, bool) {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i, true
		}
	}
	return -1, false
}
