package mpc

import (
	"fmt"
	"math"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/forecast"
	"gonum.org/v1/gonum/floats"
)

// Initialization selects the starting point of every decision variable
type Initialization string

// Supported initializations
const (
	InitMidpoint Initialization = "midpoint" // middle of the variable's bounds
	InitZero     Initialization = "zero"
)

// Settings holds the policy values of the comfort/cost trade-off
type Settings struct {
	ComfortWeight    float64 // lambda applied to the comfort cost
	ComfortSetpoint  float64 // °C
	TempMin          float64 // °C
	TempMax          float64 // °C
	HVACMin          float64 // control signal (0-1)
	HVACMax          float64 // control signal (0-1)
	SmoothingEpsilon float64 // width of the smoothed absolute value, 0 = plain subgradient
	Init             Initialization
}

// DefaultSettings returns the reference weighting: lambda 10, 23 °C setpoint,
// temperatures within 20-26 °C and a 0-1 control range.
func DefaultSettings() Settings {
	return Settings{
		ComfortWeight:    10.0,
		ComfortSetpoint:  23.0,
		TempMin:          20.0,
		TempMax:          26.0,
		HVACMin:          0.0,
		HVACMax:          1.0,
		SmoothingEpsilon: 1e-3,
		Init:             InitMidpoint,
	}
}

// Validate checks that the settings describe a well-formed problem
func (s Settings) Validate() error {
	if s.ComfortWeight < 0 {
		return fmt.Errorf("comfort weight must be non-negative, got: %f", s.ComfortWeight)
	}
	if s.TempMin > s.TempMax {
		return fmt.Errorf("temperature minimum (%f) cannot be greater than maximum (%f)", s.TempMin, s.TempMax)
	}
	if s.HVACMin > s.HVACMax {
		return fmt.Errorf("hvac minimum (%f) cannot be greater than maximum (%f)", s.HVACMin, s.HVACMax)
	}
	if s.SmoothingEpsilon < 0 {
		return fmt.Errorf("smoothing epsilon must be non-negative, got: %f", s.SmoothingEpsilon)
	}
	switch s.Init {
	case InitMidpoint, InitZero:
	default:
		return fmt.Errorf("invalid initialization: %s, must be one of: midpoint, zero", s.Init)
	}
	return nil
}

// VariableKind distinguishes zone temperature trajectories from control trajectories
type VariableKind int

// Variable kinds
const (
	KindTemperature VariableKind = iota
	KindHVAC
)

func (k VariableKind) String() string {
	if k == KindHVAC {
		return "hvac"
	}
	return "temp"
}

// VariableName returns the name of the decision variable of a zone, e.g. "hvac_cor"
func VariableName(kind VariableKind, zone building.Zone) string {
	return fmt.Sprintf("%s_%s", kind, zone)
}

// Variable is one per-zone decision trajectory over the horizon
type Variable struct {
	Name    string
	Zone    building.Zone
	Kind    VariableKind
	Initial []float64

	offset int
}

// Len returns the number of timesteps of the variable
func (v *Variable) Len() int {
	return len(v.Initial)
}

// BoundSide tells whether a constraint caps a variable from above or below
type BoundSide int

// Bound sides
const (
	UpperBound BoundSide = iota
	LowerBound
)

// Constraint is the elementwise inequality expression(x) <= 0 on one variable.
// Only box bounds are modelled: x - Bound for upper bounds and Bound - x for lower bounds.
type Constraint struct {
	Name     string
	Variable string
	Side     BoundSide
	Bound    float64
}

// Expression evaluates the constraint expression for a single value
func (c Constraint) Expression(x float64) float64 {
	if c.Side == UpperBound {
		return x - c.Bound
	}
	return c.Bound - x
}

// Satisfied reports whether every element of values satisfies the constraint within tol
func (c Constraint) Satisfied(values []float64, tol float64) bool {
	for _, x := range values {
		if c.Expression(x) > tol {
			return false
		}
	}
	return true
}

func (c Constraint) slope() float64 {
	if c.Side == UpperBound {
		return 1
	}
	return -1
}

// Problem is one finite-horizon optimization problem bound to a forecast.
// Decision variables are laid out back to back in a flat vector: all
// temperature trajectories first, then all control trajectories, zones in
// topology order.
type Problem struct {
	Topology    building.Topology
	Settings    Settings
	Variables   []*Variable
	Constraints []Constraint

	byName    map[string]*Variable
	temp      map[building.Zone]*Variable
	hvac      map[building.Zone]*Variable
	price     []float64
	occupancy map[building.Zone][]float64
	dim       int
}

// Builder constructs problems from forecasts
type Builder struct {
	settings Settings
}

// NewBuilder creates a problem builder with the given policy settings
func NewBuilder(settings Settings) *Builder {
	return &Builder{settings: settings}
}

// Settings returns the builder's policy settings
func (b *Builder) Settings() Settings {
	return b.settings
}

// Build creates the decision variables, bound constraints and objective for
// the zones and horizon of the topology. The bundle must satisfy its
// invariant for that topology, otherwise a *forecast.InvalidForecastError is returned.
func (b *Builder) Build(bundle *forecast.Bundle, topology building.Topology) (*Problem, error) {
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if err := b.settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if err := bundle.Validate(topology.Zones, topology.Horizon); err != nil {
		return nil, err
	}

	s := b.settings
	h := topology.Horizon
	n := len(topology.Zones)

	p := &Problem{
		Topology:    topology,
		Settings:    s,
		Variables:   make([]*Variable, 0, 2*n),
		Constraints: make([]Constraint, 0, 4*n),
		byName:      make(map[string]*Variable, 2*n),
		temp:        make(map[building.Zone]*Variable, n),
		hvac:        make(map[building.Zone]*Variable, n),
		price:       append([]float64(nil), bundle.Price()...),
		occupancy:   make(map[building.Zone][]float64, n),
	}

	for _, z := range topology.Zones {
		p.occupancy[z] = append([]float64(nil), bundle.Occupancy(z)...)
		p.temp[z] = p.addVariable(KindTemperature, z, h, s.TempMin, s.TempMax)
	}
	for _, z := range topology.Zones {
		p.hvac[z] = p.addVariable(KindHVAC, z, h, s.HVACMin, s.HVACMax)
	}

	for _, z := range topology.Zones {
		temp := p.temp[z].Name
		hvac := p.hvac[z].Name
		p.Constraints = append(p.Constraints,
			Constraint{Name: "max_temp_" + string(z), Variable: temp, Side: UpperBound, Bound: s.TempMax},
			Constraint{Name: "min_temp_" + string(z), Variable: temp, Side: LowerBound, Bound: s.TempMin},
			Constraint{Name: "max_hvac_" + string(z), Variable: hvac, Side: UpperBound, Bound: s.HVACMax},
			Constraint{Name: "min_hvac_" + string(z), Variable: hvac, Side: LowerBound, Bound: s.HVACMin},
		)
	}

	return p, nil
}

func (p *Problem) addVariable(kind VariableKind, zone building.Zone, horizon int, lower, upper float64) *Variable {
	start := 0.0
	if p.Settings.Init == InitMidpoint {
		start = (lower + upper) / 2
	}

	initial := make([]float64, horizon)
	for i := range initial {
		initial[i] = start
	}

	v := &Variable{
		Name:    VariableName(kind, zone),
		Zone:    zone,
		Kind:    kind,
		Initial: initial,
		offset:  p.dim,
	}
	p.dim += horizon
	p.Variables = append(p.Variables, v)
	p.byName[v.Name] = v
	return v
}

// Dim returns the total number of scalar decision values
func (p *Problem) Dim() int {
	return p.dim
}

// Variable looks up a decision variable by name
func (p *Problem) Variable(name string) (*Variable, bool) {
	v, ok := p.byName[name]
	return v, ok
}

// variableAt returns the variable owning flat index i
func (p *Problem) variableAt(i int) *Variable {
	for _, v := range p.Variables {
		if i >= v.offset && i < v.offset+v.Len() {
			return v
		}
	}
	return nil
}

func (p *Problem) view(x []float64, v *Variable) []float64 {
	return x[v.offset : v.offset+v.Len()]
}

// InitialPoint returns a fresh flat vector holding every variable's initial values
func (p *Problem) InitialPoint() []float64 {
	x := make([]float64, p.dim)
	for _, v := range p.Variables {
		copy(p.view(x, v), v.Initial)
	}
	return x
}

// PointFrom builds a flat vector from a previous solution. Variables missing
// from the solution or of the wrong length keep their initial values.
func (p *Problem) PointFrom(sol Solution) []float64 {
	x := p.InitialPoint()
	for _, v := range p.Variables {
		if values, ok := sol[v.Name]; ok && len(values) == v.Len() {
			copy(p.view(x, v), values)
		}
	}
	return x
}

// EnergyCost returns sum over zones of hvac·price
func (p *Problem) EnergyCost(x []float64) float64 {
	cost := 0.0
	for _, z := range p.Topology.Zones {
		cost += floats.Dot(p.view(x, p.hvac[z]), p.price)
	}
	return cost
}

// ComfortCost returns sum over zones of |temp - setpoint|·occupancy, unweighted
func (p *Problem) ComfortCost(x []float64) float64 {
	cost := 0.0
	for _, z := range p.Topology.Zones {
		temps := p.view(x, p.temp[z])
		occ := p.occupancy[z]
		for t, temp := range temps {
			cost += p.smoothAbs(temp-p.Settings.ComfortSetpoint) * occ[t]
		}
	}
	return cost
}

// Objective returns energy_cost + lambda·comfort_cost
func (p *Problem) Objective(x []float64) float64 {
	return p.EnergyCost(x) + p.Settings.ComfortWeight*p.ComfortCost(x)
}

// Gradient writes the gradient of the objective at x into grad
func (p *Problem) Gradient(x, grad []float64) {
	lambda := p.Settings.ComfortWeight
	for _, z := range p.Topology.Zones {
		copy(p.view(grad, p.hvac[z]), p.price)

		temps := p.view(x, p.temp[z])
		g := p.view(grad, p.temp[z])
		occ := p.occupancy[z]
		for t, temp := range temps {
			g[t] = lambda * occ[t] * p.smoothAbsDeriv(temp-p.Settings.ComfortSetpoint)
		}
	}
}

// Penalty returns weight·Σ max(0, expression)² over every constraint element
func (p *Problem) Penalty(x []float64, weight float64) float64 {
	total := 0.0
	for _, c := range p.Constraints {
		for _, xi := range p.view(x, p.byName[c.Variable]) {
			if e := c.Expression(xi); e > 0 {
				total += e * e
			}
		}
	}
	return weight * total
}

// AddPenaltyGradient adds the gradient of Penalty at x to grad
func (p *Problem) AddPenaltyGradient(x, grad []float64, weight float64) {
	for _, c := range p.Constraints {
		v := p.byName[c.Variable]
		values := p.view(x, v)
		g := p.view(grad, v)
		for t, xi := range values {
			if e := c.Expression(xi); e > 0 {
				g[t] += 2 * weight * e * c.slope()
			}
		}
	}
}

// Project clamps x onto the box described by the constraints
func (p *Problem) Project(x []float64) {
	for _, c := range p.Constraints {
		values := p.view(x, p.byName[c.Variable])
		for t, xi := range values {
			if c.Expression(xi) > 0 {
				values[t] = c.Bound
			}
		}
	}
}

// Violation returns the largest constraint expression over x, 0 when feasible
func (p *Problem) Violation(x []float64) float64 {
	worst := 0.0
	for _, c := range p.Constraints {
		for _, xi := range p.view(x, p.byName[c.Variable]) {
			worst = math.Max(worst, c.Expression(xi))
		}
	}
	return worst
}

// Solution copies x into a name → trajectory map
func (p *Problem) Solution(x []float64) Solution {
	sol := make(Solution, len(p.Variables))
	for _, v := range p.Variables {
		sol[v.Name] = append([]float64(nil), p.view(x, v)...)
	}
	return sol
}

// smoothAbs is the pseudo-Huber approximation sqrt(d²+ε²)-ε of |d|
func (p *Problem) smoothAbs(d float64) float64 {
	eps := p.Settings.SmoothingEpsilon
	if eps == 0 {
		return math.Abs(d)
	}
	return math.Sqrt(d*d+eps*eps) - eps
}

func (p *Problem) smoothAbsDeriv(d float64) float64 {
	eps := p.Settings.SmoothingEpsilon
	if eps == 0 {
		switch {
		case d > 0:
			return 1
		case d < 0:
			return -1
		}
		return 0
	}
	return d / math.Sqrt(d*d+eps*eps)
}
