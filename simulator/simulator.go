// Package simulator is an in-process stand-in for the simulation backend.
// It serves forecasts and advances a first-order thermal model per zone, so
// the control loop can run without a remote test case.
package simulator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/forecast"
	"github.com/devskill-org/hvac-mpc/mpc"
)

// Measurement names reported after every advance
const (
	MeasurementTime     = "time"
	zoneTempPrefix      = "reaTZon_"
	zonePowerPrefix     = "reaPHVAC_"
	MeasurementOutdoorT = "weaSta_reaWeaTDryBul_y"
)

// ZoneTemperatureMeasurement is the measurement name of a zone air temperature (K)
func ZoneTemperatureMeasurement(z building.Zone) string {
	return zoneTempPrefix + string(z)
}

// ZonePowerMeasurement is the measurement name of a zone HVAC power (W)
func ZonePowerMeasurement(z building.Zone) string {
	return zonePowerPrefix + string(z)
}

// PriceSource provides the electricity price per kWh at a point in time
type PriceSource interface {
	Price(t time.Time) (float64, bool)
}

// Options configures the simulator
type Options struct {
	Topology building.Topology
	Start    time.Time

	Latitude  float64
	Longitude float64

	// Weather replays recorded rows instead of the synthetic clear-sky day.
	// Rows are consumed one per step and wrap around.
	Weather []WeatherRecord

	// Prices replaces the two-rate tariff where it has a price, e.g. a
	// day-ahead market document
	Prices PriceSource

	// ConstantOccupancy and ConstantPrice override the schedules when set
	ConstantOccupancy *float64
	ConstantPrice     *float64

	InitialTemperature float64 // °C

	// Thermal model
	TimeConstant time.Duration // envelope time constant
	HVACGain     float64       // °C per hour at full HVAC output
	SolarGain    float64       // °C per hour per kW/m² direct irradiance
	PeopleGain   float64       // °C per hour at full occupancy
	RatedPower   float64       // W at full HVAC output
}

// DefaultOptions returns a 5-zone office in Riga starting at the given time
func DefaultOptions(start time.Time) Options {
	return Options{
		Topology:           building.DefaultTopology(),
		Start:              start,
		Latitude:           56.9496,
		Longitude:          24.1052,
		InitialTemperature: 21,
		TimeConstant:       20 * time.Hour,
		HVACGain:           2.5,
		SolarGain:          0.4,
		PeopleGain:         0.3,
		RatedPower:         10000,
	}
}

// Simulator implements the backend contract of the control loop
type Simulator struct {
	mu       sync.Mutex
	opts     Options
	now      time.Time
	step     int
	temps    map[building.Zone]float64
	lastHVAC map[building.Zone]float64
}

// New creates a simulator
func New(opts Options) (*Simulator, error) {
	if err := opts.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if opts.TimeConstant <= 0 {
		return nil, fmt.Errorf("time constant must be greater than 0, got: %s", opts.TimeConstant)
	}
	if opts.Start.IsZero() {
		opts.Start = time.Date(2024, time.January, 8, 0, 0, 0, 0, time.UTC)
	}

	s := &Simulator{
		opts:     opts,
		now:      opts.Start,
		temps:    make(map[building.Zone]float64, len(opts.Topology.Zones)),
		lastHVAC: make(map[building.Zone]float64, len(opts.Topology.Zones)),
	}
	for _, z := range opts.Topology.Zones {
		s.temps[z] = opts.InitialTemperature
	}
	return s, nil
}

// Now returns the simulated time
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Forecast returns horizon+1 points per signal starting at the current time,
// temperatures in Kelvin like the remote backend.
func (s *Simulator) Forecast(ctx context.Context) (map[string][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	topo := s.opts.Topology
	n := topo.Horizon + 1
	signals := make(map[string][]float64, len(forecast.RequiredSignals(topo.Zones))+1)
	for _, name := range forecast.RequiredSignals(topo.Zones) {
		signals[name] = make([]float64, n)
	}
	times := make([]float64, n)

	for i := 0; i < n; i++ {
		t := s.now.Add(time.Duration(i) * topo.Step)
		w := s.weatherAt(s.step+i, t)

		times[i] = t.Sub(s.opts.Start).Seconds()
		signals[forecast.SignalOutdoorTemperature][i] = w.Temperature + forecast.KelvinOffset
		signals[forecast.SignalSolarIrradiance][i] = w.DirectNormal
		signals[forecast.SignalRelativeHumidity][i] = w.RelativeHumidity
		signals[forecast.SignalWindSpeed][i] = w.WindSpeed
		signals[forecast.SignalPrice][i] = s.priceAt(t)
		occ := s.occupancyAt(t)
		for _, z := range topo.Zones {
			signals[forecast.OccupancySignal(z)][i] = occ
		}
	}
	signals[MeasurementTime] = times
	return signals, nil
}

// Measurements returns the current zone temperatures and HVAC power
func (s *Simulator) Measurements(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.measurements(), nil
}

// Advance applies one HVAC action per zone and integrates the thermal model
// over one step. Every zone must have exactly one action in [0, 1].
func (s *Simulator) Advance(ctx context.Context, inputs map[string]float64) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.validateInputs(inputs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dt := s.opts.Topology.Step.Hours()
	tau := s.opts.TimeConstant.Hours()
	w := s.weatherAt(s.step, s.now)
	occ := s.occupancyAt(s.now)

	for _, z := range s.opts.Topology.Zones {
		hvac := inputs[mpc.ActionKey(z)]
		solar := w.DirectNormal / 1000 * s.opts.SolarGain
		if z == building.ZoneCore {
			solar = 0 // no facade
		}

		// exact discretisation of dT/dt = (Tout - T)/tau + gains
		gains := s.opts.HVACGain*hvac + solar + s.opts.PeopleGain*occ
		equilibrium := w.Temperature + tau*gains
		decay := math.Exp(-dt / tau)
		s.temps[z] = equilibrium + (s.temps[z]-equilibrium)*decay
		s.lastHVAC[z] = hvac
	}

	s.step++
	s.now = s.now.Add(s.opts.Topology.Step)
	return s.measurements(), nil
}

func (s *Simulator) validateInputs(inputs map[string]float64) error {
	expected := make(map[string]bool, len(s.opts.Topology.Zones))
	for _, z := range s.opts.Topology.Zones {
		expected[mpc.ActionKey(z)] = true
	}

	var unknown []string
	for name := range inputs {
		if !expected[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown control inputs: %s", strings.Join(unknown, ", "))
	}

	for _, z := range s.opts.Topology.Zones {
		name := mpc.ActionKey(z)
		v, ok := inputs[name]
		if !ok {
			return fmt.Errorf("missing control input %s", name)
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("control input %s must be in [0, 1], got: %f", name, v)
		}
	}
	return nil
}

func (s *Simulator) measurements() map[string]float64 {
	m := make(map[string]float64, 2*len(s.temps)+2)
	m[MeasurementTime] = s.now.Sub(s.opts.Start).Seconds()
	m[MeasurementOutdoorT] = s.weatherAt(s.step, s.now).Temperature + forecast.KelvinOffset
	for _, z := range s.opts.Topology.Zones {
		m[ZoneTemperatureMeasurement(z)] = s.temps[z] + forecast.KelvinOffset
		m[ZonePowerMeasurement(z)] = s.lastHVAC[z] * s.opts.RatedPower
	}
	return m
}

func (s *Simulator) weatherAt(step int, t time.Time) WeatherRecord {
	if len(s.opts.Weather) > 0 {
		return s.opts.Weather[step%len(s.opts.Weather)]
	}
	return syntheticWeather(t, s.opts.Latitude, s.opts.Longitude)
}

// occupancyAt is an office schedule: weekdays 08:00-18:00
func (s *Simulator) occupancyAt(t time.Time) float64 {
	if s.opts.ConstantOccupancy != nil {
		return *s.opts.ConstantOccupancy
	}
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return 0
	}
	if t.Hour() >= 8 && t.Hour() < 18 {
		return 1
	}
	return 0
}

// priceAt falls back to a two-rate tariff, expensive 08:00-20:00
func (s *Simulator) priceAt(t time.Time) float64 {
	if s.opts.ConstantPrice != nil {
		return *s.opts.ConstantPrice
	}
	if s.opts.Prices != nil {
		if price, ok := s.opts.Prices.Price(t); ok {
			return price
		}
	}
	if t.Hour() >= 8 && t.Hour() < 20 {
		return 0.25
	}
	return 0.10
}
