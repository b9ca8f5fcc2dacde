// Package forecast turns the raw forecast payload of the simulation backend
// into a fixed-horizon Bundle the optimizer can consume.
package forecast

import (
	"fmt"
	"math"

	"github.com/devskill-org/hvac-mpc/building"
)

// Signal names as published by the simulation backend
const (
	SignalOutdoorTemperature = "TDryBul"
	SignalSolarIrradiance    = "HDirNor"
	SignalRelativeHumidity   = "relHum"
	SignalWindSpeed          = "winSpe"
	SignalPrice              = "PriceElectricPowerDynamic"
)

// KelvinOffset converts between Kelvin and degrees Celsius
const KelvinOffset = 273.15

// OccupancySignal returns the occupancy signal name of a zone, e.g. "Occupancy[cor]"
func OccupancySignal(zone building.Zone) string {
	return fmt.Sprintf("Occupancy[%s]", zone)
}

// RequiredSignals lists every signal a bundle for the given zones must carry
func RequiredSignals(zones []building.Zone) []string {
	signals := []string{
		SignalOutdoorTemperature,
		SignalSolarIrradiance,
		SignalRelativeHumidity,
		SignalWindSpeed,
	}
	for _, z := range zones {
		signals = append(signals, OccupancySignal(z))
	}
	return append(signals, SignalPrice)
}

// Bundle is a validated set of forecast signals, each exactly Horizon long.
// Outdoor temperature is stored in degrees Celsius.
type Bundle struct {
	Horizon int
	Signals map[string][]float64
}

// Signal returns the named series, or nil when absent
func (b *Bundle) Signal(name string) []float64 {
	return b.Signals[name]
}

// Price returns the electricity price series
func (b *Bundle) Price() []float64 {
	return b.Signals[SignalPrice]
}

// Occupancy returns the occupancy series of a zone
func (b *Bundle) Occupancy(zone building.Zone) []float64 {
	return b.Signals[OccupancySignal(zone)]
}

// OutdoorTemperature returns the outdoor dry-bulb temperature in degrees Celsius
func (b *Bundle) OutdoorTemperature() []float64 {
	return b.Signals[SignalOutdoorTemperature]
}

// Validate checks the bundle invariant: every required signal of the given
// zones is present, exactly horizon long, and finite.
func (b *Bundle) Validate(zones []building.Zone, horizon int) error {
	if b == nil {
		return &InvalidForecastError{Signal: "*", Reason: "bundle is nil"}
	}
	if b.Horizon != horizon {
		return &InvalidForecastError{
			Signal: "*",
			Reason: fmt.Sprintf("bundle horizon %d does not match problem horizon %d", b.Horizon, horizon),
		}
	}

	for _, name := range RequiredSignals(zones) {
		values, ok := b.Signals[name]
		if !ok {
			return &InvalidForecastError{Signal: name, Reason: "missing"}
		}
		if len(values) != horizon {
			return &InvalidForecastError{
				Signal: name,
				Reason: fmt.Sprintf("expected %d values, got %d", horizon, len(values)),
			}
		}
		if i, bad := firstNonFinite(values); bad {
			return &InvalidForecastError{
				Signal: name,
				Reason: fmt.Sprintf("non-finite value at index %d", i),
			}
		}
	}

	return nil
}

// Adapter validates and normalizes raw backend forecasts for one topology
type Adapter struct {
	zones   []building.Zone
	horizon int
}

// NewAdapter creates an adapter for the zones and horizon of the topology
func NewAdapter(topology building.Topology) *Adapter {
	zones := make([]building.Zone, len(topology.Zones))
	copy(zones, topology.Zones)
	return &Adapter{
		zones:   zones,
		horizon: topology.Horizon,
	}
}

// RequiredSignals returns the signals the adapter expects in a raw payload
func (a *Adapter) RequiredSignals() []string {
	return RequiredSignals(a.zones)
}

// Process copies every required signal out of raw, truncates it to the
// horizon and converts the outdoor temperature from Kelvin to Celsius.
// Signals that are not required are dropped. The raw map is not modified.
func (a *Adapter) Process(raw map[string][]float64) (*Bundle, error) {
	bundle := &Bundle{
		Horizon: a.horizon,
		Signals: make(map[string][]float64, len(a.zones)+5),
	}

	for _, name := range a.RequiredSignals() {
		values, ok := raw[name]
		if !ok {
			return nil, &InvalidForecastError{Signal: name, Reason: "required forecast not found in data"}
		}
		if len(values) < a.horizon {
			return nil, &InvalidForecastError{
				Signal: name,
				Reason: fmt.Sprintf("expected at least %d values, got %d", a.horizon, len(values)),
			}
		}

		series := make([]float64, a.horizon)
		copy(series, values[:a.horizon])
		bundle.Signals[name] = series
	}

	temps := bundle.Signals[SignalOutdoorTemperature]
	for i := range temps {
		temps[i] -= KelvinOffset
	}

	if err := bundle.Validate(a.zones, a.horizon); err != nil {
		return nil, err
	}

	return bundle, nil
}

func firstNonFinite(values []float64) (int, bool) {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i, true
		}
	}
	return -1, false
}
