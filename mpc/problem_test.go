package mpc

import (
	"math"
	"testing"
	"time"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/forecast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantBundle builds a bundle with the same occupancy in every zone and a flat price
func constantBundle(zones []building.Zone, horizon int, occupancy, price float64) *forecast.Bundle {
	fill := func(v float64) []float64 {
		values := make([]float64, horizon)
		for i := range values {
			values[i] = v
		}
		return values
	}

	b := &forecast.Bundle{Horizon: horizon, Signals: map[string][]float64{}}
	b.Signals[forecast.SignalOutdoorTemperature] = fill(10)
	b.Signals[forecast.SignalSolarIrradiance] = fill(0)
	b.Signals[forecast.SignalRelativeHumidity] = fill(50)
	b.Signals[forecast.SignalWindSpeed] = fill(3)
	b.Signals[forecast.SignalPrice] = fill(price)
	for _, z := range zones {
		b.Signals[forecast.OccupancySignal(z)] = fill(occupancy)
	}
	return b
}

func TestBuildShape(t *testing.T) {
	tests := []struct {
		name  string
		zones []building.Zone
		h     int
	}{
		{"five zones day", building.AllZones(), 24},
		{"one zone one step", []building.Zone{building.ZoneNorth}, 1},
		{"two zones", []building.Zone{building.ZoneEast, building.ZoneWest}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := building.Topology{Zones: tt.zones, Horizon: tt.h, Step: time.Hour}
			p, err := NewBuilder(DefaultSettings()).Build(constantBundle(tt.zones, tt.h, 1, 0.1), topo)
			require.NoError(t, err)

			assert.Len(t, p.Variables, 2*len(tt.zones))
			assert.Len(t, p.Constraints, 4*len(tt.zones))
			assert.Equal(t, 2*len(tt.zones)*tt.h, p.Dim())
			for _, v := range p.Variables {
				assert.Equal(t, tt.h, v.Len(), v.Name)
			}
			for _, z := range tt.zones {
				_, ok := p.Variable("temp_" + string(z))
				assert.True(t, ok)
				_, ok = p.Variable("hvac_" + string(z))
				assert.True(t, ok)
			}
		})
	}
}

func TestBuildConstraints(t *testing.T) {
	topo := building.Topology{Zones: []building.Zone{building.ZoneCore}, Horizon: 2, Step: time.Hour}
	p, err := NewBuilder(DefaultSettings()).Build(constantBundle(topo.Zones, 2, 1, 0.1), topo)
	require.NoError(t, err)

	names := make([]string, 0, len(p.Constraints))
	for _, c := range p.Constraints {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"max_temp_cor", "min_temp_cor", "max_hvac_cor", "min_hvac_cor"}, names)

	maxTemp := p.Constraints[0]
	assert.InDelta(t, 1.0, maxTemp.Expression(27), 1e-12)
	assert.InDelta(t, -1.0, maxTemp.Expression(25), 1e-12)

	minHVAC := p.Constraints[3]
	assert.InDelta(t, 0.5, minHVAC.Expression(-0.5), 1e-12)
	assert.True(t, minHVAC.Satisfied([]float64{0, 0.3, 1}, 0))
	assert.False(t, minHVAC.Satisfied([]float64{0, -0.01}, 1e-3))
}

func TestBuildRejectsInvalidForecast(t *testing.T) {
	topo := building.DefaultTopology()
	bundle := constantBundle(topo.Zones, topo.Horizon, 1, 0.1)
	delete(bundle.Signals, forecast.SignalPrice)

	p, err := NewBuilder(DefaultSettings()).Build(bundle, topo)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, forecast.IsInvalidForecast(err))
}

func TestBuildRejectsHorizonMismatch(t *testing.T) {
	topo := building.DefaultTopology()
	bundle := constantBundle(topo.Zones, 12, 1, 0.1)

	_, err := NewBuilder(DefaultSettings()).Build(bundle, topo)
	assert.True(t, forecast.IsInvalidForecast(err))
}

func TestBuildInitialization(t *testing.T) {
	topo := building.Topology{Zones: []building.Zone{building.ZoneSouth}, Horizon: 3, Step: time.Hour}
	bundle := constantBundle(topo.Zones, 3, 1, 0.1)

	p, err := NewBuilder(DefaultSettings()).Build(bundle, topo)
	require.NoError(t, err)
	assert.Equal(t, []float64{23, 23, 23, 0.5, 0.5, 0.5}, p.InitialPoint())

	settings := DefaultSettings()
	settings.Init = InitZero
	p, err = NewBuilder(settings).Build(bundle, topo)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 6), p.InitialPoint())
}

func TestObjective(t *testing.T) {
	topo := building.Topology{Zones: []building.Zone{building.ZoneCore, building.ZoneEast}, Horizon: 2, Step: time.Hour}
	bundle := constantBundle(topo.Zones, 2, 0, 0.2)
	bundle.Signals["Occupancy[cor]"] = []float64{1, 0}
	bundle.Signals["Occupancy[eas]"] = []float64{0.5, 2}

	settings := DefaultSettings()
	settings.SmoothingEpsilon = 0
	p, err := NewBuilder(settings).Build(bundle, topo)
	require.NoError(t, err)

	// layout: temp_cor, temp_eas, hvac_cor, hvac_eas
	x := []float64{
		25, 21, // temp_cor
		23, 20, // temp_eas
		1, 0.5, // hvac_cor
		0, 0.25, // hvac_eas
	}

	// energy: 0.2*(1+0.5) + 0.2*(0+0.25)
	assert.InDelta(t, 0.35, p.EnergyCost(x), 1e-12)
	// comfort: |2|*1 + |-2|*0 + |0|*0.5 + |-3|*2
	assert.InDelta(t, 8.0, p.ComfortCost(x), 1e-12)
	assert.InDelta(t, 0.35+10*8.0, p.Objective(x), 1e-12)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	topo := building.Topology{Zones: []building.Zone{building.ZoneNorth, building.ZoneWest}, Horizon: 4, Step: time.Hour}
	bundle := constantBundle(topo.Zones, 4, 0, 0)
	bundle.Signals[forecast.SignalPrice] = []float64{0.1, 0.3, 0.05, 0.2}
	bundle.Signals["Occupancy[nor]"] = []float64{1, 0.5, 0, 1}
	bundle.Signals["Occupancy[wes]"] = []float64{0.2, 1, 1, 0}

	settings := DefaultSettings()
	settings.SmoothingEpsilon = 0.5
	p, err := NewBuilder(settings).Build(bundle, topo)
	require.NoError(t, err)

	x := []float64{
		21.2, 22.7, 24.9, 19.5,
		25.5, 23.1, 22.0, 26.4,
		0.3, -0.2, 0.9, 1.2,
		0.0, 0.5, 0.7, 0.1,
	}
	const weight = 50.0

	grad := make([]float64, p.Dim())
	p.Gradient(x, grad)
	p.AddPenaltyGradient(x, grad, weight)

	f := func(x []float64) float64 { return p.Objective(x) + p.Penalty(x, weight) }
	const h = 1e-6
	for i := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[i] += h
		xm[i] -= h
		numeric := (f(xp) - f(xm)) / (2 * h)
		assert.InDelta(t, numeric, grad[i], 1e-4, "index %d", i)
	}
}

func TestProjectAndViolation(t *testing.T) {
	topo := building.Topology{Zones: []building.Zone{building.ZoneCore}, Horizon: 3, Step: time.Hour}
	p, err := NewBuilder(DefaultSettings()).Build(constantBundle(topo.Zones, 3, 1, 0.1), topo)
	require.NoError(t, err)

	x := []float64{18, 23, 30, -0.5, 0.4, 1.7}
	assert.InDelta(t, 4.0, p.Violation(x), 1e-12)
	assert.Greater(t, p.Penalty(x, 1), 0.0)

	p.Project(x)
	assert.Equal(t, []float64{20, 23, 26, 0, 0.4, 1}, x)
	assert.Zero(t, p.Violation(x))
	assert.Zero(t, p.Penalty(x, 1))
}

func TestSmoothAbs(t *testing.T) {
	p := &Problem{Settings: DefaultSettings()}

	assert.InDelta(t, 0.0, p.smoothAbs(0), 1e-12)
	assert.InDelta(t, 0.0, p.smoothAbsDeriv(0), 1e-12)
	assert.InDelta(t, 3.0, p.smoothAbs(-3), 2e-3)
	assert.InDelta(t, -1.0, p.smoothAbsDeriv(-3), 1e-6)
	assert.False(t, math.IsNaN(p.smoothAbsDeriv(1e-300)))
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Settings)
	}{
		{"negative weight", func(s *Settings) { s.ComfortWeight = -1 }},
		{"inverted temperature", func(s *Settings) { s.TempMin, s.TempMax = 27, 20 }},
		{"inverted hvac", func(s *Settings) { s.HVACMin, s.HVACMax = 1, 0 }},
		{"negative epsilon", func(s *Settings) { s.SmoothingEpsilon = -1 }},
		{"unknown init", func(s *Settings) { s.Init = "random" }},
	}

	require.NoError(t, DefaultSettings().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}
