package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawForecast(zones []building.Zone, length int) map[string][]float64 {
	raw := make(map[string][]float64)
	for _, name := range RequiredSignals(zones) {
		values := make([]float64, length)
		for i := range values {
			values[i] = 1.0
		}
		raw[name] = values
	}
	temps := raw[SignalOutdoorTemperature]
	for i := range temps {
		temps[i] = 293.15
	}
	return raw
}

func TestRequiredSignals(t *testing.T) {
	signals := RequiredSignals(building.AllZones())

	assert.Equal(t, []string{
		"TDryBul",
		"HDirNor",
		"relHum",
		"winSpe",
		"Occupancy[cor]",
		"Occupancy[eas]",
		"Occupancy[nor]",
		"Occupancy[sou]",
		"Occupancy[wes]",
		"PriceElectricPowerDynamic",
	}, signals)
}

func TestAdapterProcess(t *testing.T) {
	topo := building.DefaultTopology()
	adapter := NewAdapter(topo)

	raw := rawForecast(topo.Zones, 48)
	raw["time"] = []float64{0, 3600}

	bundle, err := adapter.Process(raw)
	require.NoError(t, err)

	assert.Equal(t, 24, bundle.Horizon)
	assert.Len(t, bundle.Signals, 10, "extra signals must be dropped")
	for _, name := range adapter.RequiredSignals() {
		assert.Len(t, bundle.Signal(name), 24, name)
	}

	for _, v := range bundle.OutdoorTemperature() {
		assert.InDelta(t, 20.0, v, 1e-9)
	}

	// the raw payload must stay in Kelvin
	assert.InDelta(t, 293.15, raw[SignalOutdoorTemperature][0], 1e-9)
}

func TestAdapterProcessErrors(t *testing.T) {
	topo := building.Topology{Zones: building.AllZones(), Horizon: 24, Step: time.Hour}
	adapter := NewAdapter(topo)

	tests := []struct {
		name   string
		mutate func(raw map[string][]float64)
		signal string
	}{
		{
			name:   "missing price",
			mutate: func(raw map[string][]float64) { delete(raw, SignalPrice) },
			signal: SignalPrice,
		},
		{
			name:   "missing zone occupancy",
			mutate: func(raw map[string][]float64) { delete(raw, "Occupancy[sou]") },
			signal: "Occupancy[sou]",
		},
		{
			name:   "short series",
			mutate: func(raw map[string][]float64) { raw[SignalWindSpeed] = raw[SignalWindSpeed][:10] },
			signal: SignalWindSpeed,
		},
		{
			name:   "nan value",
			mutate: func(raw map[string][]float64) { raw[SignalRelativeHumidity][3] = math.NaN() },
			signal: SignalRelativeHumidity,
		},
		{
			name:   "infinite value",
			mutate: func(raw map[string][]float64) { raw[SignalSolarIrradiance][0] = math.Inf(1) },
			signal: SignalSolarIrradiance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawForecast(topo.Zones, 24)
			tt.mutate(raw)

			bundle, err := adapter.Process(raw)
			require.Error(t, err)
			assert.Nil(t, bundle)
			assert.True(t, IsInvalidForecast(err))

			var invalid *InvalidForecastError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.signal, invalid.Signal)
		})
	}
}

func TestBundleValidate(t *testing.T) {
	zones := []building.Zone{building.ZoneCore}
	bundle := &Bundle{Horizon: 3, Signals: map[string][]float64{}}
	for _, name := range RequiredSignals(zones) {
		bundle.Signals[name] = []float64{0, 0, 0}
	}

	require.NoError(t, bundle.Validate(zones, 3))

	err := bundle.Validate(zones, 4)
	assert.True(t, IsInvalidForecast(err))

	bundle.Signals[SignalPrice] = []float64{0, 0}
	err = bundle.Validate(zones, 3)
	assert.True(t, IsInvalidForecast(err))
	assert.Contains(t, err.Error(), SignalPrice)

	var nilBundle *Bundle
	assert.True(t, IsInvalidForecast(nilBundle.Validate(zones, 3)))
}
