package building

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTopology(t *testing.T) {
	topo := DefaultTopology()

	require.NoError(t, topo.Validate())
	assert.Equal(t, 24, topo.Horizon)
	assert.Equal(t, time.Hour, topo.Step)
	assert.Equal(t, []Zone{"cor", "eas", "nor", "sou", "wes"}, topo.Zones)
}

func TestTopologyValidate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		wantErr string
	}{
		{
			name:    "no zones",
			topo:    Topology{Horizon: 24, Step: time.Hour},
			wantErr: "at least one zone",
		},
		{
			name:    "duplicate zone",
			topo:    Topology{Zones: []Zone{ZoneCore, ZoneCore}, Horizon: 24, Step: time.Hour},
			wantErr: "duplicate zone",
		},
		{
			name:    "zero horizon",
			topo:    Topology{Zones: []Zone{ZoneCore}, Horizon: 0, Step: time.Hour},
			wantErr: "horizon",
		},
		{
			name:    "zero step",
			topo:    Topology{Zones: []Zone{ZoneCore}, Horizon: 4},
			wantErr: "step",
		},
		{
			name: "single zone",
			topo: Topology{Zones: []Zone{ZoneSouth}, Horizon: 1, Step: 15 * time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topo.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseZones(t *testing.T) {
	zones, err := ParseZones([]string{"wes", "cor"})
	require.NoError(t, err)
	assert.Equal(t, []Zone{ZoneWest, ZoneCore}, zones)

	_, err = ParseZones([]string{"cor", "attic"})
	assert.Error(t, err)
}
