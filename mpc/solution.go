package mpc

import (
	"fmt"
	"math"

	"github.com/devskill-org/hvac-mpc/building"
)

// Solution maps each decision variable name to its solved trajectory
type Solution map[string][]float64

// ActionKey returns the key of a zone's control value in an advance request, e.g. "hvac_cor"
func ActionKey(zone building.Zone) string {
	return VariableName(KindHVAC, zone)
}

// HVAC returns the control trajectory of a zone
func (s Solution) HVAC(zone building.Zone) []float64 {
	return s[VariableName(KindHVAC, zone)]
}

// Temp returns the temperature trajectory of a zone
func (s Solution) Temp(zone building.Zone) []float64 {
	return s[VariableName(KindTemperature, zone)]
}

// FirstActions extracts the first control value of every zone. The rest of
// each trajectory is discarded: only the first step is ever applied.
func (s Solution) FirstActions(zones []building.Zone) (map[string]float64, error) {
	actions := make(map[string]float64, len(zones))
	for _, z := range zones {
		hvac := s.HVAC(z)
		if len(hvac) == 0 {
			return nil, fmt.Errorf("solution has no control trajectory for zone %s", z)
		}
		if math.IsNaN(hvac[0]) || math.IsInf(hvac[0], 0) {
			return nil, fmt.Errorf("solution has non-finite first action for zone %s", z)
		}
		actions[ActionKey(z)] = hvac[0]
	}
	return actions, nil
}

// ShiftForward drops the first timestep of every trajectory and repeats the
// last one, producing a warm start for the next receding-horizon step.
func (s Solution) ShiftForward() Solution {
	shifted := make(Solution, len(s))
	for name, values := range s {
		if len(values) == 0 {
			shifted[name] = nil
			continue
		}
		next := make([]float64, len(values))
		copy(next, values[1:])
		next[len(next)-1] = values[len(values)-1]
		shifted[name] = next
	}
	return shifted
}
