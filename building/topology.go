// Package building describes the static topology of the controlled building:
// which thermal zones exist and how far ahead the controller plans.
package building

import (
	"fmt"
	"time"
)

// Zone identifies one thermal zone of the building
type Zone string

// Zones of the five-zone office test case
const (
	ZoneCore  Zone = "cor"
	ZoneEast  Zone = "eas"
	ZoneNorth Zone = "nor"
	ZoneSouth Zone = "sou"
	ZoneWest  Zone = "wes"
)

// AllZones returns the five zones in their canonical order
func AllZones() []Zone {
	return []Zone{ZoneCore, ZoneEast, ZoneNorth, ZoneSouth, ZoneWest}
}

// ParseZone converts a zone identifier into a Zone
func ParseZone(s string) (Zone, error) {
	for _, z := range AllZones() {
		if string(z) == s {
			return z, nil
		}
	}
	return "", fmt.Errorf("unknown zone %q", s)
}

// ParseZones converts a list of zone identifiers, preserving order
func ParseZones(names []string) ([]Zone, error) {
	zones := make([]Zone, 0, len(names))
	for _, name := range names {
		z, err := ParseZone(name)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, nil
}

// Topology holds the zones under control and the planning horizon
type Topology struct {
	Zones   []Zone
	Horizon int           // number of timesteps planned per solve
	Step    time.Duration // length of one timestep
}

// DefaultTopology returns the five-zone building with a 24 hour horizon of hourly steps
func DefaultTopology() Topology {
	return Topology{
		Zones:   AllZones(),
		Horizon: 24,
		Step:    time.Hour,
	}
}

// Validate checks that the topology can be used to build a problem
func (t Topology) Validate() error {
	if len(t.Zones) == 0 {
		return fmt.Errorf("topology must contain at least one zone")
	}

	seen := make(map[Zone]bool, len(t.Zones))
	for _, z := range t.Zones {
		if seen[z] {
			return fmt.Errorf("duplicate zone %q in topology", z)
		}
		seen[z] = true
	}

	if t.Horizon < 1 {
		return fmt.Errorf("horizon must be at least 1, got: %d", t.Horizon)
	}

	if t.Step <= 0 {
		return fmt.Errorf("step must be greater than 0, got: %s", t.Step)
	}

	return nil
}
