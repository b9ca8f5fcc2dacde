package main

import (
	"context"
	"fmt"
	"math"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/forecast"
	"github.com/devskill-org/hvac-mpc/mpc"
)

// Example usage
func main() {
	topology := building.DefaultTopology()

	// Create 24-hour forecast in the raw backend format (temperature in Kelvin)
	raw := map[string][]float64{}
	for _, name := range forecast.RequiredSignals(topology.Zones) {
		raw[name] = make([]float64, topology.Horizon)
	}
	for i := 0; i < topology.Horizon; i++ {
		// Example: cheap at night, expensive during office hours
		price := 0.10
		if i >= 8 && i <= 20 {
			price = 0.25
		}
		raw[forecast.SignalPrice][i] = price

		// Mild day with a sine shaped temperature curve
		raw[forecast.SignalOutdoorTemperature][i] = 273.15 + 12 + 6*math.Sin(float64(i-9)/24*2*math.Pi)

		// Occupied from 8 to 18
		occupancy := 0.0
		if i >= 8 && i < 18 {
			occupancy = 1.0
		}
		for _, z := range topology.Zones {
			raw[forecast.OccupancySignal(z)][i] = occupancy
		}
	}

	bundle, err := forecast.NewAdapter(topology).Process(raw)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	settings := mpc.DefaultSettings()
	settings.Init = mpc.InitZero
	problem, err := mpc.NewBuilder(settings).Build(bundle, topology)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	result, err := mpc.NewSolver(mpc.DefaultSolverConfig()).Solve(context.Background(), problem)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	fmt.Println("Hour | Price | Temp cor | HVAC cor")
	fmt.Println("-----|-------|----------|---------")
	temps := result.Solution.Temp(building.ZoneCore)
	hvac := result.Solution.HVAC(building.ZoneCore)
	for i := 0; i < topology.Horizon; i++ {
		fmt.Printf("%4d | %.2f  | %6.2f   | %6.3f\n", i, bundle.Price()[i], temps[i], hvac[i])
	}

	actions, err := result.Solution.FirstActions(topology.Zones)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Printf("\nObjective: %.3f (energy %.3f, comfort %.3f) after %d iterations\n",
		result.Objective, result.EnergyCost, result.ComfortCost, result.Iterations)
	fmt.Printf("Actions to apply now: %v\n", actions)
}
