// Package main provides the HVAC model-predictive controller entry point and CLI interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/devskill-org/hvac-mpc/bms"
	"github.com/devskill-org/hvac-mpc/boptest"
	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/control"
	"github.com/devskill-org/hvac-mpc/entsoe"
	"github.com/devskill-org/hvac-mpc/forecast"
	"github.com/devskill-org/hvac-mpc/logging"
	"github.com/devskill-org/hvac-mpc/simulator"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "hvac-mpc",
		Usage:   "Receding-horizon model-predictive control of a multi-zone building HVAC system",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.json",
				Usage:   "Configuration file path (.json, .yaml or .yml)",
				EnvVars: []string{"HVAC_MPC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override the configured log level (debug, info, warn, error)",
				EnvVars: []string{"HVAC_MPC_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Override the configured log format (text, json)",
				EnvVars: []string{"HVAC_MPC_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "backend-url",
				Usage:   "Override the configured simulation backend URL",
				EnvVars: []string{"HVAC_MPC_BACKEND_URL"},
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "Run against the in-process simulator instead of the backend",
				EnvVars: []string{"HVAC_MPC_DRY_RUN"},
			},
		},

		Commands: []*cli.Command{
			runCommand(),
			solveCommand(),
			initConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// RUN COMMAND
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the control loop for the configured number of steps",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "steps",
				Usage: "Override the configured number of control steps",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Override the status server port (0 = disabled)",
				EnvVars: []string{"HVAC_MPC_PORT"},
			},
		},
		Action: runControl,
	}
}

func runControl(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.New(config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	topology, err := config.Topology()
	if err != nil {
		return err
	}

	backend, err := newBackend(ctx, config, topology, logger)
	if err != nil {
		return err
	}

	loop, err := control.NewLoop(backend, topology, config.Settings(), config.SolverConfig(), config.Policy(), logger)
	if err != nil {
		return err
	}
	metrics := control.NewMetrics()
	loop.SetMetrics(metrics)

	cleanup, err := attachRecorders(ctx, loop, config, topology, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	server := control.NewStatusServer(loop, metrics, config.HealthCheckPort, logger)
	if server != nil {
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
		loop.AddRecorder(server)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn("Failed to stop status server", zap.Error(err))
			}
		}()
	}

	logger.Info("Starting HVAC controller",
		zap.String("backend", backendName(config)),
		zap.Int("steps", config.Steps),
		zap.Int("horizon", topology.Horizon),
		zap.Duration("step", topology.Step),
		zap.Strings("zones", config.Zones),
		zap.Float64("comfort_weight", config.ComfortWeight))

	report, runErr := loop.Run(ctx)
	if report != nil {
		printReport(report)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Info("Shutdown signal received, control run stopped")
			return nil
		}
		return runErr
	}
	return nil
}

// attachRecorders registers the configured step sinks. The returned cleanup
// closes every sink that was opened, also when an error is returned.
func attachRecorders(ctx context.Context, loop *control.Loop, config *control.Config, topology building.Topology, logger *zap.Logger) (func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Failed to close step sink", zap.Error(err))
			}
		}
	}

	if config.PostgresConnString != "" {
		store, err := control.OpenStore(ctx, config.PostgresConnString, logger)
		if err != nil {
			return cleanup, err
		}
		closers = append(closers, store.Close)
		loop.AddRecorder(store)
		logger.Info("Persisting control steps to PostgreSQL")
	}

	if len(config.KafkaBrokers) > 0 {
		publisher, err := control.NewEventPublisher(config.KafkaBrokers, config.KafkaTopic, logger)
		if err != nil {
			return cleanup, err
		}
		closers = append(closers, publisher.Close)
		loop.AddRecorder(publisher)
		logger.Info("Publishing control steps to Kafka",
			zap.Strings("brokers", config.KafkaBrokers),
			zap.String("topic", config.KafkaTopic))
	}

	if config.BMSModbusAddress != "" {
		gateway, err := bms.NewTCPGateway(config.BMSModbusAddress, byte(config.BMSSlaveID), uint16(config.BMSRegisterBase), topology.Zones)
		if err != nil {
			return cleanup, err
		}
		closers = append(closers, gateway.Close)
		loop.AddRecorder(control.MirrorActions(gateway))
		logger.Info("Mirroring actions to building management gateway",
			zap.String("address", config.BMSModbusAddress))
	}

	return cleanup, nil
}

func printReport(report *control.RunReport) {
	fmt.Println("\n========================================")
	fmt.Println("CONTROL RUN SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Run ID:            %s\n", report.RunID)
	fmt.Printf("Completed steps:   %d\n", report.Completed())
	fmt.Printf("Total energy cost: %s\n", report.TotalEnergyCost.StringFixed(4))
	fmt.Printf("Elapsed:           %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Println("========================================")
}

// =============================================================================
// SOLVE COMMAND
// =============================================================================

func solveCommand() *cli.Command {
	return &cli.Command{
		Name:   "solve",
		Usage:  "Solve the horizon problem once for the current backend state and print the plan",
		Action: runSolve,
	}
}

func runSolve(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.New(config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	topology, err := config.Topology()
	if err != nil {
		return err
	}

	backend, err := newBackend(c.Context, config, topology, logger)
	if err != nil {
		return err
	}

	loop, err := control.NewLoop(backend, topology, config.Settings(), config.SolverConfig(), config.Policy(), logger)
	if err != nil {
		return err
	}

	plan, err := loop.Plan(c.Context)
	if err != nil {
		return err
	}

	printPlan(plan, topology)
	return nil
}

func printPlan(plan *control.Plan, topology building.Topology) {
	fmt.Println("\n========================================")
	fmt.Println("HORIZON PLAN")
	fmt.Println("========================================")

	var header, rule strings.Builder
	header.WriteString(" Step │  Price │  TOut °C │")
	rule.WriteString("──────┼────────┼──────────┼")
	for _, z := range topology.Zones {
		fmt.Fprintf(&header, " %3s occ  hvac  temp │", z)
		rule.WriteString("─────────────────────┼")
	}
	fmt.Println(header.String())
	fmt.Println(rule.String())

	price := plan.Bundle.Price()
	outdoor := plan.Bundle.OutdoorTemperature()
	for t := 0; t < topology.Horizon; t++ {
		var row strings.Builder
		fmt.Fprintf(&row, " %4d │ %6.3f │ %8.2f │", t, price[t], outdoor[t])
		for _, z := range topology.Zones {
			fmt.Fprintf(&row, "    %4.2f %5.3f %5.2f │",
				plan.Bundle.Occupancy(z)[t],
				plan.Result.Solution.HVAC(z)[t],
				plan.Result.Solution.Temp(z)[t])
		}
		fmt.Println(row.String())
	}

	result := plan.Result
	fmt.Println("\n========================================")
	fmt.Println("SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Objective:      %.4f\n", result.Objective)
	fmt.Printf("Energy cost:    %.4f\n", result.EnergyCost)
	fmt.Printf("Comfort cost:   %.4f\n", result.ComfortCost)
	fmt.Printf("Iterations:     %d (converged: %t)\n", result.Iterations, result.Converged)
	fmt.Printf("Max violation:  %.2e\n", result.MaxViolation)
	fmt.Printf("Solve attempts: %d (learning rate %g)\n", plan.Attempts, plan.LearningRate)
	fmt.Printf("Solve time:     %s\n", plan.SolveDuration.Round(time.Millisecond))
	fmt.Println("========================================")
}

// =============================================================================
// INIT-CONFIG COMMAND
// =============================================================================

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:      "init-config",
		Usage:     "Write the default configuration to a file",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = c.String("config")
			}
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := control.DefaultConfig().SaveConfig(path); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to %s\n", path)
			return nil
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// loadConfig reads the configuration file and applies command line
// overrides. A missing default file falls back to the built-in defaults.
func loadConfig(c *cli.Context) (*control.Config, error) {
	path := c.String("config")

	var config *control.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		config = control.DefaultConfig()
	} else {
		loaded, err := control.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("error loading configuration: %w", err)
		}
		config = loaded
	}

	if c.IsSet("log-level") {
		config.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		config.LogFormat = c.String("log-format")
	}
	if c.IsSet("backend-url") {
		config.BackendURL = c.String("backend-url")
	}
	if c.IsSet("dry-run") {
		config.DryRun = c.Bool("dry-run")
	}
	if c.IsSet("steps") {
		config.Steps = c.Int("steps")
	}
	if c.IsSet("port") {
		config.HealthCheckPort = c.Int("port")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func newBackend(ctx context.Context, config *control.Config, topology building.Topology, logger *zap.Logger) (control.Backend, error) {
	if config.DryRun {
		opts := simulator.DefaultOptions(time.Time{})
		opts.Topology = topology
		opts.Latitude = config.Latitude
		opts.Longitude = config.Longitude
		if config.WeatherFile != "" {
			weather, err := simulator.LoadWeatherFile(config.WeatherFile)
			if err != nil {
				return nil, err
			}
			opts.Weather = weather
			logger.Info("Replaying weather file", zap.String("file", config.WeatherFile), zap.Int("rows", len(weather)))
		}

		switch {
		case config.PriceFile != "":
			prices, err := entsoe.LoadFile(config.PriceFile)
			if err != nil {
				return nil, err
			}
			opts.Start = prices.Interval.Start.UTC()
			opts.Prices = prices
			logger.Info("Replaying day-ahead prices", zap.String("file", config.PriceFile), zap.Time("start", opts.Start))
		case config.EntsoeToken != "":
			// live prices only cover the coming hours, so the simulation starts now
			opts.Start = time.Now().UTC().Truncate(time.Hour)
			end := opts.Start.Add(time.Duration(config.Steps+topology.Horizon+1) * topology.Step)
			prices, err := entsoe.NewClient(config.EntsoeToken, config.APITimeout).DayAheadPrices(ctx, config.EntsoeArea, opts.Start, end)
			if err != nil {
				return nil, fmt.Errorf("failed to download day-ahead prices: %w", err)
			}
			opts.Prices = prices
			logger.Info("Using live day-ahead prices", zap.String("area", config.EntsoeArea), zap.Time("start", opts.Start))
		}
		return simulator.New(opts)
	}

	client := boptest.NewClient(config.BackendURL, config.APITimeout)

	setupCtx, cancel := context.WithTimeout(ctx, config.APITimeout)
	defer cancel()
	if err := client.SetStep(setupCtx, topology.Step); err != nil {
		return nil, fmt.Errorf("failed to set backend step: %w", err)
	}
	logger.Debug("Backend step configured",
		zap.String("url", client.BaseURL()),
		zap.Duration("step", topology.Step),
		zap.Strings("signals", forecast.RequiredSignals(topology.Zones)))
	return client, nil
}

func backendName(config *control.Config) string {
	if config.DryRun {
		return "simulator"
	}
	return config.BackendURL
}
