package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlpull/sqlpull/internal/checkpoint"
	"github.com/sqlpull/sqlpull/internal/config"
	"github.com/sqlpull/sqlpull/internal/coordinator"
	"github.com/sqlpull/sqlpull/internal/db"
	"github.com/sqlpull/sqlpull/internal/logging"
	"github.com/sqlpull/sqlpull/internal/params"
	"github.com/sqlpull/sqlpull/internal/progress"
	"github.com/sqlpull/sqlpull/internal/sink"
	"github.com/sqlpull/sqlpull/internal/source"
	"github.com/sqlpull/sqlpull/internal/sysmon"
	"github.com/sqlpull/sqlpull/internal/util"
	"github.com/sqlpull/sqlpull/internal/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "sqlpull.yaml",
				Usage:   "Path to configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a sync run",
				Action: runSync,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source-schema",
						Usage: "Source schema name",
					},
					&cli.StringFlag{
						Name:  "target-schema",
						Usage: "Target schema name",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Fixed worker count (overrides adaptive, capped at 4)",
					},
					&cli.StringFlag{
						Name:  "tables",
						Usage: "Comma-separated list of tables to sync (default: all)",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show status of the last run",
				Action: showStatus,
			},
			{
				Name:   "validate",
				Usage:  "Compare row counts between source and destination",
				Action: validateSync,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig loads the config file and applies logging settings.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	logging.SetFormat(cfg.Log.Format)

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logging.Warn("Interrupt received, shutting down")
		cancel()
	}()

	return ctx, cancel
}

func runSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Override from flags
	if c.IsSet("source-schema") {
		cfg.Source.Schema = c.String("source-schema")
	}
	if c.IsSet("target-schema") {
		cfg.Target.Schema = c.String("target-schema")
	}
	if c.IsSet("workers") {
		cfg.Sync.Workers = c.Int("workers")
	}
	if c.IsSet("tables") {
		cfg.Sync.Tables = util.SplitCSV(c.String("tables"))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	catalog, err := source.NewCatalog(cfg.Source.DSN(), cfg.Source.Schema)
	if err != nil {
		return fmt.Errorf("failed to connect to source: %w", err)
	}
	defer catalog.Close()

	dest, err := sink.NewPostgres(ctx, &cfg.Target, params.MaxWorkers+1)
	if err != nil {
		return fmt.Errorf("failed to connect to destination: %w", err)
	}
	defer dest.Close()

	state, err := checkpoint.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state db: %w", err)
	}
	defer state.Close()

	calc := params.New(sysmon.New(), params.Overrides{
		Workers:       cfg.Sync.Workers,
		QueueSize:     cfg.Sync.QueueSize,
		ResampleEvery: cfg.Sync.ResampleEvery,
	})

	coord := coordinator.New(cfg, catalog, dest,
		calc, db.MSSQLDialer(cfg.Source.DSN()), state, progress.New())

	return coord.Run(ctx)
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	state, err := checkpoint.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state db: %w", err)
	}
	defer state.Close()

	run, err := state.LastRun()
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Started:  %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Finished: %s (%s)\n",
			run.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}

	tables, err := state.TableProgressFor(run.ID)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		fmt.Println("\nTables:")
		for _, tp := range tables {
			line := fmt.Sprintf("  %-40s %-8s %12d rows", tp.Table, tp.Status, tp.RowsDelivered)
			if tp.Error != "" {
				line += "  " + tp.Error
			}
			fmt.Println(line)
		}
	}
	return nil
}

func validateSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	catalog, err := source.NewCatalog(cfg.Source.DSN(), cfg.Source.Schema)
	if err != nil {
		return fmt.Errorf("failed to connect to source: %w", err)
	}
	defer catalog.Close()

	dest, err := sink.NewPostgres(ctx, &cfg.Target, params.MaxWorkers+1)
	if err != nil {
		return fmt.Errorf("failed to connect to destination: %w", err)
	}
	defer dest.Close()

	calc := params.New(sysmon.New(), params.Overrides{})
	coord := coordinator.New(cfg, catalog, dest,
		calc, db.MSSQLDialer(cfg.Source.DSN()), nil, nil)

	return coord.ValidateAll(ctx)
}
