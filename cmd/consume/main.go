// Package main is the consume daemon: a single-process orchestrator that
// drains the task backlog through external coding agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fueldev/fuel/internal/browser"
	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/common/tracing"
	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/health"
	"github.com/fueldev/fuel/internal/ipc"
	"github.com/fueldev/fuel/internal/lifecycle"
	"github.com/fueldev/fuel/internal/prompts"
	"github.com/fueldev/fuel/internal/review"
	"github.com/fueldev/fuel/internal/run"
	"github.com/fueldev/fuel/internal/runner"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/supervisor"
	"github.com/fueldev/fuel/internal/task"
)

func main() {
	var (
		dataDir    string
		configPath string
		port       int
	)

	root := &cobra.Command{
		Use:           "consume",
		Short:         "Run the fuel agent-work orchestrator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(dataDir, configPath, port)
		},
	}
	root.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default .fuel)")
	root.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	root.Flags().IntVar(&port, "port", 0, "IPC port (default derived from the data directory)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consume: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(dataDir, configPath string, port int) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port > 0 {
		cfg.Consume.Port = port
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	eventBus, closeBus, err := events.Provide(cfg.Events, log)
	if err != nil {
		return err
	}
	defer closeBus()

	lm := lifecycle.NewManager(cfg.DataDir, log)
	inst, err := lm.Start(cfg.Port())
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("claim pid file: %w", err)
	}
	defer func() {
		if err := lm.Remove(); err != nil {
			log.Warn("failed to remove pid file", zap.Error(err))
		}
	}()

	server := ipc.NewServer(log)
	if err := server.Start(inst.Port); err != nil {
		return err
	}

	sup := supervisor.New(cfg.ProcessLogDir(), runner.SupervisorPolicies(cfg), log)
	tracker := health.NewTracker(st, log)
	tasks := task.NewService(st, eventBus, log, supervisor.IsProcessAlive)
	runs := run.NewService(st, log, supervisor.IsProcessAlive)
	renderer := prompts.NewRenderer(cfg.PromptsDir())

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	reviews := review.NewService(cfg, st, tasks, runs, sup, renderer, workDir, inst.InstanceID, log)
	browserClient := browser.NewClient(cfg.Browser, log)

	r := runner.New(runner.Deps{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      st,
		Tasks:      tasks,
		Runs:       runs,
		Reviews:    reviews,
		Health:     tracker,
		Supervisor: sup,
		Server:     server,
		Bus:        eventBus,
		Browser:    browserClient,
		Prompts:    renderer,
		Instance:   inst,
		WorkDir:    workDir,
		Log:        log,
	})

	log.Info("consume started",
		zap.Int("pid", inst.PID),
		zap.Int("port", inst.Port),
		zap.String("instance_id", inst.InstanceID),
		zap.String("data_dir", cfg.DataDir))

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return r.Run(ctx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config) (*store.Store, error) {
	busyTimeout := time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond
	switch cfg.Database.Driver {
	case "pgx":
		return store.Open("pgx", cfg.Database.DSN, busyTimeout)
	default:
		return store.Open("sqlite3", cfg.DatabasePath(), busyTimeout)
	}
}
