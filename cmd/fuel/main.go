// Package main is the fuel CLI: task capture and daemon control. Mutating
// commands go through the daemon's IPC socket when one is running and fall
// back to writing the store directly when not.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/lifecycle"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/task"
	"github.com/fueldev/fuel/pkg/wire"
)

var (
	flagDataDir    string
	flagConfigPath string
)

func main() {
	root := &cobra.Command{
		Use:           "fuel",
		Short:         "Capture tasks and control the consume daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default .fuel)")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "directory containing config.yaml")

	root.AddCommand(
		newAddCmd(),
		newDoneCmd(),
		newReopenCmd(),
		newDepCmd(),
		newListCmd(),
		newStatusCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newStopCmd(),
		newSnapshotCmd(),
		newReviewEnableCmd(),
		newEpicCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fuel: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPath(flagConfigPath)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	// CLI runs are short-lived; keep the log quiet unless something breaks.
	if log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "text", OutputPath: "stderr"}); err == nil {
		logger.SetDefault(log)
	}
	return cfg, nil
}

// directStore opens the store for offline mutations and reads.
func directStore(cfg *config.Config) (*store.Store, *task.Service, error) {
	busyTimeout := time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond
	var (
		st  *store.Store
		err error
	)
	if cfg.Database.Driver == "pgx" {
		st, err = store.Open("pgx", cfg.Database.DSN, busyTimeout)
	} else {
		st, err = store.Open("sqlite3", cfg.DatabasePath(), busyTimeout)
	}
	if err != nil {
		return nil, nil, err
	}
	return st, task.NewService(st, nil, logger.Default(), nil), nil
}

func newAddCmd() *cobra.Command {
	var (
		desc       string
		taskType   string
		priority   int
		complexity string
		labels     []string
		blockedBy  []string
		epicID     string
		agent      string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			title := args[0]

			if c, err := dialDaemon(cfg); err == nil {
				defer c.close()
				create := &wire.TaskCreateCommand{
					Envelope:    wire.NewEnvelope(wire.CmdTaskCreate),
					Title:       title,
					Description: desc,
					TaskType:    taskType,
					Complexity:  complexity,
					Labels:      labels,
					BlockedBy:   blockedBy,
					EpicID:      epicID,
				}
				create.RequestID = uuid.NewString()
				if cmd.Flags().Changed("priority") {
					create.Priority = &priority
				}
				if err := c.send(create); err != nil {
					return err
				}
				ev, err := c.waitFor(wire.EvTaskCreateResponse)
				if err != nil {
					return err
				}
				resp := ev.(*wire.TaskCreateResponseEvent)
				if !resp.Success {
					return errors.New(resp.Error)
				}
				fmt.Println(resp.TaskID)
				return nil
			}

			st, tasks, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			req := task.CreateRequest{
				Title:       title,
				Description: desc,
				Type:        taskType,
				Complexity:  complexity,
				Labels:      labels,
				BlockedBy:   blockedBy,
				EpicID:      epicID,
				Agent:       agent,
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			t, err := tasks.Create(context.Background(), req)
			if err != nil {
				return err
			}
			fmt.Println(t.ShortID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&desc, "desc", "d", "", "task description")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type (default task)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "priority 0..4 (0 is highest)")
	cmd.Flags().StringVarP(&complexity, "complexity", "c", "", "complexity (default moderate)")
	cmd.Flags().StringArrayVarP(&labels, "label", "l", nil, "label (repeatable)")
	cmd.Flags().StringArrayVar(&blockedBy, "blocked-by", nil, "blocker task id (repeatable)")
	cmd.Flags().StringVar(&epicID, "epic", "", "epic short id")
	cmd.Flags().StringVar(&agent, "agent", "", "pin the task to a specific agent")
	return cmd
}

func newDoneCmd() *cobra.Command {
	var (
		reason string
		commit string
	)
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if c, err := dialDaemon(cfg); err == nil {
				defer c.close()
				if err := c.send(&wire.TaskDoneCommand{
					Envelope:   wire.NewEnvelope(wire.CmdTaskDone),
					TaskID:     args[0],
					Reason:     reason,
					CommitHash: commit,
				}); err != nil {
					return err
				}
				if _, err := c.waitFor(wire.EvSnapshot); err != nil {
					return err
				}
				fmt.Printf("%s done\n", args[0])
				return nil
			}

			st, tasks, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			t, err := tasks.Done(context.Background(), args[0], reason, commit)
			if err != nil {
				return err
			}
			fmt.Printf("%s done\n", t.ShortID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "completion reason")
	cmd.Flags().StringVar(&commit, "commit", "", "commit hash")
	return cmd
}

func newReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <task-id>",
		Short: "Reopen a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if c, err := dialDaemon(cfg); err == nil {
				defer c.close()
				if err := c.send(&wire.TaskReopenCommand{
					Envelope: wire.NewEnvelope(wire.CmdTaskReopen),
					TaskID:   args[0],
				}); err != nil {
					return err
				}
				if _, err := c.waitFor(wire.EvSnapshot); err != nil {
					return err
				}
				fmt.Printf("%s reopened\n", args[0])
				return nil
			}

			st, tasks, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			t, err := tasks.Reopen(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s reopened\n", t.ShortID)
			return nil
		},
	}
}

func newDepCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage task dependencies",
	}
	dep.AddCommand(&cobra.Command{
		Use:   "add <task-id> <blocker-id>",
		Short: "Block a task on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if c, err := dialDaemon(cfg); err == nil {
				defer c.close()
				if err := c.send(&wire.DependencyAddCommand{
					Envelope:      wire.NewEnvelope(wire.CmdDependencyAdd),
					TaskID:        args[0],
					BlockerTaskID: args[1],
				}); err != nil {
					return err
				}
				if _, err := c.waitFor(wire.EvSnapshot); err != nil {
					return err
				}
				fmt.Printf("%s blocked by %s\n", args[0], args[1])
				return nil
			}

			st, tasks, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			t, err := tasks.AddDependency(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s blocked by %s\n", t.ShortID, args[1])
			return nil
		},
	})
	return dep
}

func newListCmd() *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, _, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			var tasks []*store.Task
			if statusFilter != "" {
				tasks, err = st.ListTasksByStatus(ctx, store.TaskStatus(statusFilter))
			} else {
				tasks, err = st.ListTasks(ctx)
			}
			if err != nil {
				return err
			}
			printTaskTable(tasks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "filter by status")
	return cmd
}

func printTaskTable(tasks []*store.Task) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	fmt.Printf("%-10s %-12s %-3s %-10s %s\n", "ID", "STATUS", "PRI", "TYPE", "TITLE")
	for _, t := range tasks {
		title := t.Title
		if len(t.Labels) > 0 {
			title += "  [" + strings.Join(t.Labels, ",") + "]"
		}
		fmt.Printf("%-10s %-12s %-3d %-10s %s\n", t.ShortID, t.Status, t.Priority, t.Type, title)
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and board status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if c, err := dialDaemon(cfg); err == nil {
				defer c.close()
				ev, err := c.waitFor(wire.EvSnapshot)
				if err != nil {
					return err
				}
				printSnapshotSummary(&ev.(*wire.SnapshotEvent).Snapshot)
				return printRunStats(cfg)
			}

			fmt.Println("consume: not running")
			st, _, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			counts, err := st.CountTasksByStatus(context.Background())
			if err != nil {
				return err
			}
			for _, status := range store.TaskStatuses {
				if n := counts[status]; n > 0 {
					fmt.Printf("  %-12s %d\n", status, n)
				}
			}
			return nil
		},
	}
}

func printSnapshotSummary(snap *wire.Snapshot) {
	state := "running"
	if snap.RunnerState.Paused {
		state = "paused"
	}
	fmt.Printf("consume: %s (instance %s, since %s)\n",
		state, snap.RunnerState.InstanceID, snap.RunnerState.StartedAt.Format(time.RFC3339))

	columns := []string{wire.BoardReady, wire.BoardInProgress, wire.BoardReview, wire.BoardBlocked, wire.BoardHuman}
	for _, col := range columns {
		fmt.Printf("  %-12s %d\n", col, len(snap.BoardState[col]))
	}
	fmt.Printf("  %-12s %d\n", "done", snap.DoneCount)

	if len(snap.ActiveProcesses) > 0 {
		fmt.Println("active:")
		for _, p := range snap.ActiveProcesses {
			fmt.Printf("  %s  %s  pid %d  (%s)\n", p.TaskID, p.Agent, p.PID, p.ProcessType)
		}
	}
	if len(snap.HealthSummary) > 0 {
		agents := make([]string, 0, len(snap.HealthSummary))
		for a := range snap.HealthSummary {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		fmt.Println("agents:")
		for _, a := range agents {
			fmt.Printf("  %-12s %s\n", a, snap.HealthSummary[a].Status)
		}
	}
}

func printRunStats(cfg *config.Config) error {
	st, _, err := directStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	stats, err := st.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("runs: %d total, %d completed, %d failed, $%.2f\n",
		stats.Total, stats.Completed, stats.Failed, stats.TotalCost)
	return nil
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause spawning",
		Args:  cobra.NoArgs,
		RunE:  simpleDaemonCommand(func() wire.Command { return &wire.PauseCommand{Envelope: wire.NewEnvelope(wire.CmdPause)} }, "paused"),
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume spawning",
		Args:  cobra.NoArgs,
		RunE:  simpleDaemonCommand(func() wire.Command { return &wire.ResumeCommand{Envelope: wire.NewEnvelope(wire.CmdResume)} }, "resumed"),
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "stop [graceful|force]",
		Short:     "Stop the daemon",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{wire.StopGraceful, wire.StopForce},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := wire.StopGraceful
			if len(args) == 1 {
				mode = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := dialDaemon(cfg)
			if err != nil {
				return err
			}
			defer c.close()
			if err := c.send(&wire.StopCommand{
				Envelope: wire.NewEnvelope(wire.CmdStop),
				Mode:     mode,
			}); err != nil {
				return err
			}
			fmt.Printf("stop (%s) requested\n", mode)
			return nil
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the daemon's board snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := dialDaemon(cfg)
			if err != nil {
				return err
			}
			defer c.close()
			ev, err := c.waitFor(wire.EvSnapshot)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(ev.(*wire.SnapshotEvent).Snapshot, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newReviewEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "review-enable [on|off]",
		Short:     "Toggle review arbitration",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[0] == "on"
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := dialDaemon(cfg)
			if err != nil {
				return err
			}
			defer c.close()
			if err := c.send(&wire.SetTaskReviewEnabledCommand{
				Envelope: wire.NewEnvelope(wire.CmdSetTaskReviewEnabled),
				Enabled:  enabled,
			}); err != nil {
				return err
			}
			if _, err := c.waitFor(wire.EvStatusLine); err != nil {
				return err
			}
			fmt.Printf("task review enabled: %t\n", enabled)
			return nil
		},
	}
}

func newEpicCmd() *cobra.Command {
	epic := &cobra.Command{
		Use:   "epic",
		Short: "Manage epics",
	}
	var desc string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, tasks, err := directStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			e, err := tasks.CreateEpic(context.Background(), args[0], desc)
			if err != nil {
				return err
			}
			fmt.Println(e.ShortID)
			return nil
		},
	}
	add.Flags().StringVarP(&desc, "desc", "d", "", "epic description")
	epic.AddCommand(add)
	return epic
}

// simpleDaemonCommand sends one command that has no dedicated reply and
// confirms via the daemon's status line.
func simpleDaemonCommand(build func() wire.Command, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := dialDaemon(cfg)
		if err != nil {
			if errors.Is(err, lifecycle.ErrNotRunning) {
				return fmt.Errorf("consume is not running")
			}
			return err
		}
		defer c.close()
		if err := c.send(build()); err != nil {
			return err
		}
		if _, err := c.waitFor(wire.EvStatusLine); err != nil {
			return err
		}
		fmt.Println(verb)
		return nil
	}
}
