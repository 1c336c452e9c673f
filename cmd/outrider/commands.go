package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/outrider/internal/agent"
	"github.com/cloud-shuttle/outrider/internal/approval"
	"github.com/cloud-shuttle/outrider/internal/config"
	"github.com/cloud-shuttle/outrider/internal/events"
	"github.com/cloud-shuttle/outrider/internal/git"
	"github.com/cloud-shuttle/outrider/internal/push"
	"github.com/cloud-shuttle/outrider/internal/recovery"
	"github.com/cloud-shuttle/outrider/internal/remote"
	"github.com/cloud-shuttle/outrider/internal/scheduler"
	"github.com/cloud-shuttle/outrider/internal/tracker"
	"github.com/cloud-shuttle/outrider/pkg/types"
)

// loadStore builds the tracker store from the environment config.
func loadStore() (*config.Config, *tracker.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	client := remote.NewClient(cfg.TrackerURL, remote.Options{
		Token:             cfg.TrackerToken,
		MaxAttempts:       uint(cfg.MaxAttempts),
		LowThreshold:      cfg.QuotaLowThreshold,
		CriticalThreshold: cfg.QuotaCriticalThreshold,
		MaxQuotaWait:      cfg.MaxQuotaWait,
		Verbose:           cfg.Verbose,
	})
	return cfg, tracker.NewStore(client, cfg.Verbose), nil
}

func runCmd() *cobra.Command {
	var (
		once      bool
		eventsLog string
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Run the work loop: claim, execute, merge, repeat",
		Long: `Run the work loop for this agent.

On startup, tasks abandoned by a crashed prior run are recovered and stale
worktrees pruned. The loop then claims one assigned task at a time, executes
the configured coding agent in an isolated worktree, and merges the result
into trunk. Press Ctrl-C once for a graceful stop; twice to kill the running
agent immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadStore()
			if err != nil {
				return err
			}

			runner := agent.NewRunner(cfg.AgentPath, cfg.AgentType, cfg.TaskTimeout, cfg.ShutdownGrace)
			runner.SetVerbose(cfg.Verbose)
			if err := runner.CheckInstalled(); err != nil {
				return err
			}

			trees := git.NewManager(cfg.Agent)
			trees.SetVerbose(cfg.Verbose)

			bus := events.NewBus()
			defer bus.Close()

			var notifier recovery.Notifier
			var approver scheduler.Approver
			if cfg.TelegramEnabled() {
				channel := approval.NewChannel(cfg.TelegramToken, cfg.TelegramChat, cfg.ApprovalTimeout)
				channel.SetVerbose(cfg.Verbose)
				if err := channel.Start(cmd.Context()); err != nil {
					return err
				}
				defer channel.Stop()
				notifier = channel
				approver = channel
			}

			rec := recovery.NewService(store, trees, notifier, cfg.Agent, recovery.Config{
				GraceWindow:      cfg.GraceWindow,
				StaleThreshold:   cfg.StaleThreshold,
				MaxRetries:       cfg.MaxRetries,
				DefaultWorkspace: cfg.Workspace,
			})
			rec.SetVerbose(cfg.Verbose)
			rec.SetEventBus(bus)

			sched := scheduler.New(store, trees, runner, rec, approver, bus, scheduler.Options{
				Agent:           cfg.Agent,
				Workspace:       cfg.Workspace,
				PollInterval:    cfg.PollInterval,
				RequireApproval: cfg.RequireApproval,
				RuntimeScanSpec: cfg.RuntimeScanSpec,
				Verbose:         cfg.Verbose,
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if eventsLog != "" {
				if err := streamEvents(ctx, bus, cfg.Agent, eventsLog); err != nil {
					return err
				}
			}

			// First signal stops gracefully, second kills the agent.
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\n🛑 Interrupt received, stopping gracefully (Ctrl-C again to kill the agent)...")
				cancel()
				<-sigCh
				fmt.Println("\n🛑 Second interrupt, killing the agent")
				sched.Kill()
			}()

			if once {
				worked, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				if !worked {
					fmt.Println("Nothing to do")
				}
				return nil
			}

			listener := push.NewListener(cfg.PushURL, cfg.TrackerToken, cfg.Agent, bus, sched.Wake)
			listener.SetVerbose(cfg.Verbose)
			go listener.Run(ctx)

			if err := sched.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			fmt.Println("👋 Scheduler stopped")
			return nil
		},
	}

	command.Flags().BoolVar(&once, "once", false, "Run a single work cycle and exit")
	command.Flags().StringVar(&eventsLog, "events", "", "Append lifecycle events as JSONL to this file")
	return command
}

// streamEvents appends this agent's lifecycle events to a JSONL file until
// ctx is cancelled.
func streamEvents(ctx context.Context, bus *events.Bus, agentName, path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening events log: %w", err)
	}

	stream := events.NewStreamer(bus, events.EventFilter{Agent: agentName}).Start(ctx)
	go func() {
		defer f.Close()
		for ev := range stream {
			line, err := events.FormatEvent(ev)
			if err != nil {
				continue
			}
			if _, err := f.Write(append(line, '\n')); err != nil {
				fmt.Fprintf(os.Stderr, "writing events log: %v\n", err)
				return
			}
		}
	}()
	return nil
}

func addCmd() *cobra.Command {
	var (
		priority  int
		assignee  string
		dependsOn []string
		workspace string
	)

	command := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task in the tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadStore()
			if err != nil {
				return err
			}
			if assignee == "" {
				assignee = cfg.Agent
			}
			if workspace == "" {
				workspace = cfg.Workspace
			}

			task, err := store.Create(cmd.Context(), args[0], assignee, priority, dependsOn, workspace)
			if err != nil {
				return err
			}

			fmt.Printf("📋 Created task %s (%s, priority %d)\n", task.ID, task.Status, task.Priority)
			if len(dependsOn) > 0 {
				fmt.Printf("   Blocked on: %s\n", strings.Join(dependsOn, ", "))
			}
			return nil
		},
	}

	command.Flags().IntVarP(&priority, "priority", "p", 3, "Priority (1 is most urgent)")
	command.Flags().StringVarP(&assignee, "assignee", "a", "", "Agent to assign (defaults to this agent)")
	command.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Task IDs that must complete first")
	command.Flags().StringVar(&workspace, "workspace", "", "Workspace the task runs against")
	return command
}

func statusCmd() *cobra.Command {
	var watch bool

	command := &cobra.Command{
		Use:   "status",
		Short: "Show this agent's tasks grouped by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadStore()
			if err != nil {
				return err
			}

			if !watch {
				return printStatus(cmd.Context(), cfg, store)
			}

			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				fmt.Print("\033[H\033[2J")
				fmt.Printf("outrider status — %s (refreshes every 5s, Ctrl-C to exit)\n", cfg.Agent)
				if err := printStatus(cmd.Context(), cfg, store); err != nil {
					return err
				}
				select {
				case <-ticker.C:
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}

	command.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh continuously")
	return command
}

func printStatus(ctx context.Context, cfg *config.Config, store *tracker.Store) error {
	statuses := []types.TaskStatus{
		types.TaskStatusInProgress,
		types.TaskStatusAssigned,
		types.TaskStatusApproved,
		types.TaskStatusPlanned,
		types.TaskStatusBlocked,
		types.TaskStatusDraft,
		types.TaskStatusFailed,
	}

	total := 0
	for _, status := range statuses {
		tasks, err := store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		var mine []*types.Task
		for _, t := range tasks {
			if t.Assignee == cfg.Agent {
				mine = append(mine, t)
			}
		}
		if len(mine) == 0 {
			continue
		}
		fmt.Printf("\n%s (%d):\n", status, len(mine))
		for _, t := range mine {
			age := time.Since(t.UpdatedAt).Round(time.Minute)
			fmt.Printf("  %s  p%d  %s  (updated %s ago)\n", t.ID, t.Priority, t.Title, age)
		}
		total += len(mine)
	}
	if total == 0 {
		fmt.Printf("No tasks for %s\n", cfg.Agent)
	}
	return nil
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run the crash-recovery scan once and exit",
		Long: `Run the crash-recovery scan once and exit.

Tasks stuck in-progress past the grace window are reset for another attempt,
or marked failed when their retry budget is exhausted. Stale worktrees are
pruned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadStore()
			if err != nil {
				return err
			}

			trees := git.NewManager(cfg.Agent)
			rec := recovery.NewService(store, trees, nil, cfg.Agent, recovery.Config{
				GraceWindow:      cfg.GraceWindow,
				StaleThreshold:   cfg.StaleThreshold,
				MaxRetries:       cfg.MaxRetries,
				DefaultWorkspace: cfg.Workspace,
			})
			rec.SetVerbose(cfg.Verbose)

			if err := rec.StartupScan(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("✅ Recovery scan complete")
			return nil
		},
	}
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <completed-task-id>",
		Short: "Run the dependency cascade for a task completed outside the loop",
		Long: `Run the dependency cascade for a task completed outside the loop.

When a task is closed by hand (e.g. after resolving a merge conflict
manually), its dependents stay blocked until the next automated completion.
This triggers the cascade immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadStore()
			if err != nil {
				return err
			}

			unblocked, err := store.Resolver().UnblockDependents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(unblocked) == 0 {
				fmt.Println("No tasks became ready")
				return nil
			}
			fmt.Printf("🔓 Unblocked: %s\n", strings.Join(unblocked, ", "))
			return nil
		},
	}
}

func worktreeCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "worktree",
		Short: "Manage isolated task worktrees",
	}
	command.AddCommand(worktreeListCmd(), worktreeCleanupCmd(), worktreePruneCmd())
	return command
}

func worktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the isolated worktrees in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			trees, err := git.NewManager(cfg.Agent).List(cfg.Workspace)
			if err != nil {
				return err
			}
			if len(trees) == 0 {
				fmt.Println("No worktrees")
				return nil
			}
			for _, wt := range trees {
				fmt.Printf("%s  %s\n", wt.Path, wt.Branch)
			}
			return nil
		},
	}
}

// worktreeCleanupCmd removes this agent's worktree and task branch
func worktreeCleanupCmd() *cobra.Command {
	var branch string

	command := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove this agent's worktree and its task branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			trees := git.NewManager(cfg.Agent)
			trees.SetVerbose(cfg.Verbose)
			trees.Cleanup(cfg.Workspace, branch)
			fmt.Println("🗑️  Worktree cleaned up")
			return nil
		},
	}

	command.Flags().StringVar(&branch, "branch", "", "Task branch to delete along with the tree")
	return command
}

func worktreePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove all stale task worktrees from the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			trees := git.NewManager(cfg.Agent)
			trees.SetVerbose(true)
			trees.PruneStale(cfg.Workspace)
			fmt.Println("🗑️  Stale worktrees pruned")
			return nil
		},
	}
}
