package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AmeliaRose802/overseer/agent"
	"github.com/AmeliaRose802/overseer/claim"
	"github.com/AmeliaRose802/overseer/config"
	"github.com/AmeliaRose802/overseer/log"
	"github.com/AmeliaRose802/overseer/mergequeue"
	"github.com/AmeliaRose802/overseer/retry"
	"github.com/AmeliaRose802/overseer/shutdown"
	"github.com/AmeliaRose802/overseer/tracker"
	"github.com/AmeliaRose802/overseer/workspace"
)

var (
	version = "1.0.0"

	agentsFlag   int
	programFlag  string
	trackerFlag  string
	dbFlag       string
	maxTasksFlag int

	rootCmd = &cobra.Command{
		Use:   "overseer",
		Short: "Overseer - coordinates autonomous agents over a shared backlog",
		Long: `Overseer runs a pool of worker agents that claim tasks from a shared
tracker, work each one in an isolated git worktree, and serialize the
finished work back onto the integration branch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			return runAgents()
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Sweep workspaces recorded as stale and prune reclaimed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			return sweepStale()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of overseer",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("overseer version %s\n", version)
		},
	}
)

func runAgents() error {
	repoPath, err := filepath.Abs(".")
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg := config.LoadConfig()
	if agentsFlag > 0 {
		cfg.MaxAgents = agentsFlag
	}
	if programFlag != "" {
		cfg.AgentProgram = programFlag
	}

	client := tracker.NewCLI(trackerFlag, dbFlag)

	manifest := workspace.NewManifest(filepath.Join(repoPath, ".overseer", "stale-workspaces.json"))
	spaces := workspace.NewManager(repoPath, cfg.BranchPrefix, cfg.TargetBranch, manifest)

	ops := mergequeue.NewRepoGitOps(repoPath, cfg.TargetBranch, spaces, hasRemote(repoPath))
	queue := mergequeue.NewQueue(ops)

	coord := shutdown.NewCoordinator(
		time.Duration(cfg.WatchdogBaseSeconds)*time.Second,
		time.Duration(cfg.WatchdogPerAgentSeconds)*time.Second,
		time.Duration(cfg.MergeGraceSeconds)*time.Second,
	)
	coord.SetQueue(queue)

	pool := agent.NewPool()
	coord.SetPool(pool)

	runner := agent.NewProgramRunner(cfg.AgentProgram)
	for i := 0; i < cfg.MaxAgents; i++ {
		agentID := fmt.Sprintf("overseer-%s", uuid.NewString()[:8])
		backoff := retry.NewBackoff(time.Duration(cfg.SyncRetryBaseMS)*time.Millisecond, cfg.SyncRetryAttempts)
		loop := agent.NewLoop(
			claim.NewSelector(client, agentID),
			claim.NewClaimer(client, agentID, backoff),
			client, spaces, queue, runner, coord, backoff,
			agent.LoopOptions{
				PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
				TargetBranch: cfg.TargetBranch,
				MaxTasks:     maxTasksFlag,
				Stopped:      pool.Stopped,
			},
		)
		pool.Add(loop)
	}

	// Operator interrupt converts into the orderly wind-down; the watchdog
	// guarantees exit if that stalls.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		coord.Request()
	}()

	summary := pool.Run(coord.Context())
	queue.Shutdown(time.Duration(cfg.MergeGraceSeconds) * time.Second)

	fmt.Printf("completed=%d conflicts=%d failed=%d skipped=%d\n",
		summary.Completed, summary.Conflicts, summary.Failed, summary.Skipped)
	return nil
}

// sweepStale retries removal of every workspace the manifest records and
// prunes the entries that are reclaimed.
func sweepStale() error {
	repoPath, err := filepath.Abs(".")
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	manifest := workspace.NewManifest(filepath.Join(repoPath, ".overseer", "stale-workspaces.json"))
	entries := manifest.Entries()
	if len(entries) == 0 {
		fmt.Println("no stale workspaces recorded")
		return nil
	}

	for taskID, entry := range entries {
		if err := os.RemoveAll(entry.Path); err != nil {
			log.WarningLog.Printf("sweep %s (%s): %v", taskID, entry.Path, err)
			fmt.Printf("still stale: %s at %s (%s)\n", taskID, entry.Path, entry.Reason)
			continue
		}
		manifest.Remove(taskID)
		fmt.Printf("reclaimed: %s at %s\n", taskID, entry.Path)
	}
	return nil
}

func hasRemote(repoPath string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "remote", "get-url", "origin")
	return cmd.Run() == nil
}

func main() {
	rootCmd.Flags().IntVarP(&agentsFlag, "agents", "n", 0, "Number of concurrent agents (overrides config)")
	rootCmd.Flags().StringVarP(&programFlag, "program", "p", "", "Agent program to run in each workspace (overrides config)")
	rootCmd.PersistentFlags().StringVar(&trackerFlag, "tracker", "bd", "Tracker binary")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Tracker database path")
	rootCmd.Flags().IntVar(&maxTasksFlag, "max-tasks", 0, "Stop each agent after this many tasks (0 = unbounded)")

	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
