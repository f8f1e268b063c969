package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/austindbirch/outreach/internal/config"
	"github.com/austindbirch/outreach/internal/db"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/taskqueue"
)

// The engine commands talk to Postgres directly using the same DB_* settings
// as the services.

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Show or change the engine pause flags",
}

var engineShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the engine configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *outreach.PostgresStore) error {
			cfg, err := store.LoadEngineConfig(ctx)
			if err != nil {
				return fmt.Errorf("failed to load engine config: %w", err)
			}
			if outputJSON {
				printOutput(cfg)
				return nil
			}
			fmt.Printf("Active:       %v\n", cfg.Active)
			fmt.Printf("Dispatcher:   %s\n", pausedLabel(cfg.DispatcherPaused))
			fmt.Printf("Sequencer:    %s\n", pausedLabel(cfg.SequencerPaused))
			fmt.Printf("Daily limit:  %d\n", cfg.DailyEmailLimit)
			fmt.Printf("Window:       %02d:00-%02d:00 %s\n", cfg.Window.StartHour, cfg.Window.EndHour, cfg.Window.Timezone)
			return nil
		})
	},
}

var enginePauseCmd = &cobra.Command{
	Use:       "pause [dispatcher|sequencer]",
	Short:     "Pause a worker role",
	ValidArgs: []string{outreach.RoleDispatcher, outreach.RoleSequencer},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(args[0], true)
	},
}

var engineResumeCmd = &cobra.Command{
	Use:       "resume [dispatcher|sequencer]",
	Short:     "Resume a worker role",
	ValidArgs: []string{outreach.RoleDispatcher, outreach.RoleSequencer},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(args[0], false)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover tasks stuck in processing",
	Long: `Return tasks whose processing lease has expired to pending, or fail them
when they are out of retries. The dispatcher runs the same sweep on a schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lease, _ := cmd.Flags().GetDuration("lease")
		limit, _ := cmd.Flags().GetInt("limit")
		if lease <= 0 {
			return fmt.Errorf("lease must be positive")
		}

		_ = godotenv.Load()
		cfg := config.FromEnv()
		ctx, cancel := requestContext()
		defer cancel()

		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		d := taskqueue.NewDispatcher(taskqueue.NewPostgresStore(pool), nil)
		n, err := d.RecoverStale(ctx, lease, limit)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		if outputJSON {
			printOutput(map[string]int{"recovered": n})
		} else {
			fmt.Printf("Recovered %d stale task(s)\n", n)
		}
		return nil
	},
}

func setPaused(role string, paused bool) error {
	return withStore(func(ctx context.Context, store *outreach.PostgresStore) error {
		if err := store.SetPaused(ctx, role, paused); err != nil {
			return fmt.Errorf("failed to update %s: %w", role, err)
		}
		fmt.Printf("%s %s\n", role, pausedLabel(paused))
		return nil
	})
}

func withStore(fn func(ctx context.Context, store *outreach.PostgresStore) error) error {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx, cancel := requestContext()
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, outreach.NewPostgresStore(pool))
}

func pausedLabel(paused bool) string {
	if paused {
		return "paused"
	}
	return "running"
}

func init() {
	rootCmd.AddCommand(engineCmd)
	engineCmd.AddCommand(engineShowCmd)
	engineCmd.AddCommand(enginePauseCmd)
	engineCmd.AddCommand(engineResumeCmd)

	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Duration("lease", 15*time.Minute, "processing time after which a task is considered stale")
	sweepCmd.Flags().Int("limit", 100, "maximum tasks recovered")
}
