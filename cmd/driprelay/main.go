package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/shohag/driprelay/internal/api"
	"github.com/shohag/driprelay/internal/delivery"
	"github.com/shohag/driprelay/internal/generation"
	"github.com/shohag/driprelay/internal/models"
)

var version = "0.1.0"

const flushTimeout = 2 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "driprelay",
		Short:        "DripRelay generates drip email sequences and delivers them on schedule",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(generateCmd(&configPath))
	rootCmd.AddCommand(resumeCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(sequenceCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API, generation workers and delivery scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.log

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			dispatcher := generation.NewDispatcher(orch, a.cfg.Generation.Workers, a.cfg.Generation.QueueSize,
				log.With().Str("component", "dispatcher").Logger())
			dispatcher.Start(ctx)

			sweeper, err := a.sweeper()
			if err != nil {
				return err
			}
			scheduler, err := delivery.NewScheduler(sweeper, a.cfg.Delivery.SweepInterval, a.cfg.Delivery.HorizonInterval,
				log.With().Str("component", "scheduler").Logger())
			if err != nil {
				return err
			}
			scheduler.Start(ctx)

			server := api.NewServer(a.cfg.Server, a.cfg.Sequence, a.store, dispatcher, log)
			go func() {
				if err := server.Start(a.cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Int("workers", a.cfg.Generation.Workers).
				Str("storage", a.cfg.Storage.Driver).
				Str("delivery", a.cfg.Delivery.Provider).
				Str("lock", a.cfg.Lock.Driver).
				Msg("DripRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			scheduler.Stop()
			dispatcher.Stop()

			log.Info().Msg("DripRelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func generateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <sequence_id>",
		Short: "Generate the items of one sequence in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if err := orch.Run(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			return printSequence(cmd.Context(), a, args[0])
		},
	}
}

func resumeCmd(configPath *string) *cobra.Command {
	var (
		allFailed   bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "resume [sequence_id...]",
		Short: "Resume failed or interrupted sequences",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args
			if allFailed {
				failed, err := a.store.ListSequences(cmd.Context(), models.SequenceFailed, 0, 0)
				if err != nil {
					return fmt.Errorf("failed to list failed sequences: %w", err)
				}
				for _, s := range failed {
					ids = append(ids, s.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no sequences to resume: pass ids or --all-failed")
			}

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if concurrency < 1 {
				concurrency = a.cfg.Generation.Workers
			}

			failures := 0
			for _, r := range generation.RunMany(cmd.Context(), orch, ids, concurrency) {
				if r.Err != nil {
					failures++
					fmt.Printf("  %s  failed: %v\n", r.SequenceID, r.Err)
					continue
				}
				fmt.Printf("  %s  completed\n", r.SequenceID)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d sequences failed", failures, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "resume every failed sequence")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel runs (default generation.workers)")
	return cmd
}

func sweepCmd(configPath *string) *cobra.Command {
	var horizon bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one delivery sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper, err := a.sweeper()
			if err != nil {
				return err
			}
			run := sweeper.Sweep
			if horizon {
				run = sweeper.Horizon
			}
			res, err := run(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&horizon, "horizon", false, "run the horizon check instead of the due sweep")
	return cmd
}

func sequenceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Inspect sequences",
	}

	var (
		status string
		limit  int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sequences",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			seqs, err := a.store.ListSequences(cmd.Context(), models.SequenceStatus(status), limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list sequences: %w", err)
			}
			if len(seqs) == 0 {
				fmt.Println("No sequences found.")
				return nil
			}
			for _, s := range seqs {
				next := "-"
				if s.NextDelivery != nil {
					next = s.NextDelivery.Format(time.RFC3339)
				}
				fmt.Printf("  %s  %-10s %3d%%  %s  next %s\n", s.ID, s.Status, s.Progress, s.Recipient, next)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "filter by status")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	getCmd := &cobra.Command{
		Use:   "get <sequence_id>",
		Short: "Show one sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return printSequence(cmd.Context(), a, args[0])
		},
	}

	cmd.AddCommand(listCmd, getCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show sequence and delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new API key and webhook secret",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("api_key:        %s\n", models.NewAPIKey())
			fmt.Printf("webhook_secret: %s\n", models.NewWebhookSecret())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("DripRelay v%s\n", version)
		},
	}
}

func printSequence(ctx context.Context, a *app, id string) error {
	seq, err := a.store.GetSequence(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get sequence %s: %w", id, err)
	}
	items, err := a.store.ListItems(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}
	return printJSON(map[string]interface{}{
		"sequence": seq,
		"items":    items,
	})
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
