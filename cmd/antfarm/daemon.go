package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mpataki/antfarm/internal/orchestrator"
	"github.com/mpataki/antfarm/internal/queue"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run orchestration passes and manage the spawn queue",
	}

	cmd.AddCommand(newDaemonStartCommand())
	cmd.AddCommand(newDaemonOnceCommand())
	cmd.AddCommand(newDaemonQueueCommand())
	cmd.AddCommand(newDaemonDequeueCommand())
	return cmd
}

func newDaemonStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run orchestration passes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			e, err := openEnv(cmd.ErrOrStderr(), verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			q, err := e.queue()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, e)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			opts := orchestrator.OptionsFromConfig(e.cfg, verbose)
			e.logger.Info("daemon started",
				"poll_interval", opts.PollInterval,
				"concurrency", opts.Concurrency,
				"queue_dir", q.Dir())

			return e.orchestrator(q).Run(ctx, opts)
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "Log every pass")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func serveMetrics(addr string, e *env) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		e.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func newDaemonOnceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single orchestration pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			e, err := openEnv(cmd.ErrOrStderr(), verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			q, err := e.queue()
			if err != nil {
				return err
			}

			res, err := e.orchestrator(q).OrchestrateOnce(cmd.Context(), orchestrator.OptionsFromConfig(e.cfg, verbose))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pass complete: %d active, %d enqueued, %d spawned, %d failed spawns, %d deferred\n",
				res.ActiveRuns, res.Enqueued, res.Spawned, res.SpawnFailures, res.Deferred)
			return nil
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "Log pass details")
	return cmd
}

func newDaemonQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List pending spawn requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			q, err := e.queue()
			if err != nil {
				return err
			}

			entries, err := q.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No pending spawn requests.")
				return nil
			}
			for _, req := range entries {
				fmt.Fprintf(out, "%s: %s - %s...\n", req.EntryID, req.AgentID, truncateTask(req.Task, 50))
			}
			return nil
		},
	}
}

func newDaemonDequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <entry-id>",
		Short: "Remove a spawn request from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			q, err := e.queue()
			if err != nil {
				return err
			}

			id := args[0]
			err = q.Remove(id)
			if errors.Is(err, queue.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "Not queued: %s\n", id)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed: %s\n", id)
			return nil
		},
	}
}

// truncateTask cuts task text to its first n characters on one line.
func truncateTask(task string, n int) string {
	task = strings.Join(strings.Fields(task), " ")
	if r := []rune(task); len(r) > n {
		return string(r[:n])
	}
	return task
}
