package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/lifecycle"
	"github.com/signalnine/benchloop/internal/metrics"
	"github.com/signalnine/benchloop/internal/report"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/review"
	"github.com/signalnine/benchloop/internal/runner"
	"github.com/signalnine/benchloop/internal/validation"
)

const interruptedReason = "interrupted"

func newRunCmd(v *viper.Viper) *cobra.Command {
	var benchmarkID, listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark until its work is done or a budget is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBenchmark(ctx, v, benchmarkID, listen, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&benchmarkID, "benchmark", "", "benchmark id to run")
	cmd.Flags().StringVar(&listen, "listen", "", "serve /metrics and /events on this address")
	_ = cmd.MarkFlagRequired("benchmark")
	return cmd
}

// runBenchmark starts one run and blocks until it finishes. Cancelling ctx
// stops the run as interrupted.
func runBenchmark(ctx context.Context, v *viper.Viper, benchmarkID, listen string, out io.Writer) error {
	a, err := bootstrap(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.benchmark(benchmarkID); err != nil {
		return err
	}
	secrets, err := a.secrets()
	if err != nil {
		return err
	}
	prices, err := a.pricing()
	if err != nil {
		return err
	}

	bus := events.NewChannelBus(a.logger)
	defer bus.Close()
	rec := metrics.New()
	go rec.Consume(context.WithoutCancel(ctx), bus)

	agents := a.agentRunner()
	engine := validation.NewEngine(a.store, a.logger, validation.WithObserver(rec.ObserveVerifier))
	gate := review.NewGate(agents, a.logger,
		review.WithModel(a.cfg.Review.Model),
		review.WithTimeout(a.cfg.Review.Timeout),
		review.WithConventions(a.cfg.Review.Conventions),
		review.WithEvents(bus),
	)
	executor := runner.NewCycleExecutor(a.store, agents, engine, a.logger,
		runner.WithReview(gate, a.cfg.Review),
		runner.WithPricing(prices, a.cfg.Pricing.Provider),
		runner.WithEnv(secrets),
		runner.WithEvents(bus),
	)
	mgr := lifecycle.NewManager(a.store, executor, a.logger,
		lifecycle.WithEvents(bus),
		lifecycle.WithResultsDir(a.cfg.Results.Dir),
		lifecycle.WithMinSpecCompletion(a.cfg.Policy.MinSpecCompletion()),
	)
	if n, err := mgr.Recover(ctx); err != nil {
		a.logger.Warn("recovering interrupted runs", "error", err)
	} else if n > 0 {
		a.logger.Info("marked interrupted runs as failed", "runs", n)
	}

	if listen != "" {
		srv := serveStatus(listen, rec, bus, a.logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	run, err := mgr.Start(ctx, benchmarkID)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	fmt.Fprintf(out, "Run %s started for %s\n", run.ID, benchmarkID)

	if err := mgr.Wait(ctx, run.ID); err != nil {
		a.logger.Info("interrupt received, stopping run", "run_id", run.ID)
		if _, err := mgr.Stop(context.Background(), run.ID, interruptedReason); err != nil && !errors.Is(err, lifecycle.ErrNotActive) {
			a.logger.Error("stopping run", "run_id", run.ID, "error", err)
		}
		if err := mgr.Wait(context.Background(), run.ID); err != nil {
			return err
		}
	}
	executor.Forget(run.ID)

	final, err := mgr.Status(context.Background(), run.ID)
	if err != nil {
		return fmt.Errorf("loading final run: %w", err)
	}
	fmt.Fprintln(out)
	if err := report.WriteRun(final, out); err != nil {
		return err
	}
	if final.Status == result.StatusFailed {
		return fmt.Errorf("run %s failed: %s", final.ID, final.StopReason)
	}
	return nil
}

func serveStatus(addr string, rec *metrics.Recorder, bus events.Bus, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Middleware(rec.Handler()))
	// The websocket handshake needs the raw ResponseWriter, so /events is
	// not wrapped.
	mux.Handle("/events", events.Handler(bus, logger))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server", "error", err)
		}
	}()
	return srv
}
