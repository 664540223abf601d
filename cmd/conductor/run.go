package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/journal"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/plan"
	"github.com/aristath/conductor/internal/runner"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/tui"
)

func newRunCmd() *cobra.Command {
	var (
		plain       bool
		agentCount  int
		metricsAddr string
		journalPath string
		workspace   string
	)

	cmd := &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Execute a plan",
		Long: `Execute every task in the plan, honoring dependencies, priorities and
file locks. A TUI monitors the run; --plain logs events to stderr
instead. The process exits non-zero if any task ends failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return err
			}
			if agentCount > 0 {
				cfg.MaxConcurrentAgents = agentCount
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if journalPath != "" {
				cfg.JournalPath = journalPath
			}
			if workspace != "" {
				cfg.Workspace = workspace
			}
			return runPlan(cmd.Context(), cfg, args[0], plain, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "log events to stderr instead of the TUI")
	cmd.Flags().IntVar(&agentCount, "agents", 0, "override max_concurrent_agents")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&journalPath, "journal", "", "override the journal database path")
	cmd.Flags().StringVar(&workspace, "workspace", "", "directory task commands run in")
	return cmd
}

func runPlan(parent context.Context, cfg *config.ConductorConfig, planPath string, plain bool, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()

	var mets *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		mets, err = metrics.New(metrics.Opts{Namespace: "conductor", Registerer: reg})
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	jr, err := journal.New(ctx, cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jr.Close()

	runID := uuid.NewString()
	if err := jr.BeginRun(ctx, runID, time.Now()); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	// Subscribers attach before tasks are added so they see every event,
	// queueing included. The recorder must outlive a Ctrl+C to capture
	// the cancellation events, so its lifetime is bound to the bus close
	// rather than the signal context.
	recorder := journal.NewRecorder(jr, runID, bus.SubscribeAll(1024))
	recorder.Start(context.WithoutCancel(ctx))

	var program *tea.Program
	var eventSub <-chan events.Event
	if plain {
		eventSub = bus.SubscribeAll(1024)
	} else {
		globalPath, projectPath := config.DefaultPaths()
		program = tea.NewProgram(tui.New(bus, cfg, globalPath, projectPath), tea.WithAltScreen())
	}

	pm := runner.NewProcessManager()
	defer pm.KillAll()

	ocfg := cfg.ToOrchestrator()
	ocfg.Bus = bus
	ocfg.Metrics = mets
	o := orchestrator.New(ocfg)
	o.SetExecutor(runner.New(cfg.Workspace, pm))

	if _, err := o.AddTasks(specs); err != nil {
		bus.Close()
		return fmt.Errorf("loading tasks: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	var stats *orchestrator.RunStats
	var runErr error
	g.Go(func() error {
		// Once the scheduler returns nothing publishes again: closing
		// the bus drains the recorder and the UI, and the cancel winds
		// down the metrics server.
		defer cancelRun()
		defer bus.Close()
		stats, runErr = o.Run(gctx)
		return runErr
	})

	if plain {
		g.Go(func() error {
			logEvents(eventSub)
			return nil
		})
	} else {
		g.Go(func() error {
			_, err := program.Run()
			// Quitting the monitor stops dispatch; in-flight attempts
			// finish and the backlog stays queued.
			o.Stop()
			return err
		})
		go func() {
			<-gctx.Done()
			program.Quit()
		}()
	}

	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	waitErr := g.Wait()

	// Every event is on disk before the run row is finalized.
	recorder.Wait()
	if stats == nil {
		stats = o.Stats()
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := jr.FinishRun(finishCtx, runID, runSummary(stats, runErr)); err != nil {
		log.Printf("WARNING: finalizing journal: %v", err)
	}

	printStats(out, stats)
	fmt.Fprintf(out, "run %s journaled to %s\n", runID, cfg.JournalPath)

	if runErr != nil {
		return runErr
	}
	if failed := stats.ByStatus[scheduler.StatusFailed] + stats.ByStatus[scheduler.StatusConflict]; failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, stats.Total)
	}
	return waitErr
}

// logEvents prints plain-mode progress lines until the bus closes. Agent
// and lock chatter is skipped; the journal keeps the full stream.
func logEvents(sub <-chan events.Event) {
	for event := range sub {
		switch e := event.(type) {
		case events.TaskQueuedEvent:
			log.Printf("queued   %s (%s)", e.Name, e.Priority)
		case events.TaskStartedEvent:
			log.Printf("started  %s on %s (attempt %d)", e.Name, e.Agent, e.Attempt)
		case events.TaskProgressEvent:
			if e.Note != "" {
				log.Printf("progress %s %d%%: %s", e.ID, e.Percent, e.Note)
			}
		case events.TaskCompletedEvent:
			log.Printf("complete %s in %v", e.Name, e.Duration.Round(time.Millisecond))
		case events.TaskFailedEvent:
			if e.Retrying {
				log.Printf("retrying %s after attempt %d: %s", e.Name, e.Attempt, e.Err)
			} else {
				log.Printf("FAILED   %s: %s", e.Name, e.Err)
			}
		case events.TaskConflictEvent:
			if e.Resolution == "" {
				log.Printf("CONFLICT %s on %s (held by %s)", e.ID, e.File, e.HeldBy)
			} else {
				log.Printf("conflict %s on %s resolved: %s", e.ID, e.File, e.Resolution)
			}
		case events.LockExpiredEvent:
			log.Printf("WARNING: lock on %s expired after %v", e.File, e.HeldFor.Round(time.Second))
		}
	}
}

func runSummary(stats *orchestrator.RunStats, runErr error) journal.RunSummary {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	return journal.RunSummary{
		Total:     stats.Total,
		Completed: stats.ByStatus[scheduler.StatusComplete],
		Failed:    stats.ByStatus[scheduler.StatusFailed] + stats.ByStatus[scheduler.StatusConflict],
		Cancelled: stats.ByStatus[scheduler.StatusCancelled],
		WallTime:  stats.WallTime,
		Err:       errText,
	}
}

func printStats(w io.Writer, stats *orchestrator.RunStats) {
	fmt.Fprintf(w, "\n%d tasks: %d complete, %d failed, %d cancelled\n",
		stats.Total,
		stats.ByStatus[scheduler.StatusComplete],
		stats.ByStatus[scheduler.StatusFailed]+stats.ByStatus[scheduler.StatusConflict],
		stats.ByStatus[scheduler.StatusCancelled])

	if stats.WallTime > 0 {
		fmt.Fprintf(w, "wall time %v", stats.WallTime.Round(time.Millisecond))
		if stats.ParallelizationFactor > 1 {
			fmt.Fprintf(w, " (%.1fx parallel, saved %v)",
				stats.ParallelizationFactor, stats.TimeSaved.Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}
}
