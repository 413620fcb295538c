package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pocketbrain/pocketbrain/internal/agent/opencode"
	"github.com/pocketbrain/pocketbrain/internal/channel"
	"github.com/pocketbrain/pocketbrain/internal/channel/mock"
	"github.com/pocketbrain/pocketbrain/internal/ipc"
	"github.com/pocketbrain/pocketbrain/internal/orchestrator"
	"github.com/pocketbrain/pocketbrain/internal/queue"
	"github.com/pocketbrain/pocketbrain/internal/scheduler"
	"github.com/pocketbrain/pocketbrain/internal/session"
)

const shutdownGrace = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()
	cfg := loadConfig()

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "error", err)
		os.Exit(1)
	}

	st := openStore(cfg)
	defer st.Close()

	// The mock channel is the only built-in transport; real adapters
	// register under their own names.
	if cfg.Channel.Name != "mock" {
		slog.Warn("unknown channel, falling back to mock", "channel", cfg.Channel.Name)
	}
	ch := mock.New("mock")
	reg := channel.NewRegistry(st, []channel.Channel{ch},
		cfg.Channel.SendRatePerMin, cfg.Channel.MaxChunkChars)

	rt := opencode.New(cfg.Agent.BaseURL, cfg.Agent.Token)
	sm := session.NewManager(rt, session.Timeouts{
		Init:      cfg.InitTimeout(),
		Stream:    cfg.StreamTimeout(),
		Canonical: cfg.CanonicalTimeout(),
	})

	// The queue calls back into the orchestrator; the closure breaks
	// the construction cycle.
	var orch *orchestrator.Orchestrator
	q := queue.New(func(ctx context.Context, job queue.Job) error {
		return orch.Process(ctx, job)
	}, cfg.Sessions.MaxConcurrent, cfg.Queue.MaxRetries, cfg.BaseRetry())
	orch = orchestrator.New(st, q, sm, reg, cfg)
	reg.SetCallbacks(orch.Callbacks())

	sched := scheduler.New(st, q, cfg.SchedulerInterval(), loc)
	watcher := ipc.NewWatcher(st, reg, cfg.IpcRoot(), cfg.IpcInterval(), loc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q.Start(ctx)
	if err := reg.Connect(ctx); err != nil {
		slog.Error("channel connect failed", "error", err)
		os.Exit(1)
	}

	slog.Info("pocketbrain started",
		"version", Version, "data_dir", cfg.DataDir, "agent", cfg.Agent.BaseURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return reg.DrainOutbox(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("runtime loop failed", "error", err)
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	orch.Shutdown(shutdownCtx) // aborts sessions so queued jobs unblock
	q.Shutdown(shutdownGrace)
	reg.Disconnect()
	slog.Info("shutdown complete")
}
