package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels/bridge"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/config"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/monitor"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/scheduler"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/store"
)

// newServeCmd creates the `inlineclaw serve` command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Inline and serve the agent",
		Long: `Connect to the Inline sidecar and process inbound messages until
interrupted.

Examples:
  inlineclaw serve
  inlineclaw serve --config ./inlineclaw.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stdout)

	config.ResolveToken(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	transport := bridge.New(cfg.Bridge, logger)
	return runMonitor(cmd.Context(), cfg, transport, st, logger)
}

// stack is the persistence and agent wiring shared by serve and console.
type stack struct {
	db       *sql.DB
	pairing  *store.PairingStore
	sessions *store.SessionStore
	gateway  *pipeline.Gateway
	sched    *scheduler.Scheduler
}

func openStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	pairing := store.NewPairingStore(db, store.PairingOptions{
		TTL:        cfg.Pairing.TTL,
		MaxPending: cfg.Pairing.MaxPending,
	}, logger)
	sessions := store.NewSessionStore(db, logger)

	sched := scheduler.New(logger)
	if cfg.Pairing.SweepSchedule != "" {
		err := sched.Add("pairing-sweep", cfg.Pairing.SweepSchedule, func(ctx context.Context) error {
			n, err := pairing.PruneExpired(ctx)
			if err == nil && n > 0 {
				logger.Info("expired pairing requests pruned", "count", n)
			}
			return err
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &stack{
		db:       db,
		pairing:  pairing,
		sessions: sessions,
		gateway:  pipeline.NewGateway(cfg.Agent, sessions, logger),
		sched:    sched,
	}, nil
}

func (s *stack) Close() {
	s.db.Close()
}

// runMonitor runs the monitor on transport until a signal arrives or the
// transport ends.
func runMonitor(parent context.Context, cfg *config.Config, transport channels.Transport, st *stack, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	mon, err := monitor.New(monitor.Options{
		Config:    cfg.Inline,
		Transport: transport,
		Pipeline:  st.gateway,
		Pairing:   st.pairing,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	st.sched.Start(ctx)
	defer st.sched.Stop()

	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-done:
		return err
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
	}

	mon.Stop()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}
