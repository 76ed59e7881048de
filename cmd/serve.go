package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/maorbril/notestream/internal/engine"
	"github.com/maorbril/notestream/internal/mcp"
	"github.com/maorbril/notestream/internal/reconcile"
	"github.com/maorbril/notestream/internal/relay"
	"github.com/maorbril/notestream/internal/store"
	"github.com/maorbril/notestream/internal/telemetry"
	"github.com/spf13/cobra"
)

var serveOffline bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Starts notestream as an MCP server on stdin/stdout. Relay subscriptions feed
the local database and streams are reconciled every tick_interval. This is
typically invoked by an MCP client, not directly.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "Do not connect to relays; serve from the local database only")
}

// session bundles what serve and watch both need.
type session struct {
	store  *store.SQLiteStore
	pool   *relay.Pool
	engine *engine.Engine
}

func openSession(ctx context.Context, offline bool) (*session, error) {
	s, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	rt := &session{store: s}
	var relays reconcile.RelayPool
	if !offline && len(cfg.Relays) > 0 {
		rt.pool, err = relay.NewPool(cfg.Relays, s, logger, relay.Options{
			VerifySignatures: cfg.VerifySignatures,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to create relay pool: %w", err)
		}
		rt.pool.Start(ctx)
		relays = rt.pool
	}
	rt.engine = engine.New(s, relays, logger, reconcileOptions(cfg))
	return rt, nil
}

func (rt *session) Close() {
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
	_ = rt.store.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := openSession(ctx, serveOffline)
	if err != nil {
		return err
	}
	defer rt.Close()

	started := time.Now()
	go func() {
		if err := rt.engine.Run(ctx, cfg.TickInterval.Std()); err != nil {
			logger.Error().Err(err).Msg("reconciliation loop exited")
		}
	}()

	// Run MCP server
	errCh := make(chan error, 1)
	go func() {
		errCh <- mcp.NewServer(rt.engine).Run()
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	if st, statErr := rt.engine.Status(); statErr == nil {
		telemetry.TrackSession(len(cfg.Relays), st.Streams.Streams, len(st.Instances), time.Since(started))
	}
	if err != nil {
		telemetry.TrackError("serve")
	}
	return err
}
