// Command broadcaster observes one master account and publishes its
// trading activity as copy signals and authoritative state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorfx/mirrorfx/internal/audit"
	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/broadcaster"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/config"
	"github.com/mirrorfx/mirrorfx/internal/ops"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		userID        = flag.String("user-id", "", "master principal id (required)")
		terminalPath  = flag.String("mt5-path", "", "terminal installation path")
		secret        = flag.String("secret", os.Getenv("BRIDGE_SECRET"), "backend bridge secret")
		syncHistory   = flag.Int("sync-history", 0, "backfill N days of deal history on startup")
		exitAfterSync = flag.Bool("exit-after-sync", false, "exit after the history backfill")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	log := newLogger(cfg.LogLevel, "broadcaster")

	if *userID == "" {
		log.Error().Msg("--user-id is required")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb := bus.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		return 1
	}

	backendClient := backend.NewClient(cfg.BackendHosts, *secret, log)
	creds, err := backendClient.Credentials(ctx, *userID)
	if err != nil {
		if errors.Is(err, backend.ErrCredentialsNotFound) {
			log.Error().Str("user_id", *userID).Msg("no broker credentials on the backend")
		} else {
			log.Error().Err(err).Msg("credential fetch failed")
		}
		return 1
	}

	mirror := audit.NewMirror(cfg.KafkaBrokers, cfg.KafkaSignalTopic, cfg.KafkaExecutionTopic)
	defer mirror.Close()

	term := terminal.NewBridge(os.Getenv("TERMINAL_BRIDGE_ADDR"))
	lock := bus.NewTerminalLock(rdb, *terminalPath)
	singleton := bus.NewSingletonLock(rdb, bus.BroadcasterLockKey(*userID), broadcaster.SingletonValue(), 30*time.Second)

	b := broadcaster.New(broadcaster.Deps{
		Log:       log,
		Term:      term,
		Lock:      lock,
		Singleton: singleton,
		State:     bus.NewStateStore(rdb),
		Transport: bus.NewTransport(rdb),
		Mirror:    mirror,
		Backend:   backendClient,
	}, *userID, *terminalPath, creds, broadcaster.DefaultTimings())

	if err := b.Startup(ctx); err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer singleton.Release(context.WithoutCancel(ctx))
	defer b.ReleaseTerminal(context.WithoutCancel(ctx))
	defer term.Shutdown()

	if *syncHistory > 0 {
		if err := b.SyncHistory(ctx, *syncHistory); err != nil {
			log.Error().Err(err).Msg("history backfill failed")
			return 1
		}
		if *exitAfterSync {
			return 0
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.OpsAddr != "" {
		_, srv := ops.NewServer(cfg.OpsAddr, ops.StatusFunc(func() map[string]any {
			return map[string]any{"role": "broadcaster", "master_id": *userID}
		}))
		g.Go(func() error { return ops.Serve(gctx, log, srv) })
	}
	g.Go(func() error { return b.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("broadcaster stopped")
		return 1
	}
	log.Info().Msg("shutdown complete")
	return 0
}

func newLogger(level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
