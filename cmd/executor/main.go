// Command executor mirrors master signals onto follower accounts in
// SINGLE, BATCH, or TURBO mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorfx/mirrorfx/internal/audit"
	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/config"
	"github.com/mirrorfx/mirrorfx/internal/executor"
	"github.com/mirrorfx/mirrorfx/internal/ops"
	"github.com/mirrorfx/mirrorfx/internal/reconcile"
	"github.com/mirrorfx/mirrorfx/internal/store"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode         = flag.String("mode", string(executor.ModeSingle), "SINGLE, BATCH, or TURBO")
		userID       = flag.String("user-id", "", "follower principal id or AUTO (SINGLE), operator id otherwise")
		batchID      = flag.Int("batch-id", 0, "shard index (BATCH mode)")
		shards       = flag.Int("shards", 1, "total shards (BATCH mode)")
		terminalPath = flag.String("mt5-path", "", "terminal installation path")
		secret       = flag.String("secret", os.Getenv("BRIDGE_SECRET"), "backend bridge secret")
		dryRun       = flag.Bool("dry-run", false, "log orders instead of sending them")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	log := newLogger(cfg.LogLevel, "executor")

	execMode := executor.Mode(*mode)
	switch execMode {
	case executor.ModeSingle, executor.ModeBatch, executor.ModeTurbo:
	default:
		log.Error().Str("mode", *mode).Msg("unknown mode")
		return 1
	}
	if execMode == executor.ModeSingle && *userID == "" {
		log.Error().Msg("--user-id is required in SINGLE mode")
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

	if cfg.PostgresDSN == "" {
		log.Error().Msg("POSTGRES_DSN is required")
		return 1
	}
	sessions, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Error().Err(err).Msg("session store open failed")
		return 1
	}

	backendClient := backend.NewClient(cfg.BackendHosts, *secret, log)
	mirror := audit.NewMirror(cfg.KafkaBrokers, cfg.KafkaSignalTopic, cfg.KafkaExecutionTopic)
	defer mirror.Close()

	state := bus.NewStateStore(rdb)
	transport := bus.NewTransport(rdb)

	term := terminal.NewBridge(os.Getenv("TERMINAL_BRIDGE_ADDR"))
	defer term.Shutdown()
	lock := bus.NewTerminalLock(rdb, *terminalPath)

	if execMode == executor.ModeSingle && *userID == executor.AutoUserID {
		resolved, err := executor.ResolveAutoPrincipal(ctx, term, *terminalPath)
		if err != nil {
			log.Error().Err(err).Msg("auto principal resolution failed")
			return 1
		}
		log.Info().Str("user_id", resolved).Msg("principal resolved from terminal login")
		*userID = resolved
	}

	var poolOpts []worker.Option
	if *dryRun {
		log.Warn().Msg("dry run: orders will not reach the broker")
		poolOpts = append(poolOpts, worker.WithDryRun())
	}
	pool := worker.NewPool(log, state, transport, []worker.Rig{{
		Term: term,
		Lock: lock,
		Path: *terminalPath,
	}}, poolOpts...)
	pool.Start(ctx)
	defer pool.Wait()

	reconciler := reconcile.New(log, state, pool, backendClient, reconcile.DefaultKnobs())

	principal := *userID
	if execMode == executor.ModeBatch {
		principal = "batch-" + strconv.Itoa(*batchID)
	}
	singleton := bus.NewSingletonLock(rdb, bus.ExecutorLockKey(principal), strconv.Itoa(os.Getpid()), 10*time.Second)
	defer singleton.Release(context.WithoutCancel(ctx))

	execCfg := executor.DefaultConfig(execMode, *userID)
	execCfg.BatchID = *batchID
	execCfg.Shards = *shards

	exec := executor.New(executor.Deps{
		Log:        log,
		Transport:  transport,
		State:      state,
		Sessions:   sessions,
		Backend:    backendClient,
		Pool:       pool,
		Mirror:     mirror,
		Reconciler: reconciler,
		Singleton:  singleton,
	}, execCfg)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.OpsAddr != "" {
		_, srv := ops.NewServer(cfg.OpsAddr, ops.StatusFunc(func() map[string]any {
			return map[string]any{
				"role":      "executor",
				"mode":      string(execMode),
				"principal": principal,
				"dry_run":   *dryRun,
			}
		}))
		g.Go(func() error { return ops.Serve(gctx, log, srv) })
	}
	g.Go(func() error { return exec.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("executor stopped")
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
