package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/p-arndt/lughcore/internal/artifact"
	"github.com/p-arndt/lughcore/internal/config"
	"github.com/p-arndt/lughcore/internal/fault"
	"github.com/p-arndt/lughcore/internal/kernel"
	"github.com/p-arndt/lughcore/internal/memory"
	"github.com/p-arndt/lughcore/internal/recovery"
	"github.com/p-arndt/lughcore/internal/sandbox"
	"github.com/p-arndt/lughcore/internal/security"
	"github.com/p-arndt/lughcore/internal/signing"
	"github.com/p-arndt/lughcore/internal/store"
	"github.com/p-arndt/lughcore/internal/update"
)

func main() {
	cfgPath := flag.String("config", "", "path to lugh.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	fault.SetLogger(logger)
	fault.SetHandler(func(e *fault.Error) {
		fmt.Fprintf(os.Stderr, "\n  lughd: fatal fault: %s\n%s\n", e.Reason, e.Stack)
	})

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("create db dir", "error", err)
		os.Exit(1)
	}
	st, err := store.New(cfg.DBPath, store.DefaultMaxOpenConns)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	arts, err := artifact.NewDir(filepath.Join(cfg.DataDir, "root"))
	if err != nil {
		logger.Error("open artifact root", "error", err)
		os.Exit(1)
	}

	policy := security.New(logger)
	signer, err := signing.Generate(policy)
	if err != nil {
		logger.Error("generate signing key", "error", err)
		os.Exit(1)
	}

	sb, err := sandbox.New(sandbox.Options{
		Mode:     cfg.Sandbox.Mode,
		DataSize: int(cfg.Sandbox.DataSize),
		WorkDir:  filepath.Join(cfg.DataDir, "sandbox"),
		Timeout:  cfg.ExecTimeout(),
		Args:     cfg.Sandbox.Args,
	}, logger)
	if err != nil {
		logger.Error("sandbox", "error", err)
		os.Exit(1)
	}

	engine, err := update.New(update.Config{
		MaxImageSize: int64(cfg.Update.MaxImageSize),
		StepTimeout:  cfg.StepTimeout(),
		LogDir:       cfg.LogDir,
	}, arts, signer, sb, update.NewSuiteTester(signer, logger), st, logger)
	if err != nil {
		logger.Error("update engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := recovery.New(st, arts, cfg.PruneInterval(), cfg.JournalRetention(), logger)
	// Settle interrupted updates before the kernel can start new ones.
	rec.Reconcile()
	go rec.Watch(ctx)

	k, err := kernel.New(kernel.Options{
		Heap:          memory.Layout{Base: cfg.Heap.Base, Size: int(cfg.Heap.Size)},
		KHeapSize:     int(cfg.KHeapSize),
		Policy:        cfg.Scheduler.Policy,
		Console:       os.Stdout,
		UserSendRate:  cfg.IPC.UserSendRate,
		UserSendBurst: cfg.IPC.UserSendBurst,
	}, kernel.Deps{
		Validator: policy,
		Signer:    signer,
		Updates:   engine,
		KV:        st,
	}, logger)
	if errors.Is(err, memory.ErrHeapTooSmall) {
		logger.Error("heap too small, halting", "heap", cfg.Heap.Size.String())
		os.Exit(1)
	}
	if err != nil {
		logger.Error("kernel init", "error", err)
		os.Exit(1)
	}
	defer k.Close()

	if err := k.Boot(); err != nil {
		logger.Error("kernel boot", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "\n  lughd ready (boot %s, scheduler %s)\n\n", k.BootID(), cfg.Scheduler.Policy)

	if err := k.Run(ctx, kernel.NewTimerSource(cfg.TickInterval())); err != nil {
		logger.Error("kernel loop", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
