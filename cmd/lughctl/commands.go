package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/p-arndt/lughcore/internal/artifact"
	"github.com/p-arndt/lughcore/internal/checksum"
	"github.com/p-arndt/lughcore/internal/config"
	"github.com/p-arndt/lughcore/internal/recovery"
	"github.com/p-arndt/lughcore/internal/sandbox"
	"github.com/p-arndt/lughcore/internal/security"
	"github.com/p-arndt/lughcore/internal/signing"
	"github.com/p-arndt/lughcore/internal/store"
	"github.com/p-arndt/lughcore/internal/update"
)

type env struct {
	cfg    *config.Config
	store  *store.Store
	arts   *artifact.Dir
	logger *slog.Logger
}

func openEnv(cfgPath string, verbose bool) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.New(cfg.DBPath, 1)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	arts, err := artifact.NewDir(filepath.Join(cfg.DataDir, "root"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open artifact root: %w", err)
	}
	return &env{cfg: cfg, store: st, arts: arts, logger: logger}, nil
}

func runUpdate(args []string) int {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to lugh.yaml")
	typ := fs.String("type", "service", "component type: driver|service|kernel|user")
	target := fs.String("path", "", "component path under the artifact root")
	image := fs.String("image", "", "host path of the new image")
	hash := fs.String("hash", "", "expected CRC-32 of the image in hex (default: computed)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *target == "" || *image == "" {
		fmt.Fprintln(os.Stderr, "update: -path and -image are required")
		return 2
	}

	t, err := update.ParseType(*typ)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	data, err := os.ReadFile(*image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read image: %v\n", err)
		return 1
	}
	expected := checksum.Sum(data)
	if *hash != "" {
		h, err := strconv.ParseUint(strings.TrimPrefix(*hash, "0x"), 16, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -hash: %v\n", err)
			return 2
		}
		expected = uint32(h)
	}

	e, err := openEnv(*cfgPath, *verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.store.Close()

	signer, err := signing.Generate(security.New(e.logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	sb, err := sandbox.New(sandbox.Options{
		Mode:     e.cfg.Sandbox.Mode,
		DataSize: int(e.cfg.Sandbox.DataSize),
		WorkDir:  filepath.Join(e.cfg.DataDir, "sandbox"),
		Timeout:  e.cfg.ExecTimeout(),
		Args:     e.cfg.Sandbox.Args,
	}, e.logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	engine, err := update.New(update.Config{
		MaxImageSize: int64(e.cfg.Update.MaxImageSize),
		StepTimeout:  e.cfg.StepTimeout(),
		LogDir:       e.cfg.LogDir,
	}, e.arts, signer, sb, update.NewSuiteTester(signer, e.logger), e.store, e.logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tx, err := engine.Init(t, *target, data, expected)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer engine.Cleanup(tx)

	fmt.Printf("transaction %d: %s %s (%s)\n", tx.ID, t, *target, units.HumanSize(float64(len(data))))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Execute(ctx, tx); err != nil {
		fmt.Fprintf(os.Stderr, "transaction %d failed: %v\n", tx.ID, err)
		return 1
	}
	fmt.Printf("transaction %d: %s\n", tx.ID, tx.Status)
	if tx.RequiresReboot {
		fmt.Println("reboot required to complete the update")
	}
	return 0
}

func runJournal(args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to lugh.yaml")
	limit := fs.Int("limit", 20, "number of transactions to list (0 = all)")
	events := fs.Uint64("events", 0, "show the event history of one transaction")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := openEnv(*cfgPath, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.store.Close()

	if *events != 0 {
		tx, err := e.store.GetTransaction(*events)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "transaction %d not found\n", *events)
			return 1
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		evs, err := e.store.ListEvents(*events)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if *asJSON {
			return printJSON(os.Stdout, map[string]any{"transaction": tx, "events": evs})
		}
		fmt.Printf("transaction %d: %s %s, status %s\n", tx.ID, tx.Type, tx.Path, tx.Status)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tSTATUS\tDETAIL")
		for _, ev := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", ev.At.Format("2006-01-02 15:04:05.000"), ev.Status, ev.Detail)
		}
		w.Flush()
		return 0
	}

	txs, err := e.store.ListTransactions(*limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *asJSON {
		return printJSON(os.Stdout, txs)
	}
	printTransactions(os.Stdout, txs)
	return 0
}

func printTransactions(out io.Writer, txs []*store.Transaction) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPATH\tSTATUS\tSIZE\tERRORS\tUPDATED")
	for _, tx := range txs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			tx.ID, tx.Type, tx.Path, tx.Status, units.HumanSize(float64(tx.Size)), tx.ErrorCount,
			units.HumanDuration(time.Since(tx.UpdatedAt))+" ago")
	}
	w.Flush()
}

func runRecover(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to lugh.yaml")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := openEnv(*cfgPath, *verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.store.Close()

	sum := recovery.New(e.store, e.arts, 0, e.cfg.JournalRetention(), e.logger).Reconcile()
	fmt.Printf("run %s: %d restored, %d completed, %d failed\n", sum.RunID, sum.Restored, sum.Completed, sum.Failed)
	return 0
}

func runKVLog(args []string) int {
	fs := flag.NewFlagSet("kvlog", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to lugh.yaml")
	boot := fs.String("boot", "", "boot id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *boot == "" {
		fmt.Fprintln(os.Stderr, "kvlog: -boot is required")
		return 2
	}

	e, err := openEnv(*cfgPath, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.store.Close()

	entries, err := e.store.ListLogEntries(*boot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tOP\tKEY\tVALUE\tAT")
	for _, en := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", en.Seq, en.Op, en.Key, en.Value, en.At.Format("15:04:05.000"))
	}
	w.Flush()
	return 0
}

func printJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
