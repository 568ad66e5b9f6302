// Package update applies component updates as transactions: checkpoint the
// current artifact, verify the candidate, exercise it in a sandbox, run its
// test suite, then commit. Any failure after the checkpoint restores it.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"

	"github.com/p-arndt/lughcore/internal/fault"
	"github.com/p-arndt/lughcore/internal/store"
)

// MaxUpdateSize is the default largest accepted image.
const MaxUpdateSize = 1 << 20

var (
	ErrInvalidRequest = errors.New("update: invalid request")
	ErrInvalidState   = errors.New("update: transaction not in INIT")
	ErrTooLarge       = errors.New("update: image too large")
	ErrCheckpoint     = errors.New("update: checkpoint failed")
	ErrVerification   = errors.New("update: verification failed")
	ErrSandbox        = errors.New("update: sandbox failed")
	ErrTests          = errors.New("update: tests failed")
	ErrCommit         = errors.New("update: commit failed")
	ErrStepTimeout    = errors.New("update: step deadline exceeded")
)

type Config struct {
	MaxImageSize int64
	StepTimeout  time.Duration
	// LogDir receives one log file per transaction. Empty disables them.
	LogDir string
}

// Engine runs update transactions. Init and Execute may be called from
// several goroutines; each transaction is driven by one of them.
type Engine struct {
	cfg       Config
	artifacts Artifacts
	verifier  Verifier
	sandbox   Sandbox
	tester    Tester
	journal   Journal
	logger    *slog.Logger

	idMu   sync.Mutex
	lastID uint64
}

// New builds an engine. journal may be nil, in which case nothing is
// persisted and ids start at 1; otherwise ids continue after the journal's
// largest.
func New(cfg Config, a Artifacts, v Verifier, sb Sandbox, t Tester, j Journal, logger *slog.Logger) (*Engine, error) {
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = MaxUpdateSize
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		artifacts: a,
		verifier:  v,
		sandbox:   sb,
		tester:    t,
		journal:   j,
		logger:    logger,
	}
	if j != nil {
		last, err := j.MaxTransactionID()
		if err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
		e.lastID = last
	}
	return e, nil
}

func (e *Engine) nextID() uint64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	e.lastID++
	return e.lastID
}

// Init validates the request and creates a transaction in INIT.
func (e *Engine) Init(typ Type, path string, image []byte, hash uint32) (*Transaction, error) {
	if typ > TypeUser {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidRequest, typ)
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: path %q must be absolute", ErrInvalidRequest, path)
	}
	if image == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidRequest)
	}

	id := e.nextID()
	tx := &Transaction{
		ID:             id,
		Type:           typ,
		Path:           path,
		CheckpointPath: CheckpointName(path, id),
		Image:          image,
		ExpectedHash:   hash,
		Status:         StatusInit,
		RequiresReboot: typ == TypeKernel,
	}
	if e.cfg.LogDir != "" {
		tx.LogPath = filepath.Join(e.cfg.LogDir, LogName(id))
	}
	tx.log = e.openTxLog(tx)

	if e.journal != nil {
		if err := e.journal.CreateTransaction(&store.Transaction{
			ID:             tx.ID,
			Type:           tx.Type.String(),
			Path:           tx.Path,
			CheckpointPath: tx.CheckpointPath,
			LogPath:        tx.LogPath,
			Size:           int64(len(image)),
			ExpectedHash:   hash,
			Status:         StatusInit.String(),
			RequiresReboot: tx.RequiresReboot,
		}); err != nil {
			e.closeTxLog(tx)
			return nil, fmt.Errorf("journaling transaction: %w", err)
		}
	}

	tx.log.Info("initialized update transaction", "txn", id, "path", path, "type", typ.String())
	return tx, nil
}

// Execute drives tx from INIT to COMPLETE or ERROR. The returned error is the
// failure that ended it, also kept in tx.Err.
func (e *Engine) Execute(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.Status != StatusInit {
		return ErrInvalidState
	}
	tx.log.Info("starting update transaction", "txn", tx.ID, "path", tx.Path,
		"size", units.HumanSize(float64(len(tx.Image))))

	if int64(len(tx.Image)) > e.cfg.MaxImageSize {
		return e.fail(tx, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, len(tx.Image), e.cfg.MaxImageSize))
	}

	if err := e.step(ctx, tx, StatusCheckpoint, func(context.Context) error {
		if err := e.artifacts.Copy(tx.Path, tx.CheckpointPath); err != nil {
			return fmt.Errorf("%w: %v", ErrCheckpoint, err)
		}
		return nil
	}); err != nil {
		// Nothing has changed yet, so there is nothing to restore.
		return e.fail(tx, err)
	}

	steps := []struct {
		status Status
		run    func(context.Context) error
	}{
		{StatusVerify, func(context.Context) error {
			if !e.verifier.VerifyHash(tx.Image, tx.ExpectedHash) {
				return fmt.Errorf("%w: hash mismatch for %s", ErrVerification, tx.Path)
			}
			return nil
		}},
		{StatusSandbox, func(ctx context.Context) error {
			rep, err := e.sandbox.Run(ctx, tx.Image)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSandbox, err)
			}
			tx.log.Info("sandbox passed", "txn", tx.ID, "session", rep.SessionID, "mode", rep.Mode)
			return nil
		}},
		{StatusTest, func(ctx context.Context) error {
			if err := e.tester.Run(ctx, Candidate{Path: tx.Path, Type: tx.Type, Image: tx.Image, ExpectedHash: tx.ExpectedHash}); err != nil {
				return fmt.Errorf("%w: %v", ErrTests, err)
			}
			return nil
		}},
		{StatusCommit, func(context.Context) error {
			if err := e.artifacts.Install(tx.Path, tx.Image); err != nil {
				return fmt.Errorf("%w: %v", ErrCommit, err)
			}
			return nil
		}},
	}
	for _, s := range steps {
		if err := e.step(ctx, tx, s.status, s.run); err != nil {
			e.rollback(tx)
			return e.fail(tx, err)
		}
	}

	// The checkpoint goes last so a crash mid-commit can still restore it.
	if err := e.artifacts.Remove(tx.CheckpointPath); err != nil {
		tx.log.Warn("remove checkpoint", "txn", tx.ID, "checkpoint", tx.CheckpointPath, "error", err)
	}
	e.setStatus(tx, StatusComplete, "")
	tx.log.Info("update transaction completed", "txn", tx.ID)
	if tx.RequiresReboot {
		tx.log.Warn("system reboot required to complete update", "txn", tx.ID)
	}
	return nil
}

// Cleanup releases the transaction's image reference and log file. The
// transaction must not be executed afterwards.
func (e *Engine) Cleanup(tx *Transaction) {
	if tx == nil {
		return
	}
	tx.Image = nil
	tx.log.Info("cleaned up update transaction", "txn", tx.ID)
	e.closeTxLog(tx)
}

// step enters status and runs fn under the per-step deadline. An expired
// deadline fails the step even if fn returned nil.
func (e *Engine) step(ctx context.Context, tx *Transaction, status Status, fn func(context.Context) error) error {
	e.setStatus(tx, status, "")

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	err := fn(stepCtx)
	if ctxErr := stepCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrStepTimeout, status, e.cfg.StepTimeout)
		}
		return fmt.Errorf("%s: %w", status, ctxErr)
	}
	return err
}

// rollback restores the checkpoint over the target. Failing to restore
// leaves the component in an unknown state and is fatal.
func (e *Engine) rollback(tx *Transaction) {
	e.setStatus(tx, StatusRollback, "")
	tx.log.Warn("rolling back update", "txn", tx.ID, "checkpoint", tx.CheckpointPath)

	if err := e.artifacts.Restore(tx.CheckpointPath, tx.Path); err != nil {
		e.setStatus(tx, StatusError, "rollback failed: "+err.Error())
		fault.Abort("update rollback failed", "txn", tx.ID, "path", tx.Path, "error", err)
	}
	if err := e.artifacts.Remove(tx.CheckpointPath); err != nil {
		tx.log.Warn("remove checkpoint after rollback", "txn", tx.ID, "error", err)
	}
}

func (e *Engine) fail(tx *Transaction, err error) error {
	tx.ErrorCount++
	tx.Err = err
	e.setStatus(tx, StatusError, err.Error())
	tx.log.Error("update transaction failed", "txn", tx.ID, "error", err)
	return err
}

func (e *Engine) setStatus(tx *Transaction, s Status, detail string) {
	tx.Status = s
	tx.log.Debug("update status", "txn", tx.ID, "status", s.String())
	if e.journal == nil {
		return
	}
	if err := e.journal.UpdateTransactionStatus(tx.ID, s.String(), tx.ErrorCount, detail); err != nil {
		e.logger.Error("update: journal status", "txn", tx.ID, "status", s.String(), "error", err)
	}
}

// openTxLog returns a logger that writes to the engine logger and, when
// LogDir is set, to the transaction's log file as JSON.
func (e *Engine) openTxLog(tx *Transaction) *slog.Logger {
	if tx.LogPath == "" {
		return e.logger
	}
	if err := os.MkdirAll(filepath.Dir(tx.LogPath), 0o755); err != nil {
		e.logger.Warn("update: create log dir", "path", tx.LogPath, "error", err)
		return e.logger
	}
	f, err := os.OpenFile(tx.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.logger.Warn("update: open transaction log", "path", tx.LogPath, "error", err)
		return e.logger
	}
	tx.logFile = f
	return slog.New(fanout{e.logger.Handler(), slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})})
}

func (e *Engine) closeTxLog(tx *Transaction) {
	if tx.logFile == nil {
		return
	}
	if err := tx.logFile.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		e.logger.Warn("update: close transaction log", "path", tx.LogPath, "error", err)
	}
	tx.logFile = nil
	tx.log = e.logger
}
