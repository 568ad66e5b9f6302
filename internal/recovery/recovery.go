// Package recovery reconciles update transactions that were interrupted by
// a crash or power loss, and prunes old journal records.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/lughcore/internal/update"
)

// Summary counts what one reconciliation pass did.
type Summary struct {
	RunID     string
	Restored  int
	Completed int
	Failed    int
}

type Reconciler struct {
	journal   Journal
	artifacts Artifacts
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// New returns a reconciler. A zero retention disables pruning.
func New(j Journal, a Artifacts, interval, retention time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		journal:   j,
		artifacts: a,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Run reconciles once, then prunes on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.Reconcile()
	r.Watch(ctx)
}

// Watch prunes on every interval until ctx is done. It does not reconcile,
// so it is safe to start once updates may be in flight.
func (r *Reconciler) Watch(ctx context.Context) {
	r.logger.Info("recovery started", "interval", r.interval, "retention", r.retention)

	if r.interval <= 0 {
		<-ctx.Done()
		r.logger.Info("recovery stopped")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recovery stopped")
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

// Reconcile settles every journaled transaction that never reached a
// terminal status. A surviving checkpoint is restored over the target; a
// transaction that reached COMMIT without a checkpoint had already
// installed its image.
func (r *Reconciler) Reconcile() Summary {
	sum := Summary{RunID: uuid.NewString()}
	log := r.logger.With("run", sum.RunID)
	log.Info("reconciliation starting")

	pending, err := r.journal.ListUnfinished(update.TerminalStatuses()...)
	if err != nil {
		log.Error("recovery: list unfinished", "error", err)
		return sum
	}

	for _, tx := range pending {
		exists, err := r.artifacts.Exists(tx.CheckpointPath)
		if err != nil {
			log.Warn("recovery: check checkpoint", "txn", tx.ID, "checkpoint", tx.CheckpointPath, "error", err)
			r.mark(log, tx.ID, update.StatusError, tx.ErrorCount+1, "interrupted: "+err.Error())
			sum.Failed++
			continue
		}

		switch {
		case exists:
			if err := r.artifacts.Restore(tx.CheckpointPath, tx.Path); err != nil {
				// Leave the checkpoint in place for the operator.
				log.Error("recovery: restore checkpoint", "txn", tx.ID, "path", tx.Path, "error", err)
				r.mark(log, tx.ID, update.StatusError, tx.ErrorCount+1, "restore failed: "+err.Error())
				sum.Failed++
				continue
			}
			if err := r.artifacts.Remove(tx.CheckpointPath); err != nil {
				log.Warn("recovery: remove checkpoint", "txn", tx.ID, "error", err)
			}
			log.Warn("recovery: restored interrupted update", "txn", tx.ID, "path", tx.Path, "status", tx.Status)
			r.mark(log, tx.ID, update.StatusError, tx.ErrorCount+1, "interrupted in "+tx.Status+", restored")
			sum.Restored++
		case tx.Status == update.StatusCommit.String():
			log.Info("recovery: commit had finished", "txn", tx.ID, "path", tx.Path)
			r.mark(log, tx.ID, update.StatusComplete, tx.ErrorCount, "")
			sum.Completed++
		default:
			log.Warn("recovery: interrupted update had no checkpoint", "txn", tx.ID, "status", tx.Status)
			r.mark(log, tx.ID, update.StatusError, tx.ErrorCount+1, "interrupted in "+tx.Status)
			sum.Failed++
		}
	}

	log.Info("reconciliation complete", "restored", sum.Restored, "completed", sum.Completed, "failed", sum.Failed)
	return sum
}

func (r *Reconciler) mark(log *slog.Logger, id uint64, s update.Status, errorCount int, detail string) {
	if err := r.journal.UpdateTransactionStatus(id, s.String(), errorCount, detail); err != nil {
		log.Error("recovery: update status", "txn", id, "status", s.String(), "error", err)
	}
}

func (r *Reconciler) prune() {
	if r.retention <= 0 {
		return
	}
	n, err := r.journal.PruneTransactions(time.Now().Add(-r.retention), update.TerminalStatuses()...)
	if err != nil {
		r.logger.Error("recovery: prune journal", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("recovery: pruned journal", "count", n)
	}
}
