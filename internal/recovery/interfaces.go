package recovery

import (
	"time"

	"github.com/p-arndt/lughcore/internal/store"
)

// Journal abstracts the store operations needed by the reconciler.
type Journal interface {
	ListUnfinished(terminal ...string) ([]*store.Transaction, error)
	UpdateTransactionStatus(id uint64, status string, errorCount int, lastError string) error
	PruneTransactions(cutoff time.Time, terminal ...string) (int64, error)
}

// Artifacts abstracts the checkpoint operations needed by the reconciler.
type Artifacts interface {
	Exists(path string) (bool, error)
	Restore(checkpoint, target string) error
	Remove(path string) error
}
