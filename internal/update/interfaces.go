package update

import (
	"context"

	"github.com/p-arndt/lughcore/internal/sandbox"
	"github.com/p-arndt/lughcore/internal/store"
)

type Artifacts interface {
	Copy(src, dst string) error
	Restore(checkpoint, target string) error
	Install(path string, image []byte) error
	Remove(path string) error
	Exists(path string) (bool, error)
	ReadFile(path string) ([]byte, error)
	Size(path string) (int64, error)
}

type Verifier interface {
	VerifyHash(data []byte, expected uint32) bool
}

type Sandbox interface {
	Run(ctx context.Context, image []byte) (*sandbox.Report, error)
}

type Tester interface {
	Run(ctx context.Context, c Candidate) error
}

type Journal interface {
	CreateTransaction(tx *store.Transaction) error
	UpdateTransactionStatus(id uint64, status string, errorCount int, lastError string) error
	MaxTransactionID() (uint64, error)
}
