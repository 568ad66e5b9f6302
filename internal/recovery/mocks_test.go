package recovery

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/lughcore/internal/store"
)

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) ListUnfinished(terminal ...string) ([]*store.Transaction, error) {
	args := m.Called(terminal)
	if txs := args.Get(0); txs != nil {
		return txs.([]*store.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournal) UpdateTransactionStatus(id uint64, status string, errorCount int, lastError string) error {
	args := m.Called(id, status, errorCount, lastError)
	return args.Error(0)
}

func (m *MockJournal) PruneTransactions(cutoff time.Time, terminal ...string) (int64, error) {
	args := m.Called(cutoff, terminal)
	return args.Get(0).(int64), args.Error(1)
}

type MockArtifacts struct {
	mock.Mock
}

func (m *MockArtifacts) Exists(path string) (bool, error) {
	args := m.Called(path)
	return args.Bool(0), args.Error(1)
}

func (m *MockArtifacts) Restore(checkpoint, target string) error {
	args := m.Called(checkpoint, target)
	return args.Error(0)
}

func (m *MockArtifacts) Remove(path string) error {
	args := m.Called(path)
	return args.Error(0)
}
