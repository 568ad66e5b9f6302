package kernel

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/lughcore/internal/update"
	"github.com/p-arndt/lughcore/protocol"
)

type mockUpdater struct {
	mock.Mock
}

func (m *mockUpdater) ProcessIPC(ctx context.Context, msg *protocol.Message) (*update.Transaction, error) {
	args := m.Called(ctx, msg)
	if v := args.Get(0); v != nil {
		return v.(*update.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}
