package ipc

import (
	"github.com/stretchr/testify/mock"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Open() (Socket, error) {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.(Socket), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Sign(data []byte) ([]byte, error) {
	args := m.Called(data)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}
