package update

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/lughcore/internal/artifact"
	"github.com/p-arndt/lughcore/internal/sandbox"
)

type mockSandbox struct {
	mock.Mock
}

func (m *mockSandbox) Run(ctx context.Context, image []byte) (*sandbox.Report, error) {
	args := m.Called(ctx, image)
	if v := args.Get(0); v != nil {
		return v.(*sandbox.Report), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockTester struct {
	mock.Mock
}

func (m *mockTester) Run(ctx context.Context, c Candidate) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

// failingArtifacts wraps a real directory and fails selected operations.
type failingArtifacts struct {
	*artifact.Dir
	copyErr    error
	restoreErr error
}

func (f *failingArtifacts) Copy(src, dst string) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	return f.Dir.Copy(src, dst)
}

func (f *failingArtifacts) Restore(checkpoint, target string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	return f.Dir.Restore(checkpoint, target)
}
