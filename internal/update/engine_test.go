package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/lughcore/internal/artifact"
	"github.com/p-arndt/lughcore/internal/checksum"
	"github.com/p-arndt/lughcore/internal/fault"
	"github.com/p-arndt/lughcore/internal/sandbox"
	"github.com/p-arndt/lughcore/internal/signing"
	"github.com/p-arndt/lughcore/internal/store"
	"github.com/p-arndt/lughcore/internal/testutil"
)

const servicePath = "/services/net.bin"

type fixture struct {
	dir     *artifact.Dir
	store   *store.Store
	sandbox *mockSandbox
	tester  *mockTester
	engine  *Engine
}

func newFixture(t *testing.T, cfg Config, wrap func(*artifact.Dir) Artifacts) *fixture {
	t.Helper()
	dir, err := artifact.NewDir(t.TempDir())
	require.NoError(t, err)
	signer, err := signing.NewKeyed([]byte("update-test-key"))
	require.NoError(t, err)

	f := &fixture{
		dir:     dir,
		store:   testutil.NewTestStore(t),
		sandbox: new(mockSandbox),
		tester:  new(mockTester),
	}
	var arts Artifacts = dir
	if wrap != nil {
		arts = wrap(dir)
	}
	f.engine, err = New(cfg, arts, signer, f.sandbox, f.tester, f.store, testutil.Logger())
	require.NoError(t, err)
	return f
}

func (f *fixture) passSandbox() {
	f.sandbox.On("Run", mock.Anything, mock.Anything).Return(&sandbox.Report{SessionID: "s1", Mode: "mapped"}, nil)
}

func (f *fixture) passTests() {
	f.tester.On("Run", mock.Anything, mock.Anything).Return(nil)
}

func readArtifact(t *testing.T, d *artifact.Dir, p string) []byte {
	t.Helper()
	data, err := d.ReadFile(p)
	require.NoError(t, err)
	return data
}

func statuses(t *testing.T, st *store.Store, id uint64) []string {
	t.Helper()
	events, err := st.ListEvents(id)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.dir.Install(servicePath, []byte("old service")))
	f.passSandbox()
	f.passTests()

	image := testutil.ELFImage(256)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)
	assert.Equal(t, StatusInit, tx.Status)
	assert.Equal(t, servicePath+".checkpoint-1", tx.CheckpointPath)

	require.NoError(t, f.engine.Execute(context.Background(), tx))
	assert.Equal(t, StatusComplete, tx.Status)
	assert.Zero(t, tx.ErrorCount)
	assert.False(t, tx.RequiresReboot)
	assert.NoError(t, tx.Err)

	assert.Equal(t, image, readArtifact(t, f.dir, servicePath))
	ok, err := f.dir.Exists(tx.CheckpointPath)
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint must be removed after commit")

	assert.Equal(t, []string{"CHECKPOINT", "VERIFY", "SANDBOX", "TEST", "COMMIT", "COMPLETE"}, statuses(t, f.store, tx.ID))

	rec, err := f.store.GetTransaction(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", rec.Status)
	assert.Equal(t, "service", rec.Type)
	assert.Equal(t, int64(256), rec.Size)

	f.tester.AssertCalled(t, "Run", mock.Anything, Candidate{
		Path: servicePath, Type: TypeService, Image: image, ExpectedHash: checksum.Sum(image),
	})
	f.engine.Cleanup(tx)
	assert.Nil(t, tx.Image)
}

func TestExecuteHashMismatchRestoresOriginal(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	original := []byte("original driver bytes")
	require.NoError(t, f.dir.Install(servicePath, original))

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image)^1)
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, StatusError, tx.Status)
	assert.Equal(t, 1, tx.ErrorCount)
	assert.ErrorIs(t, tx.Err, ErrVerification)

	assert.Equal(t, original, readArtifact(t, f.dir, servicePath))
	ok, err := f.dir.Exists(tx.CheckpointPath)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"CHECKPOINT", "VERIFY", "ROLLBACK", "ERROR"}, statuses(t, f.store, tx.ID))
	f.sandbox.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecuteSandboxFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	original := []byte("v1")
	require.NoError(t, f.dir.Install(servicePath, original))
	f.sandbox.On("Run", mock.Anything, mock.Anything).Return(nil, sandbox.ErrPermission)

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrSandbox)
	assert.Equal(t, original, readArtifact(t, f.dir, servicePath))
	f.tester.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecuteTestFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	original := []byte("v1")
	require.NoError(t, f.dir.Install(servicePath, original))
	f.passSandbox()
	f.tester.On("Run", mock.Anything, mock.Anything).Return(errors.New("boot probe failed"))

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrTests)
	assert.Equal(t, StatusError, tx.Status)
	assert.Equal(t, original, readArtifact(t, f.dir, servicePath))
}

func TestExecuteOversizeImage(t *testing.T) {
	f := newFixture(t, Config{MaxImageSize: 1024}, nil)
	require.NoError(t, f.dir.Install(servicePath, []byte("v1")))

	image := testutil.ELFImage(2048)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, StatusError, tx.Status)
	assert.Equal(t, []byte("v1"), readArtifact(t, f.dir, servicePath))
	assert.Equal(t, []string{"ERROR"}, statuses(t, f.store, tx.ID))
}

func TestExecuteCheckpointFailureLeavesTargetUntouched(t *testing.T) {
	f := newFixture(t, Config{}, func(d *artifact.Dir) Artifacts {
		return &failingArtifacts{Dir: d, copyErr: errors.New("disk full")}
	})
	require.NoError(t, f.dir.Install(servicePath, []byte("v1")))

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrCheckpoint)
	assert.Equal(t, []byte("v1"), readArtifact(t, f.dir, servicePath))
	assert.Equal(t, []string{"CHECKPOINT", "ERROR"}, statuses(t, f.store, tx.ID))
}

func TestExecuteMissingTargetFailsCheckpoint(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeDriver, "/drivers/absent.bin", image, checksum.Sum(image))
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrCheckpoint)
	ok, err := f.dir.Exists("/drivers/absent.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteStepTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, Config{StepTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, f.dir.Install(servicePath, []byte("v1")))
	f.sandbox.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.Equal(t, StatusError, tx.Status)
	assert.Equal(t, []byte("v1"), readArtifact(t, f.dir, servicePath))
}

func TestExecuteKernelRequiresReboot(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.dir.Install("/boot/kernel.bin", []byte("old kernel")))
	f.passSandbox()
	f.passTests()

	image := testutil.ELFImage(512)
	tx, err := f.engine.Init(TypeKernel, "/boot/kernel.bin", image, checksum.Sum(image))
	require.NoError(t, err)
	require.NoError(t, f.engine.Execute(context.Background(), tx))

	assert.True(t, tx.RequiresReboot)
	rec, err := f.store.GetTransaction(tx.ID)
	require.NoError(t, err)
	assert.True(t, rec.RequiresReboot)
}

func TestRollbackFailureAborts(t *testing.T) {
	f := newFixture(t, Config{}, func(d *artifact.Dir) Artifacts {
		return &failingArtifacts{Dir: d, restoreErr: errors.New("read-only medium")}
	})
	require.NoError(t, f.dir.Install(servicePath, []byte("v1")))

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, 0)
	require.NoError(t, err)

	assert.PanicsWithError(t, "fault: update rollback failed [txn 1 path /services/net.bin error read-only medium]", func() {
		_ = f.engine.Execute(context.Background(), tx)
	})
	assert.True(t, fault.InAbort())
	assert.Equal(t, StatusError, tx.Status)
}

func TestExecuteRequiresInit(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	assert.ErrorIs(t, f.engine.Execute(context.Background(), nil), ErrInvalidState)

	tx := &Transaction{Status: StatusComplete}
	assert.ErrorIs(t, f.engine.Execute(context.Background(), tx), ErrInvalidState)
}

func TestInitValidates(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	_, err := f.engine.Init(TypeService, "relative/path", []byte{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.engine.Init(TypeService, "", []byte{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.engine.Init(Type(9), servicePath, []byte{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.engine.Init(TypeService, servicePath, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTransactionIDsContinueFromJournal(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	a, err := f.engine.Init(TypeUser, "/apps/a", []byte("a"), 0)
	require.NoError(t, err)
	b, err := f.engine.Init(TypeUser, "/apps/b", []byte("b"), 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID+1, b.ID)

	signer, err := signing.NewKeyed([]byte("k"))
	require.NoError(t, err)
	restarted, err := New(Config{}, f.dir, signer, f.sandbox, f.tester, f.store, testutil.Logger())
	require.NoError(t, err)
	c, err := restarted.Init(TypeUser, "/apps/c", []byte("c"), 0)
	require.NoError(t, err)
	assert.Equal(t, b.ID+1, c.ID)
}

func TestNilJournal(t *testing.T) {
	dir, err := artifact.NewDir(t.TempDir())
	require.NoError(t, err)
	signer, err := signing.NewKeyed([]byte("k"))
	require.NoError(t, err)
	sb := new(mockSandbox)
	sb.On("Run", mock.Anything, mock.Anything).Return(&sandbox.Report{}, nil)
	tst := new(mockTester)
	tst.On("Run", mock.Anything, mock.Anything).Return(nil)

	e, err := New(Config{}, dir, signer, sb, tst, nil, nil)
	require.NoError(t, err)
	require.NoError(t, dir.Install("/apps/x", []byte("x")))

	tx, err := e.Init(TypeUser, "/apps/x", []byte("y"), checksum.Sum([]byte("y")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.ID)
	require.NoError(t, e.Execute(context.Background(), tx))
	assert.Equal(t, []byte("y"), readArtifact(t, dir, "/apps/x"))
}

func TestTransactionLogFile(t *testing.T) {
	logDir := t.TempDir()
	f := newFixture(t, Config{LogDir: logDir}, nil)
	require.NoError(t, f.dir.Install(servicePath, []byte("v1")))
	f.passSandbox()
	f.passTests()

	image := testutil.ELFImage(128)
	tx, err := f.engine.Init(TypeService, servicePath, image, checksum.Sum(image))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(logDir, "update-1.log"), tx.LogPath)
	require.NoError(t, f.engine.Execute(context.Background(), tx))
	f.engine.Cleanup(tx)

	data, err := os.ReadFile(tx.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"update transaction completed"`)
	assert.Contains(t, string(data), `"status":"COMMIT"`)
}
