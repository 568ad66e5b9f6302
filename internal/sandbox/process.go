package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
)

// maxOutputBytes caps captured candidate output.
const maxOutputBytes = 64 * 1024

// Process runs the image as a child process attached to a pty, in a private
// scratch directory, killed when the deadline passes.
type Process struct {
	workDir string
	timeout time.Duration
	args    []string
	logger  *slog.Logger
}

// NewProcess returns an executor staging candidates below workDir ("" means
// the system temp dir). args are passed to every candidate, typically a
// self-test flag.
func NewProcess(workDir string, timeout time.Duration, logger *slog.Logger, args ...string) *Process {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{workDir: workDir, timeout: timeout, args: args, logger: logger}
}

func (p *Process) Run(ctx context.Context, image []byte) (*Report, error) {
	if err := CheckImage(image); err != nil {
		return nil, err
	}
	sid := newSessionID()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dir, err := os.MkdirTemp(p.workDir, "lugh-sbx-"+sid+"-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	bin := filepath.Join(dir, "candidate")
	if err := os.WriteFile(bin, image, 0o700); err != nil {
		return nil, fmt.Errorf("staging candidate: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, p.args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"LUGH_SANDBOX_SESSION=" + sid,
	}

	start := time.Now()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting candidate: %w", err)
	}
	defer ptmx.Close()
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	out := &limitedBuffer{max: maxOutputBytes}
	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(out, ptmx)
		close(copied)
	}()

	waitErr := cmd.Wait()
	select {
	case <-copied:
	case <-time.After(200 * time.Millisecond):
	}

	rep := &Report{
		SessionID: sid,
		Mode:      "process",
		Output:    out.String(),
		Duration:  time.Since(start),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		rep.ExitCode = -1
		return rep, fmt.Errorf("candidate %s: %w", sid, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			rep.ExitCode = exitErr.ExitCode()
			return rep, fmt.Errorf("%w: exit code %d", ErrAbnormalExit, rep.ExitCode)
		}
		rep.ExitCode = -1
		return rep, fmt.Errorf("waiting for candidate: %w", waitErr)
	}
	p.logger.Debug("sandbox: candidate exited", "session", sid, "duration", rep.Duration)
	return rep, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
