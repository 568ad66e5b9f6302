// Package fault implements the fail-fast path taken on corruption and other
// conditions the core cannot continue from.
package fault

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Error is the panic value raised by Abort.
type Error struct {
	Reason string
	Stack  []byte
}

func (e *Error) Error() string {
	return "fault: " + e.Reason
}

var (
	aborted atomic.Bool
	logger  atomic.Pointer[slog.Logger]

	mu      sync.Mutex
	fired   bool
	handler func(*Error)
)

// InAbort reports whether Abort has been called in this process.
func InAbort() bool {
	return aborted.Load()
}

// SetHandler installs a process-wide handler invoked on the first Abort only.
// It must not panic.
func SetHandler(fn func(*Error)) {
	mu.Lock()
	handler = fn
	mu.Unlock()
}

// SetLogger sets the logger Abort writes to. Nil restores slog.Default.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// Abort logs reason at error level, runs the handler once, and panics with
// an *Error. It never returns.
func Abort(reason string, args ...any) {
	l := logger.Load()
	if l == nil {
		l = slog.Default()
	}
	l.Error("fatal: "+reason, args...)

	e := &Error{Reason: reason, Stack: debug.Stack()}
	if len(args) > 0 {
		e.Reason = fmt.Sprintf("%s %v", reason, args)
	}
	aborted.Store(true)

	mu.Lock()
	fn := handler
	first := !fired
	fired = true
	mu.Unlock()

	if first && fn != nil {
		fn(e)
	}
	panic(e)
}

// reset clears process state. Tests only.
func reset() {
	aborted.Store(false)
	logger.Store(nil)
	mu.Lock()
	fired = false
	handler = nil
	mu.Unlock()
}
