package sandbox

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	ModeMapped  = "mapped"
	ModeProcess = "process"
)

// Options selects and tunes an executor.
type Options struct {
	Mode     string
	DataSize int
	WorkDir  string
	Timeout  time.Duration
	Args     []string
}

func New(opts Options, logger *slog.Logger) (Executor, error) {
	switch opts.Mode {
	case "", ModeMapped:
		return NewMapped(opts.DataSize, logger), nil
	case ModeProcess:
		return NewProcess(opts.WorkDir, opts.Timeout, logger, opts.Args...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}
}
