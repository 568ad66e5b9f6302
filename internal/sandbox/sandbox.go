// Package sandbox runs candidate images in isolation before they are
// committed. Mapped loads the image into separate code and data regions
// with enforced permissions; Process executes it as a child on a pty.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sandbox address space.
const (
	CodeBase uint64 = 0x900000
	DataBase uint64 = 0xA00000
)

const (
	DataSize     = 4096
	MinImageSize = 64
)

// ELFMagic prefixes every accepted image.
var ELFMagic = []byte{0x7F, 'E', 'L', 'F'}

var (
	ErrBadImage     = errors.New("sandbox: not an executable image")
	ErrPermission   = errors.New("sandbox: region permission violation")
	ErrAbnormalExit = errors.New("sandbox: candidate exited abnormally")
	ErrIntegrity    = errors.New("sandbox: loaded image differs from candidate")
	ErrUnknownMode  = errors.New("sandbox: unknown mode")
)

// Executor runs one candidate image under ctx.
type Executor interface {
	Run(ctx context.Context, image []byte) (*Report, error)
}

// Perm is a set of region permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one mapping inside the sandbox address space.
type Region struct {
	Name string
	Base uint64
	Perm Perm
	mem  []byte
}

func (r *Region) Len() int { return len(r.mem) }

// Info describes the region without referencing its memory.
func (r *Region) Info() RegionInfo {
	return RegionInfo{Name: r.Name, Base: r.Base, Perm: r.Perm, Size: len(r.mem)}
}

type RegionInfo struct {
	Name string
	Base uint64
	Perm Perm
	Size int
}

// Check reports whether an access of the given kind is allowed.
func (r *Region) Check(want Perm) error {
	if r.Perm&want != want {
		return fmt.Errorf("%w: %s wants %s, has %s", ErrPermission, r.Name, want, r.Perm)
	}
	return nil
}

// Report describes one sandbox run.
type Report struct {
	SessionID string
	Mode      string
	Regions   []RegionInfo
	ExitCode  int
	Output    string
	Duration  time.Duration
}

// CheckImage rejects images that are too short or lack the ELF magic.
func CheckImage(image []byte) error {
	if len(image) < MinImageSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrBadImage, len(image), MinImageSize)
	}
	if !bytes.HasPrefix(image, ELFMagic) {
		return fmt.Errorf("%w: missing ELF magic", ErrBadImage)
	}
	return nil
}

func newSessionID() string {
	return uuid.New().String()[:12]
}
