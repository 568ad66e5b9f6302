package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/lughcore/internal/checksum"
)

// Mapped loads the image into a read+execute code region at CodeBase and
// gives it a read+write data region at DataBase. No candidate code is run;
// the executor proves the image loads intact under the intended permissions.
type Mapped struct {
	dataSize int
	logger   *slog.Logger
}

func NewMapped(dataSize int, logger *slog.Logger) *Mapped {
	if dataSize <= 0 {
		dataSize = DataSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapped{dataSize: dataSize, logger: logger}
}

func (m *Mapped) Run(ctx context.Context, image []byte) (*Report, error) {
	if err := CheckImage(image); err != nil {
		return nil, err
	}
	start := time.Now()
	rep := &Report{SessionID: newSessionID(), Mode: "mapped"}

	codeMem, err := mapRegion(len(image))
	if err != nil {
		return nil, fmt.Errorf("mapping code region: %w", err)
	}
	defer unmapRegion(codeMem)
	copy(codeMem, image)
	codePerm, err := protectRegion(codeMem, PermRead|PermExec)
	if err != nil {
		return nil, fmt.Errorf("protecting code region: %w", err)
	}
	code := Region{Name: "code", Base: CodeBase, Perm: codePerm, mem: codeMem[:len(image)]}

	dataMem, err := mapRegion(m.dataSize)
	if err != nil {
		return nil, fmt.Errorf("mapping data region: %w", err)
	}
	defer unmapRegion(dataMem)
	dataPerm, err := protectRegion(dataMem, PermRead|PermWrite)
	if err != nil {
		return nil, fmt.Errorf("protecting data region: %w", err)
	}
	data := Region{Name: "data", Base: DataBase, Perm: dataPerm, mem: dataMem[:m.dataSize]}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Perm holds what the mapping reports, not what was asked for.
	if err := checkLayout(code, data); err != nil {
		return nil, err
	}
	if checksum.Sum(code.mem) != checksum.Sum(image) {
		return nil, ErrIntegrity
	}
	for i := range data.mem {
		if data.mem[i] != 0 {
			return nil, fmt.Errorf("%w: data region not zeroed", ErrIntegrity)
		}
	}

	rep.Regions = []RegionInfo{code.Info(), data.Info()}
	rep.Duration = time.Since(start)
	m.logger.Debug("sandbox: image loaded",
		"session", rep.SessionID, "code", fmt.Sprintf("%#x+%d", code.Base, code.Len()),
		"data", fmt.Sprintf("%#x+%d", data.Base, data.Len()))
	return rep, nil
}

// checkLayout requires readable, executable, non-writable code and readable,
// writable, non-executable data.
func checkLayout(code, data Region) error {
	if err := code.Check(PermRead | PermExec); err != nil {
		return err
	}
	if err := data.Check(PermRead | PermWrite); err != nil {
		return err
	}
	if code.Perm&PermWrite != 0 {
		return fmt.Errorf("%w: %s is writable", ErrPermission, code.Name)
	}
	if data.Perm&PermExec != 0 {
		return fmt.Errorf("%w: %s is executable", ErrPermission, data.Name)
	}
	return nil
}
