package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/p-arndt/lughcore/internal/sandbox"
)

// Candidate is what a Tester sees of a transaction.
type Candidate struct {
	Path         string
	Type         Type
	Image        []byte
	ExpectedHash uint32
}

// ELF identification bytes checked by the built-in suites.
const (
	elfClassOffset   = 4
	elfDataOffset    = 5
	elfVersionOffset = 6
)

type check struct {
	name string
	fn   func(c Candidate) error
}

// SuiteTester runs a fixed suite of checks chosen from the candidate's
// path: "kernel" paths get the kernel suite, "driver" paths the driver
// suite, and everything else the standard suite.
type SuiteTester struct {
	verifier Verifier
	logger   *slog.Logger
}

func NewSuiteTester(v Verifier, logger *slog.Logger) *SuiteTester {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuiteTester{verifier: v, logger: logger}
}

// Suite names the suite Run would pick for path.
func Suite(path string) string {
	switch {
	case strings.Contains(path, "kernel"):
		return "kernel"
	case strings.Contains(path, "driver"):
		return "driver"
	default:
		return "standard"
	}
}

func (s *SuiteTester) Run(ctx context.Context, c Candidate) error {
	suite := Suite(c.Path)
	var checks []check
	switch suite {
	case "kernel":
		checks = []check{
			{"magic", checkMagic},
			{"class", checkClass},
			{"data", checkData},
			{"version", checkVersion},
			{"size", checkSize},
			{"hash", s.checkHash},
		}
	case "driver":
		checks = []check{
			{"magic", checkMagic},
			{"class", checkClass},
		}
	default:
		checks = []check{{"non-empty", checkNonEmpty}}
	}

	for _, ch := range checks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.fn(c); err != nil {
			s.logger.Warn("update test failed", "suite", suite, "check", ch.name, "path", c.Path, "error", err)
			return fmt.Errorf("%s suite: %s: %w", suite, ch.name, err)
		}
	}
	s.logger.Debug("update tests passed", "suite", suite, "path", c.Path, "checks", len(checks))
	return nil
}

func checkNonEmpty(c Candidate) error {
	if len(c.Image) == 0 {
		return errors.New("empty image")
	}
	return nil
}

func checkMagic(c Candidate) error {
	if !bytes.HasPrefix(c.Image, sandbox.ELFMagic) {
		return errors.New("missing ELF magic")
	}
	return nil
}

func checkClass(c Candidate) error {
	if len(c.Image) <= elfClassOffset {
		return errors.New("truncated header")
	}
	if b := c.Image[elfClassOffset]; b != 1 && b != 2 {
		return fmt.Errorf("bad class byte %d", b)
	}
	return nil
}

func checkData(c Candidate) error {
	if len(c.Image) <= elfDataOffset {
		return errors.New("truncated header")
	}
	if b := c.Image[elfDataOffset]; b != 1 && b != 2 {
		return fmt.Errorf("bad data encoding %d", b)
	}
	return nil
}

func checkVersion(c Candidate) error {
	if len(c.Image) <= elfVersionOffset {
		return errors.New("truncated header")
	}
	if b := c.Image[elfVersionOffset]; b != 1 {
		return fmt.Errorf("bad version %d", b)
	}
	return nil
}

func checkSize(c Candidate) error {
	if len(c.Image) < sandbox.MinImageSize {
		return fmt.Errorf("%d bytes, need %d", len(c.Image), sandbox.MinImageSize)
	}
	if len(c.Image) > MaxUpdateSize {
		return fmt.Errorf("%d bytes, max %d", len(c.Image), MaxUpdateSize)
	}
	return nil
}

func (s *SuiteTester) checkHash(c Candidate) error {
	if !s.verifier.VerifyHash(c.Image, c.ExpectedHash) {
		return errors.New("hash mismatch")
	}
	return nil
}
