package update

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Type is the kind of component an update replaces.
type Type uint8

const (
	TypeDriver Type = iota
	TypeService
	TypeKernel
	TypeUser
)

func (t Type) String() string {
	switch t {
	case TypeDriver:
		return "driver"
	case TypeService:
		return "service"
	case TypeKernel:
		return "kernel"
	case TypeUser:
		return "user"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "driver":
		return TypeDriver, nil
	case "service":
		return TypeService, nil
	case "kernel":
		return TypeKernel, nil
	case "user":
		return TypeUser, nil
	default:
		return 0, fmt.Errorf("%w: unknown update type %q", ErrInvalidRequest, s)
	}
}

// Status is a transaction's position in the update state machine.
type Status uint8

const (
	StatusInit Status = iota
	StatusCheckpoint
	StatusVerify
	StatusSandbox
	StatusTest
	StatusCommit
	StatusComplete
	StatusRollback
	StatusError
)

var statusNames = [...]string{
	StatusInit:       "INIT",
	StatusCheckpoint: "CHECKPOINT",
	StatusVerify:     "VERIFY",
	StatusSandbox:    "SANDBOX",
	StatusTest:       "TEST",
	StatusCommit:     "COMMIT",
	StatusComplete:   "COMPLETE",
	StatusRollback:   "ROLLBACK",
	StatusError:      "ERROR",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no further transition follows s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// TerminalStatuses lists the terminal statuses by name, for journal queries.
func TerminalStatuses() []string {
	return []string{StatusComplete.String(), StatusError.String()}
}

// Transaction is one update in flight. It is owned by the goroutine running
// Execute; the engine is its only writer.
type Transaction struct {
	ID             uint64
	Type           Type
	Path           string
	CheckpointPath string
	LogPath        string
	Image          []byte
	ExpectedHash   uint32
	Status         Status
	ErrorCount     int
	RequiresReboot bool
	// Err is the failure that ended the transaction, if any.
	Err error

	log     *slog.Logger
	logFile *os.File
}

// CheckpointName returns the checkpoint artifact path for a transaction.
func CheckpointName(path string, id uint64) string {
	return fmt.Sprintf("%s.checkpoint-%d", path, id)
}

// LogName returns the per-transaction log file name.
func LogName(id uint64) string {
	return fmt.Sprintf("update-%d.log", id)
}
