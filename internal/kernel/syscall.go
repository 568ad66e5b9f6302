package kernel

import (
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/p-arndt/lughcore/internal/ipc"
	"github.com/p-arndt/lughcore/internal/sched"
	"github.com/p-arndt/lughcore/protocol"
)

// MaxWrite is the largest console write accepted in one call.
const MaxWrite = 1024

var (
	ErrNullBuffer  = errors.New("kernel: null buffer")
	ErrRateLimited = errors.New("kernel: ipc send rate exceeded")
)

// SysWrite writes p to the console, truncated to MaxWrite bytes.
func (k *Kernel) SysWrite(cred ipc.Credential, p []byte) (int, error) {
	if p == nil {
		k.logger.Error("sys_write: null buffer", "domain", cred.Domain)
		return 0, ErrNullBuffer
	}
	if len(p) > MaxWrite {
		k.logger.Warn("sys_write: truncating large write", "domain", cred.Domain, "len", len(p))
		p = p[:MaxWrite]
	}
	return k.opts.Console.Write(p)
}

// SysIPCSend sends payload from a user domain on channel ch. User messages
// travel at low priority except grid alerts, which are raised to high.
func (k *Kernel) SysIPCSend(cred ipc.Credential, ch int, op uint32, payload []byte) error {
	if payload == nil {
		return ErrNullBuffer
	}
	if !k.limiter(cred.Domain).Allow() {
		k.logger.Warn("sys_ipc_send: rate limited", "domain", cred.Domain, "channel", ch)
		return fmt.Errorf("%w: domain %d", ErrRateLimited, cred.Domain)
	}
	if err := k.channels.Authorize(ch, cred); err != nil {
		return err
	}
	clean, err := k.deps.Validator.Sanitize(payload)
	if err != nil {
		k.logger.Warn("sys_ipc_send: payload rejected", "domain", cred.Domain, "error", err)
		return err
	}

	prio := protocol.PriorityLow
	if op == protocol.OpGridAlert {
		prio = protocol.PriorityHigh
	}
	msg := protocol.NewMessage(prio, op, string(clean))
	k.logger.Info("user ipc", "op", protocol.OpName(op), "channel", ch, "domain", cred.Domain)
	return k.channels.Send(ch, &msg)
}

// SysExit terminates the task.
func (k *Kernel) SysExit(taskID uint32, code int) error {
	k.logger.Info("user program exited", "task", taskID, "code", code)
	return k.switcher.SetTaskState(taskID, sched.Terminated)
}

func (k *Kernel) limiter(domain uint32) *rate.Limiter {
	k.limMu.Lock()
	defer k.limMu.Unlock()
	l, ok := k.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Limit(k.opts.UserSendRate), k.opts.UserSendBurst)
		k.limiters[domain] = l
	}
	return l
}
