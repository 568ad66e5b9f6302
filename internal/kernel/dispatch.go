package kernel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/p-arndt/lughcore/internal/ipc"
	"github.com/p-arndt/lughcore/internal/memory"
	"github.com/p-arndt/lughcore/internal/sched"
	"github.com/p-arndt/lughcore/internal/store"
	"github.com/p-arndt/lughcore/protocol"
)

// maxAlerts is how many grid alert signatures stay on the kernel heap.
const maxAlerts = 8

var ErrUnavailable = errors.New("kernel: service unavailable")

func (k *Kernel) handle(ctx context.Context, msg *protocol.Message) {
	sig, err := ipc.Validate(msg, k.deps.Signer)
	if err != nil {
		k.rejected.Add(1)
		k.logger.Warn("kernel: message rejected", "op", protocol.OpName(msg.Operation), "priority", msg.Priority, "error", err)
		return
	}

	switch msg.Operation {
	case protocol.OpAddTask:
		err = k.addTask(msg)
	case protocol.OpSchedule:
		err = k.schedule(msg)
	case protocol.OpGridAlert:
		k.gridAlert(msg, sig)
	case protocol.OpHeartbeat:
		k.logger.Debug("heartbeat", "payload", string(msg.Text()))
	case protocol.OpWrite, protocol.OpDelete:
		err = k.logKV(msg)
	case protocol.OpUpdate:
		err = k.runUpdate(ctx, msg)
	default:
		err = fmt.Errorf("unknown operation %#x", msg.Operation)
	}

	if err != nil {
		k.rejected.Add(1)
		k.logger.Warn("kernel: operation failed", "op", protocol.OpName(msg.Operation), "error", err)
		return
	}
	k.handled.Add(1)
}

func (k *Kernel) addTask(msg *protocol.Message) error {
	req, err := protocol.ParseTaskRequest(string(msg.Text()))
	if err != nil {
		return err
	}
	if err := k.switcher.AddTask(sched.Task{
		ID:       req.ID,
		Priority: req.Priority,
		State:    sched.Ready,
		Deadline: req.Deadline,
	}); err != nil {
		return err
	}
	k.logger.Debug("task added", "task", req.ID, "priority", req.Priority)
	return nil
}

// schedule swaps the policy when the payload names one.
func (k *Kernel) schedule(msg *protocol.Message) error {
	fields, err := protocol.ParseFields(string(msg.Text()))
	if err != nil {
		return err
	}
	if policy, ok := fields["policy"]; ok {
		return k.SwapScheduler(policy)
	}
	return nil
}

func (k *Kernel) gridAlert(msg *protocol.Message, sig []byte) {
	k.alertCount.Add(1)
	k.logger.Warn("grid fault alert", "priority", msg.Priority, "payload", string(msg.Text()), "signature", hex.EncodeToString(sig))
	k.retainAlert(sig)
}

// retainAlert copies sig onto the kernel heap, evicting the oldest record
// beyond maxAlerts. The heap never reuses freed space, so it is rewound
// once it fills.
func (k *Kernel) retainAlert(sig []byte) {
	if len(sig) == 0 {
		return
	}
	k.alertMu.Lock()
	defer k.alertMu.Unlock()

	if len(k.alerts) == maxAlerts {
		k.kheap.Free(k.alerts[0])
		k.alerts = k.alerts[1:]
	}
	off, err := k.kheap.Alloc(len(sig))
	if errors.Is(err, memory.ErrOutOfMemory) {
		kept := make([][]byte, len(k.alerts))
		for i, o := range k.alerts {
			kept[i] = append([]byte(nil), k.kheap.Bytes(o)...)
		}
		k.kheap.Reset()
		k.alerts = k.alerts[:0]
		for _, b := range kept {
			if o, err := k.kheap.Alloc(len(b)); err == nil {
				copy(k.kheap.Bytes(o), b)
				k.alerts = append(k.alerts, o)
			}
		}
		off, err = k.kheap.Alloc(len(sig))
	}
	if err != nil {
		k.logger.Error("kernel: retain alert", "error", err)
		return
	}
	copy(k.kheap.Bytes(off), sig)
	k.alerts = append(k.alerts, off)
}

// Alerts returns the retained alert signatures, oldest first.
func (k *Kernel) Alerts() [][]byte {
	k.alertMu.Lock()
	defer k.alertMu.Unlock()

	out := make([][]byte, len(k.alerts))
	for i, off := range k.alerts {
		out[i] = append([]byte(nil), k.kheap.Bytes(off)...)
	}
	return out
}

func (k *Kernel) logKV(msg *protocol.Message) error {
	if k.deps.KV == nil {
		return fmt.Errorf("%w: key/value log", ErrUnavailable)
	}
	req, err := protocol.ParseKVRequest(msg.Operation, string(msg.Text()))
	if err != nil {
		return err
	}
	op := "write"
	if msg.Operation == protocol.OpDelete {
		op = "delete"
	}
	return k.deps.KV.AppendLogEntry(&store.LogEntry{
		BootID: k.bootID,
		Op:     op,
		Key:    req.Key,
		Value:  req.Value,
	})
}

func (k *Kernel) runUpdate(ctx context.Context, msg *protocol.Message) error {
	if k.deps.Updates == nil {
		return fmt.Errorf("%w: update engine", ErrUnavailable)
	}
	tx, err := k.deps.Updates.ProcessIPC(ctx, msg)
	if err != nil {
		return err
	}
	k.logger.Info("update applied", "txn", tx.ID, "path", tx.Path, "requires_reboot", tx.RequiresReboot)
	return nil
}
