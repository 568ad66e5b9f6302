package sched

import (
	"encoding/binary"
	"fmt"
)

// State buffer layout, little-endian:
//
//	[length u32][version u32][count u32] then count records of
//	[id u32][priority i32][state u32][deadline u64]
//
// length counts every byte after itself.
const (
	stateVersion = 1
	stateHeader  = 12
	recordSize   = 20
)

func encodeState(tasks []Task) []byte {
	buf := make([]byte, stateHeader+len(tasks)*recordSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(len(buf)-4))
	le.PutUint32(buf[4:8], stateVersion)
	le.PutUint32(buf[8:12], uint32(len(tasks)))
	off := stateHeader
	for _, t := range tasks {
		le.PutUint32(buf[off:], t.ID)
		le.PutUint32(buf[off+4:], uint32(int32(t.Priority)))
		le.PutUint32(buf[off+8:], uint32(t.State))
		le.PutUint64(buf[off+12:], t.Deadline)
		off += recordSize
	}
	return buf
}

func decodeState(buf []byte) ([]Task, error) {
	le := binary.LittleEndian
	if len(buf) < stateHeader {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptState, len(buf))
	}
	if n := le.Uint32(buf[0:4]); int(n) != len(buf)-4 {
		return nil, fmt.Errorf("%w: length prefix %d, have %d", ErrCorruptState, n, len(buf)-4)
	}
	if v := le.Uint32(buf[4:8]); v != stateVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptState, v)
	}
	count := int(le.Uint32(buf[8:12]))
	if count > MaxTasks || stateHeader+count*recordSize != len(buf) {
		return nil, fmt.Errorf("%w: %d records", ErrCorruptState, count)
	}

	tasks := make([]Task, 0, count)
	seen := make(map[uint32]struct{}, count)
	off := stateHeader
	for i := 0; i < count; i++ {
		st := le.Uint32(buf[off+8:])
		if st > uint32(Terminated) {
			return nil, fmt.Errorf("%w: record %d state %d", ErrCorruptState, i, st)
		}
		t := Task{
			ID:       le.Uint32(buf[off:]),
			Priority: int(int32(le.Uint32(buf[off+4:]))),
			State:    State(st),
			Deadline: le.Uint64(buf[off+12:]),
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrCorruptState, t.ID)
		}
		seen[t.ID] = struct{}{}
		tasks = append(tasks, t)
		off += recordSize
	}
	return tasks, nil
}
