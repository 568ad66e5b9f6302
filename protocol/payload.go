package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformedPayload = errors.New("protocol: malformed payload")

// ParseFields splits a payload of space separated key=value fields.
func ParseFields(text string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, f := range strings.Fields(text) {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: field %q", ErrMalformedPayload, f)
		}
		if _, dup := fields[k]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrMalformedPayload, k)
		}
		fields[k] = v
	}
	return fields, nil
}

// FormatFields is the inverse of ParseFields for the given key order.
func FormatFields(kv ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[i])
		b.WriteByte('=')
		b.WriteString(kv[i+1])
	}
	return b.String()
}

func requireField(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
	}
	return v, nil
}

// TaskRequest is the payload of OpAddTask.
type TaskRequest struct {
	ID       uint32
	Priority int
	Deadline uint64
}

func ParseTaskRequest(text string) (TaskRequest, error) {
	var req TaskRequest
	fields, err := ParseFields(text)
	if err != nil {
		return req, err
	}
	v, err := requireField(fields, "id")
	if err != nil {
		return req, err
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return req, fmt.Errorf("%w: id: %v", ErrMalformedPayload, err)
	}
	req.ID = uint32(id)

	if v, ok := fields["prio"]; ok {
		prio, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("%w: prio: %v", ErrMalformedPayload, err)
		}
		req.Priority = prio
	}
	if v, ok := fields["deadline"]; ok {
		dl, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: deadline: %v", ErrMalformedPayload, err)
		}
		req.Deadline = dl
	}
	return req, nil
}

func (r TaskRequest) String() string {
	return FormatFields(
		"id", strconv.FormatUint(uint64(r.ID), 10),
		"prio", strconv.Itoa(r.Priority),
		"deadline", strconv.FormatUint(r.Deadline, 10),
	)
}

// UpdateRequest is the payload of OpUpdate. Image names a staged artifact
// holding the candidate bytes; Hash is their expected integrity value.
type UpdateRequest struct {
	Type  string
	Path  string
	Image string
	Hash  uint32
}

func ParseUpdateRequest(text string) (UpdateRequest, error) {
	var req UpdateRequest
	fields, err := ParseFields(text)
	if err != nil {
		return req, err
	}
	if req.Type, err = requireField(fields, "type"); err != nil {
		return req, err
	}
	if req.Path, err = requireField(fields, "path"); err != nil {
		return req, err
	}
	if req.Image, err = requireField(fields, "image"); err != nil {
		return req, err
	}
	v, err := requireField(fields, "hash")
	if err != nil {
		return req, err
	}
	h, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 32)
	if err != nil {
		return req, fmt.Errorf("%w: hash: %v", ErrMalformedPayload, err)
	}
	req.Hash = uint32(h)
	return req, nil
}

func (r UpdateRequest) String() string {
	return FormatFields(
		"type", r.Type,
		"path", r.Path,
		"image", r.Image,
		"hash", strconv.FormatUint(uint64(r.Hash), 16),
	)
}

// KVRequest is the payload of OpWrite and OpDelete. Value is empty for deletes.
type KVRequest struct {
	Key   string
	Value string
}

func ParseKVRequest(op uint32, text string) (KVRequest, error) {
	var req KVRequest
	fields, err := ParseFields(text)
	if err != nil {
		return req, err
	}
	if req.Key, err = requireField(fields, "key"); err != nil {
		return req, err
	}
	if op == OpWrite {
		v, ok := fields["value"]
		if !ok {
			return req, fmt.Errorf("%w: missing value", ErrMalformedPayload)
		}
		req.Value = v
	}
	return req, nil
}
