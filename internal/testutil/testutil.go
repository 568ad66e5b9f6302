// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/p-arndt/lughcore/internal/config"
	"github.com/p-arndt/lughcore/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.DataDir = dir
	cfg.DBPath = ":memory:"
	cfg.LogDir = ""
	cfg.Scheduler.TickMs = 1
	cfg.Update.StepTimeoutMs = 2000
	cfg.Sandbox.ExecTimeoutMs = 2000
	return cfg
}

// Logger discards everything below error level.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ELFImage builds a minimal 64-bit little-endian ELF image of size bytes
// (at least 64), with the entry point set and filler after the header.
func ELFImage(size int) []byte {
	if size < 64 {
		size = 64
	}
	img := make([]byte, size)
	copy(img, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(img[16:], 2)    // ET_EXEC
	binary.LittleEndian.PutUint16(img[18:], 0x3E) // x86-64
	binary.LittleEndian.PutUint32(img[20:], 1)
	binary.LittleEndian.PutUint64(img[24:], 0x900000)
	for i := 64; i < size; i++ {
		img[i] = byte(i)
	}
	return img
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
