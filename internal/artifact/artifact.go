// Package artifact stores installable component images and their update
// checkpoints under a single root directory. Every write goes through a
// temporary file and a rename, so a crash never leaves a torn artifact.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

var (
	ErrNotExist    = errors.New("artifact: does not exist")
	ErrInvalidPath = errors.New("artifact: invalid path")
)

const (
	imagePerm fs.FileMode = 0o755
	dirPerm   fs.FileMode = 0o755
)

// Dir keeps artifacts as files below root. Artifact paths are absolute
// slash-separated names such as "/services/net.bin".
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string { return d.root }

// HostPath maps an artifact path to its file below root.
func (d *Dir) HostPath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := filepath.Clean("/" + filepath.FromSlash(p))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) ReadFile(p string) ([]byte, error) {
	hp, err := d.HostPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(hp)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (d *Dir) Exists(p string) (bool, error) {
	hp, err := d.HostPath(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(hp)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

// Size returns the artifact length in bytes.
func (d *Dir) Size(p string) (int64, error) {
	hp, err := d.HostPath(p)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(hp)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", p, err)
	}
	return fi.Size(), nil
}

// Install atomically replaces the artifact at p with image.
func (d *Dir) Install(p string, image []byte) error {
	hp, err := d.HostPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hp), dirPerm); err != nil {
		return fmt.Errorf("creating parent of %s: %w", p, err)
	}
	if err := atomicwriter.WriteFile(hp, image, imagePerm); err != nil {
		return fmt.Errorf("installing %s: %w", p, err)
	}
	return nil
}

// Copy duplicates src at dst.
func (d *Dir) Copy(src, dst string) error {
	data, err := d.ReadFile(src)
	if err != nil {
		return err
	}
	return d.Install(dst, data)
}

// Restore writes the checkpoint contents back over target.
func (d *Dir) Restore(checkpoint, target string) error {
	if err := d.Copy(checkpoint, target); err != nil {
		return fmt.Errorf("restoring %s from %s: %w", target, checkpoint, err)
	}
	return nil
}

// Remove deletes p. Removing an absent artifact is not an error.
func (d *Dir) Remove(p string) error {
	hp, err := d.HostPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(hp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}
