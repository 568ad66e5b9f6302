//go:build !linux

package sandbox

func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// protectRegion cannot enforce p off Linux; the region is reported as requested.
func protectRegion(_ []byte, p Perm) (Perm, error) { return p, nil }

func unmapRegion([]byte) {}
