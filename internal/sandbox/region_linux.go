//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protectRegion applies p to the mapping and returns the protection the
// kernel reports for it afterwards.
func protectRegion(b []byte, p Perm) (Perm, error) {
	prot := unix.PROT_NONE
	if p&PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&PermExec != 0 {
		prot |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return 0, err
	}
	return mappedPerm(b)
}

func mappedPerm(b []byte) (Perm, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty region", ErrPermission)
	}
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	addr := uint64(uintptr(unsafe.Pointer(&b[0])))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lo, hi, perms, ok := parseMapsLine(sc.Text())
		if ok && addr >= lo && addr < hi {
			return permFromMaps(perms), nil
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: mapping %#x not found", ErrPermission, addr)
}

// parseMapsLine splits "lo-hi perms ..." from /proc/self/maps.
func parseMapsLine(line string) (lo, hi uint64, perms string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, "", false
	}
	start, end, found := strings.Cut(fields[0], "-")
	if !found {
		return 0, 0, "", false
	}
	lo, err := strconv.ParseUint(start, 16, 64)
	if err != nil {
		return 0, 0, "", false
	}
	hi, err = strconv.ParseUint(end, 16, 64)
	if err != nil {
		return 0, 0, "", false
	}
	return lo, hi, fields[1], true
}

func permFromMaps(s string) Perm {
	var p Perm
	if strings.Contains(s, "r") {
		p |= PermRead
	}
	if strings.Contains(s, "w") {
		p |= PermWrite
	}
	if strings.Contains(s, "x") {
		p |= PermExec
	}
	return p
}

func unmapRegion(b []byte) {
	_ = unix.Munmap(b)
}
