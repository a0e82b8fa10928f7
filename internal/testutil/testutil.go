// Package testutil provides shared test fixtures for the remd packages:
// minimal structurally valid block files, corrupt blocks, and seeded layouts.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// NetCDFClassicHeader is the smallest valid classic-format (CDF-1) header:
// magic, numrecs=0, and absent dimension, attribute and variable lists.
func NetCDFClassicHeader() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, 'C', 'D', 'F', 0x01)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	// dim_list, gatt_list, var_list: ABSENT
	for i := 0; i < 3; i++ {
		buf = binary.BigEndian.AppendUint32(buf, 0)
		buf = binary.BigEndian.AppendUint32(buf, 0)
	}
	return buf
}

// HDF5Header is an HDF5 signature followed by a version-0 superblock byte.
func HDF5Header() []byte {
	return append([]byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}, 0x00, 0x00, 0x00, 0x00)
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteValidBlock writes a structurally valid NetCDF block with payload appended.
func WriteValidBlock(t *testing.T, path string, payload string) {
	t.Helper()
	WriteFile(t, path, append(NetCDFClassicHeader(), payload...))
}

// WriteCorruptBlock writes a block whose header cannot be parsed.
func WriteCorruptBlock(t *testing.T, path string) {
	t.Helper()
	WriteFile(t, path, []byte("truncated\x00"))
}

// Exists reports whether path exists.
func Exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return false
}

// ReadFile returns the contents of path or fails the test.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
