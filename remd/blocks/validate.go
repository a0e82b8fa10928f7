package blocks

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ctava-msft/d3-meld/remd"
)

// Validator decides whether a block file can be opened structurally.
// A structural failure is reported as *remd.CorruptArtifactError; any other
// error (missing file, permissions) is returned as-is.
type Validator interface {
	Validate(path string) error
}

var (
	hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
	cdfSignature  = []byte{'C', 'D', 'F'}
)

const (
	headerProbeBytes = 32
	tagAbsent        = 0x00
	tagDimension     = 0x0A
)

// HeaderValidator checks the NetCDF (classic, 64-bit offset, CDF-5) or
// HDF5/NetCDF-4 header of a block file.
type HeaderValidator struct{}

// Validate reads the leading header bytes of path and checks the format
// signature and the first header fields.
func (HeaderValidator) Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, headerProbeBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading header of %s: %w", path, err)
	}
	head = head[:n]

	if reason := checkHeader(head); reason != "" {
		return &remd.CorruptArtifactError{Path: path, Reason: reason}
	}
	return nil
}

func checkHeader(head []byte) string {
	switch {
	case len(head) == 0:
		return "empty file"
	case bytes.HasPrefix(head, hdf5Signature):
		if len(head) < len(hdf5Signature)+1 {
			return "truncated HDF5 superblock"
		}
		if v := head[len(hdf5Signature)]; v > 3 {
			return fmt.Sprintf("unsupported HDF5 superblock version %d", v)
		}
		return ""
	case bytes.HasPrefix(head, cdfSignature):
		if len(head) < 4 {
			return "truncated NetCDF signature"
		}
		var numrecs int
		switch head[3] {
		case 0x01, 0x02:
			numrecs = 4
		case 0x05:
			numrecs = 8
		default:
			return fmt.Sprintf("unknown NetCDF format version %d", head[3])
		}
		tagAt := 4 + numrecs
		if len(head) < tagAt+4 {
			return "truncated NetCDF header"
		}
		switch tag := binary.BigEndian.Uint32(head[tagAt : tagAt+4]); tag {
		case tagAbsent, tagDimension:
			return ""
		default:
			return fmt.Sprintf("bad dimension list tag 0x%x", tag)
		}
	default:
		return "unrecognized file signature"
	}
}
