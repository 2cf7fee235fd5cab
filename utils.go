package tftp

import (
	"bytes"
	"os"
)

type stater interface {
	Stat() (os.FileInfo, error)
}

type lengther interface {
	Len() int
}

// resourceSize returns the size of a storage handle, or -1 when the handle
// can't tell.
func resourceSize(h interface{}) int64 {
	if file, ok := h.(stater); ok {
		stat, err := file.Stat()
		if err != nil || !stat.Mode().IsRegular() {
			return -1
		}
		return stat.Size()
	} else if buf, ok := h.(lengther); ok {
		return int64(buf.Len())
	}
	return -1
}

func totalOptionLen(options []Option) int {
	size := 0

	for _, o := range options {
		size += len(o.Name)
		size += len(o.Value)
		size += 2 // NULL separators
	}

	return size
}

// decodeUInt16 reads a big endian field. Anything but 2 bytes decodes to 0.
func decodeUInt16(op []byte) uint16 {
	if len(op) != 2 {
		return 0
	}
	return uint16(op[0])<<8 | uint16(op[1])
}

func encodeUInt16(in uint16) []byte {
	out := make([]byte, 2)
	out[0] = byte(in >> 8)
	out[1] = byte(in)
	return out
}

// splitFields splits NUL terminated text fields. ok is false if the last
// field is missing its terminator.
func splitFields(b []byte) (fields []string, ok bool) {
	if len(b) == 0 {
		return nil, true
	}
	if b[len(b)-1] != 0 {
		return nil, false
	}

	parts := bytes.Split(b[:len(b)-1], []byte{0})
	fields = make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields, true
}
