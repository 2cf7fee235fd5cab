package tftp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

var opCodeTests = []struct {
	bytes    []byte
	expected uint16
}{
	{
		bytes:    []byte{0, 1},
		expected: 1,
	},
	{
		bytes:    []byte{0, 2},
		expected: 2,
	},
	{
		bytes:    []byte{0, 3},
		expected: 3,
	},
	{
		bytes:    []byte{0, 4},
		expected: 4,
	},
	{
		bytes:    []byte{0, 5},
		expected: 5,
	},
	{
		bytes:    []byte{0, 6},
		expected: 6,
	},
	{
		bytes:    []byte{255, 255},
		expected: 65535,
	},
	{
		bytes:    []byte{0, 1, 0},
		expected: 0,
	},
	{
		bytes:    []byte{5},
		expected: 0,
	},
}

func TestDecodeOpCode(t *testing.T) {
	for _, test := range opCodeTests {
		got := decodeUInt16(test.bytes)
		if got != test.expected {
			t.Errorf("Opcode decode: Expected %d, got %d", test.expected, got)
		}
	}
}

func TestEncodeUInt(t *testing.T) {
	test := uint16(16)

	out := encodeUInt16(test)
	if !bytes.Equal(out, []byte{0, 16}) {
		t.Errorf("Expected []byte{0, 16} got %v", out)
	}

	out = encodeUInt16(258)
	if !bytes.Equal(out, []byte{1, 2}) {
		t.Errorf("Expected []byte{1, 2} got %v", out)
	}
}

func TestSplitFields(t *testing.T) {
	tests := []struct {
		in     string
		fields []string
		ok     bool
	}{
		{in: "", fields: nil, ok: true},
		{in: "a\x00", fields: []string{"a"}, ok: true},
		{in: "a\x00b\x00", fields: []string{"a", "b"}, ok: true},
		{in: "a\x00\x00", fields: []string{"a", ""}, ok: true},
		{in: "a\x00b", ok: false},
	}

	for _, test := range tests {
		fields, ok := splitFields([]byte(test.in))
		if ok != test.ok {
			t.Errorf("%q: expected ok %v, got %v", test.in, test.ok, ok)
			continue
		}
		if len(fields) != len(test.fields) {
			t.Errorf("%q: expected %q, got %q", test.in, test.fields, fields)
			continue
		}
		for i := range fields {
			if fields[i] != test.fields[i] {
				t.Errorf("%q: expected %q, got %q", test.in, test.fields, fields)
			}
		}
	}
}

func TestResourceSize(t *testing.T) {
	if size := resourceSize(bytes.NewReader(make([]byte, 42))); size != 42 {
		t.Errorf("Expected 42, got %d", size)
	}
	if size := resourceSize(struct{}{}); size != -1 {
		t.Errorf("Expected -1, got %d", size)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, make([]byte, 1000), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if size := resourceSize(f); size != 1000 {
		t.Errorf("Expected 1000, got %d", size)
	}

	d, err := os.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if size := resourceSize(d); size != -1 {
		t.Errorf("Expected -1 for a directory, got %d", size)
	}
}
