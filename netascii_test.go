package tftp

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
)

var netasciiTests = []struct {
	local string
	wire  string
}{
	{local: "", wire: ""},
	{local: "plain", wire: "plain"},
	{local: "a\nb\n", wire: "a\r\nb\r\n"},
	{local: "a\rb", wire: "a\r\x00b"},
	{local: "\r\n", wire: "\r\x00\r\n"},
	{local: "\r", wire: "\r\x00"},
	{local: "\n\n\r\r", wire: "\r\n\r\n\r\x00\r\x00"},
	{local: "\r\r\n\x00\r", wire: "\r\x00\r\x00\r\n\x00\r\x00"},
}

func TestNetasciiEncode(t *testing.T) {
	for _, test := range netasciiTests {
		got, err := io.ReadAll(transferReader(ModeNetascii, bytes.NewReader([]byte(test.local))))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != test.wire {
			t.Errorf("%q: expected %q, got %q", test.local, test.wire, got)
		}
	}
}

func TestNetasciiEncodeSmallReads(t *testing.T) {
	src := bytes.Repeat([]byte("line\r\n"), 300)
	r := iotest.OneByteReader(transferReader(ModeNetascii, iotest.HalfReader(bytes.NewReader(src))))

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte("line\r\x00\r\n"), 300)
	if !bytes.Equal(got, want) {
		t.Error("encoded output differs")
	}
}

func TestNetasciiDecode(t *testing.T) {
	for _, test := range netasciiTests {
		var buf bytes.Buffer
		w := transferWriter(ModeNetascii, &buf)
		if _, err := w.Write([]byte(test.wire)); err != nil {
			t.Fatal(err)
		}
		if err := w.(flusher).Flush(); err != nil {
			t.Fatal(err)
		}
		if buf.String() != test.local {
			t.Errorf("%q: expected %q, got %q", test.wire, test.local, buf.String())
		}
	}
}

func TestNetasciiDecodeByteAtATime(t *testing.T) {
	for _, test := range netasciiTests {
		var buf bytes.Buffer
		w := transferWriter(ModeNetascii, &buf)
		for i := 0; i < len(test.wire); i++ {
			if n, err := w.Write([]byte{test.wire[i]}); err != nil || n != 1 {
				t.Fatalf("write returned %d, %v", n, err)
			}
		}
		w.(flusher).Flush()
		if buf.String() != test.local {
			t.Errorf("%q: expected %q, got %q", test.wire, test.local, buf.String())
		}
	}
}

func TestNetasciiDecodeTrailingCR(t *testing.T) {
	var buf bytes.Buffer
	w := transferWriter(ModeNetascii, &buf)
	w.Write([]byte("end\r"))
	if buf.String() != "end" {
		t.Errorf("CR written before its successor was seen: %q", buf.String())
	}
	w.(flusher).Flush()
	if buf.String() != "end\r" {
		t.Errorf("expected trailing CR after flush, got %q", buf.String())
	}
}

func TestOctetIsUntouched(t *testing.T) {
	r := bytes.NewReader([]byte("a\nb"))
	if transferReader(ModeOctet, r) != io.Reader(r) {
		t.Error("octet reader was wrapped")
	}
	var buf bytes.Buffer
	if transferWriter(ModeOctet, &buf) != io.Writer(&buf) {
		t.Error("octet writer was wrapped")
	}
}
