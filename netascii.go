package tftp

import (
	"io"
)

const (
	cr  = '\r'
	lf  = '\n'
	nul = 0
)

// netasciiEncoder converts local text to netascii: LF becomes CR LF and a
// bare CR becomes CR NUL. Expanded bytes that don't fit the caller's
// buffer are held until the next Read.
type netasciiEncoder struct {
	r       io.Reader
	in      []byte
	out     []byte
	pending []byte
	err     error
}

func newNetasciiEncoder(r io.Reader) *netasciiEncoder {
	return &netasciiEncoder{r: r, in: make([]byte, defaultBlockSize)}
}

func (e *netasciiEncoder) Read(p []byte) (int, error) {
	for len(e.pending) == 0 {
		if e.err != nil {
			return 0, e.err
		}

		n, err := e.r.Read(e.in)
		e.err = err

		out := e.out[:0]
		for _, b := range e.in[:n] {
			switch b {
			case lf:
				out = append(out, cr, lf)
			case cr:
				out = append(out, cr, nul)
			default:
				out = append(out, b)
			}
		}
		e.out = out
		e.pending = out
	}

	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

// netasciiDecoder reverses netasciiEncoder on a byte stream written in
// arbitrary pieces. A CR ending one write is held until the next byte
// shows what it was escaping.
type netasciiDecoder struct {
	w   io.Writer
	cr  bool
	out []byte
}

func newNetasciiDecoder(w io.Writer) *netasciiDecoder {
	return &netasciiDecoder{w: w}
}

func (d *netasciiDecoder) Write(p []byte) (int, error) {
	out := d.out[:0]
	for _, b := range p {
		if d.cr {
			d.cr = false
			switch b {
			case lf:
				out = append(out, lf)
				continue
			case nul:
				out = append(out, cr)
				continue
			default:
				// Bare CR, not valid netascii but kept as sent
				out = append(out, cr)
			}
		}
		if b == cr {
			d.cr = true
			continue
		}
		out = append(out, b)
	}
	d.out = out

	if len(out) > 0 {
		if _, err := d.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes a CR still held at the end of the stream.
func (d *netasciiDecoder) Flush() error {
	if !d.cr {
		return nil
	}
	d.cr = false
	_, err := d.w.Write([]byte{cr})
	return err
}

type flusher interface {
	Flush() error
}

// transferReader wraps a storage handle for sending in the given mode.
func transferReader(mode string, r io.Reader) io.Reader {
	if mode == ModeNetascii {
		return newNetasciiEncoder(r)
	}
	return r
}

// transferWriter wraps a storage handle for receiving in the given mode.
func transferWriter(mode string, w io.Writer) io.Writer {
	if mode == ModeNetascii {
		return newNetasciiDecoder(w)
	}
	return w
}
