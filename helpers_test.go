package tftp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}

type testWrite struct {
	b    []byte
	addr net.Addr
}

// testPacketConn records writes and serves reads pushed with deliver.
type testPacketConn struct {
	mu      sync.Mutex
	writes  []testWrite
	reads   chan testWrite
	closed  chan struct{}
	closeMu sync.Once
	onWrite func() // called after each recorded write
}

func newTestPacketConn() *testPacketConn {
	return &testPacketConn{
		reads:  make(chan testWrite, 16),
		closed: make(chan struct{}),
	}
}

func (c *testPacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	select {
	case r := <-c.reads:
		return copy(b, r.b), r.addr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *testPacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	c.mu.Lock()
	c.writes = append(c.writes, testWrite{b: append([]byte(nil), b...), addr: addr})
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return len(b), nil
}

func (c *testPacketConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *testPacketConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000} }
func (c *testPacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *testPacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *testPacketConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *testPacketConn) deliver(p Packet, from net.Addr) {
	c.reads <- testWrite{b: Encode(p), addr: from}
}

func (c *testPacketConn) sent() []testWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]testWrite(nil), c.writes...)
}

func (c *testPacketConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = nil
}

// lastPacket decodes the most recent write.
func (c *testPacketConn) lastPacket(t *testing.T) Packet {
	t.Helper()
	w := c.sent()
	if len(w) == 0 {
		t.Fatal("nothing was sent")
	}
	p, err := Decode(w[len(w)-1].b, 0)
	if err != nil {
		t.Fatalf("sent undecodable packet: %v", err)
	}
	return p
}

// memFile is an in-memory storage handle.
type memFile struct {
	mu      sync.Mutex
	r       *bytes.Reader
	w       bytes.Buffer
	closed  bool
	aborted bool
	failAt  int // fail writes once this many bytes were written, 0 disables
}

func newReadFile(data []byte) *memFile {
	return &memFile{r: bytes.NewReader(data)}
}

func (f *memFile) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

func (f *memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && f.w.Len()+len(p) > f.failAt {
		return 0, ErrDiskFull
	}
	return f.w.Write(p)
}

func (f *memFile) Len() int {
	if f.r == nil {
		return f.w.Len()
	}
	return f.r.Len()
}

func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *memFile) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func (f *memFile) released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed || f.aborted
}

func (f *memFile) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.w.Bytes()...)
}

// memStorage serves files from a map.
type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
	open  []*memFile
}

func newMemStorage(files map[string][]byte) *memStorage {
	if files == nil {
		files = make(map[string][]byte)
	}
	return &memStorage{files: files}
}

func (m *memStorage) Open(name string, write bool) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if write {
		f := &memUpload{memFile: &memFile{}, store: m, name: name}
		m.open = append(m.open, f.memFile)
		return f, nil
	}
	data, ok := m.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	f := newReadFile(data)
	m.open = append(m.open, f)
	return f, nil
}

func (m *memStorage) get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	return b, ok
}

func (m *memStorage) allReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.open {
		if !f.released() {
			return false
		}
	}
	return true
}

type memUpload struct {
	*memFile
	store *memStorage
	name  string
}

func (u *memUpload) Close() error {
	u.memFile.Close()
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	u.store.files[u.name] = u.memFile.bytes()
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSessionLog() *logrus.Entry {
	return logrus.NewEntry(testLogger())
}

// newTestSession builds a server side session over a fake connection.
func newTestSession(sender bool, f *memFile, opts Options) (*session, *testPacketConn) {
	conn := newTestPacketConn()
	s := newSession(conn, testPeer, f, ModeOctet, sender, opts, testSessionLog())
	return s, conn
}

// readAllNetascii returns src as it goes on the wire in netascii mode.
func readAllNetascii(t *testing.T, src []byte) []byte {
	t.Helper()
	b, err := io.ReadAll(transferReader(ModeNetascii, bytes.NewReader(src)))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func testOptions(blockSize int) Options {
	return Options{BlockSize: blockSize, Timeout: time.Second, TransferSize: -1}
}

func expectData(t *testing.T, p Packet, block uint16, size int) *Data {
	t.Helper()
	d, ok := p.(*Data)
	if !ok {
		t.Fatalf("expected DATA, got %T", p)
	}
	if d.Block != block {
		t.Fatalf("expected block %d, got %d", block, d.Block)
	}
	if len(d.Payload) != size {
		t.Fatalf("expected %d byte payload, got %d", size, len(d.Payload))
	}
	return d
}

func expectAck(t *testing.T, p Packet, block uint16) {
	t.Helper()
	a, ok := p.(*Ack)
	if !ok {
		t.Fatalf("expected ACK, got %T", p)
	}
	if a.Block != block {
		t.Fatalf("expected ACK %d, got %d", block, a.Block)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isRemoteError(err error, code ErrorCode) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Remote && terr.Code == code
}
