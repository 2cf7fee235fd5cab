package tftp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval = 10 * time.Second
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server accepts read and write requests on a control port and runs each
// transfer on its own ephemeral port.
type Server struct {
	storage        Storage
	log            *logrus.Logger
	timeout        time.Duration
	retries        int
	maxBlockSize   int
	errorOnTimeout bool
	rfc1350        bool
	strict         bool
	sweepInterval  time.Duration

	registry *registry
	conn     *requestConn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewServer returns a server. Without WithStorage it serves the current
// directory read only.
func NewServer(options ...ServerOption) *Server {
	s := &Server{
		storage:       &DirStorage{Root: ".", DisableWrite: true},
		log:           logrus.StandardLogger(),
		timeout:       defaultTimeout,
		retries:       maxRetransmits,
		maxBlockSize:  maxBlockSize,
		sweepInterval: defaultSweepInterval,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func WithStorage(st Storage) ServerOption {
	return func(s *Server) {
		s.storage = st
	}
}

func WithLogger(l *logrus.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithTimeout sets the retransmission interval used unless a client
// negotiates another.
func WithTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithRetries sets how many retransmits a session makes before giving up.
func WithRetries(n int) ServerOption {
	return func(s *Server) {
		s.retries = n
	}
}

// WithMaxBlockSize caps the blksize a client may negotiate.
func WithMaxBlockSize(n int) ServerOption {
	return func(s *Server) {
		s.maxBlockSize = n
	}
}

// WithErrorOnTimeout makes sessions send an ERROR before giving up after
// the last retransmit instead of going silent.
func WithErrorOnTimeout(s *Server) {
	s.errorOnTimeout = true
}

// WithRFC1350 disables option negotiation.
func WithRFC1350(s *Server) {
	s.rfc1350 = true
}

// WithStrictMode rejects anything but octet mode.
func WithStrictMode(s *Server) {
	s.strict = true
}

// WithSweepInterval sets how often abandoned sessions are looked for.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.sweepInterval = d
	}
}

// ListenAndServe listens on address and serves until Close is called.
func (s *Server) ListenAndServe(address string) error {
	conn, err := net.ListenPacket(listenNetwork(address), address)
	if err != nil {
		return err
	}
	return s.Serve(conn)
}

// Serve reads requests from conn until Close is called. It takes ownership
// of conn.
func (s *Server) Serve(conn net.PacketConn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return net.ErrClosed
	}
	s.conn = newRequestConn(conn)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// Abandoned sessions are reclaimed well after their own retries ran out
	staleAfter := time.Duration(s.retries+1) * s.timeout
	s.registry = newRegistry(staleAfter, s.log)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.run(s.ctx, s.sweepInterval)
	}()

	s.log.WithField("address", conn.LocalAddr().String()).Info("Started TFTP server")

	buffer := make([]byte, maxDatagramSize)
	for {
		n, addr, dst, err := s.conn.readFrom(buffer)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Error("Control socket read failed")
			return err
		}

		s.dispatch(buffer[:n], addr, dst)
	}
}

// Close stops the server. Running sessions are abandoned without sending
// anything to their peers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := conn.conn.Close()
	s.wg.Wait()
	return err
}

// ActiveSessions returns the number of registered sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	r := s.registry
	s.mu.Unlock()

	if r == nil {
		return 0
	}
	return r.len()
}

// Addr returns the control socket's address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.conn.LocalAddr()
}

func (s *Server) dispatch(b []byte, addr net.Addr, dst net.IP) {
	log := s.log.WithField("peer", addr.String())

	pkt, err := Decode(b, 0)
	if err != nil {
		log.WithError(err).Debug("Malformed request")
		var derr *DecodeError
		if errors.As(err, &derr) {
			s.conn.sendError(addr, derr.Code, derr.Reason)
		}
		return
	}

	req, ok := pkt.(*Request)
	if !ok {
		if pkt.Opcode() != OpError {
			s.conn.sendError(addr, ErrCodeIllegalOperation, "Expected read or write request")
		}
		return
	}

	if existing := s.registry.lookup(addr); existing != nil {
		log.Debug("Duplicate request from active peer")
		existing.deliver(inbound{req: req, from: addr})
		return
	}

	s.processRequest(req, addr, dst, log)
}

func (s *Server) processRequest(req *Request, addr net.Addr, dst net.IP, log *logrus.Entry) {
	log = log.WithFields(logrus.Fields{
		"op":   req.Op.String(),
		"file": req.Filename,
		"mode": req.Mode,
	})
	log.Info("Received request")

	switch req.Mode {
	case ModeOctet:
	case ModeNetascii:
		if s.strict {
			s.conn.sendError(addr, ErrCodeIllegalOperation, "Unsupported mode")
			return
		}
	case ModeMail:
		s.conn.sendError(addr, ErrCodeIllegalOperation, "Mail mode not supported")
		return
	default:
		s.conn.sendError(addr, ErrCodeIllegalOperation, "Illegal transfer mode")
		return
	}

	write := req.Op == OpWrite
	handle, err := s.storage.Open(req.Filename, write)
	if err != nil {
		code := errorCodeFor(err)
		log.WithError(err).Warn("Failed to open file")
		s.conn.sendError(addr, code, code.String())
		return
	}

	if _, ok := handle.(io.Reader); !write && !ok {
		handle.Close()
		s.conn.sendError(addr, ErrCodeNotDefined, "File not readable")
		return
	}
	if _, ok := handle.(io.Writer); write && !ok {
		handle.Close()
		s.conn.sendError(addr, ErrCodeNotDefined, "File not writable")
		return
	}

	base := Options{BlockSize: defaultBlockSize, Timeout: s.timeout, TransferSize: -1}
	options, acked := base, []Option(nil)
	if !s.rfc1350 {
		size := int64(-1)
		if !write {
			size = resourceSize(handle)
		}
		options, acked, _ = Negotiate(req, size, base, s.maxBlockSize)
	} else {
		log.Debug("TFTP options are disabled, not acknowledging")
	}

	conn, err := net.ListenPacket("udp", s.conn.sessionAddr(dst))
	if err != nil {
		log.WithError(err).Error("Failed to open session socket")
		handle.Close()
		s.conn.sendError(addr, ErrCodeNotDefined, "Server error")
		return
	}

	sess := newSession(conn, addr, handle, req.Mode, !write, options, log)
	sess.oack = acked
	sess.maxRetries = s.retries
	sess.errorOnTimeout = s.errorOnTimeout

	if err := s.registry.register(addr, sess); err != nil {
		conn.Close()
		handle.Close()
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.registry.deregister(addr, sess)
		sess.run(ctx)
	}()
}

// listenNetwork keeps IPv4 literal addresses on IPv4 sockets so request
// destination addresses can be read.
func listenNetwork(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "udp"
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return "udp4"
	}
	return "udp"
}
