package tftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
)

type sessionState int

const (
	stateAwaitOptionAck sessionState = iota
	stateSending
	stateReceiving
	stateComplete
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitOptionAck:
		return "await-oack"
	case stateSending:
		return "sending"
	case stateReceiving:
		return "receiving"
	case stateComplete:
		return "complete"
	case stateFailed:
		return "failed"
	}
	return ""
}

type role int

const (
	roleServer role = iota
	roleClient
)

// session is one transfer, bound to a single peer endpoint. Everything but
// deadlineNano and done is owned by the goroutine running it.
type session struct {
	id     string
	role   role
	sender bool // true if this side sends DATA

	conn       net.PacketConn
	peer       net.Addr
	peerLocked bool
	inbox      chan inbound
	done       chan struct{}
	cancel     context.CancelFunc

	mode      string
	opts      Options
	defaults  Options
	request   *Request // client: the request to (re)send
	requested []Option // client: options put on the request
	oack      []Option // server: options to acknowledge
	gotOAck   bool

	state          sessionState
	block          uint16 // sender: last DATA sent, receiver: last DATA acked
	blocks         uint64 // DATA blocks sent or received
	final          bool   // last DATA sent was short
	last           []byte
	retries        int
	maxRetries     int
	errorOnTimeout bool
	deadline       time.Time
	deadlineNano   atomic.Int64
	dally          bool

	file        io.Closer
	reader      io.Reader
	writer      io.Writer
	buf         []byte
	transferred int64
	released    bool

	err error
	log *logrus.Entry
	now func() time.Time
}

func newSession(conn net.PacketConn, peer net.Addr, handle io.Closer, mode string, sender bool, opts Options, log *logrus.Entry) *session {
	id := uuid.Must(uuid.NewV4()).String()

	s := &session{
		id:         id,
		sender:     sender,
		conn:       conn,
		peer:       peer,
		peerLocked: true,
		inbox:      make(chan inbound, 8),
		done:       make(chan struct{}),
		mode:       mode,
		opts:       opts,
		defaults:   opts,
		maxRetries: maxRetransmits,
		file:       handle,
		log:        log.WithField("session", id),
		now:        time.Now,
	}

	if sender {
		s.reader = transferReader(mode, handle.(io.Reader))
	} else {
		s.writer = transferWriter(mode, handle.(io.Writer))
	}
	return s
}

// run drives the session until it completes, fails or ctx is cancelled.
// Cancellation abandons the transfer without sending anything.
func (s *session) run(ctx context.Context) error {
	defer close(s.done)
	defer s.conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go readPackets(s.conn, s.inbox, stop)

	if ctx.Err() != nil {
		return s.abandon(ctx)
	}
	start := s.now()
	s.start()

	timer := time.NewTimer(s.untilDeadline())
	defer timer.Stop()

	for !s.finished() {
		select {
		case <-ctx.Done():
			return s.abandon(ctx)
		case in := <-s.inbox:
			// select picks randomly among ready cases
			if ctx.Err() != nil {
				return s.abandon(ctx)
			}
			s.receive(in)
		case <-timer.C:
			if ctx.Err() != nil {
				return s.abandon(ctx)
			}
			s.expire()
		}
		resetTimer(timer, s.untilDeadline())
	}

	if s.state == stateComplete {
		s.log.WithFields(logrus.Fields{
			"bytes":    s.transferred,
			"blocks":   s.blocks,
			"duration": time.Since(start).String(),
		}).Info("Transfer completed")
	} else {
		s.log.WithError(s.err).Warn("Transfer failed")
	}
	return s.err
}

// abandon fails the session after cancellation without sending anything.
func (s *session) abandon(ctx context.Context) error {
	s.log.Warn("Abandoning transfer")
	s.fail(fmt.Errorf("%w: %v", ErrAborted, ctx.Err()))
	return s.err
}

// start sends the first packet of the exchange.
func (s *session) start() {
	if s.role == roleClient {
		if len(s.requested) > 0 {
			s.state = stateAwaitOptionAck
		} else if s.sender {
			s.state = stateSending
		} else {
			s.state = stateReceiving
		}
		s.peerLocked = false
		s.send(Encode(s.request))
		return
	}

	switch {
	case s.sender && len(s.oack) > 0:
		s.state = stateAwaitOptionAck
		s.send(Encode(&OptionAck{Options: s.oack}))
	case s.sender:
		s.sendNextBlock()
	case len(s.oack) > 0:
		s.state = stateReceiving
		s.send(Encode(&OptionAck{Options: s.oack}))
	default:
		s.state = stateReceiving
		s.send(Encode(&Ack{Block: 0}))
	}
}

func (s *session) finished() bool {
	return s.state == stateFailed || (s.state == stateComplete && !s.dally)
}

func (s *session) receive(in inbound) {
	if in.req != nil {
		s.handleRequest(in.req)
		return
	}
	if !s.acceptFrom(in.from) {
		return
	}

	maxPayload := s.opts.BlockSize
	if s.state == stateAwaitOptionAck {
		maxPayload = 0
	}
	p, err := Decode(in.b, maxPayload)
	if err != nil {
		s.log.WithError(err).Debug("Dropping datagram")
		return
	}
	s.handle(p)
}

// acceptFrom checks the transfer ID of an incoming datagram. A client locks
// onto the port of the first reply it gets from the server.
func (s *session) acceptFrom(from net.Addr) bool {
	if !s.peerLocked && sameHost(from, s.peer) {
		s.peer = from
		s.peerLocked = true
		s.log = s.log.WithField("peer", from.String())
		return true
	}
	if s.peerLocked && from.String() == s.peer.String() {
		return true
	}

	s.log.WithField("from", from.String()).Debug("Packet from unknown transfer ID")
	s.conn.WriteTo(Encode(&ErrorPacket{Code: ErrCodeUnknownTID, Message: "Unknown transfer ID"}), from)
	return false
}

func (s *session) handle(p Packet) {
	switch s.state {
	case stateFailed:
		return
	case stateComplete:
		// Our final ACK got lost, the peer is resending its last block
		if d, ok := p.(*Data); ok && !s.sender && d.Block == s.block {
			s.retransmit()
		}
		return
	}

	switch p := p.(type) {
	case *ErrorPacket:
		s.log.WithFields(logrus.Fields{"code": p.Code, "message": p.Message}).Warn("Received error")
		s.fail(&Error{Code: p.Code, Message: p.Message, Remote: true})
	case *Ack:
		s.handleAck(p.Block)
	case *Data:
		s.handleData(p)
	case *OptionAck:
		s.handleOptionAck(p)
	case *Request:
		s.illegal("Unexpected request on transfer port")
	}
}

func (s *session) handleAck(block uint16) {
	if !s.sender {
		s.illegal("Invalid operation for write request")
		return
	}

	switch {
	case block == s.block:
		if s.state == stateAwaitOptionAck && s.role == roleClient {
			// Server ignored our options
			s.opts = s.defaults
		}
		s.log.WithField("block", block).Debug("Received ACK")
		s.retries = 0
		if s.final {
			s.complete()
			return
		}
		s.sendNextBlock()
	case s.blocks > 0 && block == s.block-1:
		s.log.WithField("block", block).Debug("Duplicate ACK, retransmitting")
		s.retransmit()
	default:
		s.log.WithFields(logrus.Fields{"block": block, "expected": s.block}).Debug("Discarding out of order ACK")
	}
}

func (s *session) handleData(d *Data) {
	if s.sender {
		s.illegal("Invalid operation for read request")
		return
	}

	if s.state == stateAwaitOptionAck {
		if d.Block != 1 {
			return
		}
		// Server ignored our options and went straight to data
		s.opts = s.defaults
		s.state = stateReceiving
	}
	if len(d.Payload) > s.opts.BlockSize {
		s.log.WithField("size", len(d.Payload)).Debug("Dropping oversized block")
		return
	}

	switch {
	case d.Block == s.block+1:
		s.log.WithField("block", d.Block).Debug("Received DATA")
		if _, err := s.writer.Write(d.Payload); err != nil {
			s.abortWithError(writeErrorCode(err), "Failed to write block", err)
			return
		}
		s.block = d.Block
		s.blocks++
		s.transferred += int64(len(d.Payload))
		s.retries = 0

		if len(d.Payload) < s.opts.BlockSize { // Transfer complete
			if err := s.finishWrite(); err != nil {
				s.abortWithError(writeErrorCode(err), "Failed to store file", err)
				return
			}
			s.send(Encode(&Ack{Block: s.block}))
			s.complete()
			return
		}
		s.send(Encode(&Ack{Block: s.block}))
	case s.blocks > 0 && d.Block == s.block:
		s.log.WithField("block", d.Block).Debug("Duplicate DATA, retransmitting ACK")
		s.retransmit()
	default:
		s.log.WithFields(logrus.Fields{"block": d.Block, "expected": s.block + 1}).Debug("Discarding out of order DATA")
	}
}

func (s *session) handleOptionAck(o *OptionAck) {
	if s.role != roleClient {
		s.illegal("Unexpected option acknowledgment")
		return
	}
	if s.gotOAck {
		if (s.sender && s.blocks == 1) || (!s.sender && s.blocks == 0) {
			s.retransmit()
		}
		return
	}
	if s.state != stateAwaitOptionAck {
		return
	}

	opts, err := applyOptionAck(s.defaults, s.requested, o.Options)
	if err != nil {
		s.abortWithError(ErrCodeOptionsDenied, err.Error(), err)
		return
	}
	s.log.WithField("options", o.Options).Debug("Received OACK")
	s.opts = opts
	s.gotOAck = true
	s.retries = 0

	if s.sender {
		s.sendNextBlock()
		return
	}
	s.state = stateReceiving
	s.send(Encode(&Ack{Block: 0}))
}

// handleRequest answers a request resent by a peer that hasn't heard our
// first reply yet.
func (s *session) handleRequest(req *Request) {
	if s.state == stateComplete || s.state == stateFailed {
		return
	}
	if (s.sender && s.blocks <= 1) || (!s.sender && s.blocks == 0) {
		s.log.Debug("Duplicate request, retransmitting first reply")
		s.retransmit()
	}
}

func (s *session) expire() {
	switch s.state {
	case stateComplete:
		s.dally = false
		return
	case stateFailed:
		return
	}

	s.retries++
	if s.retries > s.maxRetries {
		s.log.Warn("Max retransmits exceeded, terminating transfer")
		if s.errorOnTimeout {
			s.sendError(ErrCodeNotDefined, "Transfer timed out")
		}
		s.fail(ErrMaxRetries)
		return
	}

	s.log.WithField("retry", s.retries).Debug("Retransmitting last packet")
	s.retransmit()
}

func (s *session) sendNextBlock() {
	if len(s.buf) != s.opts.BlockSize {
		s.buf = make([]byte, s.opts.BlockSize)
	}

	n, err := io.ReadFull(s.reader, s.buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		s.abortWithError(ErrCodeAccessViolation, "Failed to read file", err)
		return
	}

	s.state = stateSending
	s.block++
	s.blocks++
	s.transferred += int64(n)
	// A full block always needs a follow up, even an empty one
	s.final = n < s.opts.BlockSize

	s.log.WithField("block", s.block).Debug("Sending DATA")
	s.send(Encode(&Data{Block: s.block, Payload: s.buf[:n]}))
}

func (s *session) finishWrite() error {
	if f, ok := s.writer.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	s.released = true
	return s.file.Close()
}

func (s *session) complete() {
	s.state = stateComplete
	s.release(false)
	s.dally = s.role == roleServer && !s.sender
}

func (s *session) fail(err error) {
	if s.state == stateFailed || s.state == stateComplete {
		return
	}
	s.state = stateFailed
	s.err = err
	s.release(true)
}

// illegal reports a protocol violation to the peer and ends the session.
func (s *session) illegal(msg string) {
	s.log.Warn(msg)
	s.sendError(ErrCodeIllegalOperation, msg)
	s.fail(&Error{Code: ErrCodeIllegalOperation, Message: msg})
}

func (s *session) abortWithError(code ErrorCode, msg string, cause error) {
	s.log.WithError(cause).Error(msg)
	s.sendError(code, msg)
	s.fail(fmt.Errorf("%s: %w", msg, cause))
}

func (s *session) release(abort bool) {
	if s.released {
		return
	}
	s.released = true

	if abort {
		if a, ok := s.file.(aborter); ok {
			if err := a.Abort(); err != nil {
				s.log.WithError(err).Debug("Abort failed")
			}
			return
		}
	}
	if err := s.file.Close(); err != nil {
		s.log.WithError(err).Debug("Close failed")
	}
}

func (s *session) send(b []byte) {
	s.last = b
	s.write(b)
	s.resetDeadline()
}

func (s *session) retransmit() {
	s.write(s.last)
	s.resetDeadline()
}

func (s *session) sendError(code ErrorCode, msg string) {
	s.write(Encode(&ErrorPacket{Code: code, Message: msg}))
}

func (s *session) write(b []byte) {
	if _, err := s.conn.WriteTo(b, s.peer); err != nil {
		s.log.WithError(err).Debug("Write failed")
	}
}

func (s *session) resetDeadline() {
	s.deadline = s.now().Add(s.opts.Timeout)
	s.deadlineNano.Store(s.deadline.UnixNano())
}

func (s *session) untilDeadline() time.Duration {
	d := s.deadline.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// deliver hands a datagram to the session without blocking.
func (s *session) deliver(in inbound) bool {
	select {
	case s.inbox <- in:
		return true
	default:
		return false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sameHost(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return true
	}
	return ua.IP.Equal(ub.IP)
}

func writeErrorCode(err error) ErrorCode {
	if code := errorCodeFor(err); code == ErrCodeDiskFull {
		return code
	}
	return ErrCodeAccessViolation
}
