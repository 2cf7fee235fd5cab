package tftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// Client transfers files to and from a single TFTP server.
type Client struct {
	addr      string
	log       *logrus.Logger
	blockSize int
	timeout   time.Duration
	retries   int
	tsize     bool
	rfc1350   bool
}

// NewClient returns a client for the server at addr. The port defaults
// to 69.
func NewClient(addr string, options ...ClientOption) *Client {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(tftpPort))
	}

	c := &Client{
		addr:      addr,
		log:       logrus.StandardLogger(),
		blockSize: defaultBlockSize,
		timeout:   defaultTimeout,
		retries:   maxRetransmits,
		tsize:     true,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// WithClientBlockSize requests a block size other than 512.
func WithClientBlockSize(n int) ClientOption {
	return func(c *Client) {
		c.blockSize = clamp(n, minBlockSize, maxBlockSize)
	}
}

// WithClientTimeout sets the retransmission interval and asks the server
// to use the same.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithClientRetries(n int) ClientOption {
	return func(c *Client) {
		c.retries = n
	}
}

// WithTransferSize controls the tsize option, on by default.
func WithTransferSize(on bool) ClientOption {
	return func(c *Client) {
		c.tsize = on
	}
}

// WithClientRFC1350 sends plain requests without options.
func WithClientRFC1350(c *Client) {
	c.rfc1350 = true
}

func WithClientLogger(l *logrus.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// Get downloads remote into w and returns the number of bytes received
// on the wire.
func (c *Client) Get(ctx context.Context, remote, mode string, w io.Writer) (int64, error) {
	s, err := c.newSession(OpRead, remote, mode, nopCloser{Writer: w}, -1)
	if err != nil {
		return 0, err
	}
	err = s.run(ctx)
	return s.transferred, err
}

// Put uploads the contents of r as remote. The size sent with the tsize
// option is taken from r when it can tell.
func (c *Client) Put(ctx context.Context, remote, mode string, r io.Reader) (int64, error) {
	s, err := c.newSession(OpWrite, remote, mode, nopCloser{Reader: r}, resourceSize(r))
	if err != nil {
		return 0, err
	}
	err = s.run(ctx)
	return s.transferred, err
}

func (c *Client) newSession(op Opcode, remote, mode string, h nopCloser, size int64) (*session, error) {
	if mode != ModeOctet && mode != ModeNetascii {
		return nil, fmt.Errorf("unsupported mode %q", mode)
	}

	addr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	defaults := Options{BlockSize: defaultBlockSize, Timeout: c.timeout, TransferSize: -1}
	log := c.log.WithFields(logrus.Fields{
		"op":   op.String(),
		"file": remote,
		"mode": mode,
	})

	s := newSession(conn, addr, h, mode, op == OpWrite, defaults, log)
	s.role = roleClient
	s.maxRetries = c.retries

	if !c.rfc1350 {
		want := Options{BlockSize: c.blockSize, Timeout: c.timeout, TransferSize: -1}
		if c.tsize {
			if op == OpRead {
				want.TransferSize = 0
			} else {
				want.TransferSize = size
			}
		}
		s.requested = requestOptions(want)
	}
	s.request = &Request{Op: op, Filename: remote, Mode: mode, Options: s.requested}

	log.WithField("server", addr.String()).Debug("Sending request")
	return s, nil
}

// nopCloser adapts a caller's reader or writer into a storage handle.
type nopCloser struct {
	io.Reader
	io.Writer
}

func (nopCloser) Close() error { return nil }
