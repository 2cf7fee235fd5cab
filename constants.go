package tftp

import (
	"time"
)

const (
	tftpPort          = 69
	maxRetransmits    = 5
	defaultTimeout    = 5 * time.Second
	defaultBlockSize  = 512
	minBlockSize      = 8
	maxBlockSize      = 65464
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 255

	// Large enough for a request carrying any reasonable option list and
	// for a DATA packet at the maximum block size.
	maxDatagramSize = maxBlockSize + 4
)

// Opcode identifies the kind of a TFTP packet.
type Opcode uint16

// TFTP op codes
const (
	OpRead  Opcode = 1
	OpWrite Opcode = 2
	OpData  Opcode = 3
	OpAck   Opcode = 4
	OpError Opcode = 5
	OpOAck  Opcode = 6
)

func (op Opcode) String() string {
	switch op {
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpData:
		return "Data"
	case OpAck:
		return "Ack"
	case OpError:
		return "Error"
	case OpOAck:
		return "OAck"
	}
	return "Unknown"
}

// ErrorCode is the code carried by an ERROR packet.
type ErrorCode uint16

// TFTP error codes
const (
	ErrCodeNotDefined       ErrorCode = 0
	ErrCodeFileNotFound     ErrorCode = 1
	ErrCodeAccessViolation  ErrorCode = 2
	ErrCodeDiskFull         ErrorCode = 3
	ErrCodeIllegalOperation ErrorCode = 4
	ErrCodeUnknownTID       ErrorCode = 5
	ErrCodeFileExists       ErrorCode = 6
	ErrCodeNoSuchUser       ErrorCode = 7
	ErrCodeOptionsDenied    ErrorCode = 8
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNotDefined:
		return "not defined"
	case ErrCodeFileNotFound:
		return "file not found"
	case ErrCodeAccessViolation:
		return "access violation"
	case ErrCodeDiskFull:
		return "disk full"
	case ErrCodeIllegalOperation:
		return "illegal operation"
	case ErrCodeUnknownTID:
		return "unknown transfer id"
	case ErrCodeFileExists:
		return "file already exists"
	case ErrCodeNoSuchUser:
		return "no such user"
	case ErrCodeOptionsDenied:
		return "option negotiation failed"
	}
	return "unknown error"
}

// TFTP transfer modes
const (
	ModeNetascii = "netascii"
	ModeOctet    = "octet"
	ModeMail     = "mail"
)

// TFTP options
const (
	optionBlockSize    = "blksize"
	optionTimeout      = "timeout"
	optionTransferSize = "tsize"
)

// DefaultOptions should never be changed at runtime. These settings comply
// with RFC 1350 and will act as if no options were given if used as is.
var DefaultOptions = Options{
	BlockSize:    defaultBlockSize,
	Timeout:      defaultTimeout,
	TransferSize: -1,
}

// Options is a negotiated option set.
type Options struct {
	BlockSize    int
	Timeout      time.Duration
	TransferSize int64 // -1 when not negotiated
}
