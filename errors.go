package tftp

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSession is returned when registering a second session
	// for an endpoint that already has one.
	ErrDuplicateSession = errors.New("session already exists for endpoint")
	// ErrMaxRetries is the cause of a session that ran out of retransmits.
	ErrMaxRetries = errors.New("max retransmits exceeded")
	// ErrAborted is the cause of a session cancelled by shutdown or sweep.
	ErrAborted = errors.New("transfer aborted")

	ErrNotFound     = errors.New("file not found")
	ErrAccessDenied = errors.New("access denied")
	ErrDiskFull     = errors.New("disk full")
	ErrFileExists   = errors.New("file already exists")
)

// Error is a TFTP level error, either received from the peer or sent to it.
type Error struct {
	Code    ErrorCode
	Message string
	Remote  bool
}

func (e *Error) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	if e.Message == "" {
		return fmt.Sprintf("tftp %s error %d: %s", side, e.Code, e.Code)
	}
	return fmt.Sprintf("tftp %s error %d (%s): %s", side, e.Code, e.Code, e.Message)
}

// errorCodeFor maps a storage error to the code sent to the peer.
func errorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrCodeFileNotFound
	case errors.Is(err, ErrAccessDenied):
		return ErrCodeAccessViolation
	case errors.Is(err, ErrDiskFull):
		return ErrCodeDiskFull
	case errors.Is(err, ErrFileExists):
		return ErrCodeFileExists
	}
	return ErrCodeNotDefined
}
