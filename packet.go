package tftp

import (
	"fmt"
	"strings"
)

// Packet is one of *Request, *Data, *Ack, *ErrorPacket or *OptionAck.
type Packet interface {
	Opcode() Opcode
	encode() []byte
}

// Option is a single option name/value pair as carried on the wire.
type Option struct {
	Name  string
	Value string
}

// Request is a read (RRQ) or write (WRQ) request.
type Request struct {
	Op       Opcode // OpRead or OpWrite
	Filename string
	Mode     string
	Options  []Option
}

// Data carries one block of the transfer.
type Data struct {
	Block   uint16
	Payload []byte
}

// Ack acknowledges a data block, or block 0 for a write request.
type Ack struct {
	Block uint16
}

// ErrorPacket terminates a transfer.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

// OptionAck lists the options a server accepted.
type OptionAck struct {
	Options []Option
}

func (r *Request) Opcode() Opcode     { return r.Op }
func (d *Data) Opcode() Opcode        { return OpData }
func (a *Ack) Opcode() Opcode         { return OpAck }
func (e *ErrorPacket) Opcode() Opcode { return OpError }
func (o *OptionAck) Opcode() Opcode   { return OpOAck }

// DecodeError describes a datagram that could not be decoded. Code is the
// error code to reply with, should the caller choose to reply.
type DecodeError struct {
	Code   ErrorCode
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed packet: " + e.Reason
}

func malformed(code ErrorCode, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Encode returns the wire form of p.
func Encode(p Packet) []byte {
	return p.encode()
}

func (r *Request) encode() []byte {
	filenameBytes := []byte(r.Filename)
	modeBytes := []byte(r.Mode)
	resp := make([]byte, 4+len(filenameBytes)+len(modeBytes), 4+len(filenameBytes)+len(modeBytes)+totalOptionLen(r.Options))
	// Op code
	copy(resp[0:2], encodeUInt16(uint16(r.Op)))
	// Filename
	copy(resp[2:len(filenameBytes)+2], filenameBytes)
	resp[len(filenameBytes)+2] = 0 // Null terminator
	// Mode
	copy(resp[len(filenameBytes)+3:], modeBytes)
	resp[len(resp)-1] = 0 // Null terminator

	return appendOptions(resp, r.Options)
}

func (d *Data) encode() []byte {
	resp := make([]byte, 4+len(d.Payload))
	// Op code
	copy(resp[0:2], encodeUInt16(uint16(OpData)))
	// Block #
	copy(resp[2:4], encodeUInt16(d.Block))
	// Data
	copy(resp[4:], d.Payload)
	return resp
}

func (a *Ack) encode() []byte {
	resp := make([]byte, 4)
	// Op code
	copy(resp[0:2], encodeUInt16(uint16(OpAck)))
	// Block #
	copy(resp[2:4], encodeUInt16(a.Block))
	return resp
}

func (e *ErrorPacket) encode() []byte {
	msgBytes := []byte(e.Message)

	resp := make([]byte, 5+len(msgBytes))
	// Op code
	copy(resp[0:2], encodeUInt16(uint16(OpError)))
	// Error code
	copy(resp[2:4], encodeUInt16(uint16(e.Code)))
	// Human-readable message
	copy(resp[4:len(resp)-1], msgBytes)
	// Null terminator
	resp[len(resp)-1] = 0
	return resp
}

func (o *OptionAck) encode() []byte {
	resp := make([]byte, 2, 2+totalOptionLen(o.Options))
	// Op code
	copy(resp[0:2], encodeUInt16(uint16(OpOAck)))
	return appendOptions(resp, o.Options)
}

func appendOptions(b []byte, options []Option) []byte {
	for _, o := range options {
		b = append(b, o.Name...)
		b = append(b, 0)
		b = append(b, o.Value...)
		b = append(b, 0)
	}
	return b
}

// Decode parses a datagram. maxPayload bounds the payload of DATA packets;
// zero disables the check. Decode never panics on hostile input.
func Decode(b []byte, maxPayload int) (Packet, error) {
	if len(b) < 2 {
		return nil, malformed(ErrCodeIllegalOperation, "%d byte datagram", len(b))
	}

	op := Opcode(decodeUInt16(b[:2]))
	body := b[2:]

	switch op {
	case OpRead, OpWrite:
		return decodeRequest(op, body)
	case OpData:
		if len(body) < 2 {
			return nil, malformed(ErrCodeIllegalOperation, "data packet without block number")
		}
		payload := body[2:]
		if maxPayload > 0 && len(payload) > maxPayload {
			return nil, malformed(ErrCodeIllegalOperation, "data payload of %d bytes exceeds block size %d", len(payload), maxPayload)
		}
		return &Data{Block: decodeUInt16(body[:2]), Payload: payload}, nil
	case OpAck:
		if len(body) < 2 {
			return nil, malformed(ErrCodeIllegalOperation, "ack packet without block number")
		}
		return &Ack{Block: decodeUInt16(body[:2])}, nil
	case OpError:
		if len(body) < 2 {
			return nil, malformed(ErrCodeIllegalOperation, "error packet without code")
		}
		fields, ok := splitFields(body[2:])
		if !ok || len(fields) > 1 {
			return nil, malformed(ErrCodeIllegalOperation, "error message not terminated")
		}
		msg := ""
		if len(fields) == 1 {
			msg = fields[0]
		}
		return &ErrorPacket{Code: ErrorCode(decodeUInt16(body[:2])), Message: msg}, nil
	case OpOAck:
		options, err := decodeOptions(body)
		if err != nil {
			return nil, err
		}
		if len(options) == 0 {
			return nil, malformed(ErrCodeOptionsDenied, "option acknowledgment without options")
		}
		return &OptionAck{Options: options}, nil
	}

	return nil, malformed(ErrCodeIllegalOperation, "unknown opcode %d", op)
}

func decodeRequest(op Opcode, body []byte) (*Request, error) {
	fields, ok := splitFields(body)
	if !ok {
		return nil, malformed(ErrCodeIllegalOperation, "%s request fields not terminated", op)
	}
	if len(fields) < 2 {
		return nil, malformed(ErrCodeIllegalOperation, "%s request without filename and mode", op)
	}
	if fields[0] == "" {
		return nil, malformed(ErrCodeIllegalOperation, "%s request with empty filename", op)
	}

	// Some clients pad requests with extra NULs
	opts := fields[2:]
	for len(opts) > 0 && opts[len(opts)-1] == "" {
		opts = opts[:len(opts)-1]
	}
	if len(opts)&1 == 1 {
		return nil, malformed(ErrCodeOptionsDenied, "option %q without value", opts[len(opts)-1])
	}

	req := &Request{
		Op:       op,
		Filename: fields[0],
		Mode:     strings.ToLower(fields[1]),
	}
	for i := 0; i < len(opts); i += 2 {
		req.Options = append(req.Options, Option{Name: opts[i], Value: opts[i+1]})
	}
	return req, nil
}

func decodeOptions(body []byte) ([]Option, error) {
	fields, ok := splitFields(body)
	if !ok {
		return nil, malformed(ErrCodeOptionsDenied, "options not terminated")
	}
	if len(fields)&1 == 1 {
		return nil, malformed(ErrCodeOptionsDenied, "option %q without value", fields[len(fields)-1])
	}

	var options []Option
	for i := 0; i < len(fields); i += 2 {
		options = append(options, Option{Name: fields[i], Value: fields[i+1]})
	}
	return options, nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s(%q, %s, %v)", r.Op, r.Filename, r.Mode, r.Options)
}
