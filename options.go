package tftp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Negotiate computes the option set for a request. base supplies the
// defaults and maxBlock caps blksize. It returns the negotiated options,
// the options to list in an OACK, and whether an OACK must be sent.
// resourceSize is the size of the file being read, or -1 if unknown.
//
// Unknown or unparseable options are ignored. Without any recognised
// option the transfer falls back to RFC 1350 behaviour.
func Negotiate(req *Request, resourceSize int64, base Options, maxBlock int) (Options, []Option, bool) {
	if maxBlock <= 0 || maxBlock > maxBlockSize {
		maxBlock = maxBlockSize
	}

	var acked []Option
	seen := make(map[string]bool)

	for _, o := range req.Options {
		name := strings.ToLower(o.Name) // options names are case insensitive
		if seen[name] {
			continue
		}

		switch name {
		case optionBlockSize:
			val, err := strconv.Atoi(o.Value)
			if err != nil {
				continue
			}
			base.BlockSize = clamp(val, minBlockSize, maxBlock)
			acked = append(acked, Option{Name: optionBlockSize, Value: strconv.Itoa(base.BlockSize)})
		case optionTimeout:
			val, err := strconv.Atoi(o.Value)
			if err != nil {
				continue
			}
			val = clamp(val, minTimeoutSeconds, maxTimeoutSeconds)
			base.Timeout = time.Duration(val) * time.Second
			acked = append(acked, Option{Name: optionTimeout, Value: strconv.Itoa(val)})
		case optionTransferSize:
			val, err := strconv.ParseInt(o.Value, 10, 64)
			if err != nil || val < 0 {
				continue
			}
			if req.Op == OpRead {
				// netascii changes the length on the wire
				if resourceSize < 0 || strings.ToLower(req.Mode) == ModeNetascii {
					continue
				}
				val = resourceSize
			}
			base.TransferSize = val
			acked = append(acked, Option{Name: optionTransferSize, Value: strconv.FormatInt(val, 10)})
		default:
			continue
		}
		seen[name] = true
	}

	return base, acked, len(acked) > 0
}

// applyOptionAck checks a server's OACK against what the client asked for
// and returns the options to use. Anything not acknowledged keeps its
// default.
func applyOptionAck(base Options, requested, acked []Option) (Options, error) {
	asked := make(map[string]string, len(requested))
	for _, o := range requested {
		asked[strings.ToLower(o.Name)] = o.Value
	}

	for _, o := range acked {
		name := strings.ToLower(o.Name)
		want, ok := asked[name]
		if !ok {
			return base, fmt.Errorf("server acknowledged unrequested option %q", o.Name)
		}

		switch name {
		case optionBlockSize:
			val, err := strconv.Atoi(o.Value)
			if err != nil {
				return base, fmt.Errorf("invalid blksize %q", o.Value)
			}
			limit, _ := strconv.Atoi(want)
			if val < minBlockSize || val > limit {
				return base, fmt.Errorf("blksize %d outside of requested range", val)
			}
			base.BlockSize = val
		case optionTimeout:
			val, err := strconv.Atoi(o.Value)
			if err != nil || val < minTimeoutSeconds || val > maxTimeoutSeconds {
				return base, fmt.Errorf("invalid timeout %q", o.Value)
			}
			base.Timeout = time.Duration(val) * time.Second
		case optionTransferSize:
			val, err := strconv.ParseInt(o.Value, 10, 64)
			if err != nil || val < 0 {
				return base, fmt.Errorf("invalid tsize %q", o.Value)
			}
			base.TransferSize = val
		}
	}

	return base, nil
}

// requestOptions builds the option list a client puts on a request.
func requestOptions(o Options) []Option {
	var opts []Option
	if o.BlockSize != defaultBlockSize {
		opts = append(opts, Option{Name: optionBlockSize, Value: strconv.Itoa(o.BlockSize)})
	}
	if o.Timeout != defaultTimeout {
		secs := clamp(int(o.Timeout/time.Second), minTimeoutSeconds, maxTimeoutSeconds)
		opts = append(opts, Option{Name: optionTimeout, Value: strconv.Itoa(secs)})
	}
	if o.TransferSize > -1 {
		opts = append(opts, Option{Name: optionTransferSize, Value: strconv.FormatInt(o.TransferSize, 10)})
	}
	return opts
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
