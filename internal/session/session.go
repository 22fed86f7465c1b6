// Package session implements the two TFTP session state machines —
// ReadSession (we send DATA, peer sends ACK) and WriteSession (we
// receive DATA, we send ACK) — together with the RFC 2347/2348/2349
// option-negotiation bootstrap that precedes the first data block.
//
// Following the design note in the specification this engine is built
// from, the bootstrap is not a separate wrapping protocol (as the four
// LocalOrigin/RemoteOrigin subclasses in tftp/bootstrap.py and
// tftp/session.py were): it is the initial phase of the same state
// machine, entered through one method per origin (RunRemoteOrigin,
// RunLocalOrigin) instead of subclassed per direction and per origin.
package session

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wjholden/tftpd/internal/wire"
)

// Default and RFC 2348 bounds for the negotiated block size.
const (
	DefaultBlockSize = 512
	MinBlockSize     = 8
	MaxBlockSize     = 65464
)

// DefaultIdleTimeout is the write-session idle timeout used when no
// "timeout" option was negotiated.
const DefaultIdleTimeout = 10 * time.Second

// DefaultRetrySchedule is the single Timed Caller schedule used
// everywhere a retransmission back-off is needed — option-negotiation
// bootstrap and steady-state DATA/ACK alike: send, +1s resend, +3s
// resend, +5s final timeout. This is the "later, more consistent"
// schedule over the source's divergent (1,3,7) variant.
var DefaultRetrySchedule = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// HandshakeRetrySchedule is the bootstrap's retry schedule. It is the
// same schedule as DefaultRetrySchedule: the specification calls for one
// unified Timed Caller rather than a distinct handshake cadence.
var HandshakeRetrySchedule = DefaultRetrySchedule

// Origin records which side of the transfer initiated the request: the
// remote peer (we are the server, having received an RRQ/WRQ) or this
// endpoint itself (we are driving a transfer against a remote server).
type Origin int

const (
	OriginRemote Origin = iota
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Sender is the minimum a session needs from its bound ephemeral-port
// socket: write a datagram to a specific peer, and release the socket
// when the session ends. Kept separate from net.UDPConn so tests can
// substitute an in-memory fake instead of binding real sockets.
type Sender interface {
	Send(d wire.Datagram, addr *net.UDPAddr) error
	Close() error
	LocalAddr() *net.UDPAddr
}

// Inbound is one datagram delivered to a session, already decoded, along
// with the address it actually arrived from (which may not match the
// session's remote TID — that mismatch is what triggers the
// ERR_UNKNOWN_TID reply).
type Inbound struct {
	Datagram wire.Datagram
	Addr     *net.UDPAddr
}

// NegotiatedOptions is the result of validating a requested option list
// against RFC 2348 (blksize) and RFC 2349 (timeout).
type NegotiatedOptions struct {
	BlockSize    int
	Timeout      time.Duration
	HasBlockSize bool
	HasTimeout   bool
}

// NegotiateOptions filters requested to the options this endpoint
// understands and can honor, returning the accepted subset (in request
// order, for an OACK reply) and the parsed values to apply to a session.
//
// blksize values outside [8, 65464] are clamped into range (RFC 2348);
// non-integer blksize or timeout values, and timeout values outside
// [1, 255], are rejected by omitting the option entirely rather than
// failing the request.
func NegotiateOptions(requested []wire.Option) ([]wire.Option, NegotiatedOptions) {
	applied := NegotiatedOptions{BlockSize: DefaultBlockSize}
	var accepted []wire.Option
	for _, opt := range requested {
		name := strings.ToLower(opt.Name)
		switch name {
		case "blksize":
			n, err := strconv.Atoi(opt.Value)
			if err != nil {
				continue
			}
			if n < MinBlockSize {
				n = MinBlockSize
			} else if n > MaxBlockSize {
				n = MaxBlockSize
			}
			applied.BlockSize = n
			applied.HasBlockSize = true
			accepted = append(accepted, wire.Option{Name: opt.Name, Value: strconv.Itoa(n)})
		case "timeout":
			n, err := strconv.Atoi(opt.Value)
			if err != nil || n < 1 || n > 255 {
				continue
			}
			applied.Timeout = time.Duration(n) * time.Second
			applied.HasTimeout = true
			accepted = append(accepted, opt)
		default:
			// Unsupported option: silently dropped, per RFC 2347.
		}
	}
	return accepted, applied
}

// sameTID reports whether addr is the session's established peer TID.
func sameTID(remote, addr *net.UDPAddr) bool {
	return remote.Port == addr.Port && remote.IP.Equal(addr.IP)
}

// retrySchedule returns the delays to use for read-side retransmission,
// scaling the default three-stage shape to a negotiated timeout when
// present.
func retrySchedule(opts NegotiatedOptions) []time.Duration {
	if !opts.HasTimeout {
		return DefaultRetrySchedule
	}
	t := opts.Timeout
	return []time.Duration{t, t, 2 * t}
}

// idleTimeout returns the write-side idle timeout, using a negotiated
// timeout value when present.
func idleTimeout(opts NegotiatedOptions) time.Duration {
	if opts.HasTimeout {
		return opts.Timeout
	}
	return DefaultIdleTimeout
}
