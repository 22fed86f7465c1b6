package session

import (
	"fmt"
	"net"
	"time"

	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/timer"
	"github.com/wjholden/tftpd/internal/wire"
)

// Sentinel errors returned by the shared wait primitives below. These
// describe why a session's Run method returned, not a wire error code —
// translating to the wire is the caller's job where one is warranted.
var (
	ErrHandshakeTimeout = fmt.Errorf("session: handshake timed out")
	ErrIdleTimeout      = fmt.Errorf("session: idle timeout waiting for peer")
	ErrSessionClosed    = fmt.Errorf("session: inbound channel closed")
)

// wireErrorFor translates a backend error into the ERROR datagram to send
// to the peer, per the mapping in the backend error taxonomy.
func wireErrorFor(err error) *wire.Error {
	switch backend.KindOf(err) {
	case backend.KindFileNotFound:
		return wire.NewError(wire.ErrFileNotFound, err.Error())
	case backend.KindAccessViolation:
		return wire.NewError(wire.ErrAccessViolation, err.Error())
	case backend.KindFileExists:
		return wire.NewError(wire.ErrFileAlreadyExists, err.Error())
	case backend.KindUnsupported:
		return wire.NewError(wire.ErrIllegalOp, err.Error())
	default:
		return wire.NewError(wire.ErrNotDefined, err.Error())
	}
}

// sendAndAwait sends dgram to remote, then waits for a reply satisfying
// accept, retransmitting dgram on every intermediate firing of schedule
// and giving up with ErrHandshakeTimeout on the final one. A datagram
// arriving from any address other than remote draws an ERR_UNKNOWN_TID
// reply to the intruder and does not otherwise disturb the wait. A
// reply from remote that does not satisfy accept is passed to reject (if
// non-nil); reject is responsible for sending any wire reply it wants to
// make (e.g. ERR_ILLEGAL_OP for a block number ahead of expectation) and
// returning a non-nil error to abort the wait, or nil to keep waiting
// without forcing a retransmission (a stale ACK, a duplicate DATA block).
// reject may be nil, in which case every non-accepted reply is silently
// discarded. An ERROR datagram from remote aborts the wait immediately.
func sendAndAwait(sender Sender, remote *net.UDPAddr, dgram wire.Datagram, clock timer.Clock, schedule []time.Duration, in <-chan Inbound, accept func(wire.Datagram) bool, reject func(wire.Datagram) error) (Inbound, error) {
	if err := sender.Send(dgram, remote); err != nil {
		return Inbound{}, err
	}
	sc := timer.StartSequential(clock, schedule)
	defer sc.Cancel()
	for {
		select {
		case ev, ok := <-sc.Events():
			if !ok || ev == timer.EventLast {
				return Inbound{}, ErrHandshakeTimeout
			}
			if err := sender.Send(dgram, remote); err != nil {
				return Inbound{}, err
			}
		case msg, ok := <-in:
			if !ok {
				return Inbound{}, ErrSessionClosed
			}
			if !sameTID(remote, msg.Addr) {
				sender.Send(wire.NewError(wire.ErrUnknownTID, ""), msg.Addr)
				continue
			}
			if e, ok := msg.Datagram.(*wire.Error); ok {
				return Inbound{}, fmt.Errorf("peer aborted: %s", e.Message)
			}
			if accept(msg.Datagram) {
				return msg, nil
			}
			if reject != nil {
				if err := reject(msg.Datagram); err != nil {
					return Inbound{}, err
				}
			}
			// Stale or out-of-order reply from the right peer: keep waiting
			// on the same schedule rather than treating it as progress.
		}
	}
}

// sendAndAwaitFromHost is sendAndAwait for a local-origin handshake,
// where the peer's TID is not yet established: a reply is accepted from
// any port on host, since the remote server's reply legitimately arrives
// from a fresh ephemeral port rather than the well-known port the
// request was sent to.
func sendAndAwaitFromHost(sender Sender, host *net.UDPAddr, dgram wire.Datagram, clock timer.Clock, schedule []time.Duration, in <-chan Inbound, accept func(wire.Datagram) bool) (Inbound, error) {
	if err := sender.Send(dgram, host); err != nil {
		return Inbound{}, err
	}
	sc := timer.StartSequential(clock, schedule)
	defer sc.Cancel()
	for {
		select {
		case ev, ok := <-sc.Events():
			if !ok || ev == timer.EventLast {
				return Inbound{}, ErrHandshakeTimeout
			}
			if err := sender.Send(dgram, host); err != nil {
				return Inbound{}, err
			}
		case msg, ok := <-in:
			if !ok {
				return Inbound{}, ErrSessionClosed
			}
			if !msg.Addr.IP.Equal(host.IP) {
				continue // not even the right host; ignore entirely
			}
			if e, ok := msg.Datagram.(*wire.Error); ok {
				return Inbound{}, fmt.Errorf("peer aborted: %s", e.Message)
			}
			if accept(msg.Datagram) {
				return msg, nil
			}
		}
	}
}

// awaitWithWatchdog waits passively for the next datagram from remote,
// giving up with ErrIdleTimeout after d of silence. Used on the
// receiving side of a transfer, which has nothing of its own to
// retransmit while waiting for the next DATA block.
func awaitWithWatchdog(sender Sender, remote *net.UDPAddr, d time.Duration, clock timer.Clock, in <-chan Inbound) (Inbound, error) {
	wd := timer.NewWatchdog(clock, d)
	defer wd.Stop()
	for {
		select {
		case <-wd.Fired():
			return Inbound{}, ErrIdleTimeout
		case msg, ok := <-in:
			if !ok {
				return Inbound{}, ErrSessionClosed
			}
			if !sameTID(remote, msg.Addr) {
				sender.Send(wire.NewError(wire.ErrUnknownTID, ""), msg.Addr)
				continue
			}
			if e, ok := msg.Datagram.(*wire.Error); ok {
				return Inbound{}, fmt.Errorf("peer aborted: %s", e.Message)
			}
			return msg, nil
		}
	}
}
