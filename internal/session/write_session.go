package session

import (
	"context"
	"net"
	"time"

	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/timer"
	"github.com/wjholden/tftpd/internal/wire"
	"go.uber.org/zap"
)

// DefaultDallyTimeout is how long a WriteSession keeps answering
// duplicate final ACK requests after Finish, in case its own ACK of the
// last block was lost and the sender retransmits the final DATA.
const DefaultDallyTimeout = 2 * time.Second

// maxDallyRounds bounds how many dally periods a WriteSession waits
// through in total: each DATA arriving during the dally starts the next
// period, and after this many periods the session simply closes.
const maxDallyRounds = 3

// WriteSession drives the receiving half of a transfer: it writes
// inbound DATA to a backend.Writer and sends ACK, enforcing the TID it
// establishes during its bootstrap. Named for the WRQ operation it
// implements — RunRemoteOrigin is the server's side of a WRQ (PUT) it
// received; RunLocalOrigin is a client's side of an RRQ (GET) it is
// driving.
//
// Grounded on tftp/session.py's WriteSession and tftp/bootstrap.py's
// RemoteOriginWriteSession / LocalOriginReadSession.
type WriteSession struct {
	sender Sender
	writer backend.Writer
	clock  timer.Clock
	log    *zap.Logger
}

// NewWriteSession constructs a WriteSession that writes to writer and
// sends over sender.
func NewWriteSession(sender Sender, writer backend.Writer, clock timer.Clock, log *zap.Logger) *WriteSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &WriteSession{sender: sender, writer: writer, clock: clock, log: log}
}

// RunRemoteOrigin drives the session after having received a WRQ from
// requestAddr carrying requestedOptions. An ACK(0) or OACK is always
// sent first (unlike the read side, a write transfer never starts
// sending DATA until the receiver has acknowledged readiness), and the
// first DATA block is awaited on the handshake schedule.
func (s *WriteSession) RunRemoteOrigin(ctx context.Context, requestAddr *net.UDPAddr, requestedOptions []wire.Option, in <-chan Inbound) error {
	accepted, opts := NegotiateOptions(requestedOptions)
	var ack wire.Datagram = &wire.Ack{Block: 0}
	if len(accepted) > 0 {
		ack = &wire.Oack{Options: accepted}
	}
	first, err := sendAndAwait(s.sender, requestAddr, ack, s.clock, HandshakeRetrySchedule, in, func(d wire.Datagram) bool {
		data, ok := d.(*wire.Data)
		return ok && data.Block == 1
	}, func(d wire.Datagram) error {
		// A DATA block ahead of block 1 is answered as in steadyState,
		// and the wait for block 1 continues.
		if data, ok := d.(*wire.Data); ok && data.Block > 1 {
			s.sender.Send(wire.NewError(wire.ErrIllegalOp, "Block number mismatch"), requestAddr)
		}
		return nil
	})
	if err != nil {
		s.writer.Cancel()
		return err
	}
	return s.steadyState(ctx, requestAddr, opts, first, in)
}

// RunLocalOrigin sends request (an RRQ the caller already built) to
// target and drives the session from the reply, for a client performing
// a GET.
func (s *WriteSession) RunLocalOrigin(ctx context.Context, target *net.UDPAddr, request *wire.Request, in <-chan Inbound) error {
	reply, err := sendAndAwaitFromHost(s.sender, target, request, s.clock, HandshakeRetrySchedule, in, func(d wire.Datagram) bool {
		switch d.(type) {
		case *wire.Data, *wire.Oack:
			return true
		}
		return false
	})
	if err != nil {
		s.writer.Cancel()
		return err
	}

	if oack, ok := reply.Datagram.(*wire.Oack); ok {
		_, opts := NegotiateOptions(oack.Options)
		remote := reply.Addr
		first, err := sendAndAwait(s.sender, remote, &wire.Ack{Block: 0}, s.clock, HandshakeRetrySchedule, in, func(d wire.Datagram) bool {
			data, ok := d.(*wire.Data)
			return ok && data.Block == 1
		}, nil)
		if err != nil {
			s.writer.Cancel()
			return err
		}
		return s.steadyState(ctx, remote, opts, first, in)
	}

	return s.steadyState(ctx, reply.Addr, NegotiatedOptions{}, reply, in)
}

func (s *WriteSession) steadyState(ctx context.Context, remote *net.UDPAddr, opts NegotiatedOptions, first Inbound, in <-chan Inbound) error {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	idle := idleTimeout(opts)

	var expected uint16 = 1
	msg := first
	for {
		data, ok := msg.Datagram.(*wire.Data)
		if !ok {
			s.sender.Send(wire.NewError(wire.ErrIllegalOp, ""), remote)
			s.writer.Cancel()
			return wire.ErrInvalidOpcode
		}

		switch {
		case data.Block == expected:
			if err := s.writer.Write(data.Payload); err != nil {
				s.sender.Send(wire.NewError(wire.ErrDiskFull, ""), remote)
				s.writer.Cancel()
				return err
			}
			s.sender.Send(&wire.Ack{Block: expected}, remote)
			if len(data.Payload) < blockSize {
				if err := s.writer.Finish(); err != nil {
					return err
				}
				s.dally(remote, expected, in)
				return nil
			}
			// Ordinary uint16 wraparound; see ReadSession.steadyState.
			expected++
		case data.Block < expected:
			// Duplicate or stale block: the peer's view of our ACK was
			// lost. Re-ACK without writing again and without advancing.
			s.sender.Send(&wire.Ack{Block: data.Block}, remote)
		default:
			// data.Block > expected: out-of-order block ahead of what we
			// can accept yet.
			s.sender.Send(wire.NewError(wire.ErrIllegalOp, "Block number mismatch"), remote)
		}

		next, err := awaitWithWatchdog(s.sender, remote, idle, s.clock, in)
		if err != nil {
			s.writer.Cancel()
			return err
		}
		msg = next

		select {
		case <-ctx.Done():
			s.writer.Cancel()
			return ctx.Err()
		default:
		}
	}
}

// dally answers any duplicate retransmission of the final DATA block for
// up to maxDallyRounds periods of DefaultDallyTimeout silence, in case
// the peer never saw our last ACK. Any other DATA arriving from remote
// during the dally window — the peer retrying past what it already
// finished — is answered with ERR_ILLEGAL_OP("Transfer already
// finished") rather than silently dropped. dally returns once the period
// elapses with no further traffic or the round budget is exhausted.
func (s *WriteSession) dally(remote *net.UDPAddr, lastBlock uint16, in <-chan Inbound) {
	for i := 0; i < maxDallyRounds; i++ {
		msg, err := awaitWithWatchdog(s.sender, remote, DefaultDallyTimeout, s.clock, in)
		if err != nil {
			return
		}
		data, ok := msg.Datagram.(*wire.Data)
		if !ok {
			return
		}
		if data.Block == lastBlock {
			s.sender.Send(&wire.Ack{Block: lastBlock}, remote)
			continue
		}
		s.sender.Send(wire.NewError(wire.ErrIllegalOp, "Transfer already finished"), remote)
	}
}
