package session

import (
	"context"
	"net"

	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/timer"
	"github.com/wjholden/tftpd/internal/wire"
	"go.uber.org/zap"
)

// ReadSession drives the sending half of a transfer: it reads from a
// backend.Reader and sends DATA, retransmitting on the default schedule
// until each block is ACKed. It is named for the RRQ operation it
// implements, not for which side of the socket happens to run it —
// RunRemoteOrigin is the server's side of an RRQ it received;
// RunLocalOrigin is a client's side of a WRQ (PUT) it is driving.
//
// Grounded on tftp/session.py's ReadSession and the option-negotiation
// split across tftp/bootstrap.py's RemoteOriginReadSession /
// LocalOriginWriteSession, collapsed here into one machine with one entry
// method per origin (RunRemoteOrigin, RunLocalOrigin) instead of four
// subclasses.
type ReadSession struct {
	sender Sender
	reader backend.Reader
	clock  timer.Clock
	log    *zap.Logger
}

// NewReadSession constructs a ReadSession that reads from reader and
// sends over sender.
func NewReadSession(sender Sender, reader backend.Reader, clock timer.Clock, log *zap.Logger) *ReadSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReadSession{sender: sender, reader: reader, clock: clock, log: log}
}

// RunRemoteOrigin drives the session after having received an RRQ from
// requestAddr carrying requestedOptions. If options were accepted, an
// OACK is sent and ACKed before the first DATA block; otherwise the
// first DATA block is sent immediately, per RFC 1350.
func (s *ReadSession) RunRemoteOrigin(ctx context.Context, requestAddr *net.UDPAddr, requestedOptions []wire.Option, in <-chan Inbound) error {
	accepted, opts := NegotiateOptions(requestedOptions)
	if len(accepted) > 0 {
		reply, err := sendAndAwait(s.sender, requestAddr, &wire.Oack{Options: accepted}, s.clock, HandshakeRetrySchedule, in, func(d wire.Datagram) bool {
			ack, ok := d.(*wire.Ack)
			return ok && ack.Block == 0
		}, nil)
		if err != nil {
			s.reader.Finish()
			return err
		}
		_ = reply
	}
	return s.steadyState(ctx, requestAddr, opts, in)
}

// RunLocalOrigin sends request to target and drives the session from the
// reply, for a client performing a PUT: request is a WRQ the caller
// already built (the RRQ/WRQ naming in this package tracks which
// direction data flows, not the literal opcode on the wire for the
// client's own outbound request).
func (s *ReadSession) RunLocalOrigin(ctx context.Context, target *net.UDPAddr, request *wire.Request, in <-chan Inbound) error {
	reply, err := sendAndAwaitFromHost(s.sender, target, request, s.clock, HandshakeRetrySchedule, in, func(d wire.Datagram) bool {
		switch m := d.(type) {
		case *wire.Ack:
			return m.Block == 0
		case *wire.Oack:
			return true
		}
		return false
	})
	if err != nil {
		s.reader.Finish()
		return err
	}
	var opts NegotiatedOptions
	if oack, ok := reply.Datagram.(*wire.Oack); ok {
		_, opts = NegotiateOptions(oack.Options)
	}
	return s.steadyState(ctx, reply.Addr, opts, in)
}

func (s *ReadSession) steadyState(ctx context.Context, remote *net.UDPAddr, opts NegotiatedOptions, in <-chan Inbound) error {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	schedule := retrySchedule(opts)
	var block uint16 = 1
	for {
		payload, err := s.reader.Read(blockSize)
		if err != nil {
			s.sender.Send(wireErrorFor(err), remote)
			s.reader.Finish()
			return err
		}
		final := len(payload) < blockSize
		data := &wire.Data{Block: block, Payload: payload}

		_, err = sendAndAwait(s.sender, remote, data, s.clock, schedule, in, func(d wire.Datagram) bool {
			ack, ok := d.(*wire.Ack)
			return ok && ack.Block == block
		}, func(d wire.Datagram) error {
			ack, ok := d.(*wire.Ack)
			if !ok || ack.Block <= block {
				// A stale/duplicate ACK is silently ignored; it does not
				// disturb the retransmission wait.
				return nil
			}
			// ack.Block > block: answer the mismatch but keep waiting on
			// the same schedule for the ACK that actually completes this
			// block, rather than treating the reply as a fatal abort.
			s.sender.Send(wire.NewError(wire.ErrIllegalOp, "Block number mismatch"), remote)
			return nil
		})
		if err != nil {
			s.reader.Finish()
			return err
		}
		if final {
			s.reader.Finish()
			return nil
		}
		// Block numbers are an ordinary uint16 counter: wraparound past
		// 65535 is just the next ordinary increment, not a transfer
		// boundary.
		block++
		select {
		case <-ctx.Done():
			s.reader.Finish()
			return ctx.Err()
		default:
		}
	}
}
