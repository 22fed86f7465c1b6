// Package server implements the TFTP request dispatcher: it owns the
// well-known-port socket, decodes incoming RRQ/WRQ datagrams, resolves a
// backend Reader or Writer for the named resource, and hands each
// accepted request off to a freshly bound ephemeral-port session.
//
// Grounded on tftp/protocol.py:TFTP.datagramReceived (request validation
// and backend dispatch) and the teacher's internal/server.go (Listen,
// handleClient: one UDP socket per in-flight client).
package server

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/netascii"
	"github.com/wjholden/tftpd/internal/session"
	"github.com/wjholden/tftpd/internal/timer"
	"github.com/wjholden/tftpd/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend is what a Dispatcher needs from storage: resolve a request's
// filename to a Reader (RRQ) or Writer (WRQ). *backend.FilesystemBackend
// satisfies this without declaring it.
type Backend interface {
	GetReader(filename string) (backend.Reader, error)
	GetWriter(filename string) (backend.Writer, error)
}

// Dispatcher listens on a single well-known-port UDP socket and spawns
// one session per accepted request.
type Dispatcher struct {
	Addr    *net.UDPAddr
	Backend Backend
	Clock   timer.Clock
	Log     *zap.Logger

	// RecvBufferSize bounds the largest datagram the dispatcher will
	// attempt to read; RFC 1350 datagrams never exceed a DATA block plus
	// a 4-byte header, but a generous ceiling is kept for OACK/option
	// payloads on the request itself.
	RecvBufferSize int
}

const defaultRecvBufferSize = 65507

// NewDispatcher returns a Dispatcher bound to addr, serving backend.
func NewDispatcher(addr *net.UDPAddr, be Backend, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Addr:           addr,
		Backend:        be,
		Clock:          timer.Real,
		Log:            log,
		RecvBufferSize: defaultRecvBufferSize,
	}
}

// ListenAndServe binds the dispatcher's socket and serves requests until
// ctx is cancelled or an unrecoverable socket error occurs. Each
// accepted request is handled concurrently under an errgroup.Group, and
// a per-request failure never brings down the listener.
func (d *Dispatcher) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", d.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", d.Addr)
	}
	defer conn.Close()
	d.Log.Info("listening", zap.Stringer("addr", conn.LocalAddr().(*net.UDPAddr)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	buf := make([]byte, d.RecvBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			d.Log.Warn("read error", zap.Error(err))
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		g.Go(func() error {
			d.dispatch(gctx, raw, addr)
			return nil
		})
	}
	return g.Wait()
}

// dispatch decodes one inbound datagram and, if it is a well-formed
// request, hands it to a new session. Anything else (a stray DATA, ACK,
// or malformed payload arriving on the well-known port) gets the same
// treatment tftp/protocol.py gives it: a datagram from an unrecognized
// TID draws ERR_UNKNOWN_TID, a malformed one is dropped silently.
func (d *Dispatcher) dispatch(ctx context.Context, raw []byte, addr *net.UDPAddr) {
	dgram, err := wire.Decode(raw)
	if err != nil {
		d.Log.Debug("dropping malformed datagram", zap.Stringer("peer", addr), zap.Error(err))
		return
	}
	req, ok := dgram.(*wire.Request)
	if !ok {
		d.replyUnknownTID(addr)
		return
	}

	mode := wire.NormalizeMode(req.Mode)
	if mode != "octet" && mode != "netascii" {
		d.replyError(addr, wire.NewError(wire.ErrIllegalOp, "unsupported mode: "+req.Mode))
		return
	}

	ephemeral, err := net.ListenUDP("udp", &net.UDPAddr{IP: d.Addr.IP})
	if err != nil {
		d.Log.Error("failed to bind session socket", zap.Error(err))
		return
	}
	conn := &udpConn{pc: ephemeral}
	log := d.Log.With(
		zap.Stringer("peer", addr),
		zap.String("filename", req.Filename),
		zap.String("mode", mode),
		zap.Stringer("op", req.Op),
	)

	in := make(chan session.Inbound, 8)
	go pump(ephemeral, in)

	switch req.Op {
	case wire.OpRRQ:
		d.serveRRQ(ctx, conn, addr, req, mode, in, log)
	case wire.OpWRQ:
		d.serveWRQ(ctx, conn, addr, req, mode, in, log)
	default:
		conn.Send(wire.NewError(wire.ErrIllegalOp, ""), addr)
	}
	conn.Close()
}

func (d *Dispatcher) serveRRQ(ctx context.Context, conn session.Sender, addr *net.UDPAddr, req *wire.Request, mode string, in chan session.Inbound, log *zap.Logger) {
	reader, err := d.Backend.GetReader(req.Filename)
	if err != nil {
		log.Info("RRQ rejected", zap.Error(err))
		conn.Send(wireErrorFor(err), addr)
		return
	}
	if mode == "netascii" {
		reader = netascii.NewEncoder(reader)
	}
	log.Info("RRQ accepted")
	rs := session.NewReadSession(conn, reader, d.Clock, log)
	if err := rs.RunRemoteOrigin(ctx, addr, req.Options, in); err != nil {
		log.Info("RRQ ended", zap.Error(err))
	}
}

func (d *Dispatcher) serveWRQ(ctx context.Context, conn session.Sender, addr *net.UDPAddr, req *wire.Request, mode string, in chan session.Inbound, log *zap.Logger) {
	writer, err := d.Backend.GetWriter(req.Filename)
	if err != nil {
		log.Info("WRQ rejected", zap.Error(err))
		conn.Send(wireErrorFor(err), addr)
		return
	}
	if mode == "netascii" {
		writer = netascii.NewDecoder(writer)
	}
	log.Info("WRQ accepted")
	ws := session.NewWriteSession(conn, writer, d.Clock, log)
	if err := ws.RunRemoteOrigin(ctx, addr, req.Options, in); err != nil {
		log.Info("WRQ ended", zap.Error(err))
	}
}

func (d *Dispatcher) replyUnknownTID(addr *net.UDPAddr) {
	d.replyError(addr, wire.NewError(wire.ErrUnknownTID, ""))
}

func (d *Dispatcher) replyError(addr *net.UDPAddr, e *wire.Error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: d.Addr.IP})
	if err != nil {
		return
	}
	defer conn.Close()
	conn.WriteToUDP(e.Encode(), addr)
}

// pump decodes datagrams off conn and forwards them to in until conn is
// closed, at which point in is closed too. It is the only goroutine that
// ever reads from a session's ephemeral socket.
func pump(conn *net.UDPConn, in chan<- session.Inbound) {
	defer close(in)
	buf := make([]byte, defaultRecvBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		dgram, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		in <- session.Inbound{Datagram: dgram, Addr: addr}
	}
}

type udpConn struct {
	pc *net.UDPConn
}

func (c *udpConn) Send(d wire.Datagram, addr *net.UDPAddr) error {
	_, err := c.pc.WriteToUDP(d.Encode(), addr)
	return err
}
func (c *udpConn) Close() error            { return c.pc.Close() }
func (c *udpConn) LocalAddr() *net.UDPAddr { return c.pc.LocalAddr().(*net.UDPAddr) }

// wireErrorFor translates a backend error into the ERROR datagram to
// send back for a rejected RRQ/WRQ, mirroring internal/session's
// unexported mapping of the same backend error taxonomy.
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
