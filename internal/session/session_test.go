package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wjholden/tftpd/internal/timer"
	"github.com/wjholden/tftpd/internal/wire"
)

type recordedSend struct {
	dgram wire.Datagram
	addr  *net.UDPAddr
}

// fakeSender is an in-memory Sender: every Send is both recorded and
// pushed onto a channel so tests can block until it happens instead of
// polling.
type fakeSender struct {
	mu    sync.Mutex
	sent  []recordedSend
	sentC chan recordedSend
	local *net.UDPAddr
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sentC: make(chan recordedSend, 32),
		local: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345},
	}
}

func (s *fakeSender) Send(d wire.Datagram, addr *net.UDPAddr) error {
	s.mu.Lock()
	s.sent = append(s.sent, recordedSend{d, addr})
	s.mu.Unlock()
	s.sentC <- recordedSend{d, addr}
	return nil
}
func (s *fakeSender) Close() error            { return nil }
func (s *fakeSender) LocalAddr() *net.UDPAddr { return s.local }

func (s *fakeSender) next(t *testing.T) recordedSend {
	t.Helper()
	select {
	case got := <-s.sentC:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return recordedSend{}
	}
}

type fakeWriter struct {
	mu        sync.Mutex
	writes    [][]byte
	finished  bool
	cancelled bool
}

func (w *fakeWriter) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), p...))
	return nil
}
func (w *fakeWriter) Finish() error { w.finished = true; return nil }
func (w *fakeWriter) Cancel()       { w.cancelled = true }
func (w *fakeWriter) writeCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// failingWriter simulates a backend that rejects every write, e.g. a
// disk-full condition underneath internal/backend.
type failingWriter struct {
	cancelled bool
}

func (w *failingWriter) Write(p []byte) error { return fmt.Errorf("no space left on device") }
func (w *failingWriter) Finish() error        { return nil }
func (w *failingWriter) Cancel()              { w.cancelled = true }

type fakeReader struct {
	data []byte
}

func (r *fakeReader) Read(n int) ([]byte, error) {
	if n > len(r.data) {
		n = len(r.data)
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out, nil
}
func (r *fakeReader) Finish() {}

var clientAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
var intruderAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5999}

func TestWriteSessionRemoteOriginShortFile(t *testing.T) {
	sender := newFakeSender()
	writer := &fakeWriter{}
	clock := timer.NewFakeClock()
	ws := NewWriteSession(sender, writer, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	ack0 := sender.next(t)
	if _, ok := ack0.dgram.(*wire.Ack); !ok {
		t.Fatalf("expected ACK(0), got %T", ack0.dgram)
	}

	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("hello")}, Addr: clientAddr}
	ack1 := sender.next(t)
	a, ok := ack1.dgram.(*wire.Ack)
	if !ok || a.Block != 1 {
		t.Fatalf("expected ACK(1), got %#v", ack1.dgram)
	}
	close(in) // let the dally period end immediately

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
	if !writer.finished {
		t.Error("writer was never Finish()ed")
	}
	if writer.writeCalls() != 1 {
		t.Errorf("expected exactly one Write call, got %d", writer.writeCalls())
	}
}

func TestWriteSessionDuplicateDataIsReacked(t *testing.T) {
	sender := newFakeSender()
	writer := &fakeWriter{}
	clock := timer.NewFakeClock()
	ws := NewWriteSession(sender, writer, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	sender.next(t) // ACK(0)

	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("abcdef")}, Addr: clientAddr}
	sender.next(t) // ACK(1)

	// Simulate the client never seeing that ACK and resending block 1.
	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("abcdef")}, Addr: clientAddr}
	reack := sender.next(t)
	a, ok := reack.dgram.(*wire.Ack)
	if !ok || a.Block != 1 {
		t.Fatalf("expected re-ACK(1), got %#v", reack.dgram)
	}
	close(in)

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
	if writer.writeCalls() != 1 {
		t.Errorf("duplicate block should not be written twice, got %d writes", writer.writeCalls())
	}
}

func TestWriteSessionWrongTIDGetsUnknownTIDError(t *testing.T) {
	sender := newFakeSender()
	writer := &fakeWriter{}
	clock := timer.NewFakeClock()
	ws := NewWriteSession(sender, writer, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	sender.next(t) // ACK(0)

	// An intruder on a different port sends a DATA block first.
	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("evil")}, Addr: intruderAddr}
	reply := sender.next(t)
	e, ok := reply.dgram.(*wire.Error)
	if !ok || e.Code != wire.ErrUnknownTID {
		t.Fatalf("expected ERR_UNKNOWN_TID to intruder, got %#v", reply.dgram)
	}
	if reply.addr.Port != intruderAddr.Port {
		t.Fatalf("unknown-TID error sent to %v, want intruder %v", reply.addr, intruderAddr)
	}

	// The legitimate client's own DATA(1) still completes the transfer.
	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("ok")}, Addr: clientAddr}
	ack := sender.next(t)
	a, ok := ack.dgram.(*wire.Ack)
	if !ok || a.Block != 1 {
		t.Fatalf("expected ACK(1) to legitimate client, got %#v", ack.dgram)
	}
	close(in)

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
}

func TestReadSessionRemoteOriginNegotiatesBlksize(t *testing.T) {
	sender := newFakeSender()
	reader := &fakeReader{data: make([]byte, 20)}
	clock := timer.NewFakeClock()
	rs := NewReadSession(sender, reader, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	requested := []wire.Option{{Name: "blksize", Value: "8"}}
	go func() { errCh <- rs.RunRemoteOrigin(context.Background(), clientAddr, requested, in) }()

	oackSend := sender.next(t)
	oack, ok := oackSend.dgram.(*wire.Oack)
	if !ok {
		t.Fatalf("expected OACK, got %T", oackSend.dgram)
	}
	v, ok := wire.FindOption(oack.Options, "blksize")
	if !ok || v != "8" {
		t.Fatalf("expected blksize=8 in OACK, got %v", oack.Options)
	}

	in <- Inbound{Datagram: &wire.Ack{Block: 0}, Addr: clientAddr}

	first := sender.next(t)
	data, ok := first.dgram.(*wire.Data)
	if !ok || data.Block != 1 || len(data.Payload) != 8 {
		t.Fatalf("expected 8-byte DATA(1), got %#v", first.dgram)
	}
	in <- Inbound{Datagram: &wire.Ack{Block: 1}, Addr: clientAddr}

	second := sender.next(t)
	data2, ok := second.dgram.(*wire.Data)
	if !ok || data2.Block != 2 || len(data2.Payload) != 8 {
		t.Fatalf("expected 8-byte DATA(2), got %#v", second.dgram)
	}
	in <- Inbound{Datagram: &wire.Ack{Block: 2}, Addr: clientAddr}

	third := sender.next(t) // final 4-byte block
	data3, ok := third.dgram.(*wire.Data)
	if !ok || data3.Block != 3 || len(data3.Payload) != 4 {
		t.Fatalf("expected final 4-byte DATA(3), got %#v", third.dgram)
	}
	in <- Inbound{Datagram: &wire.Ack{Block: 3}, Addr: clientAddr}

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
}

func TestReadSessionRetransmitsOnTimeout(t *testing.T) {
	sender := newFakeSender()
	reader := &fakeReader{data: []byte("x")}
	clock := timer.NewFakeClock()
	rs := NewReadSession(sender, reader, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- rs.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	first := sender.next(t)
	data, ok := first.dgram.(*wire.Data)
	if !ok || data.Block != 1 {
		t.Fatalf("expected DATA(1), got %#v", first.dgram)
	}

	// No ACK arrives; advance the fake clock past the first retry delay.
	time.Sleep(20 * time.Millisecond) // let the retry goroutine register its timer
	clock.Tick(DefaultRetrySchedule[0])

	retry := sender.next(t)
	retryData, ok := retry.dgram.(*wire.Data)
	if !ok || retryData.Block != 1 {
		t.Fatalf("expected retransmitted DATA(1), got %#v", retry.dgram)
	}

	in <- Inbound{Datagram: &wire.Ack{Block: 1}, Addr: clientAddr}
	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
}

func TestWriteSessionOutOfOrderDataGetsBlockMismatchError(t *testing.T) {
	sender := newFakeSender()
	writer := &fakeWriter{}
	clock := timer.NewFakeClock()
	ws := NewWriteSession(sender, writer, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	sender.next(t) // ACK(0)

	// Block 2 arrives before block 1 has ever been seen.
	in <- Inbound{Datagram: &wire.Data{Block: 2, Payload: []byte("oops")}, Addr: clientAddr}
	reply := sender.next(t)
	e, ok := reply.dgram.(*wire.Error)
	if !ok || e.Code != wire.ErrIllegalOp {
		t.Fatalf("expected ERR_ILLEGAL_OP for out-of-order block, got %#v", reply.dgram)
	}
	if writer.writeCalls() != 0 {
		t.Errorf("out-of-order block must not be written, got %d writes", writer.writeCalls())
	}

	// The correct block 1 still completes the transfer.
	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("ok")}, Addr: clientAddr}
	ack := sender.next(t)
	if a, ok := ack.dgram.(*wire.Ack); !ok || a.Block != 1 {
		t.Fatalf("expected ACK(1), got %#v", ack.dgram)
	}
	close(in)

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
}

func TestWriteSessionDallyRejectsDataPastCompletion(t *testing.T) {
	sender := newFakeSender()
	writer := &fakeWriter{}
	clock := timer.NewFakeClock()
	ws := NewWriteSession(sender, writer, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	sender.next(t) // ACK(0)

	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("foo")}, Addr: clientAddr}
	sender.next(t) // ACK(1), transfer now complete, entering dally

	in <- Inbound{Datagram: &wire.Data{Block: 2, Payload: []byte("bar")}, Addr: clientAddr}
	reply := sender.next(t)
	e, ok := reply.dgram.(*wire.Error)
	if !ok || e.Code != wire.ErrIllegalOp {
		t.Fatalf("expected ERR_ILLEGAL_OP during dally, got %#v", reply.dgram)
	}
	if writer.writeCalls() != 1 {
		t.Errorf("post-completion DATA must not be written, got %d writes", writer.writeCalls())
	}
	close(in)

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
}

func TestReadSessionAckAheadOfSentBlockGetsMismatchError(t *testing.T) {
	sender := newFakeSender()
	reader := &fakeReader{data: []byte("hello")}
	clock := timer.NewFakeClock()
	rs := NewReadSession(sender, reader, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- rs.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	first := sender.next(t)
	if data, ok := first.dgram.(*wire.Data); !ok || data.Block != 1 {
		t.Fatalf("expected DATA(1), got %#v", first.dgram)
	}

	// An ACK for a block we haven't sent yet.
	in <- Inbound{Datagram: &wire.Ack{Block: 5}, Addr: clientAddr}
	reply := sender.next(t)
	e, ok := reply.dgram.(*wire.Error)
	if !ok || e.Code != wire.ErrIllegalOp {
		t.Fatalf("expected ERR_ILLEGAL_OP for an ACK ahead of the sent block, got %#v", reply.dgram)
	}

	// The legitimate ACK(1) still lets the (short, final) transfer finish.
	in <- Inbound{Datagram: &wire.Ack{Block: 1}, Addr: clientAddr}

	if err := <-errCh; err != nil {
		t.Fatalf("RunRemoteOrigin: %v", err)
	}
}

func TestWriteSessionWriteFailureSendsDiskFull(t *testing.T) {
	sender := newFakeSender()
	writer := &failingWriter{}
	clock := timer.NewFakeClock()
	ws := NewWriteSession(sender, writer, clock, nil)

	in := make(chan Inbound, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.RunRemoteOrigin(context.Background(), clientAddr, nil, in) }()

	sender.next(t) // ACK(0)

	in <- Inbound{Datagram: &wire.Data{Block: 1, Payload: []byte("foo")}, Addr: clientAddr}
	reply := sender.next(t)
	e, ok := reply.dgram.(*wire.Error)
	if !ok || e.Code != wire.ErrDiskFull {
		t.Fatalf("expected ERR_DISK_FULL on write failure, got %#v", reply.dgram)
	}
	close(in)

	if err := <-errCh; err == nil {
		t.Fatal("expected RunRemoteOrigin to return the write error")
	}
	if !writer.cancelled {
		t.Error("writer was never Cancel()ed after a write failure")
	}
}
