package connection

import (
	"bytes"
	"testing"
	"time"

	"blitter.com/go/sshcore/wire"
)

// fakeWriter is a hand-rolled packetWriter: every sent frame is
// recorded for the test to inspect, in the teacher's no-mocking-
// framework style.
type fakeWriter struct {
	sent [][]byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{}
}

func (f *fakeWriter) Write(payload []byte) (uint32, error) {
	cp := append([]byte{}, payload...)
	f.sent = append(f.sent, cp)
	return uint32(len(f.sent)), nil
}

func (f *fakeWriter) last() []byte {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func openConfirmedChannel(t *testing.T, svc *Service) (*Channel, uint32) {
	t.Helper()
	id := svc.allocateID()
	ch := newChannel(id, "session", svc, DefaultWindowSize, DefaultMaxPacket)
	svc.mu.Lock()
	svc.channels[id] = ch
	svc.mu.Unlock()
	ch.confirmOpen(77, 32768, 16384)
	return ch, id
}

func TestAllocateIDPicksSmallestFree(t *testing.T) {
	svc := NewService(newFakeWriter())
	svc.channels[0] = &Channel{}
	svc.channels[2] = &Channel{}
	id := svc.allocateID()
	if id != 1 {
		t.Fatalf("got id %d, want 1 (smallest free)", id)
	}
}

func TestHandleChannelOpenUnknownTypeRepliesFailure(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)

	open := wire.NewPacketBuffer()
	open.PutString("unknown-type")
	open.PutUint32(5) // peer's channel id
	open.PutUint32(32768)
	open.PutUint32(16384)

	if err := svc.Handle(wire.MsgChannelOpen, open.Bytes()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	frame := w.last()
	if len(frame) == 0 || frame[0] != wire.MsgChannelOpenFailure {
		t.Fatalf("expected OPEN_FAILURE, got %v", frame)
	}
	b := wire.NewPacketBufferFromBytes(frame[1:])
	peerID, _ := b.GetUint32()
	reason, _ := b.GetUint32()
	if peerID != 5 {
		t.Fatalf("got peerID %d, want 5", peerID)
	}
	if reason != uint32(wire.ChannelOpenUnknownChannelType) {
		t.Fatalf("got reason %d, want UnknownChannelType", reason)
	}
}

type acceptingOpener struct{}

func (acceptingOpener) Accept(ch *Channel, typeSpecific []byte) error { return nil }

func TestHandleChannelOpenKnownTypeConfirms(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)
	svc.RegisterOpener("session", acceptingOpener{})

	open := wire.NewPacketBuffer()
	open.PutString("session")
	open.PutUint32(9)
	open.PutUint32(32768)
	open.PutUint32(16384)

	if err := svc.Handle(wire.MsgChannelOpen, open.Bytes()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	frame := w.last()
	if len(frame) == 0 || frame[0] != wire.MsgChannelOpenConfirmation {
		t.Fatalf("expected OPEN_CONFIRMATION, got %v", frame)
	}
	if len(svc.channels) != 1 {
		t.Fatalf("expected one channel in the table, got %d", len(svc.channels))
	}
}

type rejectingOpener struct{}

func (rejectingOpener) Accept(ch *Channel, typeSpecific []byte) error {
	return newOpenRejected(uint32(wire.ChannelOpenAdministrativelyProhibited), "nope")
}

func TestHandleChannelOpenRejectedOpenerRepliesFailure(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)
	svc.RegisterOpener("session", rejectingOpener{})

	open := wire.NewPacketBuffer()
	open.PutString("session")
	open.PutUint32(3)
	open.PutUint32(32768)
	open.PutUint32(16384)

	if err := svc.Handle(wire.MsgChannelOpen, open.Bytes()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	frame := w.last()
	if len(frame) == 0 || frame[0] != wire.MsgChannelOpenFailure {
		t.Fatalf("expected OPEN_FAILURE, got %v", frame)
	}
	if len(svc.channels) != 0 {
		t.Fatalf("rejected channel must not remain in the table")
	}
}

func TestRouteToChannelDataAppendsToStream(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)
	ch, id := openConfirmedChannel(t, svc)

	data := wire.NewPacketBuffer()
	data.PutUint32(id)
	data.PutBytes([]byte("hello"))

	if err := svc.Handle(wire.MsgChannelData, data.Bytes()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := make([]byte, 5)
	n, err := ch.In.Read(got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got[:n]) != "hello" {
		t.Fatalf("got %q, want hello", got[:n])
	}
}

func TestRouteToChannelDataRejectsOversizedPacket(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)
	ch := newChannel(1, "session", svc, DefaultWindowSize, 4) // localMaxPacket=4
	svc.channels[1] = ch

	data := wire.NewPacketBuffer()
	data.PutUint32(1)
	data.PutBytes([]byte("toolong"))

	err := svc.Handle(wire.MsgChannelData, data.Bytes())
	if err == nil {
		t.Fatalf("expected a protocol error for oversized CHANNEL_DATA")
	}
}

func TestRouteToChannelUnknownIDIsProtocolError(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)

	data := wire.NewPacketBuffer()
	data.PutUint32(42)
	data.PutBytes([]byte("x"))

	if err := svc.Handle(wire.MsgChannelData, data.Bytes()); err == nil {
		t.Fatalf("expected a protocol error for an unknown channel id")
	}
}

func TestCloseHandshakeRemovesChannelAfterBothCloses(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)
	_, id := openConfirmedChannel(t, svc)

	closeMsg := wire.NewPacketBuffer()
	closeMsg.PutUint32(id)
	if err := svc.Handle(wire.MsgChannelClose, closeMsg.Bytes()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	frame := w.last()
	if len(frame) == 0 || frame[0] != wire.MsgChannelClose {
		t.Fatalf("expected our own CHANNEL_CLOSE to be emitted, got %v", frame)
	}
	if _, ok := svc.channels[id]; ok {
		t.Fatalf("channel must be removed from the table once both CLOSEs are done")
	}

	// A subsequent CHANNEL_DATA for the now-closed id is a protocol error.
	data := wire.NewPacketBuffer()
	data.PutUint32(id)
	data.PutBytes([]byte("late"))
	if err := svc.Handle(wire.MsgChannelData, data.Bytes()); err == nil {
		t.Fatalf("expected a protocol error for data on a closed channel")
	}
}

func TestWindowBackpressureBlocksUntilAdjust(t *testing.T) {
	w := newFakeWriter()
	svc := NewService(w)
	ch := newChannel(0, "session", svc, DefaultWindowSize, DefaultMaxPacket)
	ch.confirmOpen(7, 32768, 16384)
	svc.channels[0] = ch

	payload := bytes.Repeat([]byte("a"), 50000)
	done := make(chan struct{})
	go func() {
		ch.Write(payload)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("write of 50000 bytes must block once the 32768-byte window is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	if len(w.sent) != 2 {
		t.Fatalf("expected exactly two CHANNEL_DATA packets before blocking, got %d", len(w.sent))
	}

	adj := wire.NewPacketBuffer()
	adj.PutUint32(0) // recipient channel: our local id, not the peer's 7
	adj.PutUint32(32768)
	if err := svc.Handle(wire.MsgChannelWindowAdjust, adj.Bytes()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("write did not unblock after CHANNEL_WINDOW_ADJUST")
	}
	// The remaining 17232 bytes need ceil(17232/16384) = 2 more
	// CHANNEL_DATA packets at this remoteMaxPacket, for 4 total.
	if len(w.sent) != 4 {
		t.Fatalf("expected 4 total CHANNEL_DATA packets, got %d", len(w.sent))
	}
	totalSent := 0
	for _, f := range w.sent {
		b := wire.NewPacketBufferFromBytes(f[1:])
		b.GetUint32()
		data, _ := b.GetBytes()
		totalSent += len(data)
	}
	if totalSent != 50000 {
		t.Fatalf("got %d total bytes across all CHANNEL_DATA packets, want 50000", totalSent)
	}
}
