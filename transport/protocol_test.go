package transport

import (
	"net"
	"testing"
	"time"

	"blitter.com/go/sshcore/wire"
)

// fakeService records what the dispatcher sent it, standing in for a
// real ssh-userauth/ssh-connection Service the way the teacher's tests
// stub out higher layers with small hand-rolled types rather than
// mocking frameworks.
type fakeService struct {
	handled        []byte
	handledPayload []byte
	unimplemented  []uint32
	errs           []error
}

func (f *fakeService) Name() string { return "fake-service" }
func (f *fakeService) Handle(msgID byte, payload []byte) error {
	f.handled = append(f.handled, msgID)
	f.handledPayload = payload
	return nil
}
func (f *fakeService) NotifyUnimplemented(seq uint32) { f.unimplemented = append(f.unimplemented, seq) }
func (f *fakeService) NotifyError(err error)          { f.errs = append(f.errs, err) }

func newTestProtocol(conn net.Conn) *Protocol {
	return &Protocol{
		conn:         conn,
		enc:          NewEncoder(),
		dec:          NewDecoder(),
		state:        StateRunning,
		kexInbox:     make(chan kexPacket, 4),
		writeHandoff: make(chan []byte, 1),
		kexDoneCh:    closedChan(),
		done:         make(chan struct{}),
	}
}

func TestReadIdentificationLineAccepts(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		server.Write([]byte("SSH-2.0-OpenSSH_8.9\r\n"))
	}()
	got, err := readIdentificationLine(client)
	if err != nil {
		t.Fatalf("readIdentificationLine: %v", err)
	}
	if string(got) != "SSH-2.0-OpenSSH_8.9" {
		t.Fatalf("got %q", got)
	}
}

func TestReadIdentificationLineSkipsCommentLines(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		server.Write([]byte("Welcome to our SSH proxy\r\n"))
		server.Write([]byte("SSH-2.0-Proxy_1.0\r\n"))
	}()
	got, err := readIdentificationLine(client)
	if err != nil {
		t.Fatalf("readIdentificationLine: %v", err)
	}
	if string(got) != "SSH-2.0-Proxy_1.0" {
		t.Fatalf("got %q", got)
	}
}

func TestReadIdentificationLineRejectsUnsupportedVersion(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		server.Write([]byte("SSH-1.99-Ancient\r\n"))
	}()
	if _, err := readIdentificationLine(client); err == nil {
		t.Fatalf("expected an error for an SSH-1.99 identification line")
	}
}

func TestDispatchRoutesServiceMessage(t *testing.T) {
	p := newTestProtocol(nil)
	svc := &fakeService{}
	p.SetService(svc)

	p.dispatch(wire.MsgChannelData, []byte{0x01, 0x02})

	if len(svc.handled) != 1 || svc.handled[0] != wire.MsgChannelData {
		t.Fatalf("service did not receive dispatched message: %+v", svc.handled)
	}
	if string(svc.handledPayload) != "\x01\x02" {
		t.Fatalf("unexpected payload handed to service: %v", svc.handledPayload)
	}
}

func TestDispatchIgnoreAndDebugAreDiscarded(t *testing.T) {
	p := newTestProtocol(nil)
	svc := &fakeService{}
	p.SetService(svc)

	p.dispatch(wire.MsgIgnore, []byte("noise"))
	p.dispatch(wire.MsgDebug, []byte("debug text"))

	if len(svc.handled) != 0 {
		t.Fatalf("IGNORE/DEBUG must not reach the active service, got %v", svc.handled)
	}
	if p.State() != StateRunning {
		t.Fatalf("IGNORE/DEBUG must not change connection state, got %v", p.State())
	}
}

func TestDispatchUnimplementedNotifiesService(t *testing.T) {
	p := newTestProtocol(nil)
	svc := &fakeService{}
	p.SetService(svc)

	b := wire.NewPacketBuffer()
	b.PutUint32(7)

	p.dispatch(wire.MsgUnimplemented, b.Bytes())

	if len(svc.unimplemented) != 1 || svc.unimplemented[0] != 7 {
		t.Fatalf("expected NotifyUnimplemented(7), got %v", svc.unimplemented)
	}
}

func TestDispatchUnhandledMessageSendsUnimplemented(t *testing.T) {
	p := newTestProtocol(nil)
	// No service installed: an otherwise-unroutable message id must
	// provoke an SSH_MSG_UNIMPLEMENTED reply rather than being dropped.
	p.dispatch(byte(250), []byte("unknown"))

	select {
	case framed := <-p.writeHandoff:
		dec := NewDecoder()
		dec.Feed(framed)
		payload, ok, err := dec.TryDecode()
		if err != nil || !ok {
			t.Fatalf("could not decode the reply frame: ok=%v err=%v", ok, err)
		}
		if payload[0] != wire.MsgUnimplemented {
			t.Fatalf("got msg id %d, want MsgUnimplemented", payload[0])
		}
	default:
		t.Fatalf("expected an UNIMPLEMENTED reply queued for the write pump")
	}
}

func TestWriteBlocksUntilKexCompletes(t *testing.T) {
	p := newTestProtocol(nil)
	p.mu.Lock()
	p.state = StateKexOngoing
	p.kexDoneCh = make(chan struct{})
	doneCh := p.kexDoneCh
	p.mu.Unlock()

	writeReturned := make(chan error, 1)
	go func() {
		_, err := p.Write([]byte("channel data"))
		writeReturned <- err
	}()

	select {
	case <-writeReturned:
		t.Fatalf("Write returned before the in-flight KEX completed")
	case <-time.After(50 * time.Millisecond):
	}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	close(doneCh)

	select {
	case err := <-writeReturned:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Write never returned after kexDoneCh closed")
	}

	select {
	case <-p.writeHandoff:
	default:
		t.Fatalf("expected a framed packet queued for the write pump")
	}
}

func TestDisconnectSendsMessageAndClosesConnection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	p := newTestProtocol(clientConn)
	go p.writePump()

	received := make(chan []byte, 1)
	go func() {
		dec := NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := serverConn.Read(buf)
			if err != nil {
				return
			}
			dec.Feed(buf[:n])
			if payload, ok, _ := dec.TryDecode(); ok {
				received <- payload
				return
			}
		}
	}()

	if err := p.Disconnect(wire.DisconnectByApplication, "goodbye"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case payload := <-received:
		if payload[0] != wire.MsgDisconnect {
			t.Fatalf("got msg id %d, want MsgDisconnect", payload[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the peer to observe DISCONNECT")
	}

	if p.State() != StateDead {
		t.Fatalf("state = %v, want StateDead after Disconnect", p.State())
	}
	if err := p.Join(); err == nil {
		t.Fatalf("Join() should report the disconnect as the fatal error")
	}
}
