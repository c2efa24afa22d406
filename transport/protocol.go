package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"blitter.com/go/sshcore/cryptoprovider"
	"blitter.com/go/sshcore/kex"
	"blitter.com/go/sshcore/logger"
	"blitter.com/go/sshcore/wire"
)

// softwareVersion is the SSH identification string's comment field,
// RFC 4253 §4.2: "SSH-2.0-<softwareversion>[ SP comments]".
const softwareVersion = "sshcore_1.0"

// State tracks the connection's top-level lifecycle, generalizing the
// teacher's single closeStat byte into the richer machine spec.md §3
// requires: Handshaking, KexOngoing (rekey), ServiceRequested (a
// SERVICE_REQUEST is outstanding, RFC 4253 §10), Running, Dead.
type State int

const (
	StateHandshaking State = iota
	StateRunning
	StateKexOngoing
	StateServiceRequested
	StateDead
)

// rekeyAfterBytes/rekeyAfterDuration implement spec.md §4.2's
// "SHOULD be initiated after 1 GiB of data or 1 hour since last KEX,
// whichever comes first".
const (
	rekeyAfterBytes    = 1 << 30
	rekeyAfterDuration = time.Hour
)

// kexPacket is one message routed to the in-flight KeyExchanger rather
// than to the active Service.
type kexPacket struct {
	msgID   byte
	payload []byte
	err     error
}

// Protocol is the TransportProtocol: owns the socket, the read/write
// pumps, the codecs and the key-exchanger, per spec.md §4.3. Grounded
// on xsnet.Conn/Dial's connection-setup shape, generalized from "one
// compiled-in KEX algorithm, one fixed cipher/HMAC pair" into real
// negotiated algorithms driven by kex.Exchanger.
type Protocol struct {
	conn net.Conn

	enc *Encoder
	dec *Decoder

	provider  *cryptoprovider.Provider
	proposal  kex.Proposal
	verifiers []kex.HostKeyVerifier
	exchanger *kex.Exchanger

	mu           sync.Mutex
	state        State
	service      Service
	kexInbox     chan kexPacket
	writeHandoff chan []byte
	kexDoneCh    chan struct{}

	// writeLock serializes encode+handoff across every caller of Write/
	// rawWrite (application writes, KEX messages, chaff), per spec §5:
	// held for the full EncodePacket-through-writeHandoff critical
	// section so seq numbers are assigned in the same order packets
	// reach the wire.
	writeLock sync.Mutex

	bytesSinceKex int64
	lastKexAt     time.Time

	errOnce  sync.Once
	fatalErr error
	done     chan struct{}

	vc, vs []byte

	chaffMu      sync.Mutex
	chaffEnabled bool
	chaffMsecsMin uint
	chaffMsecsMax uint
	chaffSzMax    uint
	chaffStarted  bool
}

// NewProtocol returns a Protocol ready for Connect, using the supplied
// algorithm provider and client proposal (spec.md's CryptoProvider
// collaborator).
func NewProtocol(provider *cryptoprovider.Provider, proposal kex.Proposal) *Protocol {
	return &Protocol{
		conn:         nil,
		enc:          NewEncoder(),
		dec:          NewDecoder(),
		provider:     provider,
		proposal:     proposal,
		kexInbox:     make(chan kexPacket, 4),
		writeHandoff: make(chan []byte, 1),
		kexDoneCh:    closedChan(),
		done:         make(chan struct{}),
	}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// AddHostKeyVerifier registers a HostKeyVerifier consulted during every
// key exchange on this connection (initial and rekeys).
func (p *Protocol) AddHostKeyVerifier(v kex.HostKeyVerifier) {
	p.verifiers = append(p.verifiers, v)
}

// SetService installs the currently active Service (ssh-userauth then
// ssh-connection), replacing whichever service was previously active.
func (p *Protocol) SetService(s Service) {
	p.mu.Lock()
	p.service = s
	p.mu.Unlock()
}

// Connect performs the version exchange, starts the read/write pumps
// and runs the initial key exchange, blocking the caller until it
// completes (spec.md §4.3: "block caller until kexDone").
func (p *Protocol) Connect(conn net.Conn) (*kex.Result, error) {
	p.conn = conn
	p.vc = []byte(fmt.Sprintf("SSH-2.0-%s", softwareVersion))

	if _, err := fmt.Fprintf(conn, "%s\r\n", p.vc); err != nil {
		return nil, newError(KindIO, err)
	}

	vs, err := readIdentificationLine(conn)
	if err != nil {
		return nil, err
	}
	p.vs = vs

	p.exchanger = &kex.Exchanger{
		Provider:  p.provider,
		Proposal:  p.proposal,
		Verifiers: p.verifiers,
		VC:        p.vc,
		VS:        p.vs,
	}

	go p.readPump()
	go p.writePump()

	result, err := p.runKex()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// readIdentificationLine implements spec.md §4.3's version-line scan:
// up to 16 KiB, skipping non-"SSH-" comment lines, requiring an
// "SSH-2.0-" prefixed line.
func readIdentificationLine(conn net.Conn) ([]byte, error) {
	r := bufio.NewReaderSize(conn, 16*1024)
	var total int
	for {
		line, err := r.ReadString('\n')
		total += len(line)
		if err != nil {
			return nil, newError(KindProtocol, fmt.Errorf("reading identification line: %w", err))
		}
		if total > 16*1024 {
			return nil, newError(KindProtocol, fmt.Errorf("identification line exceeds 16KiB"))
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, "SSH-2.0-") {
			return []byte(trimmed), nil
		}
		if !strings.HasPrefix(trimmed, "SSH-") {
			continue // comment line, RFC 4253 §4.2
		}
		return nil, newError(KindProtocol, fmt.Errorf("unsupported protocol version line %q", trimmed))
	}
}

// runKex drives one KEXINIT/NEWKEYS round (initial or rekey), gating
// outbound writes for its duration.
func (p *Protocol) runKex() (*kex.Result, error) {
	p.mu.Lock()
	p.state = StateKexOngoing
	p.kexDoneCh = make(chan struct{})
	p.mu.Unlock()

	result, err := p.exchanger.Run(&protoKexIO{p: p})

	p.mu.Lock()
	if err == nil {
		cipherCS, _ := p.provider.Cipher(result.Algos.CipherC2S)
		macCS, _ := p.provider.MAC(result.Algos.MACC2S)
		compCS, _ := p.provider.Compression(result.Algos.CompC2S)
		var compressorCS cryptoprovider.Compressor
		if compCS != nil {
			compressorCS, _ = compCS.NewCompressor()
		}
		cS, _ := cipherCS.New(result.EncKeyClientToServer, result.IVClientToServer, true)
		mS, _ := macCS.New(result.IntegKeyClientToServer)
		delayedCS := compCS != nil && compCS.Delayed()
		p.enc.SetAlgorithms(cS, mS, compressorCS, delayedCS)

		cipherSC, _ := p.provider.Cipher(result.Algos.CipherS2C)
		macSC, _ := p.provider.MAC(result.Algos.MACS2C)
		compSC, _ := p.provider.Compression(result.Algos.CompS2C)
		var decompressorSC cryptoprovider.Decompressor
		if compSC != nil {
			decompressorSC, _ = compSC.NewDecompressor()
		}
		cR, _ := cipherSC.New(result.EncKeyServerToClient, result.IVServerToClient, false)
		mR, _ := macSC.New(result.IntegKeyServerToClient)
		delayedSC := compSC != nil && compSC.Delayed()
		p.dec.SetAlgorithms(cR, mR, decompressorSC, delayedSC)

		p.state = StateRunning
		p.bytesSinceKex = 0
		p.lastKexAt = time.Now()
	} else {
		p.state = StateDead
	}
	close(p.kexDoneCh)
	p.mu.Unlock()

	if err != nil {
		return nil, p.fail(newError(KindKexFailed, err))
	}
	return result, nil
}

// protoKexIO adapts Protocol to kex.TransportIO: Send writes a raw
// packet through the current Encoder/write-pump; Recv pulls the next
// message the read pump routed to the KEX inbox while KexOngoing.
type protoKexIO struct{ p *Protocol }

func (k *protoKexIO) Send(msgID byte, payload []byte) error {
	full := append([]byte{msgID}, payload...)
	return k.p.rawWrite(full)
}

func (k *protoKexIO) Recv() (byte, []byte, error) {
	select {
	case pkt := <-k.p.kexInbox:
		return pkt.msgID, pkt.payload, pkt.err
	case <-k.p.done:
		return 0, nil, newError(KindStopped, nil)
	}
}

// rawWrite encodes and hands off a full (msgID-prefixed) packet,
// bypassing the KexOngoing wait Write() applies to ordinary traffic —
// KEX messages are exactly what that wait is waiting for.
func (p *Protocol) rawWrite(full []byte) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	framed, _, err := p.enc.EncodePacket(full)
	if err != nil {
		return p.fail(newError(KindProtocol, err))
	}
	select {
	case p.writeHandoff <- framed:
		return nil
	case <-p.done:
		return newError(KindStopped, nil)
	}
}

// Write serializes outbound packets: it waits out any in-flight KEX
// before encoding and handing off to the write pump, per spec.md §4.3.
func (p *Protocol) Write(payload []byte) (uint32, error) {
	p.mu.Lock()
	state := p.state
	doneCh := p.kexDoneCh
	p.mu.Unlock()

	if state == StateDead {
		return 0, newError(KindStopped, p.fatalErr)
	}
	if state == StateKexOngoing {
		<-doneCh
	}

	p.writeLock.Lock()
	framed, seq, err := p.enc.EncodePacket(payload)
	if err != nil {
		p.writeLock.Unlock()
		return 0, p.fail(newError(KindProtocol, err))
	}
	select {
	case p.writeHandoff <- framed:
	case <-p.done:
		p.writeLock.Unlock()
		return 0, newError(KindStopped, nil)
	}
	p.writeLock.Unlock()

	p.mu.Lock()
	p.bytesSinceKex += int64(len(payload))
	needsRekey := p.bytesSinceKex >= rekeyAfterBytes || time.Since(p.lastKexAt) >= rekeyAfterDuration
	p.mu.Unlock()
	if needsRekey && state == StateRunning {
		go p.Rekey()
	}

	return seq, nil
}

// Rekey starts a new key exchange over the existing connection, RFC
// 4253 §9 / spec.md §4.2's re-keying clause. Safe to call concurrently
// with Write, which blocks until the rekey's NEWKEYS completes.
func (p *Protocol) Rekey() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.runKex()
}

func (p *Protocol) writePump() {
	for {
		select {
		case b := <-p.writeHandoff:
			if _, err := p.conn.Write(b); err != nil {
				p.fail(newError(KindIO, err))
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Protocol) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			p.fail(newError(KindIO, err))
			return
		}
		p.dec.Feed(buf[:n])
		for {
			payload, ok, err := p.dec.TryDecode()
			if err != nil {
				p.fail(newError(KindProtocol, err))
				return
			}
			if !ok {
				break
			}
			if len(payload) == 0 {
				continue
			}
			p.dispatch(payload[0], payload[1:])
		}
	}
}

func isKexRangeMsg(msgID byte) bool {
	return msgID == wire.MsgKexInit || msgID == wire.MsgNewKeys ||
		(msgID >= wire.MsgKexDHInit && msgID < 50)
}

func (p *Protocol) dispatch(msgID byte, payload []byte) {
	p.mu.Lock()
	state := p.state
	svc := p.service
	p.mu.Unlock()

	switch {
	case msgID == wire.MsgDisconnect:
		logger.LogDebug("[peer sent DISCONNECT]")
		p.fail(newError(KindProtocol, fmt.Errorf("peer sent DISCONNECT")))
	case msgID == wire.MsgIgnore || msgID == wire.MsgDebug:
		// discarded, RFC 4253 §11.2/§11.3
	case msgID == wire.MsgUnimplemented:
		if svc != nil {
			b := wire.NewPacketBufferFromBytes(payload)
			if seq, err := b.GetUint32(); err == nil {
				svc.NotifyUnimplemented(seq)
			}
		}
	case isKexRangeMsg(msgID):
		if state != StateKexOngoing && msgID == wire.MsgKexInit {
			go p.Rekey()
		}
		select {
		case p.kexInbox <- kexPacket{msgID: msgID, payload: payload}:
		case <-p.done:
		}
	case svc != nil:
		if err := svc.Handle(msgID, payload); err != nil {
			p.fail(newError(KindProtocol, err))
		}
	default:
		b := wire.NewPacketBuffer()
		b.PutByte(wire.MsgUnimplemented)
		b.PutUint32(p.dec.Seq() - 1)
		_ = p.rawWrite(b.Bytes())
	}
}

// fail records the first fatal error, transitions to Dead, notifies
// the active service and closes done. It sends no DISCONNECT; only
// Disconnect writes one.
func (p *Protocol) fail(err error) error {
	p.errOnce.Do(func() {
		p.mu.Lock()
		p.fatalErr = err
		p.state = StateDead
		svc := p.service
		p.mu.Unlock()
		logger.LogDebug(fmt.Sprintf("[Conn failing: %v]", err))
		if svc != nil {
			svc.NotifyError(err)
		}
		close(p.done)
	})
	return p.fatalErr
}

// Disconnect sends SSH_MSG_DISCONNECT best-effort and tears down the
// connection.
func (p *Protocol) Disconnect(reason wire.DisconnectReason, message string) error {
	b := wire.NewPacketBuffer()
	b.PutByte(wire.MsgDisconnect)
	b.PutUint32(uint32(reason))
	b.PutString(message)
	b.PutString("")
	_ = p.rawWrite(b.Bytes())
	p.fail(newError(KindStopped, fmt.Errorf("disconnect: %s", message)))
	return p.conn.Close()
}

// Join blocks until the connection has terminated, returning the fatal
// error that ended it, if any.
func (p *Protocol) Join() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

// State reports the connection's current lifecycle state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MarkServiceRequested records that a SERVICE_REQUEST has been sent
// and its SERVICE_ACCEPT is still outstanding, RFC 4253 §10 / spec.md
// §3's ServiceRequested state. Called by a Service implementing the
// ServiceDispatcher handshake (userauth.UserAuthService.Run) before
// sending SERVICE_REQUEST.
func (p *Protocol) MarkServiceRequested() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateServiceRequested
	}
	p.mu.Unlock()
}

// MarkServiceAccepted returns the connection to StateRunning once the
// requested service's SERVICE_ACCEPT has arrived.
func (p *Protocol) MarkServiceAccepted() {
	p.mu.Lock()
	if p.state == StateServiceRequested {
		p.state = StateRunning
	}
	p.mu.Unlock()
}

// MarkAuthenticated flips the gate that lets a negotiated delayed
// compression algorithm (zlib@openssh.com) start compressing, RFC
// 4253 §6.2. Called by the userauth Service once USERAUTH_SUCCESS
// is received.
func (p *Protocol) MarkAuthenticated() {
	p.enc.MarkAuthenticated()
	p.dec.MarkAuthenticated()
}
