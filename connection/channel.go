package connection

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"blitter.com/go/sshcore/wire"
)

// ChannelState is the lifecycle spec.md §4's Channel type machine: a
// channel is conn-addressable exactly between OPEN_CONFIRMATION and the
// completion of the CLOSE handshake.
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelEOFSent
	ChannelEOFReceived
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "Opening"
	case ChannelOpen:
		return "Open"
	case ChannelEOFSent:
		return "EofSent"
	case ChannelEOFReceived:
		return "EofReceived"
	case ChannelClosing:
		return "Closing"
	case ChannelClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// window is shared by localWindow and remoteWindow. take blocks a
// writer until size > 0; grow restores size and wakes blocked takers.
// The teacher has no analogue (hkexnet has no flow control at all); this
// is built straight from spec.md §4.6's window contract.
type window struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int32
	initial int32
}

func newWindow(initial uint32) *window {
	w := &window{size: int32(initial), initial: int32(initial)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// take blocks until size > 0, then reserves up to want bytes (never
// more than is available) and returns how many were reserved.
func (w *window) take(want int32) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.size == 0 {
		w.cond.Wait()
	}
	n := want
	if n > w.size {
		n = w.size
	}
	w.size -= n
	return n
}

// grow adds n to size (a CHANNEL_WINDOW_ADJUST from the peer) and wakes
// any writer blocked in take.
func (w *window) grow(n int32) {
	w.mu.Lock()
	w.size += n
	w.cond.Broadcast()
	w.mu.Unlock()
}

// consume records n bytes of arrived data against the local window; if
// the window has fallen to at most half its initial size it is
// restored immediately and the amount to advertise in the resulting
// CHANNEL_WINDOW_ADJUST is returned (0 means no adjust is due).
func (w *window) consume(n int32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size -= n
	if w.size > w.initial/2 {
		return 0
	}
	restore := w.initial - w.size
	w.size = w.initial
	return uint32(restore)
}

// byteStream is a small blocking in-memory pipe: push appends data
// (never blocks, since the window already bounds how much a well
// behaved peer can have in flight), Read blocks for data or EOF. Kept
// on the standard library deliberately — see DESIGN.md's justification
// for this package; no third-party stream type in the example pack
// fits a single-process byte queue this small.
type byteStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	err    error
}

func newByteStream() *byteStream {
	s := &byteStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *byteStream) push(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *byteStream) closeWithError(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *byteStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, errEOF
	}
	return s.buf.Read(p)
}

var errEOF = errors.New("connection: channel stream closed")

// reqResult is the completion a sendChannelRequest caller blocks on.
type reqResult struct {
	success bool
	err     error
}

// Channel is spec.md §4.6's per-channel state: id/recipient pair,
// type, windows, data streams, and request FIFO. A Channel holds a
// pointer to its owning Service and sends every packet through it; it
// holds no reference to the transport of its own.
type Channel struct {
	id        uint32
	chanType  string
	svc       *Service
	localWindow  *window
	remoteWindow *window
	localMaxPacket  uint32
	remoteMaxPacket uint32

	mu            sync.Mutex
	state         ChannelState
	recipient     uint32
	eofSent       bool
	eofReceived   bool
	closeSent     bool
	closeReceived bool

	openResult chan error

	In    *byteStream
	Ext   *byteStream

	// RequestHandler answers peer-initiated CHANNEL_REQUESTs (exit-status,
	// signal, ...); a nil handler answers every wantReply request with
	// CHANNEL_FAILURE and silently drops ones with wantReply false.
	RequestHandler ChannelRequestHandler

	reqMu    sync.Mutex
	reqQueue []chan reqResult
}

func newChannel(id uint32, chanType string, svc *Service, localInitialWindow, localMaxPacket uint32) *Channel {
	return &Channel{
		id:             id,
		chanType:       chanType,
		svc:            svc,
		localWindow:    newWindow(localInitialWindow),
		localMaxPacket: localMaxPacket,
		openResult:     make(chan error, 1),
		In:             newByteStream(),
		Ext:            newByteStream(),
	}
}

// ID returns the local channel id.
func (c *Channel) ID() uint32 { return c.id }

// Type returns the RFC 4254 channel type string this channel was
// opened as ("session", "direct-tcpip", ...).
func (c *Channel) Type() string { return c.chanType }

// waitOpen blocks until the peer's OPEN_CONFIRMATION or OPEN_FAILURE
// has been processed.
func (c *Channel) waitOpen() error {
	return <-c.openResult
}

func (c *Channel) confirmOpen(recipient, remoteInitialWindow, remoteMaxPacket uint32) {
	c.mu.Lock()
	c.recipient = recipient
	c.remoteWindow = newWindow(remoteInitialWindow)
	c.remoteMaxPacket = remoteMaxPacket
	c.state = ChannelOpen
	c.mu.Unlock()
	c.openResult <- nil
}

func (c *Channel) failOpen(err error) {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()
	c.openResult <- err
}

// Write implements io.Writer: it chunks p into CHANNEL_DATA packets of
// at most min(remoteMaxPacket, remoteWindow.size), blocking while the
// remote window has no room, spec.md §4.6's outgoing-write contract.
func (c *Channel) Write(p []byte) (int, error) {
	return c.write(wire.MsgChannelData, p)
}

// WriteExtended sends p as CHANNEL_EXTENDED_DATA with the given data
// type code (RFC 4254 §5.2; 1 = SSH_EXTENDED_DATA_STDERR).
func (c *Channel) WriteExtended(dataTypeCode uint32, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := c.remoteWindow.take(int32(c.remoteMaxPacket))
		if int(n) > len(p) {
			given := n
			n = int32(len(p))
			c.remoteWindow.grow(given - n) // give back the unused reservation
		}
		b := wire.NewPacketBuffer()
		b.PutUint32(c.recipient)
		b.PutUint32(dataTypeCode)
		b.PutBytes(p[:n])
		if err := c.svc.send(wire.MsgChannelExtendedData, b.Bytes()); err != nil {
			return total, err
		}
		p = p[n:]
		total += int(n)
	}
	return total, nil
}

func (c *Channel) write(msgID byte, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunkCap := int32(c.remoteMaxPacket)
		n := c.remoteWindow.take(chunkCap)
		if int(n) > len(p) {
			given := n
			n = int32(len(p))
			c.remoteWindow.grow(given - n) // give back the unused reservation
		}
		b := wire.NewPacketBuffer()
		b.PutUint32(c.recipient)
		b.PutBytes(p[:n])
		if err := c.svc.send(msgID, b.Bytes()); err != nil {
			return total, err
		}
		p = p[n:]
		total += int(n)
	}
	return total, nil
}

// handleData processes an inbound CHANNEL_DATA payload (recipient
// already consumed by the service).
func (c *Channel) handleData(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	data, err := b.GetBytes()
	if err != nil {
		return err
	}
	if uint32(len(data)) > c.localMaxPacket {
		return newError(KindProtocol, fmt.Errorf("channel %d: data length %d exceeds localMaxPacket %d", c.id, len(data), c.localMaxPacket))
	}
	c.In.push(data)
	if restore := c.localWindow.consume(int32(len(data))); restore > 0 {
		adj := wire.NewPacketBuffer()
		adj.PutUint32(c.recipient)
		adj.PutUint32(restore)
		return c.svc.send(wire.MsgChannelWindowAdjust, adj.Bytes())
	}
	return nil
}

func (c *Channel) handleExtendedData(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	if _, err := b.GetUint32(); err != nil { // data type code, unused beyond stderr framing
		return err
	}
	data, err := b.GetBytes()
	if err != nil {
		return err
	}
	if uint32(len(data)) > c.localMaxPacket {
		return newError(KindProtocol, fmt.Errorf("channel %d: extended data length %d exceeds localMaxPacket %d", c.id, len(data), c.localMaxPacket))
	}
	c.Ext.push(data)
	if restore := c.localWindow.consume(int32(len(data))); restore > 0 {
		adj := wire.NewPacketBuffer()
		adj.PutUint32(c.recipient)
		adj.PutUint32(restore)
		return c.svc.send(wire.MsgChannelWindowAdjust, adj.Bytes())
	}
	return nil
}

func (c *Channel) handleWindowAdjust(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	n, err := b.GetUint32()
	if err != nil {
		return err
	}
	c.remoteWindow.grow(int32(n))
	return nil
}

// SendEOF emits CHANNEL_EOF exactly once; idempotent on repeat calls.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	if c.eofSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	recipient := c.recipient
	c.mu.Unlock()

	b := wire.NewPacketBuffer()
	b.PutUint32(recipient)
	return c.svc.send(wire.MsgChannelEOF, b.Bytes())
}

func (c *Channel) handleEOF() error {
	c.mu.Lock()
	c.eofReceived = true
	c.mu.Unlock()
	c.In.closeWithError(nil)
	c.Ext.closeWithError(nil)
	return nil
}

// Close performs the application-initiated half of the close handshake
// spec.md §4.6 describes: emit CHANNEL_CLOSE (once); if the peer's
// CLOSE already arrived, the channel is removed once this send completes.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closeSent {
		c.mu.Unlock()
		return nil
	}
	c.closeSent = true
	recipient := c.recipient
	bothDone := c.closeReceived
	c.mu.Unlock()

	b := wire.NewPacketBuffer()
	b.PutUint32(recipient)
	if err := c.svc.send(wire.MsgChannelClose, b.Bytes()); err != nil {
		return err
	}
	if bothDone {
		c.finishClose()
	}
	return nil
}

// handleClose processes the peer's CHANNEL_CLOSE: if we have not yet
// sent our own, send it now; once both directions are done, remove the
// channel from the table and release blocked callers.
func (c *Channel) handleClose() error {
	c.mu.Lock()
	c.closeReceived = true
	alreadySent := c.closeSent
	c.mu.Unlock()

	if !alreadySent {
		if err := c.Close(); err != nil {
			return err
		}
	}
	c.finishClose()
	return nil
}

func (c *Channel) finishClose() {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = ChannelClosed
	c.mu.Unlock()

	c.In.closeWithError(newError(KindChannelClosed, nil))
	c.Ext.closeWithError(newError(KindChannelClosed, nil))
	c.failPendingRequests(newError(KindChannelClosed, nil))
	c.svc.removeChannel(c.id)
}

// abort is called by the owning Service when the transport itself has
// failed: it force-closes the channel without a handshake.
func (c *Channel) abort(err error) {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()
	c.In.closeWithError(err)
	c.Ext.closeWithError(err)
	c.failPendingRequests(err)
	select {
	case c.openResult <- err:
	default:
	}
}

// SendRequest implements spec.md §4.6's sendChannelRequest: if
// wantReply, it blocks for the matching CHANNEL_SUCCESS/FAILURE, which
// arrive in strict FIFO order with respect to requests this channel sent.
func (c *Channel) SendRequest(requestType string, wantReply bool, requestData []byte) (bool, error) {
	b := wire.NewPacketBuffer()
	b.PutUint32(c.recipient)
	b.PutString(requestType)
	b.PutBool(wantReply)
	b.PutBytes(requestData)

	var wait chan reqResult
	if wantReply {
		wait = make(chan reqResult, 1)
		c.reqMu.Lock()
		c.reqQueue = append(c.reqQueue, wait)
		c.reqMu.Unlock()
	}
	if err := c.svc.send(wire.MsgChannelRequest, b.Bytes()); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	r := <-wait
	return r.success, r.err
}

func (c *Channel) handleRequestReply(success bool) error {
	c.reqMu.Lock()
	if len(c.reqQueue) == 0 {
		c.reqMu.Unlock()
		return newError(KindRequestFailed, fmt.Errorf("channel %d: reply with no outstanding request", c.id))
	}
	wait := c.reqQueue[0]
	c.reqQueue = c.reqQueue[1:]
	c.reqMu.Unlock()
	wait <- reqResult{success: success}
	return nil
}

func (c *Channel) failPendingRequests(err error) {
	c.reqMu.Lock()
	pending := c.reqQueue
	c.reqQueue = nil
	c.reqMu.Unlock()
	for _, wait := range pending {
		wait <- reqResult{err: err}
	}
}

// ChannelRequestHandler answers a peer-initiated CHANNEL_REQUEST
// (shell, exec, pty-req, subsystem, ...); returning false emits
// CHANNEL_FAILURE when wantReply is set.
type ChannelRequestHandler func(c *Channel, requestType string, wantReply bool, requestData []byte) bool

func (c *Channel) handleRequest(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	requestType, err := b.GetString()
	if err != nil {
		return err
	}
	wantReply, err := b.GetBool()
	if err != nil {
		return err
	}
	data := b.GetRest()

	ok := false
	if c.RequestHandler != nil {
		ok = c.RequestHandler(c, requestType, wantReply, data)
	}
	if !wantReply {
		return nil
	}
	reply := wire.NewPacketBuffer()
	reply.PutUint32(c.recipient)
	if ok {
		return c.svc.send(wire.MsgChannelSuccess, reply.Bytes())
	}
	return c.svc.send(wire.MsgChannelFailure, reply.Bytes())
}
