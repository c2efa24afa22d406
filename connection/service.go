package connection

import (
	"fmt"
	"sync"

	"blitter.com/go/sshcore/wire"
)

// packetWriter is the one capability Service needs from the transport:
// send a message-id-prefixed payload and learn its outbound sequence
// number. transport.Protocol satisfies this; tests substitute a small
// recording fake instead of driving a live connection, the same
// small-capability-surface idiom SPEC_FULL.md calls for elsewhere
// (Cipher, Mac, Compression, KeyExchange, AuthMethod).
type packetWriter interface {
	Write(payload []byte) (uint32, error)
}

// DefaultWindowSize and DefaultMaxPacket are the values sshcore offers
// on every channel it opens or accepts, RFC 4254 §5.1's typical range.
const (
	DefaultWindowSize = 1 << 20
	DefaultMaxPacket  = 1 << 15
)

// ForwardedChannelOpener accepts or rejects a peer-initiated
// CHANNEL_OPEN for one registered channel type (spec.md §4.6's
// "forwarded" open path). Accept runs synchronously on the dispatch
// path and must not block.
type ForwardedChannelOpener interface {
	// Accept inspects typeSpecific (the CHANNEL_OPEN type-specific
	// data) and either returns nil to confirm the open, or a
	// *Error{Kind: KindOpenRejected} to reject it. Any other
	// non-nil error is treated as a rejection with reason
	// ChannelOpenConnectFailed.
	Accept(ch *Channel, typeSpecific []byte) error
}

// Service implements transport.Service for ssh-connection (spec.md
// §4.5): it owns the channel table under a single mutex with short
// critical sections, and the registry of ForwardedChannelOpeners keyed
// by channel type. Grounded on the teacher's hkexnet.Conn, which plays
// an analogous "one connection, many logical streams" role via its
// tuns map, generalized here into RFC 4254's actual channel protocol.
type Service struct {
	proto packetWriter

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextHint uint32
	openers  map[string]ForwardedChannelOpener

	globalMu      sync.Mutex
	globalReplies []chan globalReplyResult

	done chan struct{}
}

type globalReplyResult struct {
	success bool
	data    []byte
	err     error
}

// NewService returns a Service ready to install on proto via
// proto.SetService.
func NewService(proto packetWriter) *Service {
	return &Service{
		proto:    proto,
		channels: make(map[uint32]*Channel),
		openers:  make(map[string]ForwardedChannelOpener),
		done:     make(chan struct{}),
	}
}

func (s *Service) Name() string { return "ssh-connection" }

// RegisterOpener installs opener as the handler for CHANNEL_OPEN
// requests naming chanType; a type with no registered opener is
// rejected with UNKNOWN_CHANNEL_TYPE, spec.md §4.5.
func (s *Service) RegisterOpener(chanType string, opener ForwardedChannelOpener) {
	s.mu.Lock()
	s.openers[chanType] = opener
	s.mu.Unlock()
}

func (s *Service) send(msgID byte, body []byte) error {
	full := append([]byte{msgID}, body...)
	_, err := s.proto.Write(full)
	return err
}

// OpenChannel performs spec.md §4.6's direct open: send CHANNEL_OPEN,
// block for the peer's confirmation or failure.
func (s *Service) OpenChannel(chanType string, typeSpecific []byte) (*Channel, error) {
	id := s.allocateID()
	ch := newChannel(id, chanType, s, DefaultWindowSize, DefaultMaxPacket)

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()

	b := wire.NewPacketBuffer()
	b.PutString(chanType)
	b.PutUint32(id)
	b.PutUint32(DefaultWindowSize)
	b.PutUint32(DefaultMaxPacket)
	b.PutBytes(typeSpecific)
	if err := s.send(wire.MsgChannelOpen, b.Bytes()); err != nil {
		s.removeChannel(id)
		return nil, err
	}

	if err := ch.waitOpen(); err != nil {
		return nil, err
	}
	return ch, nil
}

// GlobalRequest sends an SSH_MSG_GLOBAL_REQUEST (RFC 4254 §4), blocking
// for the matching REQUEST_SUCCESS/FAILURE when wantReply is set.
func (s *Service) GlobalRequest(requestType string, wantReply bool, requestData []byte) (success bool, replyData []byte, err error) {
	b := wire.NewPacketBuffer()
	b.PutString(requestType)
	b.PutBool(wantReply)
	b.PutBytes(requestData)

	var wait chan globalReplyResult
	if wantReply {
		wait = make(chan globalReplyResult, 1)
		s.globalMu.Lock()
		s.globalReplies = append(s.globalReplies, wait)
		s.globalMu.Unlock()
	}
	if err := s.send(wire.MsgGlobalRequest, b.Bytes()); err != nil {
		return false, nil, err
	}
	if !wantReply {
		return true, nil, nil
	}
	r := <-wait
	return r.success, r.data, r.err
}

// allocateID returns the smallest non-negative id not currently in the
// channel table, spec.md §4.5's allocation rule.
func (s *Service) allocateID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := uint32(0); ; id++ {
		if _, used := s.channels[id]; !used {
			return id
		}
	}
}

func (s *Service) removeChannel(id uint32) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

func (s *Service) lookup(id uint32) *Channel {
	s.mu.Lock()
	ch := s.channels[id]
	s.mu.Unlock()
	return ch
}

// Handle implements transport.Service: every CHANNEL_*/GLOBAL_REQUEST/
// REQUEST_* message the transport dispatches is routed here.
func (s *Service) Handle(msgID byte, payload []byte) error {
	switch msgID {
	case wire.MsgGlobalRequest:
		return s.handleGlobalRequest(payload)
	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		return s.handleGlobalReply(msgID == wire.MsgRequestSuccess, payload)
	case wire.MsgChannelOpen:
		return s.handleChannelOpen(payload)
	case wire.MsgChannelOpenConfirmation:
		return s.handleOpenConfirmation(payload)
	case wire.MsgChannelOpenFailure:
		return s.handleOpenFailure(payload)
	default:
		return s.routeToChannel(msgID, payload)
	}
}

// handleGlobalRequest answers every peer-initiated global request with
// REQUEST_FAILURE: sshcore is a client core and advertises no global
// capabilities of its own (tcpip-forward et al are a server-role
// concern, spec.md's Non-goals).
func (s *Service) handleGlobalRequest(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	b.GetString() // request type, unused: we refuse unconditionally
	wantReply, err := b.GetBool()
	if err != nil {
		return err
	}
	if !wantReply {
		return nil
	}
	return s.send(wire.MsgRequestFailure, nil)
}

func (s *Service) handleGlobalReply(success bool, payload []byte) error {
	s.globalMu.Lock()
	if len(s.globalReplies) == 0 {
		s.globalMu.Unlock()
		return newError(KindRequestFailed, fmt.Errorf("global request reply with no outstanding request"))
	}
	wait := s.globalReplies[0]
	s.globalReplies = s.globalReplies[1:]
	s.globalMu.Unlock()
	wait <- globalReplyResult{success: success, data: payload}
	return nil
}

func (s *Service) handleChannelOpen(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	chanType, err := b.GetString()
	if err != nil {
		return err
	}
	peerID, err := b.GetUint32()
	if err != nil {
		return err
	}
	peerWindow, err := b.GetUint32()
	if err != nil {
		return err
	}
	peerMaxPacket, err := b.GetUint32()
	if err != nil {
		return err
	}
	typeSpecific := b.GetRest()

	s.mu.Lock()
	opener := s.openers[chanType]
	s.mu.Unlock()
	if opener == nil {
		fail := wire.NewPacketBuffer()
		fail.PutUint32(peerID)
		fail.PutUint32(uint32(wire.ChannelOpenUnknownChannelType))
		fail.PutString("unknown channel type")
		fail.PutString("")
		return s.send(wire.MsgChannelOpenFailure, fail.Bytes())
	}

	id := s.allocateID()
	ch := newChannel(id, chanType, s, DefaultWindowSize, DefaultMaxPacket)
	ch.confirmOpen(peerID, peerWindow, peerMaxPacket)
	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()

	if err := opener.Accept(ch, typeSpecific); err != nil {
		s.removeChannel(id)
		reason, msg := rejectionFields(err)
		fail := wire.NewPacketBuffer()
		fail.PutUint32(peerID)
		fail.PutUint32(reason)
		fail.PutString(msg)
		fail.PutString("")
		return s.send(wire.MsgChannelOpenFailure, fail.Bytes())
	}

	ok := wire.NewPacketBuffer()
	ok.PutUint32(peerID)
	ok.PutUint32(id)
	ok.PutUint32(DefaultWindowSize)
	ok.PutUint32(DefaultMaxPacket)
	return s.send(wire.MsgChannelOpenConfirmation, ok.Bytes())
}

func rejectionFields(err error) (uint32, string) {
	if ce, ok := err.(*Error); ok && ce.Kind == KindOpenRejected {
		return ce.ReasonCode, ce.Message
	}
	return uint32(wire.ChannelOpenConnectFailed), err.Error()
}

func (s *Service) handleOpenConfirmation(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	localID, err := b.GetUint32()
	if err != nil {
		return err
	}
	peerID, err := b.GetUint32()
	if err != nil {
		return err
	}
	peerWindow, err := b.GetUint32()
	if err != nil {
		return err
	}
	peerMaxPacket, err := b.GetUint32()
	if err != nil {
		return err
	}
	ch := s.lookup(localID)
	if ch == nil {
		return newError(KindProtocol, fmt.Errorf("OPEN_CONFIRMATION for unknown channel %d", localID))
	}
	ch.confirmOpen(peerID, peerWindow, peerMaxPacket)
	return nil
}

func (s *Service) handleOpenFailure(payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	localID, err := b.GetUint32()
	if err != nil {
		return err
	}
	reason, _ := b.GetUint32()
	msg, _ := b.GetString()
	ch := s.lookup(localID)
	if ch == nil {
		return newError(KindProtocol, fmt.Errorf("OPEN_FAILURE for unknown channel %d", localID))
	}
	s.removeChannel(localID)
	ch.failOpen(newOpenRejected(reason, msg))
	return nil
}

// routeToChannel dispatches every remaining CHANNEL_* message by its
// leading recipient-channel-id field, spec.md §4.5's "route to the
// named channel, else protocol error" rule.
func (s *Service) routeToChannel(msgID byte, payload []byte) error {
	b := wire.NewPacketBufferFromBytes(payload)
	id, err := b.GetUint32()
	if err != nil {
		return err
	}
	ch := s.lookup(id)
	if ch == nil {
		return newError(KindProtocol, fmt.Errorf("message %d for unknown or closed channel %d", msgID, id))
	}
	rest := b.GetRest()
	switch msgID {
	case wire.MsgChannelData:
		return ch.handleData(rest)
	case wire.MsgChannelExtendedData:
		return ch.handleExtendedData(rest)
	case wire.MsgChannelWindowAdjust:
		return ch.handleWindowAdjust(rest)
	case wire.MsgChannelEOF:
		return ch.handleEOF()
	case wire.MsgChannelClose:
		return ch.handleClose()
	case wire.MsgChannelRequest:
		return ch.handleRequest(rest)
	case wire.MsgChannelSuccess:
		return ch.handleRequestReply(true)
	case wire.MsgChannelFailure:
		return ch.handleRequestReply(false)
	default:
		return newError(KindProtocol, fmt.Errorf("unhandled connection message id %d", msgID))
	}
}

// NotifyUnimplemented satisfies transport.Service; ssh-connection has
// no in-flight sequence-number-keyed requests of its own (channel and
// global requests are matched by FIFO order, not sequence number), so
// this is a no-op.
func (s *Service) NotifyUnimplemented(seq uint32) {}

// NotifyError aborts every open channel and queued global request once
// the transport has failed fatally.
func (s *Service) NotifyError(err error) {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[uint32]*Channel)
	s.mu.Unlock()
	for _, ch := range channels {
		ch.abort(err)
	}

	s.globalMu.Lock()
	pending := s.globalReplies
	s.globalReplies = nil
	s.globalMu.Unlock()
	for _, wait := range pending {
		wait <- globalReplyResult{err: err}
	}

	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
