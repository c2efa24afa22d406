package userauth

import (
	"fmt"

	"blitter.com/go/sshcore/transport"
	"blitter.com/go/sshcore/wire"
)

// connectionServiceName is the RFC 4252 service name requested in
// every USERAUTH_REQUEST's `service name` field; sshcore drives
// ssh-connection as the only service authentication unlocks.
const connectionServiceName = "ssh-connection"

// userauthServiceName is the service SERVICE_REQUEST asks for before
// any USERAUTH_REQUEST may be sent, RFC 4253 §10.
const userauthServiceName = "ssh-userauth"

type authPacket struct {
	msgID   byte
	payload []byte
	err     error
}

// UserAuthService drives the ssh-userauth method loop of spec.md
// §4.4 over a transport.Protocol, generalizing the teacher's single
// compiled-in AuthUserByPasswd/VerifyPass call sites into the
// pluggable AuthMethod strategy pattern spec.md requires.
type UserAuthService struct {
	proto     *transport.Protocol
	sessionID []byte
	username  string

	inbox chan authPacket
	done  chan struct{}
}

// NewUserAuthService returns a Service ready to install on proto via
// proto.SetService, and to drive with Run.
func NewUserAuthService(proto *transport.Protocol, sessionID []byte, username string) *UserAuthService {
	return &UserAuthService{
		proto:     proto,
		sessionID: sessionID,
		username:  username,
		inbox:     make(chan authPacket, 4),
		done:      make(chan struct{}),
	}
}

func (s *UserAuthService) Name() string { return "ssh-userauth" }

// Handle implements transport.Service: every USERAUTH_* message the
// transport dispatches is handed to the method loop's Recv.
func (s *UserAuthService) Handle(msgID byte, payload []byte) error {
	select {
	case s.inbox <- authPacket{msgID: msgID, payload: payload}:
	case <-s.done:
	}
	return nil
}

func (s *UserAuthService) NotifyUnimplemented(seq uint32) {
	select {
	case s.inbox <- authPacket{err: fmt.Errorf("userauth: server replied UNIMPLEMENTED to packet %d", seq)}:
	case <-s.done:
	}
}

func (s *UserAuthService) NotifyError(err error) {
	select {
	case s.inbox <- authPacket{err: err}:
	default:
	}
}

// Send/Recv/SessionID implement MethodIO so AuthMethod implementations
// can be driven directly by this service.
func (s *UserAuthService) Send(msgID byte, payload []byte) error {
	full := append([]byte{msgID}, payload...)
	_, err := s.proto.Write(full)
	return err
}

func (s *UserAuthService) Recv() (byte, []byte, error) {
	select {
	case pkt := <-s.inbox:
		return pkt.msgID, pkt.payload, pkt.err
	case <-s.done:
		return 0, nil, newError(KindExhausted, nil, nil)
	}
}

func (s *UserAuthService) SessionID() []byte { return s.sessionID }

// requestService drives the ServiceDispatcher handshake (spec.md §2's
// component, RFC 4253 §10): SERVICE_REQUEST("ssh-userauth") must be
// sent and SERVICE_ACCEPT received before any USERAUTH_REQUEST is
// valid on the wire.
func (s *UserAuthService) requestService() error {
	s.proto.MarkServiceRequested()

	b := wire.NewPacketBuffer()
	b.PutString(userauthServiceName)
	if err := s.Send(wire.MsgServiceRequest, b.Bytes()); err != nil {
		return err
	}

	msgID, _, err := s.Recv()
	if err != nil {
		return err
	}
	if msgID != wire.MsgServiceAccept {
		return newError(KindMethodFailed, nil, fmt.Errorf("expected SERVICE_ACCEPT, got message id %d", msgID))
	}

	s.proto.MarkServiceAccepted()
	return nil
}

// Run executes the method loop: the ssh-userauth service-request
// handshake, the bootstrap "none" request to learn the server's
// advertised methods, then each supplied method in turn — skipping any
// already attempted — until USERAUTH_SUCCESS or the advertised list is
// exhausted.
func (s *UserAuthService) Run(methods []AuthMethod) error {
	if err := s.requestService(); err != nil {
		return err
	}

	msgID, payload, err := NoneMethod{}.Attempt(s, s.username, connectionServiceName)
	if err != nil {
		return err
	}

	allowed, authenticated, err := s.interpretReply(msgID, payload)
	if err != nil {
		return err
	}
	if authenticated {
		return s.finish()
	}

	tried := make(map[string]bool, len(methods))
	for {
		if len(allowed) == 0 {
			return newError(KindExhausted, nil, nil)
		}
		m := firstAvailable(methods, allowed, tried)
		if m == nil {
			return newError(KindExhausted, allowed, nil)
		}
		tried[m.Name()] = true

		msgID, payload, err := m.Attempt(s, s.username, connectionServiceName)
		if err != nil {
			return err
		}
		allowed, authenticated, err = s.interpretReply(msgID, payload)
		if err != nil {
			return err
		}
		if authenticated {
			return s.finish()
		}
	}
}

// finish marks the transport authenticated, RFC 4253 §6.2's gate for
// a negotiated delayed compression algorithm to actually start, and
// transitions the active service to Connection by returning; the
// caller installs the ConnectionService on proto next.
func (s *UserAuthService) finish() error {
	s.proto.MarkAuthenticated()
	return nil
}

// interpretReply reads one USERAUTH_SUCCESS/FAILURE: success ends the
// loop; failure yields the server's current allowed-methods list
// (partial_success just means the just-attempted method succeeded but
// at least one more is still required — the loop continues against the
// same allowed list either way). Anything else is a protocol error.
func (s *UserAuthService) interpretReply(msgID byte, payload []byte) (allowed []string, authenticated bool, err error) {
	switch msgID {
	case wire.MsgUserauthSuccess:
		return nil, true, nil
	case wire.MsgUserauthFailure:
		b := wire.NewPacketBufferFromBytes(payload)
		allowed, err := b.GetNameList()
		if err != nil {
			return nil, false, newError(KindMethodFailed, nil, err)
		}
		return allowed, false, nil
	default:
		return nil, false, newError(KindMethodFailed, nil, fmt.Errorf("unexpected message id %d", msgID))
	}
}

// firstAvailable returns the first of the server's allowed methods
// (in the server's preference order) that's both in methods and not
// already in tried — the server re-advertises the same allowed list
// on every USERAUTH_FAILURE, so skipping tried methods is what makes
// the loop advance to "another method" (spec.md §4.4) instead of
// retrying the one that just failed forever.
func firstAvailable(methods []AuthMethod, allowed []string, tried map[string]bool) AuthMethod {
	for _, name := range allowed {
		if tried[name] {
			continue
		}
		for _, m := range methods {
			if m.Name() == name {
				return m
			}
		}
	}
	return nil
}
