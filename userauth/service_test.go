package userauth

import (
	"testing"

	"blitter.com/go/sshcore/wire"
)

func TestInterpretReplySuccess(t *testing.T) {
	s := &UserAuthService{}
	allowed, authenticated, err := s.interpretReply(wire.MsgUserauthSuccess, nil)
	if err != nil {
		t.Fatalf("interpretReply: %v", err)
	}
	if !authenticated {
		t.Fatalf("expected authenticated=true on USERAUTH_SUCCESS")
	}
	if allowed != nil {
		t.Fatalf("expected nil allowed list on success, got %v", allowed)
	}
}

func TestInterpretReplyFailureYieldsAllowedList(t *testing.T) {
	payload := wire.NewPacketBuffer()
	payload.PutNameList([]string{"password", "publickey"})
	payload.PutBool(false)

	s := &UserAuthService{}
	allowed, authenticated, err := s.interpretReply(wire.MsgUserauthFailure, payload.Bytes())
	if err != nil {
		t.Fatalf("interpretReply: %v", err)
	}
	if authenticated {
		t.Fatalf("expected authenticated=false on USERAUTH_FAILURE")
	}
	if len(allowed) != 2 || allowed[0] != "password" || allowed[1] != "publickey" {
		t.Fatalf("got allowed %v, want [password publickey]", allowed)
	}
}

func TestInterpretReplyPartialSuccessContinuesLoop(t *testing.T) {
	payload := wire.NewPacketBuffer()
	payload.PutNameList([]string{"publickey"})
	payload.PutBool(true) // partial_success

	s := &UserAuthService{}
	allowed, authenticated, err := s.interpretReply(wire.MsgUserauthFailure, payload.Bytes())
	if err != nil {
		t.Fatalf("interpretReply: %v", err)
	}
	if authenticated {
		t.Fatalf("partial_success must not be treated as authenticated")
	}
	if len(allowed) != 1 || allowed[0] != "publickey" {
		t.Fatalf("got allowed %v, want [publickey]", allowed)
	}
}

func TestInterpretReplyUnexpectedMessageIsError(t *testing.T) {
	s := &UserAuthService{}
	_, _, err := s.interpretReply(wire.MsgDebug, nil)
	if err == nil {
		t.Fatalf("expected an error for an unexpected message id")
	}
}

type nopMethod struct{ name string }

func (m nopMethod) Name() string { return m.name }
func (m nopMethod) Attempt(io MethodIO, username, serviceName string) (byte, []byte, error) {
	return wire.MsgUserauthSuccess, nil, nil
}

func TestFirstAvailablePicksServerPreferredOrder(t *testing.T) {
	methods := []AuthMethod{nopMethod{"password"}, nopMethod{"publickey"}}
	got := firstAvailable(methods, []string{"publickey", "password"}, nil)
	if got == nil || got.Name() != "publickey" {
		t.Fatalf("expected publickey (first in allowed order), got %v", got)
	}
}

func TestFirstAvailableReturnsNilWhenNoneMatch(t *testing.T) {
	methods := []AuthMethod{nopMethod{"password"}}
	got := firstAvailable(methods, []string{"keyboard-interactive"}, nil)
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestFirstAvailableSkipsAlreadyTriedMethod(t *testing.T) {
	methods := []AuthMethod{nopMethod{"password"}, nopMethod{"publickey"}}
	tried := map[string]bool{"password": true}

	got := firstAvailable(methods, []string{"password", "publickey"}, tried)
	if got == nil || got.Name() != "publickey" {
		t.Fatalf("expected publickey once password is tried, got %v", got)
	}
}

func TestFirstAvailableReturnsNilWhenEveryMatchIsTried(t *testing.T) {
	methods := []AuthMethod{nopMethod{"password"}}
	tried := map[string]bool{"password": true}

	got := firstAvailable(methods, []string{"password"}, tried)
	if got != nil {
		t.Fatalf("expected nil once the only matching method is tried, got %v", got)
	}
}
