package userauth

import (
	"bytes"
	"errors"
	"testing"

	"blitter.com/go/sshcore/wire"
)

// fakeMethodIO is a minimal hand-rolled MethodIO: a scripted queue of
// replies plus a record of every message sent, the teacher's test
// idiom of small manual fakes rather than a mocking framework.
type fakeMethodIO struct {
	sessionID []byte
	replies   []fakeReply
	sent      []sentMsg
}

type fakeReply struct {
	msgID   byte
	payload []byte
}

type sentMsg struct {
	msgID   byte
	payload []byte
}

func (f *fakeMethodIO) Send(msgID byte, payload []byte) error {
	f.sent = append(f.sent, sentMsg{msgID, payload})
	return nil
}

func (f *fakeMethodIO) Recv() (byte, []byte, error) {
	if len(f.replies) == 0 {
		return 0, nil, errors.New("fakeMethodIO: no more scripted replies")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.msgID, r.payload, nil
}

func (f *fakeMethodIO) SessionID() []byte { return f.sessionID }

func TestNoneMethodSendsBootstrapRequest(t *testing.T) {
	io := &fakeMethodIO{replies: []fakeReply{{wire.MsgUserauthFailure, nil}}}
	msgID, _, err := NoneMethod{}.Attempt(io, "alice", "ssh-connection")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if msgID != wire.MsgUserauthFailure {
		t.Fatalf("got msgID %d, want MsgUserauthFailure", msgID)
	}
	if len(io.sent) != 1 || io.sent[0].msgID != wire.MsgUserauthRequest {
		t.Fatalf("expected one USERAUTH_REQUEST, got %+v", io.sent)
	}
	b := wire.NewPacketBufferFromBytes(io.sent[0].payload)
	user, _ := b.GetString()
	svc, _ := b.GetString()
	method, _ := b.GetString()
	if user != "alice" || svc != "ssh-connection" || method != "none" {
		t.Fatalf("unexpected request fields: %q %q %q", user, svc, method)
	}
}

type fixedPasswordProvider struct{ pw string }

func (f fixedPasswordProvider) Password() (string, error) { return f.pw, nil }

func TestPasswordMethodSendsPasswordOnce(t *testing.T) {
	io := &fakeMethodIO{replies: []fakeReply{{wire.MsgUserauthSuccess, nil}}}
	m := PasswordMethod{Provider: fixedPasswordProvider{"hunter2"}}

	msgID, _, err := m.Attempt(io, "bob", "ssh-connection")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if msgID != wire.MsgUserauthSuccess {
		t.Fatalf("got msgID %d, want MsgUserauthSuccess", msgID)
	}
	if len(io.sent) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(io.sent))
	}

	b := wire.NewPacketBufferFromBytes(io.sent[0].payload)
	b.GetString() // username
	b.GetString() // service
	b.GetString() // method
	changing, _ := b.GetBool()
	pw, _ := b.GetString()
	if changing {
		t.Fatalf("first attempt must not set the change-password flag")
	}
	if pw != "hunter2" {
		t.Fatalf("got password %q, want hunter2", pw)
	}
}

func TestPasswordMethodRetriesOnChangeRequest(t *testing.T) {
	changeReqPayload := wire.NewPacketBuffer()
	changeReqPayload.PutString("please change your password")
	changeReqPayload.PutString("")

	io := &fakeMethodIO{
		replies: []fakeReply{
			{wire.MsgUserauthPasswdChangereq, changeReqPayload.Bytes()},
			{wire.MsgUserauthSuccess, nil},
		},
	}

	called := false
	m := PasswordMethod{
		Provider: fixedPasswordProvider{"oldpw"},
		NewPassword: func(prompt string) (string, error) {
			called = true
			return "newpw", nil
		},
	}

	msgID, _, err := m.Attempt(io, "bob", "ssh-connection")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if msgID != wire.MsgUserauthSuccess {
		t.Fatalf("got msgID %d, want MsgUserauthSuccess", msgID)
	}
	if !called {
		t.Fatalf("NewPassword callback was never invoked")
	}
	if len(io.sent) != 2 {
		t.Fatalf("expected an initial request plus a retry, got %d", len(io.sent))
	}

	b := wire.NewPacketBufferFromBytes(io.sent[1].payload)
	b.GetString()
	b.GetString()
	b.GetString()
	changing, _ := b.GetBool()
	oldPw, _ := b.GetString()
	newPw, _ := b.GetString()
	if !changing {
		t.Fatalf("retry must set the change-password flag")
	}
	if oldPw != "oldpw" || newPw != "newpw" {
		t.Fatalf("got old=%q new=%q", oldPw, newPw)
	}
}

type fakeSigner struct {
	algo string
	blob []byte
	sig  []byte
}

func (f fakeSigner) Algorithm() string      { return f.algo }
func (f fakeSigner) PublicKeyBlob() []byte  { return f.blob }
func (f fakeSigner) Sign(digest []byte) ([]byte, error) { return f.sig, nil }

func TestPublicKeyMethodRejectedAtProbe(t *testing.T) {
	io := &fakeMethodIO{
		sessionID: []byte("session-id"),
		replies:   []fakeReply{{wire.MsgUserauthFailure, nil}},
	}
	m := PublicKeyMethod{Signer: fakeSigner{algo: "ssh-rsa", blob: []byte("pubkey-blob")}}

	msgID, _, err := m.Attempt(io, "carol", "ssh-connection")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if msgID != wire.MsgUserauthFailure {
		t.Fatalf("got msgID %d, want MsgUserauthFailure", msgID)
	}
	if len(io.sent) != 1 {
		t.Fatalf("a rejected probe must not trigger a signed resend, got %d sends", len(io.sent))
	}
}

func TestPublicKeyMethodSignsAfterPKOK(t *testing.T) {
	io := &fakeMethodIO{
		sessionID: []byte("session-id"),
		replies: []fakeReply{
			{wire.MsgUserauthPKOK, nil},
			{wire.MsgUserauthSuccess, nil},
		},
	}
	m := PublicKeyMethod{Signer: fakeSigner{
		algo: "ssh-rsa",
		blob: []byte("pubkey-blob"),
		sig:  []byte("signature-bytes"),
	}}

	msgID, _, err := m.Attempt(io, "carol", "ssh-connection")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if msgID != wire.MsgUserauthSuccess {
		t.Fatalf("got msgID %d, want MsgUserauthSuccess", msgID)
	}
	if len(io.sent) != 2 {
		t.Fatalf("expected a probe and a signed resend, got %d sends", len(io.sent))
	}

	b := wire.NewPacketBufferFromBytes(io.sent[1].payload)
	b.GetString() // username
	b.GetString() // service
	b.GetString() // method
	hasSig, _ := b.GetBool()
	algo, _ := b.GetString()
	blob, _ := b.GetBytes()
	sig, _ := b.GetBytes()
	if !hasSig {
		t.Fatalf("resend must set has-signature true")
	}
	if algo != "ssh-rsa" || !bytes.Equal(blob, []byte("pubkey-blob")) {
		t.Fatalf("unexpected algo/blob in resend: %q %q", algo, blob)
	}
	if !bytes.Equal(sig, []byte("signature-bytes")) {
		t.Fatalf("got signature %q, want signature-bytes", sig)
	}
}

func TestKeyboardInteractiveMethodAnswersPrompts(t *testing.T) {
	infoReq := wire.NewPacketBuffer()
	infoReq.PutString("name")
	infoReq.PutString("instruction")
	infoReq.PutString("")
	infoReq.PutUint32(2)
	infoReq.PutString("Password: ")
	infoReq.PutBool(false)
	infoReq.PutString("Token: ")
	infoReq.PutBool(true)

	io := &fakeMethodIO{
		replies: []fakeReply{
			{wire.MsgUserauthInfoRequest, infoReq.Bytes()},
			{wire.MsgUserauthSuccess, nil},
		},
	}

	var gotPrompts []string
	m := KeyboardInteractiveMethod{
		Prompt: func(name, instruction, prompt string, echo bool) (string, error) {
			gotPrompts = append(gotPrompts, prompt)
			return "answer-" + prompt, nil
		},
	}

	msgID, _, err := m.Attempt(io, "dave", "ssh-connection")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if msgID != wire.MsgUserauthSuccess {
		t.Fatalf("got msgID %d, want MsgUserauthSuccess", msgID)
	}
	if len(gotPrompts) != 2 {
		t.Fatalf("expected 2 prompts answered, got %d", len(gotPrompts))
	}

	resp := io.sent[len(io.sent)-1]
	if resp.msgID != wire.MsgUserauthInfoResponse {
		t.Fatalf("got reply msgID %d, want MsgUserauthInfoResponse", resp.msgID)
	}
	b := wire.NewPacketBufferFromBytes(resp.payload)
	n, _ := b.GetUint32()
	if n != 2 {
		t.Fatalf("response num-responses = %d, want 2", n)
	}
}
