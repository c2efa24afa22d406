package userauth

import (
	"blitter.com/go/sshcore/wire"
)

// MethodIO is the minimal duplex an AuthMethod needs: send/receive raw
// USERAUTH-range packets, and read the fixed session id each
// publickey signature must cover (RFC 4252 §7).
type MethodIO interface {
	Send(msgID byte, payload []byte) error
	Recv() (msgID byte, payload []byte, err error)
	SessionID() []byte
}

// AuthMethod performs one ssh-userauth method's request/response
// dance, spec.md §4.4. Attempt returns once the server has replied
// with a terminal message for this attempt (USERAUTH_SUCCESS or
// USERAUTH_FAILURE); method-specific continuation messages (PK_OK,
// INFO_REQUEST, PASSWD_CHANGEREQ) are handled internally.
type AuthMethod interface {
	Name() string
	Attempt(io MethodIO, username, serviceName string) (msgID byte, payload []byte, err error)
}

func putUserauthRequestHeader(b *wire.PacketBuffer, username, serviceName, method string) {
	b.PutByte(wire.MsgUserauthRequest)
	b.PutString(username)
	b.PutString(serviceName)
	b.PutString(method)
}

// NoneMethod sends the bootstrap "none" request spec.md §4.4 describes
// the service opening with, purely to learn the server's allowed
// method list from the resulting USERAUTH_FAILURE.
type NoneMethod struct{}

func (NoneMethod) Name() string { return "none" }

func (NoneMethod) Attempt(io MethodIO, username, serviceName string) (byte, []byte, error) {
	b := wire.NewPacketBuffer()
	putUserauthRequestHeader(b, username, serviceName, "none")
	if err := io.Send(wire.MsgUserauthRequest, b.Bytes()[1:]); err != nil {
		return 0, nil, err
	}
	return io.Recv()
}

// PasswordProvider supplies the plaintext password a PasswordMethod
// submits; LocalPasswordStore/ShadowPasswordStore implement it behind
// a local-unlock gate.
type PasswordProvider interface {
	Password() (string, error)
}

// NewPasswordCallback supplies a replacement password when the server
// raises USERAUTH_PASSWD_CHANGEREQ.
type NewPasswordCallback func(prompt string) (string, error)

// PasswordMethod implements spec.md §4.4's password method: a single
// request, retried with a fresh password if the server demands a
// change and a NewPasswordCallback was supplied.
type PasswordMethod struct {
	Provider    PasswordProvider
	NewPassword NewPasswordCallback
}

func (PasswordMethod) Name() string { return "password" }

func (m PasswordMethod) Attempt(io MethodIO, username, serviceName string) (byte, []byte, error) {
	pw, err := m.Provider.Password()
	if err != nil {
		return 0, nil, err
	}
	if err := m.sendPassword(io, username, serviceName, pw, false, ""); err != nil {
		return 0, nil, err
	}
	msgID, payload, err := io.Recv()
	if err != nil {
		return 0, nil, err
	}
	for msgID == wire.MsgUserauthPasswdChangereq && m.NewPassword != nil {
		b := wire.NewPacketBufferFromBytes(payload)
		prompt, _ := b.GetString()
		newPw, err := m.NewPassword(prompt)
		if err != nil {
			return 0, nil, err
		}
		if err := m.sendPassword(io, username, serviceName, newPw, true, pw); err != nil {
			return 0, nil, err
		}
		msgID, payload, err = io.Recv()
		if err != nil {
			return 0, nil, err
		}
	}
	return msgID, payload, nil
}

func (m PasswordMethod) sendPassword(io MethodIO, username, serviceName, password string, changing bool, oldPassword string) error {
	b := wire.NewPacketBuffer()
	putUserauthRequestHeader(b, username, serviceName, "password")
	b.PutBool(changing)
	if changing {
		b.PutString(oldPassword)
	}
	b.PutString(password)
	return io.Send(wire.MsgUserauthRequest, b.Bytes()[1:])
}

// PublicKeySigner produces a wire-format public key blob and signs an
// exchange-hash-covered digest with the corresponding private key.
type PublicKeySigner interface {
	Algorithm() string
	PublicKeyBlob() []byte
	Sign(digest []byte) ([]byte, error)
}

// PublicKeyMethod implements spec.md §4.4's two-phase publickey
// method: an unsigned probe, then (on PK_OK) a signed resend covering
// session_id || the same USERAUTH_REQUEST fields, RFC 4252 §7.
type PublicKeyMethod struct {
	Signer PublicKeySigner
}

func (PublicKeyMethod) Name() string { return "publickey" }

func (m PublicKeyMethod) Attempt(io MethodIO, username, serviceName string) (byte, []byte, error) {
	algo := m.Signer.Algorithm()
	blob := m.Signer.PublicKeyBlob()

	probe := wire.NewPacketBuffer()
	putUserauthRequestHeader(probe, username, serviceName, "publickey")
	probe.PutBool(false)
	probe.PutString(algo)
	probe.PutBytes(blob)
	if err := io.Send(wire.MsgUserauthRequest, probe.Bytes()[1:]); err != nil {
		return 0, nil, err
	}

	msgID, payload, err := io.Recv()
	if err != nil {
		return 0, nil, err
	}
	if msgID != wire.MsgUserauthPKOK {
		return msgID, payload, nil
	}

	signedFields := wire.NewPacketBuffer()
	putUserauthRequestHeader(signedFields, username, serviceName, "publickey")
	signedFields.PutBool(true)
	signedFields.PutString(algo)
	signedFields.PutBytes(blob)

	// RFC 4252 §7: sign over string(session_id) followed by the
	// SSH_MSG_USERAUTH_REQUEST fields themselves, unframed.
	sidFramed := wire.NewPacketBuffer()
	sidFramed.PutBytes(io.SessionID())
	digest := append(append([]byte{}, sidFramed.Bytes()...), signedFields.Bytes()...)

	sig, err := m.Signer.Sign(digest)
	if err != nil {
		return 0, nil, err
	}

	sigField := wire.NewPacketBuffer()
	sigField.PutBytes(sig)
	body := append(append([]byte{}, signedFields.Bytes()[1:]...), sigField.Bytes()...)
	if err := io.Send(wire.MsgUserauthRequest, body); err != nil {
		return 0, nil, err
	}
	return io.Recv()
}

// KeyboardInteractivePrompt answers one server-supplied prompt with
// the user's response; echo reports whether the server asked for the
// response to be displayed as typed.
type KeyboardInteractivePrompt func(name, instruction, prompt string, echo bool) (string, error)

// KeyboardInteractiveMethod implements spec.md §4.4's keyboard-
// interactive method: answer each INFO_REQUEST with an INFO_RESPONSE
// until the server replies SUCCESS/FAILURE.
type KeyboardInteractiveMethod struct {
	Prompt KeyboardInteractivePrompt
}

func (KeyboardInteractiveMethod) Name() string { return "keyboard-interactive" }

func (m KeyboardInteractiveMethod) Attempt(io MethodIO, username, serviceName string) (byte, []byte, error) {
	b := wire.NewPacketBuffer()
	putUserauthRequestHeader(b, username, serviceName, "keyboard-interactive")
	b.PutString("") // language tag, unused (RFC 4256 §3.1)
	b.PutString("") // submethods
	if err := io.Send(wire.MsgUserauthRequest, b.Bytes()[1:]); err != nil {
		return 0, nil, err
	}

	for {
		msgID, payload, err := io.Recv()
		if err != nil {
			return 0, nil, err
		}
		if msgID != wire.MsgUserauthInfoRequest {
			return msgID, payload, nil
		}

		rb := wire.NewPacketBufferFromBytes(payload)
		rb.GetString() // name
		rb.GetString() // instruction
		rb.GetString() // language tag
		numPrompts, err := rb.GetUint32()
		if err != nil {
			return 0, nil, err
		}

		resp := wire.NewPacketBuffer()
		resp.PutByte(wire.MsgUserauthInfoResponse)
		resp.PutUint32(numPrompts)
		for i := uint32(0); i < numPrompts; i++ {
			prompt, _ := rb.GetString()
			echo, _ := rb.GetBool()
			answer, err := m.Prompt("", "", prompt, echo)
			if err != nil {
				return 0, nil, err
			}
			resp.PutString(answer)
		}
		if err := io.Send(wire.MsgUserauthInfoResponse, resp.Bytes()[1:]); err != nil {
			return 0, nil, err
		}
	}
}
