package kex

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash"

	"blitter.com/go/sshcore/cryptoprovider"
	"blitter.com/go/sshcore/wire"
)

// TransportIO is the minimal duplex the transport layer offers the
// exchanger: whole decoded packets in, whole packets out. The
// exchanger never touches framing, encryption or sequence numbers —
// those stay the transport's job, mirroring how xsnet/net.go keeps
// Read/WritePacket decoupled from the higher-level session setup code.
type TransportIO interface {
	Send(msgID byte, payload []byte) error
	Recv() (msgID byte, payload []byte, err error)
}

// HostKeyVerifier decides whether a received host key is acceptable.
// Implementations range from "trust on first use" to a known_hosts
// file; sshcore ships none and requires the caller to supply one,
// per spec.md's Open Question on host-key policy. Exchanger.Run accepts
// the host key once any one verifier accepts it, and fails if none
// does or none is registered.
type HostKeyVerifier interface {
	VerifyHostKey(algo string, blob []byte) error
}

// Side distinguishes which end of the connection this exchanger drives.
// sshcore is a client-core library, so only SideClient is implemented;
// the type still exists so Result and the derivation math read the same
// way a server implementation built against this package would.
type Side int

const (
	SideClient Side = iota
	SideServer
)

// Result is everything a transport needs to install a freshly
// negotiated (or rekeyed) set of session keys.
type Result struct {
	Algos     NegotiatedAlgoSet
	SessionID []byte

	IVClientToServer   []byte
	IVServerToClient   []byte
	EncKeyClientToServer []byte
	EncKeyServerToClient []byte
	IntegKeyClientToServer []byte
	IntegKeyServerToClient []byte
}

// Exchanger drives one KEXINIT/NEWKEYS round for the client side of a
// connection: spec.md §4.2's state machine generalized from the
// teacher's single-compiled-in-algorithm setup into real two-sided
// negotiation over the full algorithm lists the cryptoprovider.Provider
// carries.
type Exchanger struct {
	Provider   *cryptoprovider.Provider
	Proposal   Proposal
	Verifiers  []HostKeyVerifier

	// VC/VS are the identification strings exchanged before any KEX
	// packet flows (RFC 4253 §4.2), required verbatim in the exchange
	// hash.
	VC, VS []byte

	// sessionID is fixed on the very first key exchange of a connection
	// and never changes across rekeys, RFC 4253 §7.2.
	sessionID []byte
}

// ErrHostKeyRejected wraps a HostKeyVerifier's refusal.
var ErrHostKeyRejected = errors.New("kex: host key rejected")

// Run performs one full key exchange: KEXINIT exchange, negotiation,
// method-specific followup, host-key verification, NEWKEYS exchange
// and key derivation. Safe to call again on the same Exchanger for a
// rekey; sessionID carries over from the first call.
func (e *Exchanger) Run(io TransportIO) (*Result, error) {
	var cookie [16]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return nil, fmt.Errorf("kex: cookie: %w", err)
	}
	iC := EncodeKexInit(cookie, e.Proposal)
	if err := io.Send(wire.MsgKexInit, iC[1:]); err != nil {
		return nil, fmt.Errorf("kex: send KEXINIT: %w", err)
	}

	msgID, payload, err := io.Recv()
	if err != nil {
		return nil, fmt.Errorf("kex: recv KEXINIT: %w", err)
	}
	if msgID != wire.MsgKexInit {
		return nil, fmt.Errorf("kex: expected KEXINIT (20), got %d", msgID)
	}
	iS := append([]byte{wire.MsgKexInit}, payload...)
	serverProposal, err := DecodeKexInit(iS)
	if err != nil {
		return nil, fmt.Errorf("kex: decode peer KEXINIT: %w", err)
	}

	algos, err := Negotiate(e.Proposal, serverProposal)
	if err != nil {
		return nil, err
	}

	kexMethod, err := e.Provider.KeyExchange(algos.Kex)
	if err != nil {
		return nil, fmt.Errorf("kex: method %q: %w", algos.Kex, err)
	}
	hostKeyFactory, err := e.Provider.HostKey(algos.HostKey)
	if err != nil {
		return nil, fmt.Errorf("kex: host key algo %q: %w", algos.HostKey, err)
	}

	kres, err := kexMethod.Client(io)
	if err != nil {
		return nil, fmt.Errorf("kex: method exchange: %w", err)
	}

	signer, err := hostKeyFactory.ParsePublicKey(kres.HostKey)
	if err != nil {
		return nil, fmt.Errorf("kex: parse host key: %w", err)
	}

	h := kexMethod.HashNew()
	exchangeHash := computeExchangeHash(h, e.VC, e.VS, iC, iS, kres)

	if err := signer.Verify(kres.HostKey, kres.Signature, exchangeHash); err != nil {
		return nil, fmt.Errorf("kex: host key signature: %w", err)
	}
	rejection := errors.New("no host key verifier registered")
	for _, v := range e.Verifiers {
		if rejection = v.VerifyHostKey(algos.HostKey, kres.HostKey); rejection == nil {
			break
		}
	}
	if rejection != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostKeyRejected, rejection)
	}

	if e.sessionID == nil {
		e.sessionID = exchangeHash
	}

	if err := io.Send(wire.MsgNewKeys, nil); err != nil {
		return nil, fmt.Errorf("kex: send NEWKEYS: %w", err)
	}
	msgID, _, err = io.Recv()
	if err != nil {
		return nil, fmt.Errorf("kex: recv NEWKEYS: %w", err)
	}
	if msgID != wire.MsgNewKeys {
		return nil, fmt.Errorf("kex: expected NEWKEYS (21), got %d", msgID)
	}

	cipherC2S, _ := e.Provider.Cipher(algos.CipherC2S)
	cipherS2C, _ := e.Provider.Cipher(algos.CipherS2C)
	macC2S, _ := e.Provider.MAC(algos.MACC2S)
	macS2C, _ := e.Provider.MAC(algos.MACS2C)

	ivCS := deriveKey(kexMethod.HashNew, kres.SharedSecret, exchangeHash, 'A', e.sessionID, cipherC2S.IVSize())
	ivSC := deriveKey(kexMethod.HashNew, kres.SharedSecret, exchangeHash, 'B', e.sessionID, cipherS2C.IVSize())
	encCS := deriveKey(kexMethod.HashNew, kres.SharedSecret, exchangeHash, 'C', e.sessionID, cipherC2S.KeySize())
	encSC := deriveKey(kexMethod.HashNew, kres.SharedSecret, exchangeHash, 'D', e.sessionID, cipherS2C.KeySize())
	intCS := deriveKey(kexMethod.HashNew, kres.SharedSecret, exchangeHash, 'E', e.sessionID, macC2S.KeySize())
	intSC := deriveKey(kexMethod.HashNew, kres.SharedSecret, exchangeHash, 'F', e.sessionID, macS2C.KeySize())

	return &Result{
		Algos:                  algos,
		SessionID:              e.sessionID,
		IVClientToServer:       ivCS,
		IVServerToClient:       ivSC,
		EncKeyClientToServer:   encCS,
		EncKeyServerToClient:   encSC,
		IntegKeyClientToServer: intCS,
		IntegKeyServerToClient: intSC,
	}, nil
}

// computeExchangeHash builds H per RFC 4253 §8:
// HASH(V_C || V_S || I_C || I_S || K_S || e || f || K).
func computeExchangeHash(h hash.Hash, vc, vs, iC, iS []byte, kres cryptoprovider.KexResult) []byte {
	h.Reset()
	writeString(h, vc)
	writeString(h, vs)
	writeString(h, iC)
	writeString(h, iS)
	writeString(h, kres.HostKey)
	writeMPIntBytes(h, kres.ClientExchangeValue)
	writeMPIntBytes(h, kres.ServerExchangeValue)
	writeMPIntBytes(h, kres.SharedSecret)
	return h.Sum(nil)
}

// writeString feeds a uint32-length-prefixed opaque field (identification
// strings, KEXINIT payloads, the host-key blob) into the exchange hash.
func writeString(h hash.Hash, b []byte) {
	buf := wire.NewPacketBuffer()
	buf.PutBytes(b)
	h.Write(buf.Bytes())
}

// writeMPIntBytes feeds an unsigned magnitude (a DH exchange value or the
// shared secret) into the exchange hash using mpint framing, RFC 4253 §8.
func writeMPIntBytes(h hash.Hash, mag []byte) {
	buf := wire.NewPacketBuffer()
	buf.PutMPIntBytes(mag)
	h.Write(buf.Bytes())
}

// deriveKey computes the RFC 4253 §7.2 key-derivation recursion:
//
//	K1 = HASH(K || H || X || session_id)
//	K2 = HASH(K || H || K1)
//	K3 = HASH(K || H || K1 || K2)
//	...
//
// extending until at least `size` bytes are available, then truncating.
func deriveKey(newHash func() hash.Hash, sharedSecret, exchangeHash []byte, letter byte, sessionID []byte, size int) []byte {
	if size == 0 {
		return nil
	}
	h := newHash()
	kBuf := wire.NewPacketBuffer()
	kBuf.PutMPIntBytes(sharedSecret)

	h.Write(kBuf.Bytes())
	h.Write(exchangeHash)
	h.Write([]byte{letter})
	h.Write(sessionID)
	out := h.Sum(nil)

	for len(out) < size {
		h := newHash()
		h.Write(kBuf.Bytes())
		h.Write(exchangeHash)
		h.Write(out)
		out = append(out, h.Sum(nil)...)
	}
	return out[:size]
}
