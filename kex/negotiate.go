// Package kex implements the SSH-2 key-exchange state machine:
// KEXINIT negotiation, the method-specific followup (delegated to a
// cryptoprovider.KeyExchange), host-key verification, session-id
// fixing and session-key derivation. It owns none of the socket I/O;
// the transport package drives it through the TransportIO interface.
package kex

import (
	"bytes"
	"errors"

	"blitter.com/go/sshcore/wire"
)

// Proposal is the ten ordered name-lists one side sends in its
// KEXINIT, RFC 4253 §7.1.
type Proposal struct {
	KexAlgos         []string
	HostKeyAlgos     []string
	CiphersC2S       []string
	CiphersS2C       []string
	MACsC2S          []string
	MACsS2C          []string
	CompressionsC2S  []string
	CompressionsS2C  []string
	LanguagesC2S     []string
	LanguagesS2C     []string
}

// NegotiatedAlgoSet is the result of picking one algorithm per slot.
type NegotiatedAlgoSet struct {
	Kex         string
	HostKey     string
	CipherC2S   string
	CipherS2C   string
	MACC2S      string
	MACS2C      string
	CompC2S     string
	CompS2C     string
}

// ErrNoCommonAlgorithm is returned when a negotiation slot has no
// overlap between the two proposals; spec.md §4.2: KEX fails fatally.
var ErrNoCommonAlgorithm = errors.New("kex: no common algorithm")

// firstIn returns the first entry of `want` that also appears in
// `have`, RFC 4253 §7.1's negotiation rule: the chosen algorithm for
// each slot is the client's first preference the server also offers.
func firstIn(want, have []string) (string, bool) {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return w, true
			}
		}
	}
	return "", false
}

// Negotiate combines the client's own proposal with the server's
// received proposal into a NegotiatedAlgoSet, or fails with
// ErrNoCommonAlgorithm at the first slot with no overlap; the error is
// the same for every slot and does not say which one failed.
func Negotiate(client, server Proposal) (NegotiatedAlgoSet, error) {
	var n NegotiatedAlgoSet
	var ok bool

	if n.Kex, ok = firstIn(client.KexAlgos, server.KexAlgos); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.HostKey, ok = firstIn(client.HostKeyAlgos, server.HostKeyAlgos); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.CipherC2S, ok = firstIn(client.CiphersC2S, server.CiphersC2S); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.CipherS2C, ok = firstIn(client.CiphersS2C, server.CiphersS2C); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.MACC2S, ok = firstIn(client.MACsC2S, server.MACsC2S); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.MACS2C, ok = firstIn(client.MACsS2C, server.MACsS2C); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.CompC2S, ok = firstIn(client.CompressionsC2S, server.CompressionsC2S); !ok {
		return n, ErrNoCommonAlgorithm
	}
	if n.CompS2C, ok = firstIn(client.CompressionsS2C, server.CompressionsS2C); !ok {
		return n, ErrNoCommonAlgorithm
	}
	return n, nil
}

// EncodeKexInit serializes a KEXINIT payload: message id, 16-byte
// cookie, the ten name-lists, a trailing reserved bool + uint32.
func EncodeKexInit(cookie [16]byte, p Proposal) []byte {
	b := wire.NewPacketBuffer()
	b.PutByte(wire.MsgKexInit)
	for _, c := range cookie {
		b.PutByte(c)
	}
	b.PutNameList(p.KexAlgos)
	b.PutNameList(p.HostKeyAlgos)
	b.PutNameList(p.CiphersC2S)
	b.PutNameList(p.CiphersS2C)
	b.PutNameList(p.MACsC2S)
	b.PutNameList(p.MACsS2C)
	b.PutNameList(p.CompressionsC2S)
	b.PutNameList(p.CompressionsS2C)
	b.PutNameList(p.LanguagesC2S)
	b.PutNameList(p.LanguagesS2C)
	b.PutBool(false) // first_kex_packet_follows: never guessed eagerly
	b.PutUint32(0)   // reserved
	return b.Bytes()
}

// DecodeKexInit parses a full KEXINIT payload (including its leading
// message-id byte) into a Proposal, discarding the cookie (callers that
// need it for I_S/I_C hashing keep the raw payload separately).
func DecodeKexInit(payload []byte) (Proposal, error) {
	var p Proposal
	b := wire.NewPacketBufferFromBytes(payload)
	msgID, err := b.GetByte()
	if err != nil {
		return p, err
	}
	if msgID != wire.MsgKexInit {
		return p, errors.New("kex: not a KEXINIT payload")
	}
	for i := 0; i < 16; i++ {
		if _, err := b.GetByte(); err != nil {
			return p, err
		}
	}
	fields := []*[]string{
		&p.KexAlgos, &p.HostKeyAlgos,
		&p.CiphersC2S, &p.CiphersS2C,
		&p.MACsC2S, &p.MACsS2C,
		&p.CompressionsC2S, &p.CompressionsS2C,
		&p.LanguagesC2S, &p.LanguagesS2C,
	}
	for _, f := range fields {
		nl, err := b.GetNameList()
		if err != nil {
			return p, err
		}
		*f = nl
	}
	return p, nil
}

// equalProposal reports whether two proposals carry identical
// name-lists in every slot.
func equalProposal(a, b Proposal) bool {
	return bytes.Equal([]byte(joinAll(a)), []byte(joinAll(b)))
}

func joinAll(p Proposal) string {
	all := [][]string{
		p.KexAlgos, p.HostKeyAlgos, p.CiphersC2S, p.CiphersS2C,
		p.MACsC2S, p.MACsS2C, p.CompressionsC2S, p.CompressionsS2C,
		p.LanguagesC2S, p.LanguagesS2C,
	}
	out := ""
	for _, l := range all {
		for _, s := range l {
			out += s + ","
		}
		out += "|"
	}
	return out
}
