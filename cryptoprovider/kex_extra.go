package cryptoprovider

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"

	hkex "blitter.com/go/herradurakex"
	"blitter.com/go/sshcore/wire"
	kyber "git.schwanenlied.me/yawning/kyber.git"
	"git.schwanenlied.me/yawning/newhope.git"
)

// These extra, non-RFC key-exchange methods are additions alongside
// (never replacements for) the two mandatory DH groups in kex_dh.go;
// each wraps one of the teacher's own KEx primitives behind the same
// KeyExchange capability surface so the kex package's negotiation and
// H/key-derivation logic is identical regardless of which method won.
// Every method still carries a host-key blob and signature in its
// reply so host-key verification (spec.md §4.2 step 4) is uniform
// across all registered methods, RFC or not.

// --- herradura-kex@blitter.com ---

// herraduraKeyExchange wraps blitter.com/go/herradurakex, grounded on
// xsnet/net.go's HKExDialSetup: both sides generate a D value, swap
// them, and independently compute the same FA via ComputeFA()'s
// commutative construction.
type herraduraKeyExchange struct {
	name         string
	intSz, pubSz int
}

func (k *herraduraKeyExchange) Name() string              { return k.name }
func (k *herraduraKeyExchange) HashNew() func() hash.Hash { return sha256.New }

func (k *herraduraKeyExchange) Client(io KexIO) (KexResult, error) {
	h := hkex.New(k.intSz, k.pubSz)

	out := wire.NewPacketBuffer()
	out.PutMPInt(h.D())
	if err := io.Send(wire.MsgKexDHInit, out.Bytes()); err != nil {
		return KexResult{}, err
	}

	msgID, body, err := io.Recv()
	if err != nil {
		return KexResult{}, err
	}
	if msgID != byte(wire.MsgKexDHReply) {
		return KexResult{}, errors.New("cryptoprovider: expected herradura KEX reply")
	}

	in := wire.NewPacketBufferFromBytes(body)
	hostKey, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}
	peerD, err := in.GetMPInt()
	if err != nil {
		return KexResult{}, err
	}
	sig, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}

	h.SetPeerD(peerD)
	h.ComputeFA()

	return KexResult{
		SharedSecret:        h.FA().Bytes(),
		HostKey:             hostKey,
		Signature:           sig,
		ClientExchangeValue: h.D().Bytes(),
		ServerExchangeValue: peerD.Bytes(),
	}, nil
}

// RegisterHerraduraKeyExchanges installs the four bit-size variants
// the teacher exposes (hkexnet/consts.go's KEX_HERRADURA256/512/1024/2048).
func RegisterHerraduraKeyExchanges(p *Provider) {
	sizes := []struct {
		name         string
		intSz, pubSz int
	}{
		{"herradura256-kex@blitter.com", 256, 64},
		{"herradura512-kex@blitter.com", 512, 128},
		{"herradura1024-kex@blitter.com", 1024, 256},
		{"herradura2048-kex@blitter.com", 2048, 512},
	}
	for _, s := range sizes {
		s := s
		p.RegisterKeyExchange(s.name, func() KeyExchange {
			return &herraduraKeyExchange{name: s.name, intSz: s.intSz, pubSz: s.pubSz}
		})
	}
}

// --- kyber{512,768,1024}-kex@blitter.com ---

// kyberKeyExchange wraps git.schwanenlied.me/yawning/kyber.git, grounded
// on xsnet/net.go's KyberDialSetup/KyberAcceptSetup: the client (Alice)
// generates a keypair and sends the public key; the server (Bob, out
// of scope for this library per the server-role Non-goal) replies with
// a KEM ciphertext the client decrypts to recover the shared secret.
type kyberKeyExchange struct {
	name string
	kem  kyber.KEM
}

func (k *kyberKeyExchange) Name() string              { return k.name }
func (k *kyberKeyExchange) HashNew() func() hash.Hash { return sha256.New }

func (k *kyberKeyExchange) Client(io KexIO) (KexResult, error) {
	pub, priv, err := k.kem.GenerateKeyPair(rand.Reader)
	if err != nil {
		return KexResult{}, err
	}

	out := wire.NewPacketBuffer()
	out.PutBytes(pub.Bytes())
	if err := io.Send(wire.MsgKexDHInit, out.Bytes()); err != nil {
		return KexResult{}, err
	}

	msgID, body, err := io.Recv()
	if err != nil {
		return KexResult{}, err
	}
	if msgID != byte(wire.MsgKexDHReply) {
		return KexResult{}, errors.New("cryptoprovider: expected kyber KEX reply")
	}

	in := wire.NewPacketBufferFromBytes(body)
	hostKey, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}
	cipherText, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}
	sig, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}

	shared := priv.KEMDecrypt(cipherText)

	return KexResult{
		SharedSecret:        shared,
		HostKey:             hostKey,
		Signature:           sig,
		ClientExchangeValue: pub.Bytes(),
		ServerExchangeValue: cipherText,
	}, nil
}

// RegisterKyberKeyExchanges installs the three Kyber parameter sets
// the teacher compiles in (hkexnet/consts.go's KEX_KYBER512/768/1024).
func RegisterKyberKeyExchanges(p *Provider) {
	sets := []struct {
		name string
		kem  kyber.KEM
	}{
		{"kyber512-kex@blitter.com", kyber.Kyber512},
		{"kyber768-kex@blitter.com", kyber.Kyber768},
		{"kyber1024-kex@blitter.com", kyber.Kyber1024},
	}
	for _, s := range sets {
		s := s
		p.RegisterKeyExchange(s.name, func() KeyExchange {
			return &kyberKeyExchange{name: s.name, kem: s.kem}
		})
	}
}

// --- newhope-kex@blitter.com / newhope-simple-kex@blitter.com ---

// newHopeKeyExchange wraps git.schwanenlied.me/yawning/newhope.git,
// grounded on xsnet/net.go's NewHopeDialSetup/NewHopeAcceptSetup.
type newHopeKeyExchange struct {
	name   string
	simple bool
}

func (k *newHopeKeyExchange) Name() string              { return k.name }
func (k *newHopeKeyExchange) HashNew() func() hash.Hash { return sha256.New }

func (k *newHopeKeyExchange) Client(io KexIO) (KexResult, error) {
	var sendBytes []byte
	var deriveShared func(serverSend []byte) ([]byte, error)

	if k.simple {
		priv, pub, err := newhope.GenerateKeyPairSimpleAlice(rand.Reader)
		if err != nil {
			return KexResult{}, err
		}
		sendBytes = pub.Send[:]
		deriveShared = func(serverSend []byte) ([]byte, error) {
			var pubBob newhope.PublicKeySimpleBob
			copy(pubBob.Send[:], serverSend)
			return newhope.KeyExchangeSimpleAlice(&pubBob, priv)
		}
	} else {
		priv, pub, err := newhope.GenerateKeyPairAlice(rand.Reader)
		if err != nil {
			return KexResult{}, err
		}
		sendBytes = pub.Send[:]
		deriveShared = func(serverSend []byte) ([]byte, error) {
			var pubBob newhope.PublicKeyBob
			copy(pubBob.Send[:], serverSend)
			return newhope.KeyExchangeAlice(&pubBob, priv)
		}
	}

	out := wire.NewPacketBuffer()
	out.PutBytes(sendBytes)
	if err := io.Send(wire.MsgKexDHInit, out.Bytes()); err != nil {
		return KexResult{}, err
	}

	msgID, body, err := io.Recv()
	if err != nil {
		return KexResult{}, err
	}
	if msgID != byte(wire.MsgKexDHReply) {
		return KexResult{}, errors.New("cryptoprovider: expected newhope KEX reply")
	}

	in := wire.NewPacketBufferFromBytes(body)
	hostKey, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}
	serverSend, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}
	sig, err := in.GetBytes()
	if err != nil {
		return KexResult{}, err
	}

	shared, err := deriveShared(serverSend)
	if err != nil {
		return KexResult{}, err
	}

	return KexResult{
		SharedSecret:        shared,
		HostKey:             hostKey,
		Signature:           sig,
		ClientExchangeValue: sendBytes,
		ServerExchangeValue: serverSend,
	}, nil
}

// RegisterNewHopeKeyExchanges installs both NewHope variants
// (hkexnet/consts.go's KEX_NEWHOPE and KEX_NEWHOPE_SIMPLE).
func RegisterNewHopeKeyExchanges(p *Provider) {
	p.RegisterKeyExchange("newhope-kex@blitter.com", func() KeyExchange {
		return &newHopeKeyExchange{name: "newhope-kex@blitter.com", simple: false}
	})
	p.RegisterKeyExchange("newhope-simple-kex@blitter.com", func() KeyExchange {
		return &newHopeKeyExchange{name: "newhope-simple-kex@blitter.com", simple: true}
	})
}
