package cryptoprovider

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"hash"
	"math/big"

	"blitter.com/go/sshcore/wire"
)

// dhGroup holds the generator/modulus pair for a fixed DH group, RFC
// 4253 §8 / RFC 3526. These exact primes are reproduced from
// golang.org/x/crypto/ssh's well-known constants (consulted as fact
// reference, not copied code) rather than re-derived, since getting a
// single hex digit wrong here silently breaks every handshake.
type dhGroup struct {
	g, p *big.Int
}

func mustPrime(hexDigits string) *big.Int {
	p, ok := new(big.Int).SetString(hexDigits, 16)
	if !ok {
		panic("cryptoprovider: invalid DH prime constant")
	}
	return p
}

// group1 is diffie-hellman-group1-sha1 (RFC 4253 §8.1 / RFC 2409 Oakley Group 2).
var group1 = dhGroup{
	g: big.NewInt(2),
	p: mustPrime("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"),
}

// group14 is diffie-hellman-group14-sha1 (RFC 4253 §8.2 / RFC 3526 Oakley Group 14).
var group14 = dhGroup{
	g: big.NewInt(2),
	p: mustPrime("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"),
}

// dhKeyExchange implements KeyExchange for diffie-hellman-group{1,14}-sha1,
// RFC 4253 §8: client picks ephemeral x, sends e = g^x mod p; server
// replies with its host key, f = g^y mod p, and a signature over the
// exchange hash; shared secret K = f^x mod p.
type dhKeyExchange struct {
	name  string
	group dhGroup
}

func (d *dhKeyExchange) Name() string { return d.name }

func (d *dhKeyExchange) HashNew() func() hash.Hash { return sha1.New }

func (d *dhKeyExchange) Client(io KexIO) (KexResult, error) {
	// x in [1, p-2], per RFC 2631's guidance on ephemeral DH exponents.
	pMinus2 := new(big.Int).Sub(d.group.p, big.NewInt(2))
	x, err := rand.Int(rand.Reader, pMinus2)
	if err != nil {
		return KexResult{}, err
	}
	x.Add(x, big.NewInt(1))

	e := new(big.Int).Exp(d.group.g, x, d.group.p)

	eb := wire.NewPacketBuffer()
	eb.PutMPInt(e)
	if err := io.Send(byte(wire.MsgKexDHInit), eb.Bytes()); err != nil {
		return KexResult{}, err
	}

	msgID, body, err := io.Recv()
	if err != nil {
		return KexResult{}, err
	}
	if msgID != byte(wire.MsgKexDHReply) {
		return KexResult{}, errors.New("cryptoprovider: expected KEXDH_REPLY")
	}

	rb := wire.NewPacketBufferFromBytes(body)
	hostKey, err := rb.GetBytes()
	if err != nil {
		return KexResult{}, err
	}
	f, err := rb.GetMPInt()
	if err != nil {
		return KexResult{}, err
	}
	sig, err := rb.GetBytes()
	if err != nil {
		return KexResult{}, err
	}

	if f.Sign() <= 0 || f.Cmp(d.group.p) >= 0 {
		return KexResult{}, errors.New("cryptoprovider: DH reply f out of range")
	}

	k := new(big.Int).Exp(f, x, d.group.p)

	return KexResult{
		SharedSecret:        k.Bytes(),
		HostKey:             hostKey,
		Signature:           sig,
		ClientExchangeValue: e.Bytes(),
		ServerExchangeValue: f.Bytes(),
	}, nil
}

// RegisterMandatoryKeyExchanges installs diffie-hellman-group1-sha1 and
// diffie-hellman-group14-sha1, the two mandatory KEX methods (spec.md
// §6). math/big modular exponentiation is the only way to do DH in the
// retrieval pack or the stdlib; no third-party library reshapes it.
func RegisterMandatoryKeyExchanges(p *Provider) {
	p.RegisterKeyExchange("diffie-hellman-group1-sha1", func() KeyExchange {
		return &dhKeyExchange{name: "diffie-hellman-group1-sha1", group: group1}
	})
	p.RegisterKeyExchange("diffie-hellman-group14-sha1", func() KeyExchange {
		return &dhKeyExchange{name: "diffie-hellman-group14-sha1", group: group14}
	})
}
