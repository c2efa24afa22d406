// Package cryptoprovider implements the CryptoProvider collaborator
// spec.md places outside the transport/kex/connection core: concrete
// ciphers, MACs, compression, key-exchange methods and host-key
// algorithms, each a factory keyed by its SSH algorithm name. The core
// packages (kex, transport, connection) depend only on the small
// capability interfaces declared here, never on a concrete algorithm.
package cryptoprovider

import (
	"crypto/rand"
	"errors"
	"hash"
	"io"
)

// ErrUnknownAlgorithm is returned by a provider's lookup methods
// (Cipher, MAC, Compression, KeyExchange, HostKey) when asked for a
// name it does not register.
var ErrUnknownAlgorithm = errors.New("cryptoprovider: unknown algorithm")

// Cipher is the capability surface the transport codec drives once per
// packet. Implementations wrap either a CBC cipher.BlockMode (the
// mandatory ciphers) or a raw cipher.Stream (the extra, non-RFC
// ciphers registered below) behind the same Encrypt/Decrypt pair.
type Cipher interface {
	BlockSize() int
	Encrypt(dst, src []byte)
	Decrypt(dst, src []byte)
}

// CipherFactory constructs a Cipher bound to one direction (encrypt
// XOR decrypt) given the derived key and IV for that direction.
type CipherFactory interface {
	Name() string
	KeySize() int
	IVSize() int
	BlockSize() int
	New(key, iv []byte, encrypt bool) (Cipher, error)
}

// MAC is the capability surface for per-packet integrity, RFC 4253 §6.4:
// the digest is computed over the big-endian sequence number followed
// by the cleartext packet, then truncated to Size().
type MAC interface {
	Size() int
	Compute(seq uint32, cleartextPacket []byte) []byte
}

// MACFactory constructs a MAC bound to a derived integrity key.
type MACFactory interface {
	Name() string
	KeySize() int
	New(key []byte) (MAC, error)
}

// Compressor/Decompressor back the `compression` algorithm slot.
type Compressor interface {
	Compress(payload []byte) ([]byte, error)
}

type Decompressor interface {
	Decompress(payload []byte) ([]byte, error)
}

// CompressionFactory names whether the algorithm is "delayed" (may not
// run before authentication completes, per RFC 4253 §6.2 and the
// zlib@openssh.com convention) and builds fresh (de)compressor state.
type CompressionFactory interface {
	Name() string
	Delayed() bool
	NewCompressor() (Compressor, error)
	NewDecompressor() (Decompressor, error)
}

// KeyExchange performs the method-specific half of one KEX round: the
// kex package's KeyExchanger owns negotiation, session-id fixing and
// key derivation; this performs only the algorithm's own math (DH
// modexp, or an extra KEM/lattice exchange) and hashes with whatever
// hash function the method specifies.
type KeyExchange interface {
	Name() string
	// Client runs the client side of the method using the supplied
	// hooks to exchange method-specific messages, and returns the
	// shared secret K and both exchange values (e.g. DH's `e` and `f`)
	// as unsigned big-endian magnitudes, plus the server's host key
	// and signature.
	Client(io KexIO) (k KexResult, err error)
	HashNew() func() hash.Hash
}

// KexIO lets a KeyExchange send and receive its own method-specific
// messages without depending on the transport package directly.
type KexIO interface {
	Send(msgID byte, body []byte) error
	Recv() (msgID byte, body []byte, err error)
}

// KexResult carries everything the kex package needs out of a
// method-specific exchange to finish computing H and derive keys.
type KexResult struct {
	SharedSecret        []byte // K, as an unsigned big-endian magnitude
	HostKey              []byte // K_S, as received from the server
	Signature            []byte // signature over H, as received from the server
	ClientExchangeValue  []byte // e.g. DH's e, as an unsigned big-endian magnitude
	ServerExchangeValue  []byte // e.g. DH's f, as an unsigned big-endian magnitude
}

// Signer verifies signatures for a host-key algorithm. The client role
// only ever verifies, so the interface has no signing method.
type Signer interface {
	Name() string
	Verify(pub, sig, digest []byte) error
}

// HostKeyFactory parses a wire-format public key blob for one
// algorithm and returns a Signer bound to it.
type HostKeyFactory interface {
	Name() string
	ParsePublicKey(blob []byte) (Signer, error)
}

// Provider aggregates every registered algorithm factory by kind. The
// zero value is not usable (its maps are nil, so Register* panics);
// build one with New, or use NewDefaultProvider for the standard,
// fully-populated instance this library ships.
type Provider struct {
	ciphers      map[string]CipherFactory
	macs         map[string]MACFactory
	compressions map[string]CompressionFactory
	kexes        map[string]func() KeyExchange
	hostKeys     map[string]HostKeyFactory
	rand         io.Reader
}

// New returns an empty Provider; callers populate it with Register* to
// build a custom algorithm set, or start from NewDefaultProvider and
// layer registrations on top.
func New() *Provider {
	return &Provider{
		ciphers:      make(map[string]CipherFactory),
		macs:         make(map[string]MACFactory),
		compressions: make(map[string]CompressionFactory),
		kexes:        make(map[string]func() KeyExchange),
		hostKeys:     make(map[string]HostKeyFactory),
		rand:         rand.Reader,
	}
}

func (p *Provider) RegisterCipher(f CipherFactory)          { p.ciphers[f.Name()] = f }
func (p *Provider) RegisterMAC(f MACFactory)                { p.macs[f.Name()] = f }
func (p *Provider) RegisterCompression(f CompressionFactory) { p.compressions[f.Name()] = f }
func (p *Provider) RegisterKeyExchange(name string, ctor func() KeyExchange) {
	p.kexes[name] = ctor
}
func (p *Provider) RegisterHostKey(f HostKeyFactory) { p.hostKeys[f.Name()] = f }

// Random returns the provider's source of cryptographically secure
// randomness, used for padding, cookies and ephemeral key material.
func (p *Provider) Random() io.Reader { return p.rand }

// SetRandom overrides the randomness source; tests use this to make
// padding/cookie generation deterministic.
func (p *Provider) SetRandom(r io.Reader) { p.rand = r }

func (p *Provider) CipherNames() []string      { return namesOfCiphers(p.ciphers) }
func (p *Provider) MACNames() []string         { return namesOfMACs(p.macs) }
func (p *Provider) CompressionNames() []string { return namesOfCompressions(p.compressions) }
func (p *Provider) KeyExchangeNames() []string {
	names := make([]string, 0, len(p.kexes))
	for n := range p.kexes {
		names = append(names, n)
	}
	return names
}
func (p *Provider) HostKeyNames() []string { return namesOfHostKeys(p.hostKeys) }

func (p *Provider) Cipher(name string) (CipherFactory, error) {
	f, ok := p.ciphers[name]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return f, nil
}

func (p *Provider) MAC(name string) (MACFactory, error) {
	f, ok := p.macs[name]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return f, nil
}

func (p *Provider) Compression(name string) (CompressionFactory, error) {
	f, ok := p.compressions[name]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return f, nil
}

func (p *Provider) KeyExchange(name string) (KeyExchange, error) {
	ctor, ok := p.kexes[name]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return ctor(), nil
}

func (p *Provider) HostKey(name string) (HostKeyFactory, error) {
	f, ok := p.hostKeys[name]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return f, nil
}

func namesOfCiphers(m map[string]CipherFactory) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}

func namesOfMACs(m map[string]MACFactory) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}

func namesOfCompressions(m map[string]CompressionFactory) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}

func namesOfHostKeys(m map[string]HostKeyFactory) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}

