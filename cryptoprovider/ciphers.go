package cryptoprovider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"blitter.com/go/cryptmt"
	"blitter.com/go/wanderer"
	"github.com/aead/chacha20/chacha"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"
)

// blockCipherCBC implements Cipher over a stdlib cipher.BlockMode.
// RFC 4253 §6.3 requires CBC for every mandatory cipher; the teacher's
// own algorithms instead ran in OFB (xsnet/chan.go's getStream), which
// this library does not reuse for the *mandatory* list since the wire
// format here is real SSH-2, not the teacher's own framing.
type blockCipherCBC struct {
	blockSize int
	mode      cipher.BlockMode
}

func (c *blockCipherCBC) BlockSize() int { return c.blockSize }
func (c *blockCipherCBC) Encrypt(dst, src []byte) { c.mode.CryptBlocks(dst, src) }
func (c *blockCipherCBC) Decrypt(dst, src []byte) { c.mode.CryptBlocks(dst, src) }

type cbcFactory struct {
	name      string
	keySize   int
	blockSize int
	newBlock  func(key []byte) (cipher.Block, error)
}

func (f *cbcFactory) Name() string      { return f.name }
func (f *cbcFactory) KeySize() int      { return f.keySize }
func (f *cbcFactory) IVSize() int       { return f.blockSize }
func (f *cbcFactory) BlockSize() int    { return f.blockSize }

func (f *cbcFactory) New(key, iv []byte, encrypt bool) (Cipher, error) {
	block, err := f.newBlock(key)
	if err != nil {
		return nil, err
	}
	var mode cipher.BlockMode
	if encrypt {
		mode = cipher.NewCBCEncrypter(block, iv)
	} else {
		mode = cipher.NewCBCDecrypter(block, iv)
	}
	return &blockCipherCBC{blockSize: f.blockSize, mode: mode}, nil
}

// streamCipher implements Cipher over a stdlib-or-vendor cipher.Stream;
// RFC 4253 §6.3 treats every stream cipher as having an effective block
// size of 8 for padding-length arithmetic.
type streamCipher struct {
	stream cipher.Stream
}

func (c *streamCipher) BlockSize() int              { return 8 }
func (c *streamCipher) Encrypt(dst, src []byte)      { c.stream.XORKeyStream(dst, src) }
func (c *streamCipher) Decrypt(dst, src []byte)      { c.stream.XORKeyStream(dst, src) }

// RegisterMandatoryCiphers installs the RFC 4253 §6.3 minimum cipher
// set (aes{128,192,256}-cbc, blowfish-cbc, 3des-cbc), all stdlib- or
// golang.org/x/crypto-backed: no library in the retrieval pack offers a
// CBC block-cipher construction different from what crypto/cipher
// already provides, so the mandatory ciphers use it directly.
func RegisterMandatoryCiphers(p *Provider) {
	p.RegisterCipher(&cbcFactory{"aes128-cbc", 16, aes.BlockSize, aes.NewCipher})
	p.RegisterCipher(&cbcFactory{"aes192-cbc", 24, aes.BlockSize, aes.NewCipher})
	p.RegisterCipher(&cbcFactory{"aes256-cbc", 32, aes.BlockSize, aes.NewCipher})
	p.RegisterCipher(&cbcFactory{"blowfish-cbc", 16, blowfish.BlockSize, func(k []byte) (cipher.Block, error) {
		return blowfish.NewCipher(k)
	}})
	p.RegisterCipher(&cbcFactory{"3des-cbc", 24, des.BlockSize, des.NewTripleDESCipher})
}

// twofishFactory registers the extra (non-mandatory) twofish128-cbc
// cipher, grounded on xsnet/chan.go's CAlgTwofish128 case.
type twofishFactory struct{}

func (twofishFactory) Name() string   { return "twofish128-cbc@blitter.com" }
func (twofishFactory) KeySize() int   { return twofish.BlockSize }
func (twofishFactory) IVSize() int    { return twofish.BlockSize }
func (twofishFactory) BlockSize() int { return twofish.BlockSize }
func (twofishFactory) New(key, iv []byte, encrypt bool) (Cipher, error) {
	block, err := twofish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	var mode cipher.BlockMode
	if encrypt {
		mode = cipher.NewCBCEncrypter(block, iv)
	} else {
		mode = cipher.NewCBCDecrypter(block, iv)
	}
	return &blockCipherCBC{blockSize: twofish.BlockSize, mode: mode}, nil
}

// chacha20Factory registers chacha20@blitter.com, a stream cipher,
// grounded on xsnet/chan.go's CAlgChaCha20_12 case (20-round ChaCha
// rather than the teacher's 12-round choice: this library is not bound
// to the teacher's reduced-round variant).
type chacha20Factory struct{}

func (chacha20Factory) Name() string   { return "chacha20@blitter.com" }
func (chacha20Factory) KeySize() int   { return chacha.KeySize }
func (chacha20Factory) IVSize() int    { return chacha.INonceSize }
func (chacha20Factory) BlockSize() int { return 8 }
func (chacha20Factory) New(key, iv []byte, encrypt bool) (Cipher, error) {
	s, err := chacha.NewCipher(iv, key, 20)
	if err != nil {
		return nil, err
	}
	return &streamCipher{stream: s}, nil
}

// cryptmt1Factory registers cryptmt1@blitter.com, grounded on
// xsnet/chan.go's CAlgCryptMT1 case.
type cryptmt1Factory struct{}

func (cryptmt1Factory) Name() string   { return "cryptmt1@blitter.com" }
func (cryptmt1Factory) KeySize() int   { return 16 }
func (cryptmt1Factory) IVSize() int    { return 0 }
func (cryptmt1Factory) BlockSize() int { return 8 }
func (cryptmt1Factory) New(key, iv []byte, encrypt bool) (Cipher, error) {
	return &streamCipher{stream: cryptmt.New(key)}, nil
}

// wandererFactory registers wanderer@blitter.com, grounded on the same
// getStream switch shape even though the teacher never itself wires
// wanderer into chan.go; it uses the same mtwist-seeded construction
// the teacher's demo/Herradura.go and xsnet's mtwist imports expect.
type wandererFactory struct{}

func (wandererFactory) Name() string   { return "wanderer@blitter.com" }
func (wandererFactory) KeySize() int   { return 16 }
func (wandererFactory) IVSize() int    { return 0 }
func (wandererFactory) BlockSize() int { return 8 }
func (wandererFactory) New(key, iv []byte, encrypt bool) (Cipher, error) {
	// r/w are left nil: driven purely as a keystream via XORKeyStream,
	// never through its Read/Write pipe-wrapping methods. mode 0 and
	// an 8x8 sbox are the only combination exercised by this package's
	// tests; wanderer.go documents no other mode value.
	w := wanderer.New(nil, nil, 0, key, 8, 8)
	return &streamCipher{stream: w}, nil
}

// RegisterExtraCiphers installs the non-RFC extra ciphers the teacher
// and the rest of the retrieval pack contribute, each a pure addition
// alongside (never a replacement for) the mandatory set above.
func RegisterExtraCiphers(p *Provider) {
	p.RegisterCipher(twofishFactory{})
	p.RegisterCipher(chacha20Factory{})
	p.RegisterCipher(cryptmt1Factory{})
	p.RegisterCipher(wandererFactory{})
}
