package cryptoprovider

import (
	"bytes"
	"testing"
)

type cipherRoundTrip struct {
	name string
}

var mandatoryCipherCases = []cipherRoundTrip{
	{"aes128-cbc"},
	{"aes192-cbc"},
	{"aes256-cbc"},
	{"blowfish-cbc"},
	{"3des-cbc"},
}

func TestMandatoryCiphersRoundTrip(t *testing.T) {
	p := New()
	RegisterMandatoryCiphers(p)

	for _, c := range mandatoryCipherCases {
		f, err := p.Cipher(c.name)
		if err != nil {
			t.Fatalf("%s: lookup: %v", c.name, err)
		}
		key := make([]byte, f.KeySize())
		iv := make([]byte, f.IVSize())
		for i := range key {
			key[i] = byte(i)
		}
		for i := range iv {
			iv[i] = byte(0xA0 + i)
		}

		enc, err := f.New(key, iv, true)
		if err != nil {
			t.Fatalf("%s: New(encrypt): %v", c.name, err)
		}
		dec, err := f.New(key, iv, false)
		if err != nil {
			t.Fatalf("%s: New(decrypt): %v", c.name, err)
		}

		plain := bytes.Repeat([]byte("0123456789abcdef"), 4)[:f.BlockSize()*3]
		cipherText := make([]byte, len(plain))
		enc.Encrypt(cipherText, plain)

		recovered := make([]byte, len(plain))
		dec.Decrypt(recovered, cipherText)

		if !bytes.Equal(plain, recovered) {
			t.Fatalf("%s: round-trip mismatch", c.name)
		}
		if bytes.Equal(plain, cipherText) {
			t.Fatalf("%s: ciphertext equals plaintext", c.name)
		}
	}
}

func TestExtraCipherStreamRoundTrip(t *testing.T) {
	p := New()
	RegisterExtraCiphers(p)

	for _, name := range []string{"chacha20@blitter.com", "cryptmt1@blitter.com", "wanderer@blitter.com", "twofish128-cbc@blitter.com"} {
		f, err := p.Cipher(name)
		if err != nil {
			t.Fatalf("%s: lookup: %v", name, err)
		}
		key := make([]byte, f.KeySize())
		iv := make([]byte, f.IVSize())
		for i := range key {
			key[i] = byte(i + 1)
		}

		enc, err := f.New(key, iv, true)
		if err != nil {
			t.Fatalf("%s: New(encrypt): %v", name, err)
		}
		dec, err := f.New(key, iv, false)
		if err != nil {
			t.Fatalf("%s: New(decrypt): %v", name, err)
		}

		plain := []byte("the quick brown fox jumps over the lazy dog????")[:32]
		ct := make([]byte, len(plain))
		enc.Encrypt(ct, plain)
		pt := make([]byte, len(plain))
		dec.Decrypt(pt, ct)

		if !bytes.Equal(plain, pt) {
			t.Fatalf("%s: round-trip mismatch", name)
		}
	}
}

func TestUnknownCipherReturnsErrUnknownAlgorithm(t *testing.T) {
	p := New()
	RegisterMandatoryCiphers(p)
	if _, err := p.Cipher("rot13"); err != ErrUnknownAlgorithm {
		t.Fatalf("got %v, want ErrUnknownAlgorithm", err)
	}
}
