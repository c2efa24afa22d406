package cryptoprovider

import (
	"crypto"
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"testing"

	"blitter.com/go/sshcore/wire"
)

func wrapSignature(algo string, blob []byte) []byte {
	b := wire.NewPacketBuffer()
	b.PutString(algo)
	b.PutBytes(blob)
	return b.Bytes()
}

func TestRSASignerVerifyUnwrapsWireSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := []byte("exchange hash H")
	h := sha1.Sum(digest)
	sigBlob, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, h[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}

	s := &rsaSigner{pub: &key.PublicKey}
	wrapped := wrapSignature("ssh-rsa", sigBlob)
	if err := s.Verify(nil, wrapped, digest); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRSASignerVerifyRejectsUnwrappedBlob(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := []byte("exchange hash H")
	h := sha1.Sum(digest)
	sigBlob, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, h[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}

	s := &rsaSigner{pub: &key.PublicKey}
	// the raw, un-unwrapped blob (no "ssh-rsa" + length-prefix wrapper)
	// must not verify against a PKCS#1 v1.5 check expecting the wrapper
	// stripped off.
	if err := s.Verify(nil, sigBlob, digest); err == nil {
		t.Fatalf("expected Verify to fail against a non-wire-encoded signature")
	}
}

func TestRSASignerVerifyRejectsAlgoMismatch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := []byte("exchange hash H")
	h := sha1.Sum(digest)
	sigBlob, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, h[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}

	s := &rsaSigner{pub: &key.PublicKey}
	wrapped := wrapSignature("ssh-dss", sigBlob)
	if err := s.Verify(nil, wrapped, digest); err == nil {
		t.Fatalf("expected Verify to reject a wrapper naming the wrong algorithm")
	}
}

func TestDSASignerVerifyUnwrapsWireSignature(t *testing.T) {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		t.Fatalf("GenerateParameters: %v", err)
	}
	var priv dsa.PrivateKey
	priv.Parameters = params
	if err := dsa.GenerateKey(&priv, rand.Reader); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	digest := []byte("exchange hash H")
	h := sha1.Sum(digest)
	r, sVal, err := dsa.Sign(rand.Reader, &priv, h[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	blob := make([]byte, 40)
	r.FillBytes(blob[:20])
	sVal.FillBytes(blob[20:])

	s := &dsaSigner{pub: &priv.PublicKey}
	wrapped := wrapSignature("ssh-dss", blob)
	if err := s.Verify(nil, wrapped, digest); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDSASignerVerifyRejectsMalformedBlob(t *testing.T) {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		t.Fatalf("GenerateParameters: %v", err)
	}
	var priv dsa.PrivateKey
	priv.Parameters = params
	if err := dsa.GenerateKey(&priv, rand.Reader); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	s := &dsaSigner{pub: &priv.PublicKey}
	wrapped := wrapSignature("ssh-dss", []byte("too short"))
	if err := s.Verify(nil, wrapped, []byte("digest")); err == nil {
		t.Fatalf("expected Verify to reject a non-40-byte inner blob")
	}
}
