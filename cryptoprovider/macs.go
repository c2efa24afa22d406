package cryptoprovider

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash"
)

// hmacMAC implements MAC over RFC 4253 §6.4's construction: digest =
// HMAC(key, seq32 || cleartext-packet), truncated to outSize bytes
// for the "-96" variants (the untruncated digest is still computed
// over the full key per the RFC, only the wire output is shortened).
type hmacMAC struct {
	h       func() hash.Hash
	key     []byte
	outSize int
}

func (m *hmacMAC) Size() int { return m.outSize }

func (m *hmacMAC) Compute(seq uint32, cleartextPacket []byte) []byte {
	mac := hmac.New(m.h, m.key)
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	mac.Write(seqBytes[:])
	mac.Write(cleartextPacket)
	sum := mac.Sum(nil)
	return sum[:m.outSize]
}

type hmacFactory struct {
	name     string
	keySize  int
	fullSize int
	outSize  int
	h        func() hash.Hash
}

func (f *hmacFactory) Name() string    { return f.name }
func (f *hmacFactory) KeySize() int    { return f.keySize }
func (f *hmacFactory) New(key []byte) (MAC, error) {
	return &hmacMAC{h: f.h, key: key, outSize: f.outSize}, nil
}

// RegisterMandatoryMACs installs the RFC 4253 §6.4 minimum MAC set.
// No library in the retrieval pack wraps HMAC construction differently
// from crypto/hmac, so the mandatory set is stdlib-backed directly.
func RegisterMandatoryMACs(p *Provider) {
	p.RegisterMAC(&hmacFactory{"hmac-sha1", 20, 20, 20, sha1.New})
	p.RegisterMAC(&hmacFactory{"hmac-sha1-96", 20, 20, 12, sha1.New})
	p.RegisterMAC(&hmacFactory{"hmac-md5", 16, 16, 16, md5.New})
	p.RegisterMAC(&hmacFactory{"hmac-md5-96", 16, 16, 12, md5.New})
}
