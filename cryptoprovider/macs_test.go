package cryptoprovider

import (
	"bytes"
	"testing"
)

func TestMandatoryMACsDeterministicAndSized(t *testing.T) {
	p := New()
	RegisterMandatoryMACs(p)

	cases := []struct {
		name    string
		outSize int
	}{
		{"hmac-sha1", 20},
		{"hmac-sha1-96", 12},
		{"hmac-md5", 16},
		{"hmac-md5-96", 12},
	}

	packet := []byte("ssh-userauth handshake payload bytes")

	for _, c := range cases {
		f, err := p.MAC(c.name)
		if err != nil {
			t.Fatalf("%s: lookup: %v", c.name, err)
		}
		key := make([]byte, f.KeySize())
		for i := range key {
			key[i] = byte(i)
		}
		mac, err := f.New(key)
		if err != nil {
			t.Fatalf("%s: New: %v", c.name, err)
		}
		if mac.Size() != c.outSize {
			t.Fatalf("%s: Size() = %d, want %d", c.name, mac.Size(), c.outSize)
		}

		a := mac.Compute(5, packet)
		b := mac.Compute(5, packet)
		if !bytes.Equal(a, b) {
			t.Fatalf("%s: Compute not deterministic for same seq/packet", c.name)
		}

		c2 := mac.Compute(6, packet)
		if bytes.Equal(a, c2) {
			t.Fatalf("%s: Compute did not vary with sequence number", c.name)
		}
	}
}
