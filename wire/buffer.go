package wire

import (
	"encoding/binary"
	"errors"
	"math/big"
	"strings"
)

// ErrBufferUnderflow is returned by the Get* accessors when the buffer
// does not hold enough remaining bytes to satisfy the request.
var ErrBufferUnderflow = errors.New("wire: buffer underflow")

// headroom is the space reserved at the front of a freshly allocated
// PacketBuffer for a packet_length/padding_length header that SetHeader
// can fill in once the payload is known, without a second
// allocation+copy (RFC 4253 §6: a 4-byte packet_length field plus a
// 1-byte padding_length field precede the payload on the wire). The
// transport codec does not use it; EncodePacket builds its own frame.
const headroom = 5

// PacketBuffer is a growable byte buffer with independent read and
// write cursors, used to build and parse SSH payloads field-by-field.
// Put* appends at the write cursor; Get* consumes from the read cursor.
// The zero value is not usable for building a payload: Bytes treats
// the first headroom bytes written as header space. NewPacketBuffer
// pre-reserves that headroom so SetHeader can fill it in without
// shifting the payload.
type PacketBuffer struct {
	buf  []byte
	rpos int
	wpos int
}

// NewPacketBuffer returns a PacketBuffer whose write cursor starts after
// the reserved header headroom; Bytes() returns only what was written
// via Put*, while RawWithHeadroom exposes the full backing slice with
// whatever SetHeader put in front of the payload.
func NewPacketBuffer() *PacketBuffer {
	b := &PacketBuffer{buf: make([]byte, headroom, 256)}
	b.rpos = headroom
	b.wpos = headroom
	return b
}

// NewPacketBufferFromBytes wraps an existing payload for reading; it
// carries no header headroom since it did not go through Put*.
func NewPacketBufferFromBytes(p []byte) *PacketBuffer {
	return &PacketBuffer{buf: p, rpos: 0, wpos: len(p)}
}

// Reset clears the buffer for reuse, preserving header headroom.
func (b *PacketBuffer) Reset() {
	if cap(b.buf) < headroom {
		b.buf = make([]byte, headroom, 256)
	} else {
		b.buf = b.buf[:headroom]
	}
	b.rpos = headroom
	b.wpos = headroom
}

func (b *PacketBuffer) grow(n int) {
	need := b.wpos + n
	if cap(b.buf) >= need {
		b.buf = b.buf[:need]
		return
	}
	nb := make([]byte, need, 2*need)
	copy(nb, b.buf)
	b.buf = nb
}

// Bytes returns the payload written so far, excluding header headroom.
func (b *PacketBuffer) Bytes() []byte {
	if b.wpos <= headroom {
		return nil
	}
	return b.buf[headroom:b.wpos]
}

// RawWithHeadroom returns the full backing slice, including whatever
// header bytes have been written into the reserved headroom region.
func (b *PacketBuffer) RawWithHeadroom() []byte {
	return b.buf[:b.wpos]
}

// SetHeader overwrites the reserved headroom bytes directly, for
// filling in packet_length and padding_length once they are known.
func (b *PacketBuffer) SetHeader(hdr []byte) error {
	if len(hdr) > headroom {
		return errors.New("wire: header exceeds reserved headroom")
	}
	copy(b.buf[headroom-len(hdr):headroom], hdr)
	return nil
}

// Remaining reports how many unread bytes remain.
func (b *PacketBuffer) Remaining() int {
	return b.wpos - b.rpos
}

func (b *PacketBuffer) need(n int) error {
	if b.Remaining() < n {
		return ErrBufferUnderflow
	}
	return nil
}

// --- Put* (append at write cursor) ---

func (b *PacketBuffer) PutByte(v byte) {
	b.grow(1)
	b.buf[b.wpos] = v
	b.wpos++
}

func (b *PacketBuffer) PutBool(v bool) {
	if v {
		b.PutByte(1)
	} else {
		b.PutByte(0)
	}
}

func (b *PacketBuffer) PutUint32(v uint32) {
	b.grow(4)
	binary.BigEndian.PutUint32(b.buf[b.wpos:b.wpos+4], v)
	b.wpos += 4
}

func (b *PacketBuffer) PutUint64(v uint64) {
	b.grow(8)
	binary.BigEndian.PutUint64(b.buf[b.wpos:b.wpos+8], v)
	b.wpos += 8
}

// PutBytes writes a uint32-length-prefixed byte string, RFC 4251 §5.
func (b *PacketBuffer) PutBytes(p []byte) {
	b.PutUint32(uint32(len(p)))
	b.grow(len(p))
	copy(b.buf[b.wpos:], p)
	b.wpos += len(p)
}

// PutString writes a uint32-length-prefixed UTF-8/ASCII string.
func (b *PacketBuffer) PutString(s string) {
	b.PutBytes([]byte(s))
}

// PutNameList writes a comma-separated name-list, RFC 4251 §5.
func (b *PacketBuffer) PutNameList(names []string) {
	b.PutString(strings.Join(names, ","))
}

// PutMPInt writes a signed, big-endian, two's-complement integer per
// RFC 4251 §5: a leading zero byte is inserted when the high bit of the
// first byte would otherwise be mistaken for a sign bit on a
// nonnegative value; negative values are encoded in the minimal number
// of bytes whose most significant bit is set.
func (b *PacketBuffer) PutMPInt(v *big.Int) {
	switch v.Sign() {
	case 0:
		b.PutUint32(0)
	case 1:
		bs := v.Bytes()
		if bs[0]&0x80 != 0 {
			out := make([]byte, len(bs)+1)
			copy(out[1:], bs)
			b.PutBytes(out)
			return
		}
		b.PutBytes(bs)
	default:
		mag := new(big.Int).Neg(v)
		mag.Sub(mag, big.NewInt(1))
		nbytes := mag.BitLen()/8 + 1
		mod := new(big.Int).Lsh(big.NewInt(1), uint(nbytes*8))
		tc := new(big.Int).Add(v, mod)
		bs := tc.Bytes()
		out := make([]byte, nbytes)
		copy(out[nbytes-len(bs):], bs)
		b.PutBytes(out)
	}
}

// PutMPIntBytes writes an unsigned big-endian magnitude (already
// stripped of leading zero bytes, e.g. a big.Int.Bytes() result) using
// the same mpint encoding as PutMPInt, without requiring callers to
// round-trip through *big.Int themselves. Used to hash a shared secret
// into the RFC 4253 §8 exchange hash and key-derivation inputs.
func (b *PacketBuffer) PutMPIntBytes(mag []byte) {
	for len(mag) > 0 && mag[0] == 0 {
		mag = mag[1:]
	}
	if len(mag) == 0 {
		b.PutUint32(0)
		return
	}
	if mag[0]&0x80 != 0 {
		out := make([]byte, len(mag)+1)
		copy(out[1:], mag)
		b.PutBytes(out)
		return
	}
	b.PutBytes(mag)
}

// --- Get* (consume from read cursor) ---

func (b *PacketBuffer) GetByte() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.buf[b.rpos]
	b.rpos++
	return v, nil
}

func (b *PacketBuffer) GetBool() (bool, error) {
	v, err := b.GetByte()
	return v != 0, err
}

func (b *PacketBuffer) GetUint32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.buf[b.rpos : b.rpos+4])
	b.rpos += 4
	return v, nil
}

func (b *PacketBuffer) GetUint64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.buf[b.rpos : b.rpos+8])
	b.rpos += 8
	return v, nil
}

// GetBytes reads a uint32-length-prefixed byte string.
func (b *PacketBuffer) GetBytes() ([]byte, error) {
	n, err := b.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := b.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, b.buf[b.rpos:b.rpos+int(n)])
	b.rpos += int(n)
	return v, nil
}

func (b *PacketBuffer) GetString() (string, error) {
	p, err := b.GetBytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (b *PacketBuffer) GetNameList() ([]string, error) {
	s, err := b.GetString()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

func (b *PacketBuffer) GetMPInt() (*big.Int, error) {
	p, err := b.GetBytes()
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return new(big.Int), nil
	}
	v := new(big.Int).SetBytes(p)
	if p[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(len(p)*8))
		v.Sub(v, mod)
	}
	return v, nil
}

// GetRest returns whatever remains unread, without advancing past it
// in a way that can be re-read; used for trailing opaque payloads
// (e.g. a channel-request's type-specific data).
func (b *PacketBuffer) GetRest() []byte {
	v := b.buf[b.rpos:b.wpos]
	b.rpos = b.wpos
	return v
}
