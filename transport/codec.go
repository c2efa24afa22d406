// Package transport implements the SSH-2 Binary Packet Protocol
// (RFC 4253 §6) over a net.Conn: framing/encryption/MAC/compression in
// BinaryCodec, version exchange and the read/write pumps in
// TransportProtocol, and Dial/Listen over tcp and kcp substrates.
package transport

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"blitter.com/go/sshcore/cryptoprovider"
)

// MaxPacketLength bounds packet_length against memory-exhaustion
// attacks, RFC 4253 §6.1 recommends 35000; spec.md raises this to
// 256 KiB to comfortably carry the largest negotiated channel windows.
const MaxPacketLength = 256 * 1024

// ErrMacMismatch is the sentinel the Decoder's NeedBody step returns
// when the MAC recomputed over the cleartext packet doesn't match the
// MAC received on the wire (RFC 4253 §6.4).
var ErrMacMismatch = errors.New("transport: MAC mismatch")

// ErrInsanePacketLength flags a packet_length outside the sane range a
// correctly framed packet could ever have.
var ErrInsanePacketLength = errors.New("transport: insane packet_length")

// Encoder turns payloads into wire packets for one direction of a
// connection, mutating in place across NEWKEYS the way the teacher's
// Conn swaps hc.w/hc.wm on each new cipher negotiation rather than
// replacing the whole connection object.
type Encoder struct {
	cipher          cryptoprovider.Cipher
	cipherBlockSize int
	mac             cryptoprovider.MAC
	compressor      cryptoprovider.Compressor
	delayed         bool
	authenticated   bool
	seq             uint32
	rand            io.Reader
}

// NewEncoder returns an Encoder with cipher=none, mac=none,
// compression=none — the state every connection starts in before its
// first KEX completes, RFC 4253 §6: "none" is the name for both.
func NewEncoder() *Encoder {
	return &Encoder{cipherBlockSize: 8, rand: rand.Reader}
}

// SetAlgorithms installs a newly negotiated cipher/MAC/compression
// triple, called once after each NEWKEYS (initial KEX or rekey).
func (e *Encoder) SetAlgorithms(c cryptoprovider.Cipher, m cryptoprovider.MAC, comp cryptoprovider.Compressor, delayed bool) {
	e.cipher = c
	e.mac = m
	e.compressor = comp
	e.delayed = delayed
	if c != nil {
		e.cipherBlockSize = c.BlockSize()
		if e.cipherBlockSize < 8 {
			e.cipherBlockSize = 8
		}
	} else {
		e.cipherBlockSize = 8
	}
}

// MarkAuthenticated flips the gate that allows a "delayed" compression
// algorithm (zlib@openssh.com) to actually start compressing, RFC 4253
// §6.2: delayed compression must not run until user authentication
// succeeds, to avoid leaking auth-phase payload lengths under CRIME-like
// chosen-plaintext compression ratio attacks.
func (e *Encoder) MarkAuthenticated() { e.authenticated = true }

// Seq returns the current outbound sequence number.
func (e *Encoder) Seq() uint32 { return e.seq }

// EncodePacket builds one wire-format packet from payload per spec.md
// §4.1's Encode contract, returning the new outbound sequence number
// alongside the framed bytes.
func (e *Encoder) EncodePacket(payload []byte) ([]byte, uint32, error) {
	if e.compressor != nil && (e.authenticated || !e.delayed) {
		c, err := e.compressor.Compress(payload)
		if err != nil {
			return nil, e.seq, fmt.Errorf("transport: compress: %w", err)
		}
		payload = c
	}

	block := e.cipherBlockSize
	if block < 8 {
		block = 8
	}
	padLen := block - ((len(payload) + 5) % block)
	if padLen < 4 {
		padLen += block
	}
	// RFC 4253 §6.1: "random padding" up to 255 bytes, not just the
	// minimal legal amount — pick uniformly among the block-aligned
	// pad lengths still in [padLen, 255], so packet_length doesn't
	// leak payload length as precisely as the minimum pad would.
	if extraSteps := (255 - padLen) / block; extraSteps > 0 {
		var r [1]byte
		if _, err := io.ReadFull(e.rand, r[:]); err != nil {
			return nil, e.seq, fmt.Errorf("transport: padding: %w", err)
		}
		padLen += (int(r[0]) % (extraSteps + 1)) * block
	}

	packetLen := uint32(1 + len(payload) + padLen)

	cleartext := make([]byte, 4+1+len(payload)+padLen)
	binary.BigEndian.PutUint32(cleartext[0:4], packetLen)
	cleartext[4] = byte(padLen)
	copy(cleartext[5:5+len(payload)], payload)
	padding := cleartext[5+len(payload):]
	if _, err := io.ReadFull(e.rand, padding); err != nil {
		return nil, e.seq, fmt.Errorf("transport: padding: %w", err)
	}

	seq := e.seq
	e.seq++

	var macOut []byte
	if e.mac != nil {
		macOut = e.mac.Compute(seq, cleartext)
	}

	out := cleartext
	if e.cipher != nil {
		out = make([]byte, len(cleartext))
		e.cipher.Encrypt(out, cleartext)
	}
	if macOut != nil {
		out = append(out, macOut...)
	}

	return out, e.seq, nil
}

// Decoder parses wire packets back into payloads for one direction,
// implementing spec.md §4.1's NeedHeader/NeedBody state machine over an
// internal buffer so callers can feed it arbitrary-sized reads from the
// underlying net.Conn.
type Decoder struct {
	cipher          cryptoprovider.Cipher
	cipherBlockSize int
	mac             cryptoprovider.MAC
	macSize         int
	decompressor    cryptoprovider.Decompressor
	delayed         bool
	authenticated   bool
	seq             uint32

	buf             bytes.Buffer
	headerKnown     bool
	decryptedHeader []byte
	packetLen       uint32
	padLen          byte
}

// NewDecoder returns a Decoder in the cipher=none/mac=none/
// compression=none starting state.
func NewDecoder() *Decoder {
	return &Decoder{cipherBlockSize: 8}
}

func (d *Decoder) SetAlgorithms(c cryptoprovider.Cipher, m cryptoprovider.MAC, comp cryptoprovider.Decompressor, delayed bool) {
	d.cipher = c
	d.mac = m
	if m != nil {
		d.macSize = m.Size()
	} else {
		d.macSize = 0
	}
	d.decompressor = comp
	d.delayed = delayed
	if c != nil {
		d.cipherBlockSize = c.BlockSize()
		if d.cipherBlockSize < 8 {
			d.cipherBlockSize = 8
		}
	} else {
		d.cipherBlockSize = 8
	}
}

func (d *Decoder) MarkAuthenticated() { d.authenticated = true }

func (d *Decoder) Seq() uint32 { return d.seq }

// Feed appends newly read bytes to the internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf.Write(b)
}

// TryDecode attempts to run the NeedHeader/NeedBody state machine as far
// as the currently buffered bytes allow. It returns (payload, true, nil)
// once a full packet is available, (nil, false, nil) when more bytes are
// needed, or a non-nil error on a fatal framing/MAC failure.
func (d *Decoder) TryDecode() ([]byte, bool, error) {
	block := d.cipherBlockSize

	// NeedHeader: decrypt exactly the first cipher block to learn
	// packet_length/padding_length, without consuming the buffer yet —
	// cipher.BlockMode's CBC chaining resumes correctly on the later
	// call that decrypts the remainder, since each call advances the
	// mode's internal IV to its own last ciphertext block.
	if !d.headerKnown {
		if d.buf.Len() < block {
			return nil, false, nil
		}
		raw := make([]byte, block)
		copy(raw, d.buf.Bytes()[:block])
		header := make([]byte, block)
		if d.cipher != nil {
			d.cipher.Decrypt(header, raw)
		} else {
			copy(header, raw)
		}

		packetLen := binary.BigEndian.Uint32(header[0:4])
		if packetLen < 5 || packetLen > MaxPacketLength {
			return nil, false, ErrInsanePacketLength
		}
		if (packetLen+4)%uint32(block) != 0 {
			return nil, false, ErrInsanePacketLength
		}
		d.packetLen = packetLen
		d.padLen = header[4]
		d.decryptedHeader = header
		d.headerKnown = true
	}

	total := int(d.packetLen) + 4 + d.macSize
	if d.buf.Len() < total {
		return nil, false, nil
	}

	fullCipherText := make([]byte, total)
	copy(fullCipherText, d.buf.Bytes()[:total])

	cleartext := make([]byte, 4+int(d.packetLen))
	copy(cleartext[:block], d.decryptedHeader)
	if remaining := cleartext[block:]; len(remaining) > 0 {
		if d.cipher != nil {
			d.cipher.Decrypt(remaining, fullCipherText[block:4+int(d.packetLen)])
		} else {
			copy(remaining, fullCipherText[block:4+int(d.packetLen)])
		}
	}

	seq := d.seq
	d.seq++

	if d.mac != nil {
		receivedMAC := fullCipherText[4+int(d.packetLen):]
		expected := d.mac.Compute(seq, cleartext)
		if !hmacEqual(expected, receivedMAC) {
			return nil, false, ErrMacMismatch
		}
	}

	payloadLen := int(d.packetLen) - int(d.padLen) - 1
	if payloadLen < 0 {
		return nil, false, ErrInsanePacketLength
	}
	payload := cleartext[5 : 5+payloadLen]

	if d.decompressor != nil && (d.authenticated || !d.delayed) {
		p, err := d.decompressor.Decompress(payload)
		if err != nil {
			return nil, false, fmt.Errorf("transport: decompress: %w", err)
		}
		payload = p
	}

	d.buf.Next(total)
	d.headerKnown = false
	d.decryptedHeader = nil
	d.packetLen = 0
	d.padLen = 0

	return payload, true, nil
}

// hmacEqual is a constant-time-ish comparison; both operands come from
// a fixed-size MAC.Size(), so timing here leaks nothing beyond the size
// mismatch case already visible from packet framing.
func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
