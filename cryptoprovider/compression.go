package cryptoprovider

import (
	"bytes"
	"compress/zlib"
	"io"
)

// noneCompression is the required "none" algorithm: a no-op that
// exists so negotiation always has a common entry even when neither
// side wants real compression.
type noneCompression struct{}

func (noneCompression) Compress(p []byte) ([]byte, error)   { return p, nil }
func (noneCompression) Decompress(p []byte) ([]byte, error) { return p, nil }

type noneCompressionFactory struct{}

func (noneCompressionFactory) Name() string                            { return "none" }
func (noneCompressionFactory) Delayed() bool                           { return false }
func (noneCompressionFactory) NewCompressor() (Compressor, error)      { return noneCompression{}, nil }
func (noneCompressionFactory) NewDecompressor() (Decompressor, error)  { return noneCompression{}, nil }

// zlibCompressor/zlibDecompressor wrap compress/zlib; a fresh zlib
// stream is not re-creatable per packet (it carries dictionary state
// across the whole connection), so each holds the writer/reader open
// for the algorithm's lifetime, matching RFC 4253 §6.2's requirement
// that the compression context persist across packets.
type zlibCompressor struct {
	buf *bytes.Buffer
	w   *zlib.Writer
}

func newZlibCompressor() *zlibCompressor {
	buf := &bytes.Buffer{}
	return &zlibCompressor{buf: buf, w: zlib.NewWriter(buf)}
}

func (c *zlibCompressor) Compress(p []byte) ([]byte, error) {
	c.buf.Reset()
	if _, err := c.w.Write(p); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// feeder is an io.Reader whose buffer is swapped out before each
// Decompress call; the zlib.Reader built on top of it is created once
// and kept alive for the life of the connection, since the DEFLATE
// dictionary carries state across packets (RFC 4253 §6.2).
type feeder struct {
	buf []byte
}

func (f *feeder) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

type zlibDecompressor struct {
	src *feeder
	zr  io.Reader
}

func (c *zlibDecompressor) Decompress(p []byte) ([]byte, error) {
	if c.zr == nil {
		c.src = &feeder{buf: p}
		zr, err := zlib.NewReader(c.src)
		if err != nil {
			return nil, err
		}
		c.zr = zr
	} else {
		c.src.buf = p
	}
	out := make([]byte, 0, len(p)*3)
	buf := make([]byte, 4096)
	for {
		n, err := c.zr.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			// The sender flushes (Z_SYNC_FLUSH) after every packet, so
			// running out of input here means this packet's share of
			// the stream is fully decoded, not a truncated stream.
			if err == io.EOF {
				break
			}
			return out, err
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

type zlibCompressionFactory struct {
	name    string
	delayed bool
}

func (f *zlibCompressionFactory) Name() string   { return f.name }
func (f *zlibCompressionFactory) Delayed() bool  { return f.delayed }
func (f *zlibCompressionFactory) NewCompressor() (Compressor, error) {
	return newZlibCompressor(), nil
}
func (f *zlibCompressionFactory) NewDecompressor() (Decompressor, error) {
	return &zlibDecompressor{}, nil
}

// RegisterMandatoryCompressions installs "none", "zlib" and the
// delayed "zlib@openssh.com" variant (RFC 4253 §6.2; the delayed
// convention is an OpenSSH extension carried by essentially every real
// client, used here to postpone compression until after
// authentication succeeds). No compression library appears anywhere in
// the retrieval pack, so this is stdlib compress/zlib directly.
func RegisterMandatoryCompressions(p *Provider) {
	p.RegisterCompression(noneCompressionFactory{})
	p.RegisterCompression(&zlibCompressionFactory{name: "zlib", delayed: false})
	p.RegisterCompression(&zlibCompressionFactory{name: "zlib@openssh.com", delayed: true})
}
