package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compression names a negotiated transport compression.
type Compression string

const (
	CompressNone       Compression = ""
	CompressZlibStream Compression = "zlib-stream"
)

// zlibSuffix terminates every flushed zlib-stream message.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Compressor turns encoded frames into outbound messages. Implementations
// are used by a single writer goroutine.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Binary() bool
}

// NewCompressor returns the compressor for c. CompressNone passes data
// through unchanged.
func NewCompressor(c Compression) (Compressor, error) {
	switch c {
	case CompressNone:
		return passthrough{}, nil
	case CompressZlibStream:
		return newZlibStream(), nil
	default:
		return nil, fmt.Errorf("%w: compression %q", ErrUnsupported, c)
	}
}

type passthrough struct{}

func (passthrough) Compress(data []byte) ([]byte, error) { return data, nil }
func (passthrough) Binary() bool                         { return false }

// zlibStream shares one deflate context across the whole connection and
// sync-flushes after each message, so every message ends with zlibSuffix.
type zlibStream struct {
	buf bytes.Buffer
	w   *zlib.Writer
}

func newZlibStream() *zlibStream {
	z := &zlibStream{}
	z.w = zlib.NewWriter(&z.buf)
	return z
}

func (z *zlibStream) Compress(data []byte) ([]byte, error) {
	z.buf.Reset()
	if _, err := z.w.Write(data); err != nil {
		return nil, fmt.Errorf("protocol: zlib write: %w", err)
	}
	if err := z.w.Flush(); err != nil {
		return nil, fmt.Errorf("protocol: zlib flush: %w", err)
	}
	out := make([]byte, z.buf.Len())
	copy(out, z.buf.Bytes())
	return out, nil
}

func (z *zlibStream) Binary() bool { return true }

// Inflater is the client side of a zlib-stream. It accumulates messages
// until the flush suffix arrives and returns the newly inflated bytes.
// The whole stream is re-read on every frame, which suits tests and
// diagnostics but not high-volume clients.
type Inflater struct {
	stream   []byte
	pending  []byte
	produced int
}

func NewInflater() *Inflater {
	return &Inflater{}
}

// Push feeds one message. done is false while the message is incomplete.
func (f *Inflater) Push(msg []byte) (out []byte, done bool, err error) {
	f.pending = append(f.pending, msg...)
	if !bytes.HasSuffix(f.pending, zlibSuffix) {
		return nil, false, nil
	}
	f.stream = append(f.stream, f.pending...)
	f.pending = f.pending[:0]

	r, err := zlib.NewReader(bytes.NewReader(f.stream))
	if err != nil {
		return nil, false, fmt.Errorf("protocol: zlib reader: %w", err)
	}
	all, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, fmt.Errorf("protocol: zlib read: %w", err)
	}
	if len(all) < f.produced {
		return nil, false, fmt.Errorf("protocol: zlib stream rewound")
	}
	out = append([]byte(nil), all[f.produced:]...)
	f.produced = len(all)
	return out, true, nil
}
