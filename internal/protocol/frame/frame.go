// Package frame is the length-prefixed envelope used by the raw TCP
// gateway listener. Each frame carries one encoded gateway message, the
// same bytes a websocket message would carry.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic     uint32 = 0x47475731 // "GGW1"
	Version   uint16 = 1
	HeaderLen        = 20
)

// Kind mirrors websocket message types.
type Kind uint16

const (
	KindText   Kind = 1
	KindBinary Kind = 2
	KindClose  Kind = 8
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrBadKind         = errors.New("frame: unknown kind")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortClose      = errors.New("frame: close payload shorter than code")
)

// Header is the fixed wire header. Sequence counts frames per direction on
// one connection.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       Kind
	Sequence   uint64
	PayloadLen uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4 * 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, HeaderLen+len(f.Payload))
	copy(buf, EncodeHeader(h))
	copy(buf[HeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Kind))
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       Kind(binary.BigEndian.Uint16(b[6:8])),
		Sequence:   binary.BigEndian.Uint64(b[8:16]),
		PayloadLen: binary.BigEndian.Uint32(b[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	switch h.Kind {
	case KindText, KindBinary, KindClose:
	default:
		return Header{}, fmt.Errorf("%w: %d", ErrBadKind, h.Kind)
	}
	return h, nil
}

// ClosePayload encodes a close code and reason the way websocket close
// frames do.
func ClosePayload(code int, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

func ParseClose(payload []byte) (code int, reason string, err error) {
	if len(payload) < 2 {
		return 0, "", ErrShortClose
	}
	return int(binary.BigEndian.Uint16(payload)), string(payload[2:]), nil
}
