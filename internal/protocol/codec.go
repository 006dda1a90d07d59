package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Encoding names a negotiated payload encoding.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

var ErrDecode = errors.New("protocol: decode frame")

// Codec converts frames to and from wire bytes. Binary reports whether the
// encoded form must travel as a binary message.
type Codec interface {
	Encoding() Encoding
	Binary() bool
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

// CodecFor returns the codec for enc.
func CodecFor(enc Encoding) (Codec, error) {
	switch enc {
	case "", EncodingJSON:
		return JSONCodec{}, nil
	case EncodingCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupported, enc)
	}
}

type JSONCodec struct{}

func (JSONCodec) Encoding() Encoding { return EncodingJSON }
func (JSONCodec) Binary() bool       { return false }

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	if len(f.D) == 0 {
		f.D = json.RawMessage("null")
	}
	return json.Marshal(f)
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return f, nil
}

// cborEnc uses Core Deterministic Encoding so equal frames encode to equal
// bytes.
var cborEnc cbor.EncMode

// cborDec decodes untyped maps as map[string]any so payloads convert back
// to JSON without key coercion.
var cborDec cbor.DecMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborFrame struct {
	Op Opcode  `cbor:"op"`
	D  any     `cbor:"d"`
	S  *uint64 `cbor:"s"`
	T  *string `cbor:"t"`
}

type CBORCodec struct{}

func (CBORCodec) Encoding() Encoding { return EncodingCBOR }
func (CBORCodec) Binary() bool       { return true }

func (CBORCodec) Encode(f Frame) ([]byte, error) {
	d, err := nativeJSON(f.D)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(cborFrame{Op: f.Op, D: d, S: f.S, T: f.T})
}

func (CBORCodec) Decode(data []byte) (Frame, error) {
	var wire cborFrame
	if err := cborDec.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	d, err := json.Marshal(wire.D)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	return Frame{Op: wire.Op, D: d, S: wire.S, T: wire.T}, nil
}

// nativeJSON decodes raw into plain Go values, keeping integers integral so
// they encode as CBOR integers rather than floats.
func nativeJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}
