package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Version is the only gateway protocol version served.
const Version = 6

var (
	ErrUnsupported        = errors.New("protocol: unsupported")
	ErrUnsupportedVersion = fmt.Errorf("%w version", ErrUnsupported)
)

// Params is the result of connection negotiation.
type Params struct {
	Version     int
	Encoding    Encoding
	Compression Compression
}

// ParseQuery reads v, encoding and compress from a connect URL. A missing
// v selects the current version.
func ParseQuery(q url.Values) (Params, error) {
	p := Params{Version: Version, Encoding: EncodingJSON}
	if raw := strings.TrimSpace(q.Get("v")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v != Version {
			return Params{}, fmt.Errorf("%w %q", ErrUnsupportedVersion, raw)
		}
		p.Version = v
	}
	switch enc := Encoding(strings.ToLower(strings.TrimSpace(q.Get("encoding")))); enc {
	case "", EncodingJSON:
	case EncodingCBOR:
		p.Encoding = enc
	default:
		return Params{}, fmt.Errorf("%w: encoding %q", ErrUnsupported, enc)
	}
	switch c := Compression(strings.ToLower(strings.TrimSpace(q.Get("compress")))); c {
	case CompressNone, CompressZlibStream:
		p.Compression = c
	default:
		return Params{}, fmt.Errorf("%w: compression %q", ErrUnsupported, c)
	}
	return p, nil
}

// NegotiationCloseCode maps a ParseQuery error to its close code.
func NegotiationCloseCode(err error) CloseCode {
	if errors.Is(err, ErrUnsupportedVersion) {
		return CloseInvalidVersion
	}
	return CloseDecodeError
}
