// Package wire implements the framed MessagePack protocol spoken between
// experiment clients and the recording server: a self-describing map codec
// with two domain extension encodings, plus strict message validation.
//
// Timestamps travel as {"__date__": <float64 seconds since the UNIX epoch>}
// and experiment ids as {"__uuid__": "<32 lowercase hex chars>"}. On decode,
// any map holding exactly one of those keys is rewritten to the native
// time.Time or uuid.UUID value; every other map passes through unchanged.
package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	dateKey = "__date__"
	uuidKey = "__uuid__"
)

var (
	// ErrIncomplete signals that the decoder holds a partial frame and
	// needs more bytes before it can yield the next message.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrMalformed signals bytes that cannot be decoded as a frame. The
	// owning connection resets on it.
	ErrMalformed = errors.New("malformed frame")
)

// Encode serializes a value to its canonical wire form. Maps may contain
// integers, floats, booleans, strings, byte strings, nested maps, sequences,
// time.Time and uuid.UUID leaves.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(encodeDomain(v))
}

func encodeDomain(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{
			dateKey: float64(x.UnixNano()) / float64(time.Second),
		}
	case uuid.UUID:
		return map[string]any{uuidKey: hex.EncodeToString(x[:])}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = encodeDomain(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = encodeDomain(val)
		}
		return out
	default:
		return v
	}
}

// Decoder is a push-parser over a byte stream. Callers feed arbitrary
// chunks with Push and drain complete messages with Next; partial trailing
// data is retained until the next Push.
type Decoder struct {
	buf []byte
}

// Push appends a received chunk to the decode buffer.
func (d *Decoder) Push(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next yields the next complete message in arrival order. It returns
// ErrIncomplete when the buffer holds no complete frame, and ErrMalformed
// (wrapped) when the pending bytes cannot be parsed.
func (d *Decoder) Next() (any, error) {
	if len(d.buf) == 0 {
		return nil, ErrIncomplete
	}

	// A *bytes.Reader satisfies msgpack's buffered-reader interface, so the
	// library consumes from it directly and the reader position is an exact
	// count of consumed bytes.
	r := bytes.NewReader(d.buf)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	v, err := dec.DecodeInterface()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrIncomplete
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	consumed := len(d.buf) - r.Len()
	d.buf = d.buf[consumed:]

	return decodeDomain(v)
}

func decodeDomain(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if raw, ok := x[dateKey]; ok {
				secs, ok := asFloat(raw)
				if !ok {
					return nil, fmt.Errorf("%w: %s carries %T", ErrMalformed, dateKey, raw)
				}
				return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
			}
			if raw, ok := x[uuidKey]; ok {
				s, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("%w: %s carries %T", ErrMalformed, uuidKey, raw)
				}
				id, err := uuid.Parse(s)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, uuidKey, err)
				}
				return id, nil
			}
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			dv, err := decodeDomain(val)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	case map[any]any:
		// Non-string map keys never appear in valid messages; normalize the
		// string-keyed ones and let validation reject the rest.
		out := make(map[string]any, len(x))
		for k, val := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string map key %v", ErrMalformed, k)
			}
			dv, err := decodeDomain(val)
			if err != nil {
				return nil, err
			}
			out[ks] = dv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			dv, err := decodeDomain(val)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
