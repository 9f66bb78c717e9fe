package schema

import (
	"encoding/base64"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
)

// base64Key is the single-key escape object used to carry byte arrays
// through JSON frames: {"base64": "<std encoding>"}.
const base64Key = "base64"

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Value is an opaque client payload. It round-trips arbitrary JSON, and
// additionally carries byte arrays: native byte strings in CBOR frames,
// {"base64": "..."} escape objects in JSON frames.
type Value struct {
	v any
}

// NewValue wraps a decoded payload tree. Byte slices are preserved as-is.
func NewValue(v any) Value {
	return Value{v: v}
}

// Interface returns the decoded payload tree.
func (v Value) Interface() any { return v.v }

// IsNull reports whether the value carries no payload.
func (v Value) IsNull() bool { return v.v == nil }

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(escapeBytes(v.v))
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.v = unescapeBytes(raw)
	return nil
}

func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(v.v)
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cborDec.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.v = raw
	return nil
}

// escapeBytes rewrites every []byte in the tree as a base64 escape object.
func escapeBytes(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{base64Key: base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = escapeBytes(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = escapeBytes(e)
		}
		return out
	default:
		return v
	}
}

// unescapeBytes restores []byte leaves from base64 escape objects.
func unescapeBytes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if enc, ok := t[base64Key].(string); ok {
				if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
					return raw
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = unescapeBytes(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = unescapeBytes(e)
		}
		return out
	default:
		return v
	}
}
