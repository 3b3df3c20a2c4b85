package serialize

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORCodec is the self-describing binary serializer (spec §4.1's
// "preferred for intra-trust traffic"). Byte strings round-trip as CBOR's
// native byte-string major type, so []byte values and ndarray payloads
// need no base64 escaping the way the JSON codec requires.
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec builds a CBORCodec using canonical (deterministic) encoding,
// which keeps map key order stable across encodes of the same value --
// useful for tests that compare encoded bytes.
func NewCBORCodec() *CBORCodec {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		// CanonicalEncOptions() is a fixed, valid option set; EncMode()
		// only fails on invalid options.
		panic(err)
	}
	// Decode every CBOR integer as int64, the same integer type the JSON
	// codec produces, so integers round-trip with a stable Go type.
	dec, err := cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{encMode: mode, decMode: dec}
}

func (c *CBORCodec) Tag() Tag { return CBOR }

func (c *CBORCodec) Encode(value interface{}, ctx ServerContext) ([]byte, error) {
	w, err := toWire(value, ctx)
	if err != nil {
		return nil, err
	}
	return c.encMode.Marshal(w)
}

func (c *CBORCodec) Decode(data []byte, ctx ServerContext, opts DecodeOptions) (interface{}, error) {
	var generic interface{}
	if err := c.decMode.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	generic = normalizeCBORMaps(generic)
	return fromWire(generic, ctx, opts)
}

// normalizeCBORMaps converts the map[interface{}]interface{} that
// fxamacker/cbor produces for non-string-keyed maps into
// map[string]interface{} so fromWire's envelope detection (which only
// looks at map[string]interface{}) works uniformly across both codecs.
// Spec §4.1 restricts mappings to string keys, so every map encountered
// here is expected to have string keys already; this only guards against
// the decoder's own representation choice.
func normalizeCBORMaps(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			ks, _ := k.(string)
			out[ks] = normalizeCBORMaps(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = normalizeCBORMaps(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = normalizeCBORMaps(val)
		}
		return out
	default:
		return x
	}
}
