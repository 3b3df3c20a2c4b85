package serialize

import (
	"time"
)

// Tuple marks a sequence that must round-trip as a tuple rather than a
// plain list (spec §4.1: "tuples (preserved as tuples where the wire
// format supports it; otherwise tagged as `tuple` in a typed envelope)").
// Neither CBOR's nor JSON's native array types distinguish a tuple from a
// list, so both codecs here always use the typed envelope for Tuple.
type Tuple []interface{}

// Date is a date-only timestamp (no time-of-day component), one of the
// two timestamp variants spec §4.1 calls out.
type Date struct {
	Year, Month, Day int
}

// NDArray is the opaque transferable representation of an N-dimensional
// numeric buffer (spec §4.1, §6 envelope tag "ndarray"). The element
// layout named by DType (e.g. "float64", "int32") and Shape is owned by
// the caller; this package only ships Data as a contiguous byte buffer.
type NDArray struct {
	DType string
	Shape []int
	Data  []byte
}

// ForceProxy wraps a value that would otherwise be transferable by value
// (a list, a map, a string...) to force it through the proxy path
// instead, implementing the server's return_type="proxy" policy (spec
// §4.4): the result is always a proxy, even for an otherwise-transferable
// value, per the example in spec §8 scenario B.
type ForceProxy struct{ Value interface{} }

// toWire converts a Go value into a structure built only from
// map[string]interface{}, []interface{}, and primitives/[]byte, applying
// the envelope and proxy-or-fail rules. The result is what gets handed to
// the concrete codec's native Marshal.
func toWire(v interface{}, ctx ServerContext) (interface{}, error) {
	switch x := v.(type) {
	case ForceProxy:
		if ctx == nil {
			return nil, nonSerializable(x.Value)
		}
		p, err := ctx.RegisterProxy(x.Value)
		if err != nil {
			return nil, err
		}
		proxy, ok := p.(Proxy)
		if !ok {
			return nil, nonSerializable(x.Value)
		}
		return toWire(proxy, ctx)

	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []byte:
		return x, nil

	case Tuple:
		items := make([]interface{}, len(x))
		for i, e := range x {
			w, err := toWire(e, ctx)
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return map[string]interface{}{envelopeKey: tagTuple, "items": items}, nil

	case []interface{}:
		items := make([]interface{}, len(x))
		for i, e := range x {
			w, err := toWire(e, ctx)
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return items, nil

	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			w, err := toWire(e, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil

	case time.Time:
		return map[string]interface{}{
			envelopeKey: tagDatetime,
			"value":     x.UTC().Format("2006-01-02T15:04:05.000000"),
		}, nil

	case Date:
		return map[string]interface{}{
			envelopeKey: tagDate,
			"value":     x.Year*10000 + x.Month*100 + x.Day,
		}, nil

	case NDArray:
		return map[string]interface{}{
			envelopeKey: tagNdarray,
			"dtype":     x.DType,
			"shape":     intsToWire(x.Shape),
			"data":      x.Data,
		}, nil

	case Proxy:
		return map[string]interface{}{
			envelopeKey:      tagProxy,
			"peer_address":   x.PeerAddress(),
			"object_id":      x.ObjectID(),
			"ref_id":         x.RefID(),
			"type_string":    x.TypeString(),
			"attribute_path": stringsToWire(x.AttributePath()),
		}, nil

	default:
		if ctx == nil {
			return nil, nonSerializable(v)
		}
		p, err := ctx.RegisterProxy(v)
		if err != nil {
			return nil, err
		}
		proxy, ok := p.(Proxy)
		if !ok {
			return nil, nonSerializable(v)
		}
		return toWire(proxy, ctx)
	}
}

func intsToWire(ints []int) []interface{} {
	out := make([]interface{}, len(ints))
	for i, n := range ints {
		out[i] = n
	}
	return out
}

func stringsToWire(strs []string) []interface{} {
	out := make([]interface{}, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}

// fromWire is the inverse of toWire: it walks a decoded generic value and
// resolves envelopes (ndarray, proxy, datetime, date, tuple) back into
// this package's Go representations, unwrapping a proxy whose
// peer_address matches ctx's own address (spec §4.1 decode rule).
func fromWire(v interface{}, ctx ServerContext, opts DecodeOptions) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		if tag, ok := x[envelopeKey]; ok {
			return decodeEnvelope(tag.(string), x, ctx, opts)
		}
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			d, err := fromWire(e, ctx, opts)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			d, err := fromWire(e, ctx, opts)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil

	default:
		return x, nil
	}
}

func decodeEnvelope(tag string, m map[string]interface{}, ctx ServerContext, opts DecodeOptions) (interface{}, error) {
	switch tag {
	case tagTuple:
		items, _ := m["items"].([]interface{})
		out := make(Tuple, len(items))
		for i, e := range items {
			d, err := fromWire(e, ctx, opts)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil

	case tagNdarray:
		shapeRaw, _ := m["shape"].([]interface{})
		shape := make([]int, len(shapeRaw))
		for i, s := range shapeRaw {
			shape[i] = toInt(s)
		}
		data, _ := m["data"].([]byte)
		dtype, _ := m["dtype"].(string)
		return NDArray{DType: dtype, Shape: shape, Data: data}, nil

	case tagDatetime:
		s, _ := m["value"].(string)
		t, err := time.Parse("2006-01-02T15:04:05.000000", s)
		if err != nil {
			return nil, err
		}
		return t, nil

	case tagDate:
		n := toInt(m["value"])
		return Date{Year: n / 10000, Month: (n / 100) % 100, Day: n % 100}, nil

	case tagProxy:
		peerAddress, _ := m["peer_address"].(string)
		objectID := toInt64(m["object_id"])
		refID := toInt64(m["ref_id"])
		typeString, _ := m["type_string"].(string)
		pathRaw, _ := m["attribute_path"].([]interface{})
		path := make([]string, len(pathRaw))
		for i, p := range pathRaw {
			path[i], _ = p.(string)
		}

		if ctx != nil && peerAddress == ctx.Address() {
			return ctx.Resolve(objectID, path)
		}
		if proxyFactory == nil {
			return nil, nonSerializableProxyNoFactory()
		}
		merged := map[string]interface{}{}
		for k, v := range opts.ProxyDefaults {
			merged[k] = v
		}
		ph := proxyFactory(peerAddress, objectID, refID, typeString, path, merged)
		return ph, nil

	default:
		// Unknown/reserved tags (e.g. "pickle", "np_number") round-trip
		// as the raw envelope map; nothing in this implementation
		// produces them.
		return m, nil
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
