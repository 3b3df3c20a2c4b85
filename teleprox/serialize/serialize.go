// Package serialize implements the wire-value codec (spec §4.1): the
// transferable value vocabulary, the ndarray and proxy envelopes, and the
// proxy-or-fail rule for values outside the transferable set.
//
// It follows the teacher's convention of a server-context lookup used
// while decoding (compare xserver.go's use of a per-call *context.T to
// resolve identity): ServerContext lets the decoder unwrap a proxy that
// refers back to the local server, and lets the encoder auto-proxy a
// value that has no transferable representation.
package serialize

import (
	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
)

// Tag names a concrete wire format, carried in every request frame
// (spec §6 "serializer_tag") so a server can decode requests from mixed
// clients.
type Tag string

const (
	CBOR Tag = "cbor"
	JSON Tag = "json"
)

// Proxy is the minimal view of a proxy handle the serializer needs. The
// full ProxyHandle lives in teleprox/proxy; this interface breaks the
// import cycle (proxy imports serialize to encode itself).
type Proxy interface {
	PeerAddress() string
	ObjectID() int64
	RefID() int64
	TypeString() string
	AttributePath() []string
}

// ProxyFactory builds a decoded value back into the proxy package's
// concrete ProxyHandle type. Registered once by teleprox/proxy at
// init time to avoid an import cycle. defaults carries
// DecodeOptions.ProxyDefaults, the caller-supplied option overrides
// (spec §4.1) for any proxy decoded as a live (non-local) reference.
type ProxyFactory func(peerAddress string, objectID, refID int64, typeString string, attributePath []string, defaults map[string]interface{}) interface{}

var proxyFactory ProxyFactory

// RegisterProxyFactory installs the ProxyFactory used by Decode to turn a
// proxy envelope into a concrete proxy value. teleprox/proxy calls this
// from its package init.
func RegisterProxyFactory(f ProxyFactory) { proxyFactory = f }

// ServerContext is implemented by teleprox/rpcserver.Server. It is passed
// to Encode/Decode so the serializer can apply the proxy-or-fail rule and
// the peer-local unwrap rule (spec §4.1).
type ServerContext interface {
	// Address is this server's own bound peer address, compared against
	// a decoded proxy's PeerAddress to decide whether to unwrap it.
	Address() string
	// Resolve walks attributePath starting from the referent registered
	// under objectID, returning the final value. Used to unwrap a proxy
	// that points back at this server.
	Resolve(objectID int64, attributePath []string) (interface{}, error)
	// RegisterProxy registers a non-transferable value for proxying,
	// returning the new (or reused) proxy for it. Used by Encode's
	// proxy-or-fail rule.
	RegisterProxy(v interface{}) (interface{}, error)
}

// Codec encodes and decodes values for one wire format. Implementations
// must round-trip every member of the transferable set described in
// spec §4.1.
type Codec interface {
	Tag() Tag
	Encode(value interface{}, ctx ServerContext) ([]byte, error)
	Decode(data []byte, ctx ServerContext, opts DecodeOptions) (interface{}, error)
}

// DecodeOptions carries caller-supplied defaults applied to any proxy
// envelope decoded as a live (non-local) proxy, e.g. default sync/timeout
// options (spec §4.1 "possibly decorated with caller-supplied default
// options").
type DecodeOptions struct {
	ProxyDefaults map[string]interface{}
}

// Registry looks codecs up by their wire tag, the way a server decodes a
// request with whichever serializer_tag the request frame carries and
// replies using that same tag (spec §4.1, last bullet).
type Registry struct {
	codecs map[Tag]Codec
}

// NewRegistry builds a Registry pre-populated with the CBOR and JSON
// codecs (spec §4.1's "at least two concrete serializers").
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Tag]Codec)}
	r.Register(NewCBORCodec())
	r.Register(NewJSONCodec())
	return r
}

func (r *Registry) Register(c Codec) { r.codecs[c.Tag()] = c }

func (r *Registry) Get(tag Tag) (Codec, error) {
	c, ok := r.codecs[tag]
	if !ok {
		return nil, rpcerr.New(rpcerr.BadOptions, "unknown serializer tag %q", tag)
	}
	return c, nil
}

// envelope tag names, embedded under the "___type_name___" key per
// spec §6.
const (
	envelopeKey   = "___type_name___"
	tagProxy      = "proxy"
	tagNdarray    = "ndarray"
	tagDatetime   = "datetime"
	tagDate       = "date"
	tagTuple      = "tuple"
	tagNone       = "none"
	tagBytes      = "bytes"
	tagNpNumber   = "np_number"
	tagPickleSkip = "pickle" // reserved, never produced by this implementation
)

// NonSerializable wraps the proxy-or-fail failure path: used when no
// ServerContext is available to register a non-transferable value.
func nonSerializable(v interface{}) error {
	return rpcerr.New(rpcerr.NonSerializable, "value of type %T is not transferable and no server is available to proxy it", v)
}

func nonSerializableProxyNoFactory() error {
	return rpcerr.New(rpcerr.NonSerializable, "decoded a proxy envelope but no proxy factory is registered")
}
