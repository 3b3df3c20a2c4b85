// Package proxy implements ProxyHandle (spec §3, §4.2): the client-side
// stand-in for an object that lives on another server. It mirrors the
// teacher's rpc.Client/rpc.ClientCall split (see xclient.go's StartCall /
// Call) but replaced with the spec's explicit attribute-path builder
// instead of Vanadium's name-based RPC addressing (spec §9 item 1: no
// attribute-hooking magic, just an explicit builder).
package proxy

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
	"github.com/campagnola/teleprox-sub000/teleprox/serialize"
)

var _ serialize.Proxy = (*Handle)(nil)

func init() {
	serialize.RegisterProxyFactory(func(peerAddress string, objectID, refID int64, typeString string, attributePath []string, defaults map[string]interface{}) interface{} {
		return New(nil, peerAddress, objectID, refID, typeString, attributePath, OptionsFromMap(defaults))
	})
}

// OptionsFromMap merges recognized keys from defaults over
// DefaultOptions(), the same keys spec §3 lists as a ProxyHandle's
// recognized option overrides. Unrecognized keys are ignored rather than
// rejected, since a peer on a newer protocol revision may send extras
// this build doesn't know about yet.
func OptionsFromMap(defaults map[string]interface{}) Options {
	o := DefaultOptions()
	if v, ok := defaults["sync"].(string); ok {
		o.Sync = SyncMode(v)
	}
	if v, ok := defaults["return_type"].(string); ok {
		o.ReturnType = ReturnType(v)
	}
	if v, ok := asFloat(defaults["timeout"]); ok {
		o.TimeoutSeconds = v
	}
	if v, ok := defaults["defer_getattr"].(bool); ok {
		o.DeferGetattr = v
	}
	if v, ok := defaults["auto_delete"].(bool); ok {
		o.AutoDelete = v
	}
	if v, ok := defaults["local_server_required"].(bool); ok {
		o.LocalServerRequired = v
	}
	return o
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SyncMode selects the return style for a call through a proxy (spec §3).
type SyncMode string

const (
	Sync  SyncMode = "sync"
	Async SyncMode = "async"
	Off   SyncMode = "off"
)

// ReturnType selects how a server shapes a call's return value (spec §3,
// §4.4).
type ReturnType string

const (
	Auto      ReturnType = "auto"
	AsProxy   ReturnType = "proxy"
)

// Options configures a ProxyHandle (spec §3's recognized option keys).
type Options struct {
	Sync                SyncMode
	ReturnType          ReturnType
	TimeoutSeconds      float64
	DeferGetattr        bool
	AutoDelete          bool
	LocalServerRequired bool
}

// DefaultOptions is the baseline merged under any caller-supplied
// Options, matching the original's per-client default_proxy_options
// dict (see SPEC_FULL.md's "features supplemented" section).
func DefaultOptions() Options {
	return Options{
		Sync:           Sync,
		ReturnType:     Auto,
		TimeoutSeconds: 10,
	}
}

// Transport is the subset of teleprox/rpcclient.Client a ProxyHandle
// needs, kept as an interface here to avoid an import cycle (rpcclient
// imports proxy to build ProxyHandle values from decoded responses).
type Transport interface {
	// Invoke sends a call_obj/get_obj/set_item/delete action against the
	// referent this handle points to and returns the decoded result.
	Invoke(action string, obj *Handle, args []interface{}, kwargs map[string]interface{}, opts Options) (interface{}, error)
	// Send is Invoke for sync=off: no result is awaited.
	Send(action string, obj *Handle, args []interface{}, kwargs map[string]interface{}, opts Options)
}

// Handle is a ProxyHandle (spec §3). Equality and hashing are derived
// from (PeerAddress, ObjectID, AttributePath) per spec §4.2; Key returns
// a value suitable as a map key implementing that rule, while HashKey
// implements spec §9 item 6's narrower "hash on (peer_address,
// object_id) only" rule for containers that want that behavior
// explicitly.
type Handle struct {
	peerAddress   string
	objectID      int64
	refID         int64
	typeString    string
	attributePath []string
	options       Options

	transport Transport

	mu        sync.Mutex
	disposing bool
	invalid   bool
}

// New builds a Handle bound to transport with opts used as given; opts
// is not merged with DefaultOptions(), so callers start from
// DefaultOptions() or OptionsFromMap. Used both by a server issuing a
// fresh proxy and by the serializer's ProxyFactory when decoding one off
// the wire.
func New(transport Transport, peerAddress string, objectID, refID int64, typeString string, attributePath []string, opts Options) *Handle {
	h := &Handle{
		transport:     transport,
		peerAddress:   peerAddress,
		objectID:      objectID,
		refID:         refID,
		typeString:    typeString,
		attributePath: append([]string(nil), attributePath...),
		options:       opts,
	}
	Finalize(h)
	return h
}

func (h *Handle) PeerAddress() string     { return h.peerAddress }
func (h *Handle) ObjectID() int64         { return h.objectID }
func (h *Handle) RefID() int64            { return h.refID }
func (h *Handle) TypeString() string      { return h.typeString }
func (h *Handle) AttributePath() []string { return append([]string(nil), h.attributePath...) }
func (h *Handle) Options() Options        { return h.options }

// Key is the equality/hash key described in spec §4.2: two proxies
// issued separately for the same referent, at the same attribute path,
// compare equal.
type Key struct {
	PeerAddress string
	ObjectID    int64
	Path        string
}

func (h *Handle) Key() Key {
	return Key{PeerAddress: h.peerAddress, ObjectID: h.objectID, Path: fmt.Sprint(h.attributePath)}
}

// HashKey implements spec §9 item 6: hash on (peer_address, object_id)
// only, ignoring the attribute path. Containers that need path-sensitive
// equality should use Key instead and document that choice explicitly,
// per the same design note.
type HashKey struct {
	PeerAddress string
	ObjectID    int64
}

func (h *Handle) HashKey() HashKey {
	return HashKey{PeerAddress: h.peerAddress, ObjectID: h.objectID}
}

// Get performs attribute access (spec §4.2). With DeferGetattr set, it
// returns a new Handle with attr appended to the path and makes no
// round-trip. Otherwise it sends a get_obj action.
func (h *Handle) Get(attr string) (interface{}, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	if h.options.DeferGetattr {
		child := *h
		child.attributePath = append(append([]string(nil), h.attributePath...), attr)
		child.mu = sync.Mutex{}
		return &child, nil
	}
	path := append(append([]string(nil), h.attributePath...), attr)
	withPath := *h
	withPath.attributePath = path
	return h.transport.Invoke("get_obj", &withPath, nil, nil, h.options)
}

// Call invokes the referent (spec §4.2's "Call p(...args)"). kwargs may
// be nil.
func (h *Handle) Call(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	if h.options.Sync == Off {
		h.transport.Send("call_obj", h, args, kwargs, h.options)
		return nil, nil
	}
	return h.transport.Invoke("call_obj", h, args, kwargs, h.options)
}

// Index implements p[k] (spec §4.2). When this handle is the server's
// published "self" proxy (empty attribute path and type string "self"),
// indexing maps to get_item on the namespace; otherwise it maps to
// call_obj against the referent's item getter.
func (h *Handle) Index(key interface{}) (interface{}, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	if h.isNamespaceSelf() {
		name, _ := key.(string)
		return h.transport.Invoke("get_item", h, []interface{}{name}, nil, h.options)
	}
	return h.transport.Invoke("call_obj", h, []interface{}{"__getitem__", key}, nil, h.options)
}

// SetIndex implements p[k] = v.
func (h *Handle) SetIndex(key, value interface{}) error {
	if err := h.checkValid(); err != nil {
		return err
	}
	if h.isNamespaceSelf() {
		name, _ := key.(string)
		_, err := h.transport.Invoke("set_item", h, []interface{}{name, value}, nil, h.options)
		return err
	}
	_, err := h.transport.Invoke("call_obj", h, []interface{}{"__setitem__", key, value}, nil, h.options)
	return err
}

func (h *Handle) isNamespaceSelf() bool {
	return len(h.attributePath) == 0 && h.typeString == "self"
}

// Delete sends the delete action (spec §4.2). After a successful delete,
// the handle is marked invalid; further use returns ProxyInvalidated.
func (h *Handle) Delete() error {
	h.mu.Lock()
	if h.invalid {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	_, err := h.transport.Invoke("delete", h, nil, nil, h.options)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.invalid = true
	h.mu.Unlock()
	return nil
}

func (h *Handle) checkValid() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.invalid {
		return rpcerr.New(rpcerr.ProxyInvalidated, "proxy %s#%d is no longer valid", h.peerAddress, h.objectID)
	}
	return nil
}

// dispose runs the auto-delete policy (spec §4.2's "Auto-delete
// policy") and spec §9 item 2: destruction must not re-enter the
// proxy's own attribute/call machinery. It sets a disposing flag first
// so any reentrant call against the same Handle (there should be none,
// but a finalizer can race a concurrent Delete) is a safe no-op rather
// than a deadlock or an infinite finalizer loop -- the bug class that
// produced Python's test_proxy_del_infinite_recursion.
func (h *Handle) dispose() {
	h.mu.Lock()
	if h.disposing || h.invalid {
		h.mu.Unlock()
		return
	}
	h.disposing = true
	h.mu.Unlock()

	if h.options.AutoDelete {
		// Best-effort: failures during interpreter/process shutdown are
		// swallowed, matching spec §4.2.
		h.transport.Send("delete", h, nil, nil, h.options)
	}
}

// Finalize arranges for dispose to run when h becomes unreachable. Go
// has no deterministic destructors, so this plays the role spec §9 item
// 2 assigns to a GC language's finalizer/phantom-reference janitor. New
// calls it for every handle it builds; it does nothing unless
// opts.AutoDelete is set.
func Finalize(h *Handle) {
	if !h.options.AutoDelete {
		return
	}
	runtime.SetFinalizer(h, func(h *Handle) { h.dispose() })
}
