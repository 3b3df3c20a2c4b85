package rpcserver

import (
	"reflect"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
	"github.com/campagnola/teleprox-sub000/teleprox/serialize"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// resolvePath walks attributePath starting from v, the way get_obj and
// the get-half of call_obj do (spec §4.4). Each hop tries, in order: a
// map[string]interface{} index, an exported struct field, an exported method
// (returned as a bound func value, not invoked). A hop that matches
// none of those surfaces as a RemoteCallError carrying "AttributeError"
// per spec §9's preserved behavior for a missing attribute.
func resolvePath(v interface{}, path []string) (interface{}, error) {
	cur := v
	for _, name := range path {
		next, err := resolveOne(cur, name)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func resolveOne(v interface{}, name string) (interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		if val, ok := m[name]; ok {
			return val, nil
		}
		return nil, attributeError(v, name)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, attributeError(v, name)
		}
		rv = rv.Elem()
	}

	if rv.IsValid() {
		if rv.Kind() == reflect.Struct {
			if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
				return f.Interface(), nil
			}
		}
		orig := reflect.ValueOf(v)
		if m := orig.MethodByName(name); m.IsValid() {
			return m.Interface(), nil
		}
	}
	return nil, attributeError(v, name)
}

func attributeError(v interface{}, name string) error {
	return rpcerr.NewRemoteCall("AttributeError", []string{
		"AttributeError: object has no attribute '" + name + "'",
	})
}

// callValue invokes v, a Go func (including a bound method value
// produced by resolvePath), with args decoded from the wire. Multiple
// return values come back packed as a serialize.Tuple; a trailing error
// return is peeled off and reported as the call's error instead of being
// packed into the result, matching ordinary Go calling convention.
func callValue(v interface{}, args []interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func {
		return nil, rpcerr.New(rpcerr.BadAction, "value of type %T is not callable", v)
	}
	ft := rv.Type()

	in := make([]reflect.Value, 0, len(args))
	for i, a := range args {
		var want reflect.Type
		switch {
		case ft.IsVariadic() && i >= ft.NumIn()-1:
			want = ft.In(ft.NumIn() - 1).Elem()
		case i < ft.NumIn():
			want = ft.In(i)
		default:
			return nil, rpcerr.New(rpcerr.BadOptions, "too many arguments: got %d, want %d", len(args), ft.NumIn())
		}
		in = append(in, convertArg(a, want))
	}
	if !ft.IsVariadic() && len(in) < ft.NumIn() {
		return nil, rpcerr.New(rpcerr.BadOptions, "too few arguments: got %d, want %d", len(in), ft.NumIn())
	}

	out := rv.Call(in)
	return unpackResults(out)
}

func convertArg(a interface{}, want reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(want)
	}
	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(want) {
		return av
	}
	if av.Type().ConvertibleTo(want) {
		return av.Convert(want)
	}
	return av
}

func unpackResults(out []reflect.Value) (interface{}, error) {
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	var err error
	vals := out
	if last.Type().Implements(errorType) {
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		vals = out[:len(out)-1]
	}
	switch len(vals) {
	case 0:
		return nil, err
	case 1:
		return vals[0].Interface(), err
	default:
		tup := make(serialize.Tuple, len(vals))
		for i, v := range vals {
			tup[i] = v.Interface()
		}
		return tup, err
	}
}
