package grpcsource

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	fetch "github.com/hanpama/graphload/fetch"
)

// Option configures the request/response field mapping of a source.
type Option func(*options)

type options struct {
	keysField protoreflect.Name
	dataField protoreflect.Name
}

// WithKeysField overrides the name of the repeated scalar field on the
// request message that carries the looked-up keys. Default "keys".
func WithKeysField(name string) Option {
	return func(o *options) { o.keysField = protoreflect.Name(name) }
}

// WithDataField overrides the name of the repeated message field on the
// response message that carries the found entities. Default "data".
func WithDataField(name string) Option {
	return func(o *options) { o.dataField = protoreflect.Name(name) }
}

// New adapts a unary bulk-lookup RPC into a fetch.BatchSource. The method's
// input message must carry a repeated scalar field for the keys and its
// output a repeated message field for the found entities; entities for
// unknown keys are simply absent from the response, matching the batch
// source contract.
//
// The returned source encodes each key into the keys field, issues one
// transport call, and decodes the response entities as dynamic messages.
func New[K comparable](t Transport, method protoreflect.MethodDescriptor, opts ...Option) (fetch.BatchSource[K, protoreflect.Message], error) {
	o := options{keysField: "keys", dataField: "data"}
	for _, f := range opts {
		f(&o)
	}

	keysFD := method.Input().Fields().ByName(o.keysField)
	if keysFD == nil {
		return nil, fmt.Errorf("grpcsource: input %s has no field %q", method.Input().FullName(), o.keysField)
	}
	if keysFD.Cardinality() != protoreflect.Repeated || keysFD.Kind() == protoreflect.MessageKind {
		return nil, fmt.Errorf("grpcsource: field %q of %s must be a repeated scalar", o.keysField, method.Input().FullName())
	}
	dataFD := method.Output().Fields().ByName(o.dataField)
	if dataFD == nil {
		return nil, fmt.Errorf("grpcsource: output %s has no field %q", method.Output().FullName(), o.dataField)
	}
	if dataFD.Cardinality() != protoreflect.Repeated || dataFD.Kind() != protoreflect.MessageKind {
		return nil, fmt.Errorf("grpcsource: field %q of %s must be a repeated message", o.dataField, method.Output().FullName())
	}

	return func(ctx context.Context, keys []K) ([]protoreflect.Message, error) {
		req := dynamicpb.NewMessage(method.Input())
		list := req.Mutable(keysFD).List()
		for _, k := range keys {
			v, err := keyValue(keysFD, k)
			if err != nil {
				return nil, err
			}
			list.Append(v)
		}
		req.Set(keysFD, protoreflect.ValueOfList(list))

		resp, err := t.Call(ctx, method, req)
		if err != nil {
			return nil, err
		}

		found := resp.Get(dataFD).List()
		out := make([]protoreflect.Message, 0, found.Len())
		for i := 0; i < found.Len(); i++ {
			out = append(out, found.Get(i).Message())
		}
		return out, nil
	}, nil
}

// IDField returns a fetch.IDFunc extracting the key from the named field of
// a returned entity message. The field's Go representation must be K
// exactly (e.g. string for string fields, int64 for int64 fields); a
// mismatch is a wiring error and panics.
func IDField[K comparable](entity protoreflect.MessageDescriptor, field string) (fetch.IDFunc[K, protoreflect.Message], error) {
	fd := entity.Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return nil, fmt.Errorf("grpcsource: message %s has no field %q", entity.FullName(), field)
	}
	return func(m protoreflect.Message) K {
		k, ok := m.Get(fd).Interface().(K)
		if !ok {
			panic(fmt.Sprintf("grpcsource: field %q of %s does not hold %T", field, entity.FullName(), k))
		}
		return k
	}, nil
}

func keyValue(fd protoreflect.FieldDescriptor, key any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		if s, ok := key.(string); ok {
			return protoreflect.ValueOfString(s), nil
		}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		switch n := key.(type) {
		case int32:
			return protoreflect.ValueOfInt32(n), nil
		case int:
			return protoreflect.ValueOfInt32(int32(n)), nil
		}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		switch n := key.(type) {
		case int64:
			return protoreflect.ValueOfInt64(n), nil
		case int:
			return protoreflect.ValueOfInt64(int64(n)), nil
		}
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		if n, ok := key.(uint32); ok {
			return protoreflect.ValueOfUint32(n), nil
		}
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		if n, ok := key.(uint64); ok {
			return protoreflect.ValueOfUint64(n), nil
		}
	}
	return protoreflect.Value{}, fmt.Errorf("grpcsource: cannot encode key %v (%T) as %s", key, key, fd.Kind())
}
