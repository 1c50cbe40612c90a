package grpcsource

import (
	"fmt"
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Field describes one scalar field of a generated entity message. Fields
// are numbered sequentially in declaration order, starting at 1.
type Field struct {
	Name string
	Kind protoreflect.Kind
}

// LookupSchema describes a bulk-lookup RPC for which BuildLookupMethod
// generates descriptors. The generated input message carries a single
// repeated "keys" field and the output a repeated "data" field of the
// entity message, the shape New expects by default.
type LookupSchema struct {
	Package string // proto package, e.g. "shop.catalog"
	Service string // e.g. "ProductService"
	Method  string // e.g. "BatchGetProducts"
	Entity  string // e.g. "Product"
	KeyKind protoreflect.Kind
	Fields  []Field
}

// BuildLookupMethod builds the method descriptor for a bulk-lookup RPC
// from its schema. Callers without generated proto code can feed the
// result straight into New.
func BuildLookupMethod(s LookupSchema) (protoreflect.MethodDescriptor, error) {
	entityMB := protobuilder.NewMessage(protoreflect.Name(s.Entity))
	for i, f := range s.Fields {
		fb := protobuilder.NewField(protoreflect.Name(f.Name), protobuilder.FieldTypeScalar(f.Kind))
		fb.SetNumber(protoreflect.FieldNumber(i + 1))
		entityMB.AddField(fb)
	}

	requestMB := protobuilder.NewMessage(protoreflect.Name(s.Method + "Request"))
	keysFB := protobuilder.NewField("keys", protobuilder.FieldTypeScalar(s.KeyKind))
	keysFB.SetNumber(protoreflect.FieldNumber(1))
	keysFB.SetRepeated()
	requestMB.AddField(keysFB)

	responseMB := protobuilder.NewMessage(protoreflect.Name(s.Method + "Response"))
	dataFB := protobuilder.NewField("data", protobuilder.FieldTypeMessage(entityMB))
	dataFB.SetNumber(protoreflect.FieldNumber(1))
	dataFB.SetRepeated()
	responseMB.AddField(dataFB)

	serviceBuilder := protobuilder.NewService(protoreflect.Name(s.Service))
	serviceBuilder.AddMethod(protobuilder.NewMethod(
		protoreflect.Name(s.Method),
		protobuilder.RpcTypeMessage(requestMB, false),
		protobuilder.RpcTypeMessage(responseMB, false),
	))

	fb := protobuilder.NewFile(strings.ReplaceAll(s.Package, ".", "/") + "/lookup.proto")
	fb.SetPackageName(protoreflect.FullName(s.Package))
	fb.SetSyntax(protoreflect.Proto3)
	fb.AddMessage(entityMB)
	fb.AddMessage(requestMB)
	fb.AddMessage(responseMB)
	fb.AddService(serviceBuilder)

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("grpcsource: building lookup method %s.%s/%s: %w", s.Package, s.Service, s.Method, err)
	}
	return fd.Services().ByName(protoreflect.Name(s.Service)).Methods().ByName(protoreflect.Name(s.Method)), nil
}
