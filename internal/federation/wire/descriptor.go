// Package wire serves federation fetches over gRPC. The protocol is a single
// service, graphloader.federation.v1.Subgraph, whose messages are built at
// run time with protobuilder and exchanged as dynamicpb messages. Entity data
// travels as JSON objects; field errors travel next to the data with their
// response paths.
package wire

import (
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	// PackageName is the proto package of the protocol.
	PackageName = "graphloader.federation.v1"
	// ServiceName is the unqualified name of the gRPC service.
	ServiceName = "Subgraph"

	methodEntities = "FetchEntities"
	methodRoot     = "FetchRoot"
	methodSDL      = "GetSDL"
)

// Protocol holds the descriptors of the wire protocol.
type Protocol struct {
	File    protoreflect.FileDescriptor
	Service protoreflect.ServiceDescriptor

	entities protoreflect.MethodDescriptor
	root     protoreflect.MethodDescriptor
	sdl      protoreflect.MethodDescriptor
}

var (
	protocolOnce sync.Once
	protocol     *Protocol
	protocolErr  error
)

// Descriptors returns the protocol descriptors, building them on first use.
func Descriptors() (*Protocol, error) {
	protocolOnce.Do(func() {
		protocol, protocolErr = buildProtocol()
	})
	return protocol, protocolErr
}

type messageSpec struct {
	name    protoreflect.Name
	comment string
	fields  []fieldSpec
}

type fieldSpec struct {
	name     protoreflect.Name
	kind     protoreflect.Kind
	message  protoreflect.Name
	repeated bool
	comment  string
}

var messages = []messageSpec{
	{name: "FieldError", comment: "A field error at a response path. Numeric path elements are list indexes.", fields: []fieldSpec{
		{name: "path", kind: protoreflect.StringKind, repeated: true},
		{name: "message", kind: protoreflect.StringKind},
		{name: "code", kind: protoreflect.StringKind},
	}},
	{name: "Representation", fields: []fieldSpec{
		{name: "typename", kind: protoreflect.StringKind},
		{name: "fields", kind: protoreflect.BytesKind, comment: "JSON object of key and @requires fields."},
	}},
	{name: "Entity", comment: "One fetched value. Empty data is null.", fields: []fieldSpec{
		{name: "data", kind: protoreflect.BytesKind},
		{name: "errors", kind: protoreflect.MessageKind, message: "FieldError", repeated: true},
		{name: "failure", kind: protoreflect.MessageKind, message: "FieldError"},
	}},
	{name: "EntitiesRequest", fields: []fieldSpec{
		{name: "representations", kind: protoreflect.MessageKind, message: "Representation", repeated: true},
		{name: "fields", kind: protoreflect.StringKind, repeated: true},
	}},
	{name: "EntitiesResponse", fields: []fieldSpec{
		{name: "entities", kind: protoreflect.MessageKind, message: "Entity", repeated: true},
	}},
	{name: "RootCall", fields: []fieldSpec{
		{name: "field", kind: protoreflect.StringKind},
		{name: "arguments", kind: protoreflect.BytesKind, comment: "JSON object of coerced arguments."},
	}},
	{name: "RootRequest", fields: []fieldSpec{
		{name: "operation", kind: protoreflect.StringKind},
		{name: "calls", kind: protoreflect.MessageKind, message: "RootCall", repeated: true},
	}},
	{name: "RootResponse", fields: []fieldSpec{
		{name: "results", kind: protoreflect.MessageKind, message: "Entity", repeated: true},
	}},
	{name: "SDLRequest"},
	{name: "SDLResponse", fields: []fieldSpec{
		{name: "name", kind: protoreflect.StringKind},
		{name: "sdl", kind: protoreflect.StringKind},
	}},
}

var methods = []struct {
	name, request, response protoreflect.Name
	comment                 string
}{
	{methodEntities, "EntitiesRequest", "EntitiesResponse", "Resolves entity fields for a batch of representations."},
	{methodRoot, "RootRequest", "RootResponse", "Resolves root fields of one operation type."},
	{methodSDL, "SDLRequest", "SDLResponse", "Returns the subgraph SDL for composition."},
}

func buildProtocol() (*Protocol, error) {
	fb := protobuilder.NewFile("graphloader/federation/v1/subgraph.proto")
	fb.SetPackageName(PackageName)
	fb.SetSyntax(protoreflect.Proto3)

	builders := make(map[protoreflect.Name]*protobuilder.MessageBuilder, len(messages))
	for _, m := range messages {
		mb := protobuilder.NewMessage(m.name)
		mb.SetComments(comment(m.comment))
		builders[m.name] = mb
		fb.AddMessage(mb)
	}
	for _, m := range messages {
		mb := builders[m.name]
		fields := make([]*protobuilder.FieldBuilder, 0, len(m.fields))
		for _, f := range m.fields {
			var ft *protobuilder.FieldType
			if f.kind == protoreflect.MessageKind {
				ft = protobuilder.FieldTypeMessage(builders[f.message])
			} else {
				ft = protobuilder.FieldTypeScalar(f.kind)
			}
			fld := protobuilder.NewField(f.name, ft)
			fld.SetComments(comment(f.comment))
			if f.repeated {
				fld.SetRepeated()
			}
			mb.AddField(fld)
			fields = append(fields, fld)
		}
		allocateFieldNumbers(fields)
	}

	sb := protobuilder.NewService(ServiceName)
	for _, m := range methods {
		mb := protobuilder.NewMethod(m.name,
			protobuilder.RpcTypeMessage(builders[m.request], false),
			protobuilder.RpcTypeMessage(builders[m.response], false),
		)
		mb.SetComments(comment(m.comment))
		sb.AddMethod(mb)
	}
	fb.AddService(sb)

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("wire: build descriptors: %w", err)
	}
	svc := fd.Services().ByName(ServiceName)
	p := &Protocol{
		File:     fd,
		Service:  svc,
		entities: svc.Methods().ByName(methodEntities),
		root:     svc.Methods().ByName(methodRoot),
		sdl:      svc.Methods().ByName(methodSDL),
	}
	return p, nil
}

// FullMethod returns the gRPC method path of md, e.g.
// "/graphloader.federation.v1.Subgraph/FetchEntities".
func FullMethod(md protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
}
