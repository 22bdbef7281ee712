package wire

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/graphloader/internal/federation"
	language "github.com/hanpama/graphloader/internal/language"
)

// Caller sends one unary call to a subgraph; *grpctp.Transport implements it.
type Caller interface {
	Call(ctx context.Context, subgraph string, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

// Client is a federation.Client for a subgraph served by Register.
type Client struct {
	subgraph string
	caller   Caller
	proto    *Protocol
}

var _ federation.Client = (*Client)(nil)

// NewClient returns a client for the subgraph named subgraph.
func NewClient(subgraph string, caller Caller) (*Client, error) {
	p, err := Descriptors()
	if err != nil {
		return nil, err
	}
	return &Client{subgraph: subgraph, caller: caller, proto: p}, nil
}

// FetchEntities implements federation.RepresentationFetcher.
func (c *Client) FetchEntities(ctx context.Context, reps []federation.Representation, fields []string) ([]federation.Entity, error) {
	req := message{dynamicpb.NewMessage(c.proto.entities.Input())}
	for _, rep := range reps {
		if err := req.appendMessage("representations", func(m message) error {
			m.setString("typename", rep.Typename)
			raw, err := encodeJSONObject(rep.Fields)
			if err != nil {
				return fmt.Errorf("wire: encode %s representation: %w", rep.Typename, err)
			}
			m.setBytes("fields", raw)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	for _, f := range fields {
		req.appendString("fields", f)
	}

	resp, err := c.call(ctx, c.proto.entities, req)
	if err != nil {
		return nil, err
	}
	return c.entities(resp.messages("entities"), len(reps))
}

// FetchRoot implements federation.Client.
func (c *Client) FetchRoot(ctx context.Context, operation language.Operation, calls []federation.RootCall) ([]federation.Entity, error) {
	req := message{dynamicpb.NewMessage(c.proto.root.Input())}
	req.setString("operation", string(operation))
	for _, call := range calls {
		if err := req.appendMessage("calls", func(m message) error {
			m.setString("field", call.Field)
			raw, err := encodeJSONObject(call.Args)
			if err != nil {
				return fmt.Errorf("wire: encode arguments of %s: %w", call.Field, err)
			}
			m.setBytes("arguments", raw)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	resp, err := c.call(ctx, c.proto.root, req)
	if err != nil {
		return nil, err
	}
	return c.entities(resp.messages("results"), len(calls))
}

// SDL fetches the subgraph's name and schema, for composing a gateway from
// running services.
func (c *Client) SDL(ctx context.Context) (name, sdl string, err error) {
	resp, err := c.call(ctx, c.proto.sdl, message{dynamicpb.NewMessage(c.proto.sdl.Input())})
	if err != nil {
		return "", "", err
	}
	return resp.str("name"), resp.str("sdl"), nil
}

func (c *Client) entities(items []message, want int) ([]federation.Entity, error) {
	if len(items) != want {
		return nil, &federation.RemoteError{
			Service: c.subgraph,
			Message: fmt.Sprintf("subgraph %s returned %d results for %d requests", c.subgraph, len(items), want),
		}
	}
	out := make([]federation.Entity, len(items))
	for i, item := range items {
		e, err := decodeEntity(c.subgraph, item)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, md protoreflect.MethodDescriptor, req message) (message, error) {
	resp, err := c.caller.Call(ctx, c.subgraph, md, req.Message)
	if err != nil {
		return message{}, c.classify(err)
	}
	return message{resp}, nil
}

// classify maps transport failures to UnavailableError and errors the
// subgraph answered with to RemoteError.
func (c *Client) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return &federation.UnavailableError{Service: c.subgraph, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Unimplemented:
		return &federation.UnavailableError{Service: c.subgraph, Err: err}
	case codes.Canceled:
		return fmt.Errorf("subgraph %s: %w", c.subgraph, context.Canceled)
	}
	remote := &federation.RemoteError{Service: c.subgraph, Message: st.Message()}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			remote.ErrCode = info.Reason
		}
	}
	return remote
}
