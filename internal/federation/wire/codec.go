package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/graphloader/internal/federation"
)

// message reads and writes dynamic message fields by name.
type message struct {
	protoreflect.Message
}

func (m message) field(name string) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("wire: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return fd
}

func (m message) setString(name, v string) {
	if v != "" {
		m.Set(m.field(name), protoreflect.ValueOfString(v))
	}
}

func (m message) setBytes(name string, v []byte) {
	if len(v) > 0 {
		m.Set(m.field(name), protoreflect.ValueOfBytes(v))
	}
}

func (m message) appendString(name, v string) {
	m.Mutable(m.field(name)).List().Append(protoreflect.ValueOfString(v))
}

func (m message) appendMessage(name string, fill func(message) error) error {
	l := m.Mutable(m.field(name)).List()
	el := l.NewElement()
	if err := fill(message{el.Message()}); err != nil {
		return err
	}
	l.Append(el)
	return nil
}

func (m message) mutable(name string) message {
	return message{m.Mutable(m.field(name)).Message()}
}

func (m message) has(name string) bool { return m.Has(m.field(name)) }

func (m message) str(name string) string { return m.Get(m.field(name)).String() }

func (m message) bytes(name string) []byte { return m.Get(m.field(name)).Bytes() }

func (m message) strings(name string) []string {
	l := m.Get(m.field(name)).List()
	out := make([]string, l.Len())
	for i := range out {
		out[i] = l.Get(i).String()
	}
	return out
}

func (m message) messages(name string) []message {
	l := m.Get(m.field(name)).List()
	out := make([]message, l.Len())
	for i := range out {
		out[i] = message{l.Get(i).Message()}
	}
	return out
}

func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

func encodePath(path []any) []string {
	out := make([]string, len(path))
	for i, elem := range path {
		switch e := elem.(type) {
		case int:
			out[i] = strconv.Itoa(e)
		default:
			out[i] = fmt.Sprint(e)
		}
	}
	return out
}

// decodePath turns numeric elements back into list indexes. Field names
// never start with a digit.
func decodePath(path []string) []any {
	out := make([]any, len(path))
	for i, elem := range path {
		if n, err := strconv.Atoi(elem); err == nil {
			out[i] = n
		} else {
			out[i] = elem
		}
	}
	return out
}

func encodeFieldError(m message, path []any, err error) {
	for _, p := range encodePath(path) {
		m.appendString("path", p)
	}
	m.setString("message", err.Error())
	m.setString("code", errorCode(err))
}

// encodeEntity moves the field errors out of e.Data into the errors list.
func encodeEntity(m message, e federation.Entity) error {
	if e.Err != nil {
		encodeFieldError(m.mutable("failure"), nil, e.Err)
	}
	if e.Data == nil {
		return nil
	}
	errs := federation.SplitErrors(e.Data)
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("wire: encode entity: %w", err)
	}
	m.setBytes("data", data)
	for _, pe := range errs {
		if err := m.appendMessage("errors", func(fe message) error {
			encodeFieldError(fe, pe.Path, pe.Err)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func decodeFieldError(service string, m message) *federation.RemoteError {
	return &federation.RemoteError{Service: service, Message: m.str("message"), ErrCode: m.str("code")}
}

func decodeEntity(service string, m message) (federation.Entity, error) {
	var e federation.Entity
	if m.has("failure") {
		e.Err = decodeFieldError(service, message{m.Get(m.field("failure")).Message()})
	}
	if raw := m.bytes("data"); len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Data); err != nil {
			return e, fmt.Errorf("wire: decode entity from %s: %w", service, err)
		}
	}
	for _, fe := range m.messages("errors") {
		remote := decodeFieldError(service, fe)
		if e.Data != nil && federation.PlaceError(e.Data, decodePath(fe.strings("path")), remote) {
			continue
		}
		if e.Err == nil {
			e.Err = remote
		}
	}
	return e, nil
}

func encodeJSONObject(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSONObject(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
