package wire

import (
	"io"

	"github.com/jhump/protoreflect/v2/protoprint"
)

// Render writes the protocol as a .proto file, for clients written against
// generated stubs.
func Render(w io.Writer) error {
	p, err := Descriptors()
	if err != nil {
		return err
	}
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(p.File, w)
}
