// Package language wraps the gqlparser parser so that the rest of the module
// depends on one set of AST names.
package language

import (
	"errors"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseQuery parses an executable document. Syntax errors are returned as
// *gqlerror.Error carrying the source location.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ParseSchema parses one SDL source. name is used in error locations.
func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Locations returns the line/column pairs attached to a parse error.
func Locations(err error) []gqlerror.Location {
	var ge *gqlerror.Error
	if errors.As(err, &ge) {
		return ge.Locations
	}
	return nil
}
