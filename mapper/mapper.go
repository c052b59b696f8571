// Package mapper maps C types onto binary-compatible target types.
package mapper

import (
	"fmt"

	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"go.bytecodealliance.org/wit"
)

// Targets.
const (
	TargetGo  = "go"
	TargetWIT = "wit"
)

// Type is the target rendition of one C type.
type Type struct {
	// Name is the type as spelled in the target. It is empty for void.
	Name string

	// FFI is the libffi descriptor expression of the Go target. For arrays
	// it describes one element and Len holds the flattened element count.
	FFI string
	Len int

	// ReadOnly records that the C pointer did not allow writes. It never
	// changes the representation.
	ReadOnly bool

	// String marks a const char* mapped to a Go string.
	String bool

	// WIT is the WIT type model of the WIT target.
	WIT wit.Type
}

// IsVoid reports whether the type is void.
func (t Type) IsVoid() bool {
	return t.Name == ""
}

// Mapper maps C types of one translation unit to a target.
type Mapper interface {
	Target() string
	Map(t parser.TypeRef) (Type, error)
	Function(d *parser.Declaration) (*Func, error)
}

// Param is a mapped function parameter.
type Param struct {
	Name string
	C    parser.TypeRef
	Type Type
}

// Func is a mapped function signature.
type Func struct {
	Name   string
	Params []Param
	Return Type
}

// paramNames derives unique, non-empty target parameter names.
func paramNames(params []parser.Param, convert func(string) string) []string {
	names := make([]string, len(params))
	seen := make(map[string]bool)

	for i, p := range params {
		name := convert(p.Name)
		if name == "" || seen[name] {
			name = fmt.Sprintf("arg%d", i)
		}
		seen[name] = true
		names[i] = name
	}

	return names
}

func unmappable(tu *parser.TranslationUnit, target, decl string, t parser.TypeRef, reason string) error {
	return bgerrors.UnmappableType(tu.Triple.Name(), target, decl, t.String(), reason)
}

// New returns the mapper of target.
func New(target string, tu *parser.TranslationUnit, calc layoutSource) (Mapper, error) {
	switch target {
	case TargetGo:
		return NewGo(tu), nil
	case TargetWIT:
		return NewWIT(tu, calc), nil
	}
	return nil, bgerrors.InvalidConfig("unknown target %q", target)
}
