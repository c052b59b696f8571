package mapper

import (
	"fmt"

	"github.com/ardanlabs/ffi-bindgen/parser"
)

// Go maps C types to Go types backed by github.com/jupiterrider/ffi.
//
// Enums become integers of their derived width, pointers become uintptr
// handles and function pointers become the callable handle type generated
// for the typedef that spells the same signature.
type Go struct {
	tu        *parser.TranslationUnit
	callbacks map[string]string
}

// NewGo returns a Go mapper for tu.
func NewGo(tu *parser.TranslationUnit) *Go {
	m := Go{
		tu:        tu,
		callbacks: make(map[string]string),
	}

	for _, d := range tu.Declarations {
		if d.Kind != parser.KindFunctionPointer {
			continue
		}
		key := d.Target.String()
		if _, ok := m.callbacks[key]; !ok {
			m.callbacks[key] = GoName(d.Name)
		}
	}

	return &m
}

func (m *Go) Target() string {
	return TargetGo
}

// Map maps t.
func (m *Go) Map(t parser.TypeRef) (Type, error) {
	return m.mapType("", t)
}

// Callback returns the handle type generated for a function pointer
// signature, or "" when no typedef names it.
func (m *Go) Callback(t parser.TypeRef) string {
	return m.callbacks[t.String()]
}

func (m *Go) mapType(decl string, t parser.TypeRef) (Type, error) {
	switch t.Kind {
	case parser.TypeVoid:
		return Type{FFI: "&ffi.TypeVoid"}, nil

	case parser.TypePrimitive:
		return m.primitive(decl, t)

	case parser.TypePointer:
		return Type{Name: "uintptr", FFI: "&ffi.TypePointer", ReadOnly: t.ReadOnly}, nil

	case parser.TypeFunctionPointer:
		if t.Func.Variadic {
			return Type{}, unmappable(m.tu, TargetGo, decl, t, "variadic callbacks cannot be bridged")
		}
		name := m.Callback(t)
		if name == "" {
			name = "uintptr"
		}
		return Type{Name: name, FFI: "&ffi.TypePointer"}, nil

	case parser.TypeArray:
		elem, err := m.mapType(decl, *t.Elem)
		if err != nil {
			return Type{}, err
		}
		n := t.Len
		if elem.Len > 0 {
			n *= elem.Len
		}
		return Type{Name: fmt.Sprintf("[%d]%s", t.Len, elem.Name), FFI: elem.FFI, Len: n}, nil

	case parser.TypeNamed:
		return m.named(decl, t)
	}

	return Type{}, unmappable(m.tu, TargetGo, decl, t, "unsupported type")
}

func (m *Go) named(decl string, t parser.TypeRef) (Type, error) {
	d, ok := m.tu.Lookup(t.Name)
	if !ok {
		return Type{}, unmappable(m.tu, TargetGo, decl, t, "unknown type name")
	}
	name := GoName(d.Name)

	switch d.Kind {
	case parser.KindStruct, parser.KindUnion:
		return Type{Name: name, FFI: "&FFIType" + name}, nil

	case parser.KindEnum:
		prim, err := m.primitive(decl, parser.TypeRef{Kind: parser.TypePrimitive, Prim: d.Underlying})
		if err != nil {
			return Type{}, err
		}
		return Type{Name: name, FFI: prim.FFI}, nil

	case parser.KindTypedef:
		target, err := m.mapType(decl, d.Target)
		if err != nil || target.IsVoid() {
			return target, err
		}
		target.Name = name
		target.String = false
		return target, nil

	case parser.KindFunctionPointer:
		return Type{Name: name, FFI: "&ffi.TypePointer"}, nil
	}

	return Type{}, unmappable(m.tu, TargetGo, decl, t, "an opaque type can only be used through a pointer")
}

func (m *Go) primitive(decl string, t parser.TypeRef) (Type, error) {
	p := t.Prim

	switch p.Class {
	case parser.ClassBool:
		return Type{Name: "bool", FFI: "&ffi.TypeUint8"}, nil

	case parser.ClassFloat:
		switch p.Bits {
		case 32:
			return Type{Name: "float32", FFI: "&ffi.TypeFloat"}, nil
		case 64:
			return Type{Name: "float64", FFI: "&ffi.TypeDouble"}, nil
		}
		return Type{}, unmappable(m.tu, TargetGo, decl, t, fmt.Sprintf("Go has no %d-bit float", p.Bits))
	}

	switch p.Bits {
	case 8, 16, 32, 64:
	default:
		return Type{}, unmappable(m.tu, TargetGo, decl, t, fmt.Sprintf("Go has no %d-bit integer", p.Bits))
	}

	if p.Signed {
		return Type{Name: fmt.Sprintf("int%d", p.Bits), FFI: fmt.Sprintf("&ffi.TypeSint%d", p.Bits)}, nil
	}
	return Type{Name: fmt.Sprintf("uint%d", p.Bits), FFI: fmt.Sprintf("&ffi.TypeUint%d", p.Bits)}, nil
}

// Function maps the signature of a function declaration. Read-only char
// pointers become Go strings.
func (m *Go) Function(d *parser.Declaration) (*Func, error) {
	if d.Variadic {
		return nil, unmappable(m.tu, TargetGo, d.Name, parser.FunctionPointer(d.Return, d.Signature().Params, true),
			"variadic functions cannot be called through a fixed prototype")
	}

	fn := Func{Name: GoName(d.Name)}
	names := paramNames(d.Params, LowerCamel)

	for i, p := range d.Params {
		t, err := m.mapType(d.Name, p.Type)
		if err != nil {
			return nil, err
		}
		if p.Type.IsCString() && p.Type.ReadOnly {
			t.Name, t.String = "string", true
		}
		fn.Params = append(fn.Params, Param{Name: names[i], C: p.Type, Type: t})
	}

	ret, err := m.mapType(d.Name, d.Return)
	if err != nil {
		return nil, err
	}
	if d.Return.IsCString() && d.Return.ReadOnly {
		ret.Name, ret.String = "string", true
	}
	fn.Return = ret

	return &fn, nil
}

// Callable maps the signature of a function pointer declaration.
func (m *Go) Callable(d *parser.Declaration) (*Func, error) {
	sig := d.Target.Func
	if sig.Variadic {
		return nil, unmappable(m.tu, TargetGo, d.Name, d.Target, "variadic callbacks cannot be bridged")
	}

	fn := Func{Name: GoName(d.Name)}
	for i, pt := range sig.Params {
		t, err := m.mapType(d.Name, pt)
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, Param{Name: fmt.Sprintf("arg%d", i), C: pt, Type: t})
	}

	ret, err := m.mapType(d.Name, sig.Return)
	if err != nil {
		return nil, err
	}
	fn.Return = ret

	return &fn, nil
}
