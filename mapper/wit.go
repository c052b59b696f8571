package mapper

import (
	"fmt"

	"github.com/ardanlabs/ffi-bindgen/layout"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"go.bytecodealliance.org/wit"
)

type layoutSource interface {
	Layout(name string) (*layout.Info, error)
}

// WIT maps C types to WebAssembly Interface Types. Only types whose
// canonical ABI layout is byte-identical to the C layout are mapped:
// integers, floats, bool, enums as integers, and records of those.
type WIT struct {
	tu     *parser.TranslationUnit
	layout layoutSource
	defs   map[string]*wit.TypeDef
}

// NewWIT returns a WIT mapper for tu. Record layouts are checked against
// the layouts of src.
func NewWIT(tu *parser.TranslationUnit, src layoutSource) *WIT {
	return &WIT{
		tu:     tu,
		layout: src,
		defs:   make(map[string]*wit.TypeDef),
	}
}

func (m *WIT) Target() string {
	return TargetWIT
}

// Map maps t.
func (m *WIT) Map(t parser.TypeRef) (Type, error) {
	return m.mapType("", t)
}

func (m *WIT) mapType(decl string, t parser.TypeRef) (Type, error) {
	switch t.Kind {
	case parser.TypeVoid:
		return Type{}, nil

	case parser.TypePrimitive:
		w, err := m.primitive(decl, t)
		if err != nil {
			return Type{}, err
		}
		return Type{Name: witPrimitiveName(w), WIT: w}, nil

	case parser.TypePointer:
		return Type{}, unmappable(m.tu, TargetWIT, decl, t, "pointers have no canonical ABI representation")

	case parser.TypeFunctionPointer:
		return Type{}, unmappable(m.tu, TargetWIT, decl, t, "function pointers have no canonical ABI representation")

	case parser.TypeArray:
		return Type{}, unmappable(m.tu, TargetWIT, decl, t, "fixed-size arrays have no canonical ABI representation")

	case parser.TypeNamed:
		d, ok := m.tu.Lookup(t.Name)
		if !ok {
			return Type{}, unmappable(m.tu, TargetWIT, decl, t, "unknown type name")
		}
		def, err := m.Define(d)
		if err != nil {
			return Type{}, err
		}
		return Type{Name: WITName(d.Name), WIT: def}, nil
	}

	return Type{}, unmappable(m.tu, TargetWIT, decl, t, "unsupported type")
}

// Define returns the WIT type definition of a declaration.
func (m *WIT) Define(d *parser.Declaration) (*wit.TypeDef, error) {
	if def, ok := m.defs[d.Name]; ok {
		return def, nil
	}

	var kind wit.TypeDefKind
	ref := parser.Named(d.Name)

	switch d.Kind {
	case parser.KindStruct:
		rec, err := m.record(d)
		if err != nil {
			return nil, err
		}
		kind = rec

	case parser.KindEnum:
		w, err := m.primitive(d.Name, parser.TypeRef{Kind: parser.TypePrimitive, Prim: d.Underlying})
		if err != nil {
			return nil, err
		}
		kind = w

	case parser.KindTypedef:
		target, err := m.mapType(d.Name, d.Target)
		if err != nil {
			return nil, err
		}
		if target.WIT == nil {
			return nil, unmappable(m.tu, TargetWIT, d.Name, ref, "void has no value representation")
		}
		kind = target.WIT

	case parser.KindUnion:
		return nil, unmappable(m.tu, TargetWIT, d.Name, ref, "unions have no canonical ABI representation")

	case parser.KindFunctionPointer:
		return nil, unmappable(m.tu, TargetWIT, d.Name, ref, "function pointers have no canonical ABI representation")

	default:
		return nil, unmappable(m.tu, TargetWIT, d.Name, ref, fmt.Sprintf("a %s has no value representation", d.Kind))
	}

	def := &wit.TypeDef{Kind: kind}
	m.defs[d.Name] = def

	return def, nil
}

// record builds the record of a struct and rejects it unless the canonical
// ABI places every field where the C compiler does.
func (m *WIT) record(d *parser.Declaration) (*wit.Record, error) {
	ref := parser.Named(d.Name)

	info, err := m.layout.Layout(d.Name)
	if err != nil {
		return nil, err
	}

	for _, g := range info.Groups {
		if g.Kind == parser.KindUnion {
			return nil, unmappable(m.tu, TargetWIT, d.Name, ref, "anonymous unions have no canonical ABI representation")
		}
	}

	if len(info.Fields) == 0 {
		return nil, unmappable(m.tu, TargetWIT, d.Name, ref, "WIT records need at least one field")
	}

	rec := &wit.Record{}
	for _, f := range info.Fields {
		if f.IsBitfield() {
			return nil, unmappable(m.tu, TargetWIT, d.Name, ref, fmt.Sprintf("bitfield %s has no canonical ABI representation", f.Name))
		}
		ft, err := m.mapType(d.Name, f.Type)
		if err != nil {
			return nil, err
		}
		rec.Fields = append(rec.Fields, wit.Field{Name: WITName(f.Name), Type: ft.WIT})
	}

	canon := canonicalRecord(rec)
	if canon.Size != info.Size || canon.Align != info.Align {
		return nil, unmappable(m.tu, TargetWIT, d.Name, ref,
			fmt.Sprintf("canonical ABI size/align %d/%d differs from C %d/%d", canon.Size, canon.Align, info.Size, info.Align))
	}
	for i, f := range info.Fields {
		if canon.Offsets[i] != f.Offset {
			return nil, unmappable(m.tu, TargetWIT, d.Name, ref,
				fmt.Sprintf("canonical ABI places %s at %d, C at %d", f.Name, canon.Offsets[i], f.Offset))
		}
	}

	return rec, nil
}

func (m *WIT) primitive(decl string, t parser.TypeRef) (wit.Type, error) {
	p := t.Prim

	switch p.Class {
	case parser.ClassBool:
		return wit.Bool{}, nil
	case parser.ClassFloat:
		switch p.Bits {
		case 32:
			return wit.F32{}, nil
		case 64:
			return wit.F64{}, nil
		}
		return nil, unmappable(m.tu, TargetWIT, decl, t, fmt.Sprintf("WIT has no %d-bit float", p.Bits))
	}

	switch {
	case p.Bits == 8 && p.Signed:
		return wit.S8{}, nil
	case p.Bits == 8:
		return wit.U8{}, nil
	case p.Bits == 16 && p.Signed:
		return wit.S16{}, nil
	case p.Bits == 16:
		return wit.U16{}, nil
	case p.Bits == 32 && p.Signed:
		return wit.S32{}, nil
	case p.Bits == 32:
		return wit.U32{}, nil
	case p.Bits == 64 && p.Signed:
		return wit.S64{}, nil
	case p.Bits == 64:
		return wit.U64{}, nil
	}

	return nil, unmappable(m.tu, TargetWIT, decl, t, fmt.Sprintf("WIT has no %d-bit integer", p.Bits))
}

// Function maps the signature of a function declaration.
func (m *WIT) Function(d *parser.Declaration) (*Func, error) {
	if d.Variadic {
		return nil, unmappable(m.tu, TargetWIT, d.Name, parser.FunctionPointer(d.Return, d.Signature().Params, true),
			"variadic functions have no WIT signature")
	}

	fn := Func{Name: WITName(d.Name)}
	names := paramNames(d.Params, WITName)

	for i, p := range d.Params {
		t, err := m.mapType(d.Name, p.Type)
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, Param{Name: names[i], C: p.Type, Type: t})
	}

	ret, err := m.mapType(d.Name, d.Return)
	if err != nil {
		return nil, err
	}
	fn.Return = ret

	return &fn, nil
}

func witPrimitiveName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.S8:
		return "s8"
	case wit.U8:
		return "u8"
	case wit.S16:
		return "s16"
	case wit.U16:
		return "u16"
	case wit.S32:
		return "s32"
	case wit.U32:
		return "u32"
	case wit.S64:
		return "s64"
	case wit.U64:
		return "u64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	}
	return ""
}
