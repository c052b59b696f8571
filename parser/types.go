package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/platform"
)

type TypeKind int

const (
	TypeVoid TypeKind = iota
	TypePrimitive
	TypePointer
	TypeArray
	TypeNamed
	TypeFunctionPointer

	// TypeFunction only exists while a declarator is being built. Function
	// declarations become Function declarations and every other use decays
	// to TypeFunctionPointer.
	TypeFunction
)

type PrimitiveClass int

const (
	ClassInt PrimitiveClass = iota
	ClassChar
	ClassBool
	ClassFloat
)

// Primitive is a scalar with a platform-resolved width.
type Primitive struct {
	Class  PrimitiveClass
	Bits   int
	Signed bool
}

// Size returns the width in bytes.
func (p Primitive) Size() int {
	return p.Bits / 8
}

func (p Primitive) String() string {
	switch p.Class {
	case ClassBool:
		return "bool"
	case ClassFloat:
		return fmt.Sprintf("float%d", p.Bits)
	case ClassChar:
		if p.Signed {
			return "char(int8)"
		}
		return "char(uint8)"
	}
	if p.Signed {
		return fmt.Sprintf("int%d", p.Bits)
	}
	return fmt.Sprintf("uint%d", p.Bits)
}

// Format spells an enumerator value of this underlying type. Values of a
// uint64 enum hold the bits of the unsigned value.
func (p Primitive) Format(v int64) string {
	if p.Bits == 64 && !p.Signed {
		return strconv.FormatUint(uint64(v), 10)
	}
	return strconv.FormatInt(v, 10)
}

// TypeRef is a reference to a C type. Spelling carries no weight: every
// equivalent spelling of a type produces an Equal TypeRef.
type TypeRef struct {
	Kind     TypeKind
	Prim     Primitive
	Elem     *TypeRef
	ReadOnly bool
	Len      int
	Name     string
	Func     *FuncSig

	qualified bool
}

type FuncSig struct {
	Return   TypeRef
	Params   []TypeRef
	Variadic bool
}

// String returns the canonical spelling.
func (t TypeRef) String() string {
	switch t.Kind {
	case TypeVoid:
		return "void"
	case TypePrimitive:
		return t.Prim.String()
	case TypePointer:
		if t.ReadOnly {
			return "*const " + t.Elem.String()
		}
		return "*" + t.Elem.String()
	case TypeArray:
		return fmt.Sprintf("[%d]%s", t.Len, t.Elem.String())
	case TypeNamed:
		return t.Name
	case TypeFunctionPointer:
		return "*" + t.Func.String()
	case TypeFunction:
		return t.Func.String()
	}
	return "?"
}

func (f *FuncSig) String() string {
	params := make([]string, 0, len(f.Params)+1)
	for _, p := range f.Params {
		params = append(params, p.String())
	}
	if f.Variadic {
		params = append(params, "...")
	}
	return "func(" + strings.Join(params, ", ") + ") " + f.Return.String()
}

// Equal reports whether both references denote the same type.
func (t TypeRef) Equal(u TypeRef) bool {
	return t.String() == u.String()
}

// IsVoid reports whether t is void.
func (t TypeRef) IsVoid() bool {
	return t.Kind == TypeVoid
}

// IsCString reports whether t is a pointer to plain char.
func (t TypeRef) IsCString() bool {
	return t.Kind == TypePointer && t.Elem.Kind == TypePrimitive && t.Elem.Prim.Class == ClassChar
}

func Void() TypeRef {
	return TypeRef{Kind: TypeVoid}
}

func Prim(class PrimitiveClass, bits int, signed bool) TypeRef {
	return TypeRef{Kind: TypePrimitive, Prim: Primitive{Class: class, Bits: bits, Signed: signed}}
}

func Int(bits int) TypeRef {
	return Prim(ClassInt, bits, true)
}

func Uint(bits int) TypeRef {
	return Prim(ClassInt, bits, false)
}

func Named(name string) TypeRef {
	return TypeRef{Kind: TypeNamed, Name: name}
}

// PointerTo returns a pointer to elem. A const-qualified elem makes the
// pointer read-only; selfConst qualifies the pointer object itself.
func PointerTo(elem TypeRef, selfConst bool) TypeRef {
	readOnly := elem.qualified
	elem.qualified = false

	if elem.Kind == TypeFunction {
		return TypeRef{Kind: TypeFunctionPointer, Func: elem.Func, qualified: selfConst}
	}

	return TypeRef{Kind: TypePointer, Elem: &elem, ReadOnly: readOnly, qualified: selfConst}
}

func ArrayOf(elem TypeRef, n int) TypeRef {
	q := elem.qualified
	elem.qualified = false
	return TypeRef{Kind: TypeArray, Elem: &elem, Len: n, qualified: q}
}

func FunctionPointer(ret TypeRef, params []TypeRef, variadic bool) TypeRef {
	return TypeRef{Kind: TypeFunctionPointer, Func: &FuncSig{Return: ret, Params: params, Variadic: variadic}}
}

func (t TypeRef) withConst() TypeRef {
	t.qualified = true
	return t
}

// unqualified drops the top-level qualifier, which never changes layout or
// calling convention.
func (t TypeRef) unqualified() TypeRef {
	t.qualified = false
	return t
}

// =============================================================================

type DeclKind int

const (
	KindFunction DeclKind = iota
	KindStruct
	KindUnion
	KindEnum
	KindTypedef
	KindFunctionPointer
	KindOpaque
)

func (k DeclKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindTypedef:
		return "typedef"
	case KindFunctionPointer:
		return "function_pointer"
	case KindOpaque:
		return "opaque"
	}
	return "unknown"
}

// IsAggregate reports whether the kind has a layout.
func (k DeclKind) IsAggregate() bool {
	return k == KindStruct || k == KindUnion
}

// Field is a member of a struct or union. Anonymous is set for an unnamed
// struct/union member whose fields are accessed as if they belonged to the
// enclosing aggregate.
type Field struct {
	Name      string
	Type      TypeRef
	Bitfield  bool
	BitWidth  int
	Anonymous *Declaration
}

type Param struct {
	Name string
	Type TypeRef
}

type EnumValue struct {
	Name  string
	Value int64
}

// LayoutAttrs holds the layout-affecting attributes of an aggregate.
type LayoutAttrs struct {
	Pack  int
	Align int
}

type Declaration struct {
	Kind     DeclKind
	Name     string
	Exported bool
	Line     int

	// System is set when line markers place the declaration in a system
	// header.
	System bool

	// Struct and Union.
	Fields []Field
	Attrs  LayoutAttrs

	// Enum.
	Values     []EnumValue
	Sentinels  []EnumValue
	Underlying Primitive

	// Function. Symbol is the exported C name, which differs from Name
	// only when the function is mapped to another name.
	Return   TypeRef
	Params   []Param
	Variadic bool
	Symbol   string

	// Typedef and FunctionPointer.
	Target TypeRef

	// Opaque: the tag kind of the forward declaration.
	TagKind DeclKind
}

// Signature returns the function signature of a Function declaration.
func (d *Declaration) Signature() *FuncSig {
	params := make([]TypeRef, len(d.Params))
	for i, p := range d.Params {
		params[i] = p.Type
	}
	return &FuncSig{Return: d.Return, Params: params, Variadic: d.Variadic}
}

// TranslationUnit is the declaration list of one preprocessed input for one
// platform triple. Units are never shared between triples.
type TranslationUnit struct {
	Triple       platform.Triple
	Declarations []*Declaration

	byName  map[string]*Declaration
	ignored map[string]bool
}

// Lookup finds a declaration by canonical name.
func (tu *TranslationUnit) Lookup(name string) (*Declaration, bool) {
	d, ok := tu.byName[name]
	return d, ok
}

// Resolve follows typedef names until it reaches a non-typedef type.
func (tu *TranslationUnit) Resolve(t TypeRef) TypeRef {
	for i := 0; i < 64 && t.Kind == TypeNamed; i++ {
		d, ok := tu.byName[t.Name]
		if !ok || d.Kind != KindTypedef {
			return t
		}
		t = d.Target
	}
	return t
}

// Enum returns the enum declaration t resolves to, if any.
func (tu *TranslationUnit) Enum(t TypeRef) (*Declaration, bool) {
	t = tu.Resolve(t)
	if t.Kind != TypeNamed {
		return nil, false
	}
	d, ok := tu.byName[t.Name]
	if !ok || d.Kind != KindEnum {
		return nil, false
	}
	return d, true
}

// Ignored reports whether name was excluded from bindings.
func (tu *TranslationUnit) Ignored(name string) bool {
	return tu.ignored[name]
}

func (tu *TranslationUnit) ignore(name string) {
	if tu.ignored == nil {
		tu.ignored = make(map[string]bool)
	}
	tu.ignored[name] = true
}

// Scope returns the declarations bindings are generated for, in unit
// order: every non-system declaration (exported functions only) plus every
// declaration those reach through their types. Ignored declarations are
// left out together with every declaration that needs one of them.
func (tu *TranslationUnit) Scope() []*Declaration {
	in := make(map[string]bool)
	blocked := tu.blocked()

	var reach func(t TypeRef)
	reach = func(t TypeRef) {
		switch t.Kind {
		case TypeNamed:
			if in[t.Name] || blocked[t.Name] {
				return
			}
			d, ok := tu.byName[t.Name]
			if !ok {
				return
			}
			in[t.Name] = true
			d.eachType(reach)
		case TypePointer, TypeArray:
			reach(*t.Elem)
		case TypeFunctionPointer, TypeFunction:
			reach(t.Func.Return)
			for _, p := range t.Func.Params {
				reach(p)
			}
		}
	}

	for _, d := range tu.Declarations {
		if d.System || (d.Kind == KindFunction && !d.Exported) || blocked[d.Name] {
			continue
		}
		in[d.Name] = true
		d.eachType(reach)
	}

	var scope []*Declaration
	for _, d := range tu.Declarations {
		if in[d.Name] {
			scope = append(scope, d)
		}
	}
	return scope
}

// blocked returns the ignored declarations plus every declaration whose
// types reach one of them.
func (tu *TranslationUnit) blocked() map[string]bool {
	blocked := make(map[string]bool, len(tu.ignored))
	if len(tu.ignored) == 0 {
		return blocked
	}
	for name := range tu.ignored {
		blocked[name] = true
	}

	var refs func(t TypeRef) bool
	refs = func(t TypeRef) bool {
		switch t.Kind {
		case TypeNamed:
			return blocked[t.Name]
		case TypePointer, TypeArray:
			return refs(*t.Elem)
		case TypeFunctionPointer, TypeFunction:
			if refs(t.Func.Return) {
				return true
			}
			for _, p := range t.Func.Params {
				if refs(p) {
					return true
				}
			}
		}
		return false
	}

	for changed := true; changed; {
		changed = false
		for _, d := range tu.Declarations {
			if blocked[d.Name] {
				continue
			}
			hit := false
			d.eachType(func(t TypeRef) {
				hit = hit || refs(t)
			})
			if hit {
				blocked[d.Name] = true
				changed = true
			}
		}
	}
	return blocked
}

func (d *Declaration) eachType(fn func(TypeRef)) {
	for _, f := range d.Fields {
		if f.Anonymous != nil {
			f.Anonymous.eachType(fn)
			continue
		}
		fn(f.Type)
	}
	for _, p := range d.Params {
		fn(p.Type)
	}
	fn(d.Return)
	fn(d.Target)
}

func (tu *TranslationUnit) add(d *Declaration) {
	tu.Declarations = append(tu.Declarations, d)
	tu.byName[d.Name] = d
}
