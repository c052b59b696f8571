package parser

import (
	"strconv"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/platform"
)

// declSpec is the result of a declaration-specifier sequence.
type declSpec struct {
	base      TypeRef
	hasType   bool
	isTypedef bool

	// decorations holds the visibility decorations in source order;
	// unknown holds every decoration that resolves to nothing.
	decorations []string
	unknown     []string
	attrs       LayoutAttrs

	// defined is the aggregate or enum whose body appears in the
	// specifiers.
	defined *Declaration
}

// typeKeywords counts the primitive type keywords of a specifier sequence.
type typeKeywords struct {
	voids, chars, shorts, ints, longs, signeds, unsigneds int
	floats, doubles, bools, int128s, int64s                int
}

func (k typeKeywords) any() bool {
	return k != typeKeywords{}
}

var qualifiers = map[string]bool{
	"volatile": true, "__volatile": true, "__volatile__": true,
	"restrict": true, "__restrict": true, "__restrict__": true,
	"register": true, "auto": true,
	"inline": true, "__inline": true, "__inline__": true, "__forceinline": true,
	"_Noreturn": true, "__extension__": true,
	"_Thread_local": true, "__thread": true, "__unaligned": true,
	"_Nullable": true, "_Nonnull": true, "_Null_unspecified": true,
	"__ptr32": true, "__ptr64": true,
}

var callingConventions = map[string]bool{
	"__cdecl": true, "_cdecl": true, "__stdcall": true, "_stdcall": true,
	"__fastcall": true, "__vectorcall": true, "__thiscall": true,
}

var constKeywords = map[string]bool{
	"const": true, "__const": true, "__const__": true,
}

// neutralAttributes never affect visibility or layout.
var neutralAttributes = map[string]bool{
	"deprecated": true, "nonnull": true, "noreturn": true, "warn_unused_result": true,
	"pure": true, "const": true, "malloc": true, "format": true, "format_arg": true,
	"always_inline": true, "noinline": true, "unused": true, "used": true,
	"nothrow": true, "leaf": true, "returns_nonnull": true, "sentinel": true,
	"cold": true, "hot": true, "alloc_size": true, "alloc_align": true, "access": true,
	"may_alias": true, "gnu_inline": true, "artificial": true, "nodiscard": true,
	"availability": true, "unavailable": true, "weak": true, "cdecl": true,
	"stdcall": true, "fastcall": true, "ms_abi": true, "sysv_abi": true,
	"novtable": true, "selectany": true, "noalias": true, "restrict": true,
	"allocator": true, "thread": true, "swift_name": true, "objc_bridge": true,
	"enum_extensibility": true, "flag_enum": true, "fallthrough": true,
}

// builtinTypes are the typedef names whose meaning depends on the triple.
// A translation unit that typedefs them itself (stdint.h, stddef.h) does not
// override them.
var builtinTypes = map[string]func(r platform.Rules) TypeRef{
	"int8_t":    func(platform.Rules) TypeRef { return Int(8) },
	"int16_t":   func(platform.Rules) TypeRef { return Int(16) },
	"int32_t":   func(platform.Rules) TypeRef { return Int(32) },
	"int64_t":   func(platform.Rules) TypeRef { return Int(64) },
	"uint8_t":   func(platform.Rules) TypeRef { return Uint(8) },
	"uint16_t":  func(platform.Rules) TypeRef { return Uint(16) },
	"uint32_t":  func(platform.Rules) TypeRef { return Uint(32) },
	"uint64_t":  func(platform.Rules) TypeRef { return Uint(64) },
	"intmax_t":  func(platform.Rules) TypeRef { return Int(64) },
	"uintmax_t": func(platform.Rules) TypeRef { return Uint(64) },
	"char16_t":  func(platform.Rules) TypeRef { return Uint(16) },
	"char32_t":  func(platform.Rules) TypeRef { return Uint(32) },

	"intptr_t":  func(r platform.Rules) TypeRef { return Int(r.PointerSize * 8) },
	"uintptr_t": func(r platform.Rules) TypeRef { return Uint(r.PointerSize * 8) },
	"size_t":    func(r platform.Rules) TypeRef { return Uint(r.PointerSize * 8) },
	"ssize_t":   func(r platform.Rules) TypeRef { return Int(r.PointerSize * 8) },
	"ptrdiff_t": func(r platform.Rules) TypeRef { return Int(r.PointerSize * 8) },
	"wchar_t":   func(r platform.Rules) TypeRef { return Prim(ClassInt, r.WcharSize*8, r.WcharSigned) },

	"__int128_t":  func(platform.Rules) TypeRef { return Int(128) },
	"__uint128_t": func(platform.Rules) TypeRef { return Uint(128) },

	"va_list":              func(platform.Rules) TypeRef { return PointerTo(Void(), false) },
	"__builtin_va_list":    func(platform.Rules) TypeRef { return PointerTo(Void(), false) },
	"__gnuc_va_list":       func(platform.Rules) TypeRef { return PointerTo(Void(), false) },
	"__builtin_ms_va_list": func(platform.Rules) TypeRef { return PointerTo(Void(), false) },
}

func (p *parser) isTypeStart(t token) bool {
	if t.kind != tokIdent {
		return false
	}
	switch t.text {
	case "void", "char", "short", "int", "long", "signed", "__signed", "__signed__", "unsigned",
		"float", "double", "_Bool", "bool", "__int128", "__int64", "__int32", "__int16", "__int8",
		"struct", "union", "enum":
		return true
	}
	if constKeywords[t.text] || qualifiers[t.text] {
		return true
	}
	if _, ok := builtinTypes[t.text]; ok {
		return true
	}
	_, ok := p.typedefs[t.text]
	return ok
}

func (p *parser) typedefType(name string) (TypeRef, bool) {
	if b, ok := builtinTypes[name]; ok {
		return b(p.rules), true
	}
	t, ok := p.typedefs[name]
	return t, ok
}

func (p *parser) declSpecifiers() (*declSpec, error) {
	ds := &declSpec{}
	var kw typeKeywords
	isConst := false

loop:
	for {
		t := p.peek()
		if t.kind != tokIdent {
			break
		}

		switch {
		case t.text == "typedef":
			ds.isTypedef = true
			p.next()

		case t.text == "extern" || t.text == "static":
			p.classify(ds, t.text, t.text)
			p.next()

		case constKeywords[t.text]:
			isConst = true
			p.next()

		case qualifiers[t.text] || callingConventions[t.text]:
			p.next()

		case t.text == "__declspec":
			if err := p.declspec(ds); err != nil {
				return nil, err
			}

		case t.text == "__attribute__" || t.text == "__attribute":
			if err := p.attribute(ds); err != nil {
				return nil, err
			}

		case t.text == "_Complex" || t.text == "__complex__":
			return nil, p.errorf("complex types are not supported")

		case t.text == "struct" || t.text == "union":
			if ds.hasType || kw.any() {
				return nil, p.errorf("two or more data types in declaration specifiers")
			}
			if err := p.aggregateSpecifier(ds); err != nil {
				return nil, err
			}

		case t.text == "enum":
			if ds.hasType || kw.any() {
				return nil, p.errorf("two or more data types in declaration specifiers")
			}
			if err := p.enumSpecifier(ds); err != nil {
				return nil, err
			}

		default:
			if !kw.addKeyword(t.text) {
				if p.exported[t.text] || p.internal[t.text] {
					ds.decorations = append(ds.decorations, t.text)
					p.next()
					continue
				}
				if ds.hasType || kw.any() {
					break loop
				}
				if td, ok := p.typedefType(t.text); ok {
					ds.base = td
					ds.hasType = true
					p.next()
					continue
				}

				// An unresolved identifier before the type is a macro that
				// preprocessing left behind, typically an export decoration.
				if p.peekN(1).kind == tokIdent {
					ds.unknown = append(ds.unknown, t.text)
					p.next()
					continue
				}
				return nil, p.errorf("unknown type name %q", t.text)
			}
			p.next()
		}
	}

	if !ds.hasType {
		if !kw.any() {
			return nil, p.errorf("expected a type, found %q", p.peek().text)
		}
		base, err := p.primitive(kw)
		if err != nil {
			return nil, err
		}
		ds.base = base
		ds.hasType = true
	}

	if ds.defined != nil && ds.defined.Kind.IsAggregate() {
		mergeAttrs(&ds.defined.Attrs, ds.attrs)
	}

	if isConst {
		ds.base = ds.base.withConst()
	}

	return ds, nil
}

func (k *typeKeywords) addKeyword(word string) bool {
	switch word {
	case "void":
		k.voids++
	case "char":
		k.chars++
	case "short", "__int16":
		k.shorts++
	case "int", "__int32":
		k.ints++
	case "long":
		k.longs++
	case "signed", "__signed", "__signed__":
		k.signeds++
	case "unsigned":
		k.unsigneds++
	case "float":
		k.floats++
	case "double":
		k.doubles++
	case "_Bool", "bool":
		k.bools++
	case "__int128":
		k.int128s++
	case "__int64":
		k.int64s++
	case "__int8":
		k.chars++
		k.signeds++
	default:
		return false
	}
	return true
}

// primitive resolves a keyword combination with the triple's rules.
func (p *parser) primitive(kw typeKeywords) (TypeRef, error) {
	if kw.signeds > 0 && kw.unsigneds > 0 {
		return TypeRef{}, p.errorf("both signed and unsigned in declaration specifiers")
	}
	signed := kw.unsigneds == 0

	switch {
	case kw.voids > 0:
		return Void(), nil
	case kw.bools > 0:
		return Prim(ClassBool, 8, false), nil
	case kw.floats > 0:
		return Prim(ClassFloat, 32, true), nil
	case kw.doubles > 0 && kw.longs > 0:
		return Prim(ClassFloat, p.rules.LongDoubleSize*8, true), nil
	case kw.doubles > 0:
		return Prim(ClassFloat, 64, true), nil
	case kw.int128s > 0:
		return Prim(ClassInt, 128, signed), nil
	case kw.chars > 0:
		switch {
		case kw.signeds > 0:
			return Int(8), nil
		case kw.unsigneds > 0:
			return Uint(8), nil
		}
		return Prim(ClassChar, 8, p.rules.CharSigned), nil
	case kw.shorts > 0:
		return Prim(ClassInt, 16, signed), nil
	case kw.longs >= 2 || kw.int64s > 0:
		return Prim(ClassInt, 64, signed), nil
	case kw.longs == 1:
		return Prim(ClassInt, p.rules.LongSize*8, signed), nil
	}

	return Prim(ClassInt, 32, signed), nil
}

// =============================================================================
// Decorations

// declspec consumes __declspec(...) and classifies each of its items.
func (p *parser) declspec(ds *declSpec) error {
	p.next()
	if err := p.expect("("); err != nil {
		return err
	}

	for !p.accept(")") {
		t := p.next()
		if t.kind == tokEOF {
			return p.errorf("unterminated __declspec")
		}

		item := t.text
		if p.is("(") {
			args, err := p.groupText()
			if err != nil {
				return err
			}
			item += args
		}

		p.classify(ds, "__declspec("+item+")", item)
	}

	return nil
}

// attribute consumes __attribute__((...)) and classifies each attribute
// separately, so visibility("default") is recognized next to others.
func (p *parser) attribute(ds *declSpec) error {
	p.next()
	if err := p.expect("("); err != nil {
		return err
	}
	if err := p.expect("("); err != nil {
		return err
	}

	for !p.accept(")") {
		if p.accept(",") {
			continue
		}

		t := p.next()
		if t.kind == tokEOF {
			return p.errorf("unterminated __attribute__")
		}

		item := t.text
		if p.is("(") {
			args, err := p.groupText()
			if err != nil {
				return err
			}
			item += args
		}

		p.classify(ds, "__attribute__(("+item+"))", item)
	}

	return p.expect(")")
}

// classify sorts one decoration into visibility, layout, neutral or
// unknown.
func (p *parser) classify(ds *declSpec, full, item string) {
	if p.exported[full] || p.internal[full] {
		ds.decorations = append(ds.decorations, full)
		return
	}

	name, args, _ := strings.Cut(item, "(")
	name = strings.Trim(name, "_")
	args = strings.TrimSuffix(args, ")")

	switch name {
	case "extern", "static":
		return
	case "packed":
		ds.attrs.Pack = 1
		return
	case "aligned", "align":
		n := p.rules.MaxAlign
		if v, err := strconv.Atoi(args); err == nil {
			n = v
		}
		if n > ds.attrs.Align {
			ds.attrs.Align = n
		}
		return
	}

	if neutralAttributes[name] {
		return
	}

	ds.unknown = append(ds.unknown, full)
}

// trailingDecorations consumes attributes and asm labels that follow a
// declarator.
func (p *parser) trailingDecorations(ds *declSpec) error {
	for {
		t := p.peek()
		switch {
		case t.text == "__attribute__" || t.text == "__attribute":
			if err := p.attribute(ds); err != nil {
				return err
			}
		case t.text == "__declspec":
			if err := p.declspec(ds); err != nil {
				return err
			}
		case t.text == "__asm__" || t.text == "__asm" || t.text == "asm":
			p.next()
			if p.is("(") {
				if err := p.skipBalanced(); err != nil {
					return err
				}
			}
		default:
			return nil
		}
	}
}

func mergeAttrs(dst *LayoutAttrs, src LayoutAttrs) {
	if src.Pack > 0 && (dst.Pack == 0 || src.Pack < dst.Pack) {
		dst.Pack = src.Pack
	}
	if src.Align > dst.Align {
		dst.Align = src.Align
	}
}

// =============================================================================
// Aggregates and enums

func (p *parser) aggregateSpecifier(ds *declSpec) error {
	kwTok := p.next()
	kind := KindStruct
	if kwTok.text == "union" {
		kind = KindUnion
	}

	local := &declSpec{}
	if err := p.trailingDecorations(local); err != nil {
		return err
	}

	tag := ""
	if p.peek().kind == tokIdent {
		tag = p.next().text
		if err := p.trailingDecorations(local); err != nil {
			return err
		}
	}

	ds.hasType = true

	if !p.is("{") {
		if tag == "" {
			return p.errorf("expected a tag or a body after %s", kwTok.text)
		}
		ref, err := p.tagRef(kind, tag, kwTok)
		if err != nil {
			return err
		}
		ds.base = ref
		return nil
	}
	p.next()

	d, err := p.tagDefine(kind, tag, kwTok)
	if err != nil {
		return err
	}

	fields, err := p.fieldList(d)
	if err != nil {
		return err
	}
	d.Fields = fields

	if err := p.trailingDecorations(local); err != nil {
		return err
	}
	if len(local.unknown) > 0 {
		return p.errorf("unknown attribute %s on %s", local.unknown[0], kwTok.text)
	}

	d.Attrs = LayoutAttrs{Pack: p.pack}
	mergeAttrs(&d.Attrs, local.attrs)

	ds.base = Named(d.Name)
	ds.defined = d

	return nil
}

func (p *parser) fieldList(owner *Declaration) ([]Field, error) {
	var fields []Field

	for !p.accept("}") {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return nil, p.errorf("unterminated %s body", owner.Kind)
		case t.kind == tokPragmaPack:
			p.pragmaPack(p.next().text)
			continue
		case p.accept(";"):
			continue
		case t.text == "_Static_assert" || t.text == "static_assert":
			if err := p.skipUntil(";"); err != nil {
				return nil, err
			}
			p.next()
			continue
		}

		ds, err := p.declSpecifiers()
		if err != nil {
			return nil, err
		}
		if len(ds.unknown) > 0 {
			return nil, p.errorf("unknown type name %q", ds.unknown[len(ds.unknown)-1])
		}

		// A member without a declarator is either an anonymous aggregate
		// whose members belong to owner, or a tag declaration that adds no
		// member at all.
		if p.accept(";") {
			if d := ds.defined; d != nil && isPlaceholder(d.Name) && d.Kind.IsAggregate() {
				p.anonOwner[d] = owner
				p.anonymous = append(p.anonymous, d)
				fields = append(fields, Field{Anonymous: d})
			}
			continue
		}

		for {
			d, err := p.declarator(ds)
			if err != nil {
				return nil, err
			}

			typ := d.wrap(ds.base).unqualified()
			if typ.Kind == TypeFunction {
				return nil, p.errorf("field %q declared as a function", d.name)
			}

			f := Field{Name: d.name, Type: typ}

			if p.accept(":") {
				w, err := p.constExpr()
				if err != nil {
					return nil, err
				}
				if w == 0 && d.name != "" {
					return nil, p.errorf("named bitfield %q has zero width", d.name)
				}
				f.Bitfield = true
				f.BitWidth = int(w)
				if err := p.trailingDecorations(ds); err != nil {
					return nil, err
				}
			} else if d.name == "" {
				return nil, p.errorf("expected a field name")
			}

			if def := ds.defined; def != nil && isPlaceholder(def.Name) && typ.Kind == TypeNamed && typ.Name == def.Name {
				if _, ok := p.memberOf[def]; !ok {
					p.memberOf[def] = member{owner: owner, name: d.name}
				}
			}

			fields = append(fields, f)

			if p.accept(",") {
				continue
			}
			if err := p.expect(";"); err != nil {
				return nil, err
			}
			break
		}
	}

	return fields, nil
}

func (p *parser) enumSpecifier(ds *declSpec) error {
	kwTok := p.next()

	local := &declSpec{}
	if err := p.trailingDecorations(local); err != nil {
		return err
	}

	tag := ""
	if p.peek().kind == tokIdent {
		tag = p.next().text
	}

	// A fixed underlying type does not change the derived width.
	if p.accept(":") {
		if _, err := p.declSpecifiers(); err != nil {
			return err
		}
	}

	ds.hasType = true

	if !p.is("{") {
		if tag == "" {
			return p.errorf("expected a tag or a body after enum")
		}
		ref, err := p.tagRef(KindEnum, tag, kwTok)
		if err != nil {
			return err
		}
		ds.base = ref
		return nil
	}
	p.next()

	d, err := p.tagDefine(KindEnum, tag, kwTok)
	if err != nil {
		return err
	}

	var next constant
	large := make(map[string]bool)
	for !p.accept("}") {
		t := p.next()
		if t.kind != tokIdent {
			return p.errorf("expected an enumerator, found %q", t.text)
		}
		if err := p.trailingDecorations(local); err != nil {
			return err
		}

		v := next
		if p.accept("=") {
			if v, err = p.constValue(); err != nil {
				return err
			}
		}

		p.consts[t.text] = v
		if v.large() {
			large[t.text] = true
		}
		d.Values = append(d.Values, EnumValue{Name: t.text, Value: v.v})
		next = constant{v: v.v + 1, unsigned: v.unsigned}

		if !p.accept(",") {
			if err := p.expect("}"); err != nil {
				return err
			}
			break
		}
	}

	if err := p.trailingDecorations(local); err != nil {
		return err
	}

	if err := p.finishEnum(d, large); err != nil {
		return err
	}

	ds.base = Named(d.Name)
	ds.defined = d

	return nil
}

// =============================================================================
// Declarators

type declarator struct {
	name string
	wrap func(TypeRef) TypeRef

	// params are the named parameters of the function the declarator
	// declares, when its outermost type constructor is a function.
	params    []Param
	hasParams bool
	outer     bool
}

type suffix struct {
	array    bool
	n        int
	params   []Param
	variadic bool
}

// declarator parses a possibly abstract declarator. Pointers bind looser
// than array and function suffixes, and a parenthesized inner declarator
// applies last.
func (p *parser) declarator(ds *declSpec) (*declarator, error) {
	d := &declarator{}

	var ptrs []bool
	for {
		for callingConventions[p.peek().text] {
			p.next()
		}
		if !p.accept("*") && !p.accept("^") {
			break
		}

		selfConst := false
		for {
			t := p.peek().text
			switch {
			case constKeywords[t]:
				selfConst = true
				p.next()
				continue
			case qualifiers[t] || callingConventions[t]:
				p.next()
				continue
			case t == "__attribute__" || t == "__attribute":
				if err := p.attribute(ds); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		ptrs = append(ptrs, selfConst)
	}

	if err := p.trailingDecorations(ds); err != nil {
		return nil, err
	}

	var inner *declarator
	switch t := p.peek(); {
	case p.is("(") && p.nestedDeclarator():
		p.next()
		in, err := p.declarator(ds)
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		inner = in
		d.name = in.name

	case t.kind == tokIdent && (ds.hasType || !p.isTypeStart(t)):
		d.name = p.next().text
	}

	var sufs []suffix
	for {
		if p.accept("[") {
			for p.is("static") || constKeywords[p.peek().text] || qualifiers[p.peek().text] {
				p.next()
			}
			n := 0
			if !p.is("]") {
				v, err := p.constExpr()
				if err != nil {
					return nil, err
				}
				n = int(v)
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			sufs = append(sufs, suffix{array: true, n: n})
			continue
		}

		if p.is("(") {
			params, variadic, err := p.paramList()
			if err != nil {
				return nil, err
			}
			sufs = append(sufs, suffix{params: params, variadic: variadic})
			continue
		}

		break
	}

	if err := p.trailingDecorations(ds); err != nil {
		return nil, err
	}

	d.wrap = func(base TypeRef) TypeRef {
		t := base
		for _, c := range ptrs {
			t = PointerTo(t, c)
		}
		for i := len(sufs) - 1; i >= 0; i-- {
			s := sufs[i]
			if s.array {
				t = ArrayOf(t, s.n)
				continue
			}
			t = TypeRef{Kind: TypeFunction, Func: &FuncSig{Return: t.unqualified(), Params: paramTypes(s.params), Variadic: s.variadic}}
		}
		if inner != nil {
			t = inner.wrap(t)
		}
		return t
	}

	// The name's outermost type constructor comes from the innermost
	// declarator that has one.
	switch {
	case inner != nil && inner.outer:
		d.params, d.hasParams, d.outer = inner.params, inner.hasParams, true
	case len(sufs) > 0:
		d.outer = true
		if !sufs[0].array {
			d.params, d.hasParams = sufs[0].params, true
		}
	case len(ptrs) > 0:
		d.outer = true
	}

	return d, nil
}

// nestedDeclarator reports whether the "(" at the cursor opens a nested
// declarator rather than a parameter list.
func (p *parser) nestedDeclarator() bool {
	t := p.peekN(1)
	switch {
	case t.kind == tokPunct:
		return t.text == "*" || t.text == "^" || t.text == "(" || t.text == "["
	case t.kind == tokIdent:
		if callingConventions[t.text] || t.text == "__attribute__" || t.text == "__attribute" {
			return true
		}
		return !p.isTypeStart(t)
	}
	return false
}

func (p *parser) paramList() ([]Param, bool, error) {
	if err := p.expect("("); err != nil {
		return nil, false, err
	}

	// () declares no prototype; it is bound as taking nothing.
	if p.accept(")") {
		return nil, false, nil
	}
	if p.is("void") && p.peekN(1).text == ")" {
		p.next()
		p.next()
		return nil, false, nil
	}

	var params []Param
	for {
		if p.accept("...") {
			return params, true, p.expect(")")
		}

		ds, err := p.declSpecifiers()
		if err != nil {
			return nil, false, err
		}
		if len(ds.unknown) > 0 {
			return nil, false, p.errorf("unknown type name %q", ds.unknown[len(ds.unknown)-1])
		}

		d, err := p.declarator(ds)
		if err != nil {
			return nil, false, err
		}

		params = append(params, Param{Name: d.name, Type: adjustParam(d.wrap(ds.base))})

		if p.accept(",") {
			continue
		}
		return params, false, p.expect(")")
	}
}

// adjustParam applies the parameter type adjustments: arrays decay to
// pointers, functions to function pointers, and top-level qualifiers go.
func adjustParam(t TypeRef) TypeRef {
	switch t.Kind {
	case TypeArray:
		return TypeRef{Kind: TypePointer, Elem: t.Elem, ReadOnly: t.qualified}
	case TypeFunction:
		return TypeRef{Kind: TypeFunctionPointer, Func: t.Func}
	}
	return t.unqualified()
}

func paramTypes(params []Param) []TypeRef {
	types := make([]TypeRef, len(params))
	for i, p := range params {
		types[i] = p.Type
	}
	return types
}
