// Package parser extracts declarations from one preprocessed C translation
// unit for one platform triple.
package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"go.uber.org/zap"
)

// Options controls extraction.
type Options struct {
	Visibility     Visibility
	SentinelPrefix string

	// MappedNames renames declarations and enumerators, keyed by their C
	// name. A mapped function keeps its C name as Symbol.
	MappedNames map[string]string

	// IgnoredNames lists C names bindings are never generated for.
	IgnoredNames []string
}

// Visibility lists the decorations that mark a function exported or
// internal. Entries are compared with all whitespace removed, so
// `__attribute__ ((visibility ("default")))` matches the default entry.
type Visibility struct {
	Exported []string
	Internal []string
}

// DefaultOptions returns the decoration tables used when no configuration
// overrides them.
func DefaultOptions() Options {
	return Options{
		Visibility: Visibility{
			Exported: []string{
				"extern",
				"__declspec(dllexport)",
				"__declspec(dllimport)",
				`__attribute__((visibility("default")))`,
				`__attribute__((visibility("protected")))`,
				"__attribute__((dllexport))",
				"__attribute__((dllimport))",
			},
			Internal: []string{
				"static",
				`__attribute__((visibility("hidden")))`,
				`__attribute__((visibility("internal")))`,
			},
		},
		SentinelPrefix: "_",
	}
}

// Parse extracts the declarations of src as seen by triple.
func Parse(src string, triple platform.Triple, opts Options) (*TranslationUnit, error) {
	if opts.Visibility.Exported == nil && opts.Visibility.Internal == nil {
		opts.Visibility = DefaultOptions().Visibility
	}

	p := newParser(lex(src), triple, opts)
	if err := p.parse(); err != nil {
		return nil, err
	}

	tu := p.finalize()
	if err := checkBitfields(tu); err != nil {
		return nil, err
	}

	Logger().Debug("extracted translation unit",
		zap.String("triple", triple.Name()),
		zap.Int("declarations", len(tu.Declarations)),
	)

	return tu, nil
}

type member struct {
	owner *Declaration
	name  string
}

type parser struct {
	toks   []token
	pos    int
	triple platform.Triple
	rules  platform.Rules
	opts   Options

	exported map[string]bool
	internal map[string]bool

	// Ordinary identifiers and tags live in separate C namespaces.
	decls    map[string]*Declaration
	tags     map[string]*Declaration
	typedefs map[string]TypeRef
	consts   map[string]constant

	list      []*Declaration
	renames   map[string]string
	renamed   map[*Declaration]bool
	memberOf  map[*Declaration]member
	anonOwner map[*Declaration]*Declaration
	anonymous []*Declaration
	anonSeq   int

	pack      int
	packStack []int
}

func newParser(toks []token, triple platform.Triple, opts Options) *parser {
	p := &parser{
		toks:      toks,
		triple:    triple,
		rules:     triple.Rules(),
		opts:      opts,
		exported:  make(map[string]bool),
		internal:  make(map[string]bool),
		decls:     make(map[string]*Declaration),
		tags:      make(map[string]*Declaration),
		typedefs:  make(map[string]TypeRef),
		consts:    make(map[string]constant),
		renames:   make(map[string]string),
		renamed:   make(map[*Declaration]bool),
		memberOf:  make(map[*Declaration]member),
		anonOwner: make(map[*Declaration]*Declaration),
	}

	for _, d := range opts.Visibility.Exported {
		p.exported[stripSpace(d)] = true
	}
	for _, d := range opts.Visibility.Internal {
		p.internal[stripSpace(d)] = true
	}

	return p
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// =============================================================================
// Token helpers

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekN(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) is(text string) bool {
	t := p.peek()
	return (t.kind == tokPunct || t.kind == tokIdent) && t.text == text
}

func (p *parser) accept(text string) bool {
	if p.is(text) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(text string) error {
	if !p.accept(text) {
		return p.errorf("expected %q, found %q", text, p.peek().text)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return bgerrors.Syntax(p.triple.Name(), p.peek().line, format, args...)
}

// skipBalanced consumes a bracketed group starting at the current opening
// token.
func (p *parser) skipBalanced() error {
	depth := 0
	for {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return p.errorf("unterminated block")
		case t.kind != tokPunct:
		case t.text == "(" || t.text == "{" || t.text == "[":
			depth++
		case t.text == ")" || t.text == "}" || t.text == "]":
			depth--
		}
		if depth == 0 {
			return nil
		}
	}
}

// skipUntil consumes tokens up to, but not including, one of stops at
// bracket depth zero.
func (p *parser) skipUntil(stops ...string) error {
	for {
		t := p.peek()
		if t.kind == tokEOF {
			return p.errorf("unexpected end of input")
		}
		if t.kind == tokPunct {
			for _, s := range stops {
				if t.text == s {
					return nil
				}
			}
			if t.text == "(" || t.text == "{" || t.text == "[" {
				if err := p.skipBalanced(); err != nil {
					return err
				}
				continue
			}
		}
		p.next()
	}
}

// groupText consumes a parenthesized group and returns its text without
// whitespace.
func (p *parser) groupText() (string, error) {
	start := p.pos
	if err := p.skipBalanced(); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, t := range p.toks[start:p.pos] {
		b.WriteString(t.text)
	}
	return b.String(), nil
}

// =============================================================================
// Top level

func (p *parser) parse() error {
	for p.peek().kind != tokEOF {
		t := p.peek()

		switch {
		case t.kind == tokPragmaPack:
			p.pragmaPack(p.next().text)

		case p.accept(";"):

		case t.text == "_Static_assert" || t.text == "static_assert" ||
			t.text == "__asm__" || t.text == "__asm" || t.text == "asm":
			if err := p.skipUntil(";"); err != nil {
				return err
			}
			p.next()

		default:
			if err := p.externalDecl(); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *parser) pragmaPack(args string) {
	parts := strings.Split(args, ",")
	n := -1
	if v, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
		n = v
	}

	switch parts[0] {
	case "":
		p.pack = 0
	case "push":
		p.packStack = append(p.packStack, p.pack)
		if n >= 0 {
			p.pack = n
		}
	case "pop":
		if len(p.packStack) > 0 {
			p.pack = p.packStack[len(p.packStack)-1]
			p.packStack = p.packStack[:len(p.packStack)-1]
		}
		if n >= 0 && len(parts) > 1 {
			p.pack = n
		}
	default:
		if n >= 0 {
			p.pack = n
		}
	}
}

func (p *parser) externalDecl() error {
	start := p.peek()

	ds, err := p.declSpecifiers()
	if err != nil {
		return err
	}

	if ds.isTypedef {
		return p.typedefDecl(ds)
	}

	if p.accept(";") {
		if len(ds.unknown) > 0 {
			name := ""
			if ds.defined != nil {
				name = ds.defined.Name
			}
			return bgerrors.UnknownVisibilityDecoration(p.triple.Name(), name, ds.unknown[0], start.line)
		}
		return nil
	}

	for {
		d, err := p.declarator(ds)
		if err != nil {
			return err
		}
		if d.name == "" {
			return p.errorf("expected a declarator name")
		}

		t := d.wrap(ds.base)

		if t.Kind != TypeFunction {
			if len(ds.unknown) > 0 {
				return bgerrors.UnknownVisibilityDecoration(p.triple.Name(), d.name, ds.unknown[0], start.line)
			}

			Logger().Debug("ignoring variable",
				zap.String("triple", p.triple.Name()),
				zap.String("name", d.name),
				zap.Int("line", start.line),
			)

			if p.accept("=") {
				if err := p.skipUntil(",", ";"); err != nil {
					return err
				}
			}
		} else {
			exported, err := p.visibility(d.name, ds, start.line)
			if err != nil {
				return err
			}

			params := d.params
			if !d.hasParams {
				for _, pt := range t.Func.Params {
					params = append(params, Param{Type: pt})
				}
			}

			fn := &Declaration{
				Kind:     KindFunction,
				Name:     d.name,
				Exported: exported,
				Line:     start.line,
				System:   start.system,
				Return:   t.Func.Return,
				Params:   params,
				Variadic: t.Func.Variadic,
			}
			if err := p.declare(fn); err != nil {
				return err
			}

			if p.is("{") {
				return p.skipBalanced()
			}
		}

		if p.accept(",") {
			continue
		}
		return p.expect(";")
	}
}

// visibility resolves the decorations of a function. Internal decorations
// win over exported ones; an undecorated function is internal.
func (p *parser) visibility(name string, ds *declSpec, line int) (bool, error) {
	if len(ds.unknown) > 0 {
		return false, bgerrors.UnknownVisibilityDecoration(p.triple.Name(), name, ds.unknown[0], line)
	}

	exported := false
	for _, d := range ds.decorations {
		if p.internal[d] {
			return false, nil
		}
		if p.exported[d] {
			exported = true
		}
	}

	return exported, nil
}

func (p *parser) typedefDecl(ds *declSpec) error {
	for {
		line := p.peek().line

		d, err := p.declarator(ds)
		if err != nil {
			return err
		}
		if d.name == "" {
			return p.errorf("typedef without a name")
		}
		if len(ds.unknown) > 0 {
			return bgerrors.UnknownVisibilityDecoration(p.triple.Name(), d.name, ds.unknown[0], line)
		}

		if err := p.defineTypedef(d.name, d.wrap(ds.base).unqualified(), line, p.toks[p.pos-1].system); err != nil {
			return err
		}

		if p.accept(",") {
			continue
		}
		return p.expect(";")
	}
}

func (p *parser) defineTypedef(name string, t TypeRef, line int, system bool) error {
	if _, ok := builtinTypes[name]; ok {
		return nil
	}

	// A by-value typedef of a tag or an untagged aggregate names the same
	// entity: the typedef name becomes its canonical name.
	if t.Kind == TypeNamed {
		if d, ok := p.decls[t.Name]; ok && isTagKind(d.Kind) {
			if d.Name == name {
				p.typedefs[name] = Named(name)
				return nil
			}
			if !p.renamed[d] {
				if _, taken := p.decls[name]; taken {
					return p.duplicate(name, line)
				}
				p.rename(d, name)
				p.renamed[d] = true
				p.typedefs[name] = Named(name)
				return nil
			}
		}
	}

	decl := &Declaration{Name: name, Line: line, System: system}

	switch t.Kind {
	case TypeFunctionPointer:
		decl.Kind = KindFunctionPointer
		decl.Target = t
		p.typedefs[name] = t
	case TypeFunction:
		decl.Kind = KindFunctionPointer
		decl.Target = TypeRef{Kind: TypeFunctionPointer, Func: t.Func}
		p.typedefs[name] = t
	default:
		decl.Kind = KindTypedef
		decl.Target = t
		p.typedefs[name] = Named(name)
	}

	return p.declare(decl)
}

func isTagKind(k DeclKind) bool {
	return k == KindStruct || k == KindUnion || k == KindEnum || k == KindOpaque
}

// =============================================================================
// Declaration registry

func (p *parser) declare(d *Declaration) error {
	prev, ok := p.decls[d.Name]
	if !ok {
		p.decls[d.Name] = d
		p.list = append(p.list, d)
		return nil
	}

	switch {
	case prev.Kind == KindFunction && d.Kind == KindFunction:
		if prev.Signature().String() != d.Signature().String() {
			return p.duplicate(d.Name, d.Line)
		}
		prev.Exported = prev.Exported || d.Exported
		return nil

	case prev.Kind == d.Kind && (d.Kind == KindTypedef || d.Kind == KindFunctionPointer) && prev.Target.Equal(d.Target):
		return nil
	}

	return p.duplicate(d.Name, d.Line)
}

func (p *parser) duplicate(name string, line int) error {
	return bgerrors.New(bgerrors.PhaseExtract, bgerrors.KindDuplicateDeclaration).
		Triple(p.triple.Name()).
		Decl(name).
		Line(line).
		Detail("%q is declared twice with different meanings", name).
		Build()
}

func (p *parser) rename(d *Declaration, name string) {
	old := d.Name
	if p.decls[old] == d {
		delete(p.decls, old)
	}

	for k, v := range p.renames {
		if v == old {
			p.renames[k] = name
		}
	}
	p.renames[old] = name

	d.Name = name
	p.decls[name] = d
}

func (p *parser) placeholder() string {
	p.anonSeq++
	return fmt.Sprintf("$%d", p.anonSeq)
}

func isPlaceholder(name string) bool {
	return strings.HasPrefix(name, "$")
}

// tagRef returns a reference to a tag, forward declaring it as opaque when
// it has not been seen yet.
func (p *parser) tagRef(kind DeclKind, tag string, t token) (TypeRef, error) {
	if d, ok := p.tags[tag]; ok {
		return Named(d.Name), nil
	}

	d := &Declaration{Kind: KindOpaque, TagKind: kind, Name: tag, Line: t.line, System: t.system}
	p.tags[tag] = d
	if err := p.declare(d); err != nil {
		return TypeRef{}, err
	}

	return Named(tag), nil
}

// tagDefine returns the declaration a tag body defines. A forward
// declaration is completed in place.
func (p *parser) tagDefine(kind DeclKind, tag string, t token) (*Declaration, error) {
	if tag == "" {
		d := &Declaration{Kind: kind, Name: p.placeholder(), Line: t.line, System: t.system}
		p.decls[d.Name] = d
		p.list = append(p.list, d)
		return d, nil
	}

	if d, ok := p.tags[tag]; ok {
		if d.Kind != KindOpaque {
			return nil, p.duplicate(tag, t.line)
		}
		d.Kind = kind
		d.TagKind = 0
		d.Line = t.line
		return d, nil
	}

	d := &Declaration{Kind: kind, Name: tag, Line: t.line, System: t.system}
	p.tags[tag] = d
	if err := p.declare(d); err != nil {
		return nil, err
	}

	return d, nil
}

// =============================================================================
// Enums

// finishEnum splits off the sizing sentinels and derives the underlying
// integer. large names the enumerators above math.MaxInt64; their Value
// holds the bits of a uint64.
func (p *parser) finishEnum(d *Declaration, large map[string]bool) error {
	all := d.Values
	d.Values = nil

	var lo int64
	var hi uint64
	for _, v := range all {
		switch {
		case large[v.Name]:
			hi = max(hi, uint64(v.Value))
		case v.Value < 0:
			lo = min(lo, v.Value)
		default:
			hi = max(hi, uint64(v.Value))
		}

		if p.isSentinel(v, large[v.Name]) {
			d.Sentinels = append(d.Sentinels, v)
			continue
		}
		d.Values = append(d.Values, v)
	}

	if lo < 0 && hi > math.MaxInt64 {
		return p.errorf("enumerator values of %s do not fit in 64 bits", d.Name)
	}
	d.Underlying = EnumWidth(lo, hi)

	return nil
}

var sentinelValues = map[int64]bool{
	math.MaxInt8:   true,
	math.MaxUint8:  true,
	math.MaxInt16:  true,
	math.MaxUint16: true,
	math.MaxInt32:  true,
	math.MaxUint32: true,
	math.MaxInt64:  true,
}

func (p *parser) isSentinel(v EnumValue, large bool) bool {
	prefix := p.opts.SentinelPrefix
	if prefix == "" || !strings.HasPrefix(v.Name, prefix) {
		return false
	}
	if large {
		return uint64(v.Value) == math.MaxUint64
	}
	return sentinelValues[v.Value]
}

// EnumWidth returns the smallest integer among int8, uint8, int16, uint16,
// int32, uint32, int64 and uint64 that holds every value in [lo, hi]. A
// range no 64-bit integer holds yields int64.
func EnumWidth(lo int64, hi uint64) Primitive {
	for _, bits := range []int{8, 16, 32, 64} {
		smax := uint64(1)<<(bits-1) - 1
		if lo >= -int64(smax)-1 && hi <= smax {
			return Primitive{Class: ClassInt, Bits: bits, Signed: true}
		}
		if lo >= 0 && hi <= uint64(1)<<bits-1 {
			return Primitive{Class: ClassInt, Bits: bits, Signed: false}
		}
	}
	return Primitive{Class: ClassInt, Bits: 64, Signed: true}
}

// =============================================================================
// Finalization

// finalize names the untagged aggregates, applies renames to every
// reference, validates bitfields and builds the unit.
func (p *parser) finalize() *TranslationUnit {
	for _, d := range p.list {
		p.finalName(d)
	}
	for _, d := range p.anonymous {
		p.finalName(d)
	}

	referenced := make(map[string]bool)
	visit := func(t *TypeRef) {
		p.applyRenames(t)
		markNames(*t, referenced)
	}
	for _, d := range p.list {
		p.walkTypes(d, visit)
	}

	tu := &TranslationUnit{
		Triple: p.triple,
		byName: make(map[string]*Declaration, len(p.list)),
	}

	ignored := make(map[string]bool, len(p.opts.IgnoredNames))
	for _, name := range p.opts.IgnoredNames {
		ignored[name] = true
	}

	for _, d := range p.list {
		if _, anon := p.anonOwner[d]; anon {
			continue
		}
		if isPlaceholder(d.Name) {
			if !referenced[d.Name] {
				continue
			}
			p.rename(d, fmt.Sprintf("anonymous_%d", d.Line))
		}

		cName := d.Name
		if d.Kind == KindFunction {
			d.Symbol = cName
		}
		p.mapNames(d)
		if ignored[cName] {
			tu.ignore(d.Name)
		}

		if _, dup := tu.byName[d.Name]; dup {
			continue
		}
		tu.add(d)
	}

	// Surviving placeholders and mapped names were renamed in the loop.
	for _, d := range tu.Declarations {
		p.walkTypes(d, func(t *TypeRef) { p.applyRenames(t) })
	}

	return tu
}

// mapNames applies the configured renames to d and its enumerators.
func (p *parser) mapNames(d *Declaration) {
	if len(p.opts.MappedNames) == 0 {
		return
	}

	if to, ok := p.opts.MappedNames[d.Name]; ok && to != "" && to != d.Name {
		if d.Kind == KindFunction {
			d.Name = to
		} else {
			p.rename(d, to)
		}
	}

	for _, values := range [][]EnumValue{d.Values, d.Sentinels} {
		for i, v := range values {
			if to, ok := p.opts.MappedNames[v.Name]; ok && to != "" {
				values[i].Name = to
			}
		}
	}
}

func (p *parser) finalName(d *Declaration) string {
	if o, ok := p.anonOwner[d]; ok {
		return p.finalName(o)
	}
	if m, ok := p.memberOf[d]; ok && isPlaceholder(d.Name) {
		p.rename(d, p.finalName(m.owner)+"_"+m.name)
	}
	return d.Name
}

func (p *parser) applyRenames(t *TypeRef) {
	switch t.Kind {
	case TypeNamed:
		if n, ok := p.renames[t.Name]; ok {
			t.Name = n
		}
	case TypePointer, TypeArray:
		e := *t.Elem
		p.applyRenames(&e)
		t.Elem = &e
	case TypeFunctionPointer, TypeFunction:
		f := *t.Func
		p.applyRenames(&f.Return)
		f.Params = append([]TypeRef(nil), f.Params...)
		for i := range f.Params {
			p.applyRenames(&f.Params[i])
		}
		t.Func = &f
	}
}

func (p *parser) walkTypes(d *Declaration, fn func(*TypeRef)) {
	for i := range d.Fields {
		fn(&d.Fields[i].Type)
		if a := d.Fields[i].Anonymous; a != nil {
			p.walkTypes(a, fn)
		}
	}
	for i := range d.Params {
		fn(&d.Params[i].Type)
	}
	fn(&d.Return)
	fn(&d.Target)
}

func markNames(t TypeRef, names map[string]bool) {
	switch t.Kind {
	case TypeNamed:
		names[t.Name] = true
	case TypePointer, TypeArray:
		markNames(*t.Elem, names)
	case TypeFunctionPointer, TypeFunction:
		markNames(t.Func.Return, names)
		for _, pt := range t.Func.Params {
			markNames(pt, names)
		}
	}
}

// checkBitfields validates every bitfield of the unit against the width of
// its declared type.
func checkBitfields(tu *TranslationUnit) error {
	var check func(owner string, d *Declaration) error
	check = func(owner string, d *Declaration) error {
		for _, f := range d.Fields {
			if f.Anonymous != nil {
				if err := check(owner, f.Anonymous); err != nil {
					return err
				}
				continue
			}
			if !f.Bitfield {
				continue
			}

			bits := 0
			t := tu.Resolve(f.Type)
			switch {
			case t.Kind == TypePrimitive && t.Prim.Class != ClassFloat:
				bits = t.Prim.Bits
			case t.Kind == TypeNamed:
				if e, ok := tu.Enum(t); ok {
					bits = e.Underlying.Bits
				}
			}

			if f.BitWidth < 0 || f.BitWidth > bits {
				return bgerrors.BitfieldWidthExceedsStorage(tu.Triple.Name(), owner, f.Name, f.BitWidth, bits)
			}
		}
		return nil
	}

	for _, d := range tu.Declarations {
		if !d.Kind.IsAggregate() {
			continue
		}
		if err := check(d.Name, d); err != nil {
			return err
		}
	}
	return nil
}
