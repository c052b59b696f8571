package generator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	"github.com/ardanlabs/ffi-bindgen/layout"
	"github.com/ardanlabs/ffi-bindgen/mapper"
	"github.com/ardanlabs/ffi-bindgen/parser"
)

const ffiImport = "github.com/jupiterrider/ffi"

func (g *Generator) generateGo() (map[string]string, error) {
	files, err := g.goLoader()
	if err != nil {
		return nil, fmt.Errorf("generating loader: %w", err)
	}

	platformFuncs := false
	for _, d := range g.res.Divergences {
		if d.Kind == parser.KindFunction.String() {
			platformFuncs = true
		}
	}

	for _, v := range g.variants(g.res.Diverged) {
		e := newGoEmitter(v.unit)

		types, funcs := newFile(), newFile()

		var fns []*parser.Declaration
		for _, d := range dependencyOrder(v.decls) {
			if d.Kind == parser.KindFunction {
				fns = append(fns, d)
				continue
			}
			if err := e.decl(types, d); err != nil {
				return nil, fmt.Errorf("generating %s: %w", d.Name, err)
			}
		}

		if err := e.functions(funcs, fns, v.shared, platformFuncs); err != nil {
			return nil, fmt.Errorf("generating functions: %w", err)
		}

		if v.shared || !types.empty() {
			src, err := types.source(g.cfg.Package, v.build)
			if err != nil {
				return nil, fmt.Errorf("generating types%s: %w", v.suffix, err)
			}
			files["types"+v.suffix+".go"] = src
		}

		if v.shared || !funcs.empty() {
			src, err := funcs.source(g.cfg.Package, v.build)
			if err != nil {
				return nil, fmt.Errorf("generating functions%s: %w", v.suffix, err)
			}
			files["functions"+v.suffix+".go"] = src
		}
	}

	return files, nil
}

// goEmitter renders the declarations of one triple.
type goEmitter struct {
	unit consistency.TripleResult
	m    *mapper.Go

	// maxAlign is the largest alignment Go gives any type on the triple.
	maxAlign int
}

func newGoEmitter(u consistency.TripleResult) *goEmitter {
	return &goEmitter{
		unit:     u,
		m:        mapper.NewGo(u.Unit),
		maxAlign: u.Triple.Rules().PointerSize,
	}
}

func (e *goEmitter) decl(f *file, d *parser.Declaration) error {
	switch d.Kind {
	case parser.KindStruct, parser.KindUnion:
		return e.aggregate(f, d)
	case parser.KindEnum:
		return e.enum(f, d)
	case parser.KindTypedef:
		return e.typedef(f, d)
	case parser.KindFunctionPointer:
		return e.callback(f, d)
	case parser.KindOpaque:
		name := mapper.GoName(d.Name)
		f.printf("// %s is an opaque C %s. It is only used through pointers.\n", name, d.TagKind)
		f.printf("type %s uintptr\n\n", name)
	}
	return nil
}

// =============================================================================
// Enums and typedefs

func (e *goEmitter) enum(f *file, d *parser.Declaration) error {
	base, err := e.m.Map(parser.TypeRef{Kind: parser.TypePrimitive, Prim: d.Underlying})
	if err != nil {
		return err
	}
	name := mapper.GoName(d.Name)

	f.printf("type %s %s\n\n", name, base.Name)
	if len(d.Values) == 0 {
		return nil
	}

	f.printf("const (\n")
	for _, v := range d.Values {
		f.printf("\t%s %s = %s\n", mapper.GoName(v.Name), name, d.Underlying.Format(v.Value))
	}
	f.printf(")\n\n")

	return nil
}

func (e *goEmitter) typedef(f *file, d *parser.Declaration) error {
	target, err := e.m.Map(d.Target)
	if err != nil {
		return err
	}

	name := mapper.GoName(d.Name)
	if target.IsVoid() || target.Name == name {
		return nil
	}

	if d.Target.Kind == parser.TypeNamed {
		f.printf("type %s = %s\n\n", name, target.Name)
		return nil
	}
	f.printf("type %s %s\n\n", name, target.Name)

	return nil
}

// =============================================================================
// Callbacks

func (e *goEmitter) callback(f *file, d *parser.Declaration) error {
	fn, err := e.m.Callable(d)
	if err != nil {
		return err
	}
	sig := d.Target.Func
	f.use(ffiImport)
	f.use("unsafe")

	name := fn.Name
	cif := "cif" + name

	var params, args, argFFI, fromC []string
	for i, p := range fn.Params {
		params = append(params, p.Name+" "+p.Type.Name)
		args = append(args, "unsafe.Pointer(&"+p.Name+")")
		argFFI = append(argFFI, ffiExpr(p.Type))
		fromC = append(fromC, fmt.Sprintf("*(*%s)(a[%d])", p.Type.Name, i))
	}
	goSig := "(" + strings.Join(params, ", ") + ")"
	if !fn.Return.IsVoid() {
		goSig += " " + fn.Return.Name
	}

	f.printf("// %s is a native function pointer of type func%s.\n", name, goSig)
	f.printf("type %s uintptr\n\n", name)

	f.printf("var %s = mustPrepCif(%s)\n\n", cif, strings.Join(append([]string{ffiExpr(fn.Return)}, argFFI...), ", "))

	f.printf("// Call invokes the native function f points to.\n")
	f.printf("func (f %s) Call%s {\n", name, goSig)
	call := func(ret string) {
		f.printf("\tffi.Call(%s, uintptr(f), %s%s)\n", cif, ret, joinArgs(args))
	}
	switch {
	case fn.Return.IsVoid():
		call("nil")
	case smallInt(fn.Return):
		f.printf("\tvar ret ffi.Arg\n")
		call("unsafe.Pointer(&ret)")
		f.printf("\treturn %s\n", e.fromArg(fn.Return, sig.Return, "ret"))
	default:
		f.printf("\tvar ret %s\n", fn.Return.Name)
		call("unsafe.Pointer(&ret)")
		f.printf("\treturn ret\n")
	}
	f.printf("}\n\n")

	f.printf("// New%s makes fn callable from native code.\n", name)
	f.printf("func New%s(fn func%s) (%s, error) {\n", name, goSig, name)
	f.printf("\tcb := ffi.NewCallback(func(cif *ffi.Cif, ret unsafe.Pointer, args *unsafe.Pointer, userData unsafe.Pointer) uintptr {\n")
	if len(fromC) > 0 {
		f.printf("\t\ta := unsafe.Slice(args, cif.NArgs)\n")
	}
	invoke := "fn(" + strings.Join(fromC, ", ") + ")"
	switch {
	case fn.Return.IsVoid():
		f.printf("\t\t%s\n", invoke)
	case fn.Return.Name == "bool":
		f.printf("\t\t*(*ffi.Arg)(ret) = boolArg(%s)\n", invoke)
	case e.isBool(sig.Return):
		f.printf("\t\t*(*ffi.Arg)(ret) = boolArg(bool(%s))\n", invoke)
	case smallInt(fn.Return):
		f.printf("\t\t*(*ffi.Arg)(ret) = ffi.Arg(%s)\n", invoke)
	default:
		f.printf("\t\t*(*%s)(ret) = %s\n", fn.Return.Name, invoke)
	}
	f.printf("\t\treturn 0\n")
	f.printf("\t})\n\n")
	f.printf("\tcode, err := newClosure(%s, cb)\n", cif)
	f.printf("\treturn %s(code), err\n", name)
	f.printf("}\n\n")

	return nil
}

// =============================================================================
// Functions

// functions renders the wrappers of fns. The shared file declares
// loadFuncs; the per-triple files declare loadPlatformFuncs, which
// loadFuncs calls when platformFuncs is set.
func (e *goEmitter) functions(f *file, fns []*parser.Declaration, shared, platformFuncs bool) error {
	if !shared && !platformFuncs {
		return nil
	}

	mapped := make([]*mapper.Func, 0, len(fns))
	for _, d := range fns {
		fn, err := e.m.Function(d)
		if err != nil {
			return err
		}
		mapped = append(mapped, fn)
	}

	if len(mapped) > 0 {
		f.use(ffiImport)
		f.printf("var (\n")
		for _, d := range fns {
			f.printf("\t%sFunc ffi.Fun\n", mapper.LowerCamel(d.Name))
		}
		f.printf(")\n\n")
	}

	loader := "loadPlatformFuncs"
	if shared {
		loader = "loadFuncs"
	}

	f.printf("func %s() error {\n", loader)
	if len(mapped) > 0 {
		f.use("fmt")
		f.printf("\tvar err error\n\n")
	}
	for i, fn := range mapped {
		name, symbol := fns[i].Name, fns[i].Symbol
		if symbol == "" {
			symbol = name
		}
		ffis := []string{ffiExpr(fn.Return)}
		for _, p := range fn.Params {
			ffis = append(ffis, ffiExpr(p.Type))
		}
		f.printf("\tif %sFunc, err = lib.Prep(%q, %s); err != nil {\n", mapper.LowerCamel(name), symbol, strings.Join(ffis, ", "))
		f.printf("\t\treturn fmt.Errorf(\"%s: %%w\", err)\n", symbol)
		f.printf("\t}\n\n")
	}
	if shared && platformFuncs {
		f.printf("\treturn loadPlatformFuncs()\n")
	} else {
		f.printf("\treturn nil\n")
	}
	f.printf("}\n\n")

	for i, fn := range mapped {
		e.wrapper(f, fns[i], fn)
	}

	return nil
}

func (e *goEmitter) wrapper(f *file, d *parser.Declaration, fn *mapper.Func) {
	funcVar := mapper.LowerCamel(d.Name) + "Func"

	taken := make(map[string]bool)
	var params []string
	for _, p := range fn.Params {
		taken[p.Name] = true
		params = append(params, p.Name+" "+p.Type.Name)
	}
	ret := unique("ret", taken)

	sig := "(" + strings.Join(params, ", ") + ")"
	if !fn.Return.IsVoid() {
		sig += " " + fn.Return.Name
	}
	f.printf("func %s%s {\n", fn.Name, sig)

	var args []string
	for _, p := range fn.Params {
		if p.Type.String {
			ptr := unique(p.Name+"CStr", taken)
			f.printf("\t%s := cString(%s)\n", ptr, p.Name)
			args = append(args, "&"+ptr)
			continue
		}
		args = append(args, "&"+p.Name)
	}

	switch {
	case fn.Return.IsVoid():
		f.printf("\t%s.Call(nil%s)\n", funcVar, joinArgs(args))

	case fn.Return.String:
		f.printf("\tvar %s *byte\n", ret)
		f.printf("\t%s.Call(&%s%s)\n", funcVar, ret, joinArgs(args))
		f.printf("\treturn goString(%s)\n", ret)

	case smallInt(fn.Return):
		f.use(ffiImport)
		f.printf("\tvar %s ffi.Arg\n", ret)
		f.printf("\t%s.Call(&%s%s)\n", funcVar, ret, joinArgs(args))
		f.printf("\treturn %s\n", e.fromArg(fn.Return, d.Return, ret))

	default:
		f.printf("\tvar %s %s\n", ret, fn.Return.Name)
		f.printf("\t%s.Call(&%s%s)\n", funcVar, ret, joinArgs(args))
		f.printf("\treturn %s\n", ret)
	}

	f.printf("}\n\n")
}

func unique(name string, taken map[string]bool) string {
	for taken[name] {
		name += "_"
	}
	taken[name] = true
	return name
}

func joinArgs(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return ", " + strings.Join(args, ", ")
}

// smallInt reports whether t is an integer narrower than ffi.Arg, which
// libffi widens on return.
func smallInt(t mapper.Type) bool {
	switch t.FFI {
	case "&ffi.TypeUint8", "&ffi.TypeSint8", "&ffi.TypeUint16", "&ffi.TypeSint16", "&ffi.TypeUint32", "&ffi.TypeSint32":
		return t.Len == 0
	}
	return false
}

// fromArg converts the widened return value v back to t.
func (e *goEmitter) fromArg(t mapper.Type, c parser.TypeRef, v string) string {
	switch {
	case t.Name == "bool":
		return v + ".Bool()"
	case e.isBool(c):
		return t.Name + "(" + v + ".Bool())"
	}
	return t.Name + "(" + v + ")"
}

func (e *goEmitter) isBool(t parser.TypeRef) bool {
	t = e.unit.Unit.Resolve(t)
	return t.Kind == parser.TypePrimitive && t.Prim.Class == parser.ClassBool
}

func ffiExpr(t mapper.Type) string {
	if t.String {
		return "&ffi.TypePointer"
	}
	return t.FFI
}

// =============================================================================
// Aggregates

// slot is one member of an emitted Go struct: a C field with a natural Go
// representation, or raw storage reached through accessors.
type slot struct {
	offset int
	size   int
	name   string
	typ    string
	runs   []ffiRun
	native bool
}

// ffiRun is n consecutive libffi elements of one type. size and align are
// those of a single element.
type ffiRun struct {
	typ   string
	n     int
	size  int
	align int
}

// accessor reaches a field kept in raw storage.
type accessor struct {
	field  layout.Field
	region string
	base   int
}

func (e *goEmitter) aggregate(f *file, d *parser.Declaration) error {
	info := e.unit.Layouts[d.Name]
	if info == nil {
		var err error
		if info, err = e.unit.Layout.Layout(d.Name); err != nil {
			return err
		}
	}

	f.use(ffiImport)
	f.use("unsafe")

	name := mapper.GoName(d.Name)
	slots, accessors, err := e.slots(d, info)
	if err != nil {
		return err
	}

	f.printf("type %s struct {\n", name)
	if info.Align > 1 {
		f.printf("\t_ [0]%s\n", alignType(min(info.Align, 8)))
	}
	pos := 0
	for _, s := range slots {
		if s.offset > pos {
			f.printf("\t_ [%d]byte\n", s.offset-pos)
		}
		f.printf("\t%s %s\n", s.name, s.typ)
		pos = s.offset + s.size
	}
	if info.Size > pos {
		f.printf("\t_ [%d]byte\n", info.Size-pos)
	}
	f.printf("}\n\n")

	recv := "s"
	if d.Kind == parser.KindUnion {
		recv = "u"
	}
	for _, a := range accessors {
		if err := e.accessor(f, name, recv, a); err != nil {
			return err
		}
	}

	f.printf("var FFIType%s = %s\n\n", name, descriptor(ffiLayout(slots, info)))

	f.printf("func _() {\n")
	f.printf("\tvar x [1]struct{}\n")
	f.printf("\t_ = x[unsafe.Sizeof(%s{})-%d]\n", name, info.Size)
	for _, s := range slots {
		if s.native {
			f.printf("\t_ = x[unsafe.Offsetof(%s{}.%s)-%d]\n", name, s.name, s.offset)
		}
	}
	f.printf("}\n\n")

	return nil
}

// piece is a byte range of an aggregate before it becomes a slot. Pieces
// that overlap bitfield storage are merged into one raw region.
type piece struct {
	lo, hi int
	align  int
	bits   bool
	name   string
	fields []layout.Field
	native *slot
}

func (p *piece) merge(q *piece) {
	p.hi = max(p.hi, q.hi)
	p.align = max(p.align, q.align)
	p.fields = append(p.fields, q.fields...)
	p.native = nil
	p.bits = true
}

// slots decides the Go representation of every field of an aggregate.
// Union members, members of anonymous unions and bitfields live in raw
// byte storage; so does any field Go would align differently than C.
// Bitfield storage spans whole units of the declared type, taking in any
// member that shares those bytes.
func (e *goEmitter) slots(d *parser.Declaration, info *layout.Info) ([]*slot, []accessor, error) {
	if d.Kind == parser.KindUnion {
		var slots []*slot
		var accessors []accessor
		if info.Size > 0 {
			slots = append(slots, raw("data", 0, info.Size, info.Align))
		}
		for _, fl := range info.Fields {
			if fl.Name != "" {
				accessors = append(accessors, accessor{field: fl, region: "data"})
			}
		}
		return slots, accessors, nil
	}

	var pieces []*piece
	groups := make(map[int]*piece)

	for _, fl := range info.Fields {
		if fl.Name == "" || (fl.Size == 0 && !fl.IsBitfield()) {
			continue
		}

		if g := unionRoot(info, fl.Group); g >= 0 {
			p, ok := groups[g]
			if !ok {
				grp := info.Groups[g]
				p = &piece{lo: grp.Offset, hi: grp.Offset + grp.Size, align: grp.Align}
				groups[g] = p
				pieces = append(pieces, p)
			}
			p.fields = append(p.fields, fl)
			continue
		}

		if fl.IsBitfield() {
			pieces = append(pieces, &piece{
				lo:     fl.Offset,
				hi:     min(fl.Offset+fl.StorageSize, info.Size),
				align:  max(fl.Align, 1),
				bits:   true,
				fields: []layout.Field{fl},
			})
			continue
		}

		t, err := e.m.Map(fl.Type)
		if err != nil {
			return nil, nil, err
		}
		_, calign, err := e.unit.Layout.SizeOf(fl.Type)
		if err != nil {
			return nil, nil, err
		}

		p := piece{lo: fl.Offset, hi: fl.Offset + fl.Size, fields: []layout.Field{fl}}
		if galign := min(calign, e.maxAlign); fl.Offset%galign == 0 && galign <= info.Align {
			n := max(t.Len, 1)
			p.align = calign
			p.native = &slot{
				offset: fl.Offset,
				size:   fl.Size,
				name:   mapper.GoName(fl.Name),
				typ:    t.Name,
				runs:   []ffiRun{{typ: t.FFI, n: n, size: fl.Size / n, align: calign}},
				native: true,
			}
		} else {
			p.align = 1
			p.name = "raw" + mapper.GoName(fl.Name)
		}
		pieces = append(pieces, &p)
	}

	sort.SliceStable(pieces, func(i, j int) bool {
		return pieces[i].lo < pieces[j].lo
	})

	var merged []*piece
	for _, p := range pieces {
		if n := len(merged); n > 0 {
			last := merged[n-1]
			if p.lo < last.hi && (last.bits || p.bits) {
				last.merge(p)
				continue
			}
		}
		merged = append(merged, p)
	}

	var slots []*slot
	var accessors []accessor
	nbits, nanon := 0, 0

	for _, p := range merged {
		if p.native != nil {
			slots = append(slots, p.native)
			continue
		}

		name := p.name
		switch {
		case p.bits:
			name = fmt.Sprintf("bits%d", nbits)
			nbits++
		case name == "":
			name = fmt.Sprintf("anon%d", nanon)
			nanon++
		}

		s := raw(name, p.lo, p.hi-p.lo, p.align)
		slots = append(slots, s)
		for _, fl := range p.fields {
			accessors = append(accessors, accessor{field: fl, region: name, base: p.lo})
		}
	}

	return slots, accessors, nil
}

// raw returns byte storage. Its descriptor uses, at every position, the
// widest unsigned integer that the alignment allows and that sits on its
// natural boundary.
func raw(name string, offset, size, align int) *slot {
	s := slot{
		offset: offset,
		size:   size,
		name:   name,
		typ:    fmt.Sprintf("[%d]byte", size),
	}

	for pos := offset; pos < offset+size; {
		unit := 1
		for _, u := range []int{8, 4, 2} {
			if align >= u && pos%u == 0 && pos+u <= offset+size {
				unit = u
				break
			}
		}
		s.runs = appendRun(s.runs, ffiRun{typ: fmt.Sprintf("&ffi.TypeUint%d", unit*8), n: 1, size: unit, align: unit})
		pos += unit
	}

	return &s
}

func appendRun(runs []ffiRun, r ffiRun) []ffiRun {
	if n := len(runs); n > 0 && runs[n-1].typ == r.typ {
		runs[n-1].n += r.n
		return runs
	}
	return append(runs, r)
}

// unionRoot returns the outermost anonymous union enclosing group g, or -1.
func unionRoot(info *layout.Info, g int) int {
	root := -1
	for g >= 0 {
		if info.Groups[g].Kind == parser.KindUnion {
			root = g
		}
		g = info.Groups[g].Parent
	}
	return root
}

func alignType(align int) string {
	switch align {
	case 2:
		return "uint16"
	case 4:
		return "uint32"
	}
	return "uint64"
}

func (e *goEmitter) accessor(f *file, typ, recv string, a accessor) error {
	t, err := e.m.Map(a.field.Type)
	if err != nil {
		return err
	}

	name := mapper.GoName(a.field.Name)
	lo := a.field.Offset - a.base

	if a.field.IsBitfield() {
		bit := lo*8 + a.field.BitOffset
		width := a.field.BitWidth

		if e.isBool(a.field.Type) {
			f.printf("func (%s *%s) %s() %s {\n\treturn %s(getBits(%s.%s[:], %d, %d, false) != 0)\n}\n\n", recv, typ, name, t.Name, t.Name, recv, a.region, bit, width)
			f.printf("func (%s *%s) Set%s(v %s) {\n\tsetBits(%s.%s[:], %d, %d, boolBits(bool(v)))\n}\n\n", recv, typ, name, t.Name, recv, a.region, bit, width)
			return nil
		}

		f.printf("func (%s *%s) %s() %s {\n\treturn %s(getBits(%s.%s[:], %d, %d, %t))\n}\n\n",
			recv, typ, name, t.Name, t.Name, recv, a.region, bit, width, e.signed(a.field.Type))
		f.printf("func (%s *%s) Set%s(v %s) {\n\tsetBits(%s.%s[:], %d, %d, uint64(v))\n}\n\n",
			recv, typ, name, t.Name, recv, a.region, bit, width)
		return nil
	}

	hi := lo + a.field.Size
	f.printf("func (%s *%s) %s() %s {\n\treturn load[%s](%s.%s[%d:%d])\n}\n\n", recv, typ, name, t.Name, t.Name, recv, a.region, lo, hi)
	f.printf("func (%s *%s) Set%s(v %s) {\n\tstore(%s.%s[%d:%d], v)\n}\n\n", recv, typ, name, t.Name, recv, a.region, lo, hi)

	return nil
}

// signed reports whether a bitfield of type t sign-extends.
func (e *goEmitter) signed(t parser.TypeRef) bool {
	if d, ok := e.unit.Unit.Enum(t); ok {
		return d.Underlying.Signed
	}
	t = e.unit.Unit.Resolve(t)
	return t.Kind == parser.TypePrimitive && t.Prim.Class != parser.ClassBool && t.Prim.Signed
}

// ffiLayout lists the libffi elements of an aggregate. libffi places every
// element at its natural alignment, so any gap it would not reproduce on its
// own is filled with bytes, up to the C size. An aggregate without storage
// is described as a single byte because libffi rejects empty structs.
func ffiLayout(slots []*slot, info *layout.Info) []ffiRun {
	var runs []ffiRun
	pos, align := 0, 1

	pad := func(to int) {
		if to > pos {
			runs = appendRun(runs, ffiRun{typ: "&ffi.TypeUint8", n: to - pos, size: 1, align: 1})
			pos = to
		}
	}

	for _, s := range slots {
		if len(s.runs) == 0 {
			continue
		}
		if layout.AlignTo(pos, s.runs[0].align) != s.offset {
			pad(s.offset)
		}
		for _, r := range s.runs {
			runs = appendRun(runs, r)
			pos = layout.AlignTo(pos, r.align) + r.n*r.size
			align = max(align, r.align)
		}
	}

	if layout.AlignTo(pos, align) != info.Size {
		pad(info.Size)
	}
	if len(runs) == 0 {
		runs = []ffiRun{{typ: "&ffi.TypeUint8", n: 1, size: 1, align: 1}}
	}

	return runs
}

// descriptor renders the libffi type of an aggregate from its elements.
func descriptor(runs []ffiRun) string {
	simple := true
	for _, r := range runs {
		if r.n > 4 {
			simple = false
		}
	}

	var b strings.Builder
	if simple {
		b.WriteString("ffi.NewType(\n")
		for _, r := range runs {
			for i := 0; i < r.n; i++ {
				fmt.Fprintf(&b, "\t%s,\n", r.typ)
			}
		}
		b.WriteString(")")
		return b.String()
	}

	b.WriteString("ffi.NewType(ffiElements(\n")
	for _, r := range runs {
		fmt.Fprintf(&b, "\tffiRun{%s, %d},\n", r.typ, r.n)
	}
	b.WriteString(")...)")
	return b.String()
}
