// Package generator renders the bindings of a consistency-checked set of
// translation units.
package generator

import (
	"bytes"
	"fmt"
	"go/format"
	"sort"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/mapper"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"go.uber.org/multierr"
)

// Config selects what is generated.
type Config struct {
	Target  string
	Package string
	Lib     string
}

type Generator struct {
	cfg Config
	res *consistency.Result
}

func New(cfg Config, res *consistency.Result) *Generator {
	return &Generator{
		cfg: cfg,
		res: res,
	}
}

// Generate returns the generated files keyed by file name. Every
// declaration is mapped on every triple first; the unmappable ones of all
// triples are reported together and nothing is generated.
func (g *Generator) Generate() (map[string]string, error) {
	if len(g.res.Units) == 0 {
		return nil, bgerrors.InvalidConfig("no translation units to generate from")
	}

	if err := g.validate(); err != nil {
		return nil, err
	}

	switch g.cfg.Target {
	case mapper.TargetGo:
		return g.generateGo()
	case mapper.TargetWIT:
		return g.generateWIT()
	}

	return nil, bgerrors.InvalidConfig("unknown target %q", g.cfg.Target)
}

// validate maps every declaration in scope on every triple.
func (g *Generator) validate() error {
	var errs error

	for _, u := range g.res.Units {
		m, err := mapper.New(g.cfg.Target, u.Unit, u.Layout)
		if err != nil {
			return err
		}

		for _, d := range u.Unit.Scope() {
			errs = multierr.Append(errs, mapDecl(m, u, d))
		}
	}

	return errs
}

func mapDecl(m mapper.Mapper, u consistency.TripleResult, d *parser.Declaration) error {
	switch d.Kind {
	case parser.KindFunction:
		_, err := m.Function(d)
		return err

	case parser.KindFunctionPointer:
		if gm, ok := m.(*mapper.Go); ok {
			_, err := gm.Callable(d)
			return err
		}
		_, err := m.Map(parser.Named(d.Name))
		return err

	case parser.KindStruct, parser.KindUnion:
		info := u.Layouts[d.Name]
		if info == nil {
			return nil
		}
		if _, ok := m.(*mapper.WIT); ok {
			_, err := m.Map(parser.Named(d.Name))
			return err
		}
		for _, f := range info.Fields {
			if _, err := m.Map(f.Type); err != nil {
				return err
			}
		}
		return nil

	case parser.KindOpaque:
		if _, ok := m.(*mapper.WIT); ok {
			_, err := m.Map(parser.Named(d.Name))
			return err
		}
		return nil
	}

	_, err := m.Map(parser.Named(d.Name))
	return err
}

// =============================================================================
// Variants

// variant is one output file set: the shared declarations, or the
// declarations of one triple that diverge from the others.
type variant struct {
	unit   consistency.TripleResult
	decls  []*parser.Declaration
	suffix string
	build  string
	shared bool
}

// variants splits the declarations into the shared set, emitted from the
// first triple, and one set per triple for the declarations perTriple
// selects.
func (g *Generator) variants(perTriple func(name string) bool) []variant {
	first := g.res.Units[0]
	shared := variant{unit: first, shared: true}

	for _, name := range g.res.Order {
		if perTriple(name) {
			continue
		}
		d, _ := first.Unit.Lookup(name)
		shared.decls = append(shared.decls, d)
	}

	vs := []variant{shared}

	if !g.anyPerTriple(perTriple) {
		return vs
	}

	for i, u := range g.res.Units {
		v := variant{unit: u}
		v.suffix, v.build = g.constraint(i)

		for _, name := range g.res.Order {
			if !perTriple(name) {
				continue
			}
			if d, ok := u.Unit.Lookup(name); ok {
				v.decls = append(v.decls, d)
			}
		}
		vs = append(vs, v)
	}

	return vs
}

func (g *Generator) anyPerTriple(perTriple func(string) bool) bool {
	for _, name := range g.res.Order {
		if perTriple(name) {
			return true
		}
	}
	return false
}

// constraint returns the file suffix and build constraint of the i-th
// triple. Triples sharing GOOS and GOARCH are told apart by a bindgen_<abi>
// build tag; the first of them is the default.
func (g *Generator) constraint(i int) (string, string) {
	rules := g.res.Units[i].Triple.Rules()

	var same []int
	for j, u := range g.res.Units {
		r := u.Triple.Rules()
		if r.GOOS == rules.GOOS && r.GOARCH == rules.GOARCH {
			same = append(same, j)
		}
	}

	terms := []string{rules.GOOS}
	switch rules.GOOS {
	case "linux":
		terms = append(terms, "!android")
	case "darwin":
		terms = append(terms, "!ios")
	}
	terms = append(terms, rules.GOARCH)

	suffix := "_" + rules.GOOS + "_" + rules.GOARCH
	if len(same) > 1 {
		abi := g.res.Units[i].Triple.ABI
		suffix += "_" + abi

		if same[0] == i {
			for _, j := range same[1:] {
				terms = append(terms, "!bindgen_"+g.res.Units[j].Triple.ABI)
			}
		} else {
			terms = append(terms, "bindgen_"+abi)
		}
	}

	return suffix, strings.Join(terms, " && ")
}

// =============================================================================
// Ordering

// dependencyOrder orders decls so that every declaration follows the ones
// it contains by value. Ties keep the input order.
func dependencyOrder(decls []*parser.Declaration) []*parser.Declaration {
	in := make(map[string]*parser.Declaration, len(decls))
	for _, d := range decls {
		in[d.Name] = d
	}

	done := make(map[string]bool, len(decls))
	out := make([]*parser.Declaration, 0, len(decls))

	var visit func(d *parser.Declaration)
	visit = func(d *parser.Declaration) {
		if done[d.Name] {
			return
		}
		done[d.Name] = true

		for _, name := range byValue(d) {
			if dep, ok := in[name]; ok {
				visit(dep)
			}
		}
		out = append(out, d)
	}

	for _, d := range decls {
		visit(d)
	}

	return out
}

// byValue lists the names d embeds by value, sorted.
func byValue(d *parser.Declaration) []string {
	names := make(map[string]bool)

	var walk func(t parser.TypeRef)
	walk = func(t parser.TypeRef) {
		switch t.Kind {
		case parser.TypeNamed:
			names[t.Name] = true
		case parser.TypeArray:
			walk(*t.Elem)
		}
	}

	var fields func(d *parser.Declaration)
	fields = func(d *parser.Declaration) {
		for _, f := range d.Fields {
			if f.Anonymous != nil {
				fields(f.Anonymous)
				continue
			}
			walk(f.Type)
		}
	}

	switch d.Kind {
	case parser.KindStruct, parser.KindUnion:
		fields(d)
	case parser.KindTypedef:
		walk(d.Target)
	}

	list := make([]string, 0, len(names))
	for n := range names {
		list = append(list, n)
	}
	sort.Strings(list)

	return list
}

// =============================================================================
// Output buffers

// file accumulates one generated Go file.
type file struct {
	buf     bytes.Buffer
	imports map[string]bool
}

func newFile() *file {
	return &file{imports: make(map[string]bool)}
}

func (f *file) printf(msg string, args ...any) {
	fmt.Fprintf(&f.buf, msg, args...)
}

func (f *file) use(path string) {
	f.imports[path] = true
}

func (f *file) empty() bool {
	return f.buf.Len() == 0
}

// source renders the file with its header and formats it.
func (f *file) source(pkg, build string) (string, error) {
	var out bytes.Buffer

	out.WriteString("// Code generated by ffi-bindgen. DO NOT EDIT.\n\n")
	if build != "" {
		fmt.Fprintf(&out, "//go:build %s\n\n", build)
	}
	fmt.Fprintf(&out, "package %s\n\n", pkg)

	var std, ext []string
	for path := range f.imports {
		if strings.Contains(path, ".") {
			ext = append(ext, path)
			continue
		}
		std = append(std, path)
	}
	sort.Strings(std)
	sort.Strings(ext)

	if len(std)+len(ext) > 0 {
		out.WriteString("import (\n")
		for _, p := range std {
			fmt.Fprintf(&out, "\t%q\n", p)
		}
		if len(std) > 0 && len(ext) > 0 {
			out.WriteString("\n")
		}
		for _, p := range ext {
			fmt.Fprintf(&out, "\t%q\n", p)
		}
		out.WriteString(")\n\n")
	}

	out.Write(f.buf.Bytes())

	src, err := format.Source(out.Bytes())
	if err != nil {
		return "", fmt.Errorf("formatting generated code: %w", err)
	}

	return string(src), nil
}
