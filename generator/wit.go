package generator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	"github.com/ardanlabs/ffi-bindgen/mapper"
	"github.com/ardanlabs/ffi-bindgen/parser"
)

// witSection is one interface of the generated package.
type witSection struct {
	name string
	uses map[string]map[string]bool
	body strings.Builder
}

func newWITSection(name string) *witSection {
	return &witSection{name: name, uses: make(map[string]map[string]bool)}
}

func (s *witSection) use(iface, name string) {
	if iface == s.name {
		return
	}
	if s.uses[iface] == nil {
		s.uses[iface] = make(map[string]bool)
	}
	s.uses[iface][name] = true
}

func (s *witSection) printf(msg string, args ...any) {
	fmt.Fprintf(&s.body, msg, args...)
}

func (s *witSection) empty() bool {
	return s.body.Len() == 0
}

func (s *witSection) write(b *strings.Builder) {
	fmt.Fprintf(b, "interface %s {\n", s.name)

	ifaces := make([]string, 0, len(s.uses))
	for iface := range s.uses {
		ifaces = append(ifaces, iface)
	}
	sort.Strings(ifaces)

	for _, iface := range ifaces {
		names := make([]string, 0, len(s.uses[iface]))
		for n := range s.uses[iface] {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(b, "  use %s.{%s};\n", iface, strings.Join(names, ", "))
	}
	if len(ifaces) > 0 && !s.empty() {
		b.WriteString("\n")
	}

	if !s.empty() {
		b.WriteString(strings.TrimRight(s.body.String(), "\n"))
		b.WriteString("\n")
	}
	b.WriteString("}\n\n")
}

// generateWIT renders one WIT package: a shared types and functions
// interface, and per-triple interfaces for the declarations that diverge.
// Functions move to the per-triple interfaces with the types they use.
func (g *Generator) generateWIT() (map[string]string, error) {
	perTriple := g.witPerTriple()
	vs := g.variants(func(name string) bool { return perTriple[name] })

	var sections []*witSection
	var worlds [][]string

	for _, v := range vs {
		m := mapper.NewWIT(v.unit.Unit, v.unit.Layout)

		suffix := ""
		if !v.shared {
			suffix = "-" + witTriple(v.unit)
		}
		types := newWITSection("types" + suffix)
		funcs := newWITSection("functions" + suffix)

		w := witEmitter{
			m:         m,
			unit:      v.unit,
			perTriple: perTriple,
			suffix:    suffix,
		}

		for _, d := range dependencyOrder(v.decls) {
			var err error
			switch d.Kind {
			case parser.KindFunction:
				err = w.function(funcs, d)
			case parser.KindStruct:
				err = w.record(types, d)
			case parser.KindEnum:
				err = w.enum(types, d)
			case parser.KindTypedef:
				err = w.typedef(types, d)
			}
			if err != nil {
				return nil, fmt.Errorf("generating %s: %w", d.Name, err)
			}
		}

		if v.shared || !types.empty() {
			sections = append(sections, types)
		}
		if v.shared || !funcs.empty() {
			sections = append(sections, funcs)
		}

		if !v.shared {
			world := []string{"functions"}
			if !funcs.empty() {
				world = append(world, funcs.name)
			}
			worlds = append(worlds, append([]string{mapper.WITName(g.cfg.Lib) + suffix}, world...))
		}
	}

	if len(worlds) == 0 {
		worlds = [][]string{{mapper.WITName(g.cfg.Lib), "functions"}}
	}

	var b strings.Builder
	b.WriteString("// Code generated by ffi-bindgen. DO NOT EDIT.\n\n")
	fmt.Fprintf(&b, "package %s:%s;\n\n", mapper.WITName(g.cfg.Package), mapper.WITName(g.cfg.Lib))

	for _, s := range sections {
		s.write(&b)
	}

	for i, w := range worlds {
		fmt.Fprintf(&b, "world %s {\n", w[0])
		for _, iface := range w[1:] {
			fmt.Fprintf(&b, "  import %s;\n", iface)
		}
		b.WriteString("}\n")
		if i < len(worlds)-1 {
			b.WriteString("\n")
		}
	}

	return map[string]string{
		g.cfg.Lib + ".wit": b.String(),
	}, nil
}

// witPerTriple returns the diverged declarations plus every function whose
// signature names one of them.
func (g *Generator) witPerTriple() map[string]bool {
	set := make(map[string]bool)
	for _, d := range g.res.Divergences {
		set[d.Name] = true
	}
	if len(set) == 0 {
		return set
	}

	for _, u := range g.res.Units {
		for _, d := range u.Unit.Scope() {
			if d.Kind != parser.KindFunction || set[d.Name] {
				continue
			}
			for _, name := range signatureNames(d) {
				if set[name] {
					set[d.Name] = true
					break
				}
			}
		}
	}

	return set
}

func signatureNames(d *parser.Declaration) []string {
	var names []string
	if d.Return.Kind == parser.TypeNamed {
		names = append(names, d.Return.Name)
	}
	for _, p := range d.Params {
		if p.Type.Kind == parser.TypeNamed {
			names = append(names, p.Type.Name)
		}
	}
	return names
}

func witTriple(u consistency.TripleResult) string {
	return mapper.WITName(strings.ReplaceAll(u.Triple.Name(), "-", "_"))
}

// witEmitter renders the declarations of one triple.
type witEmitter struct {
	m         *mapper.WIT
	unit      consistency.TripleResult
	perTriple map[string]bool
	suffix    string
}

// ref spells t and records the interface that defines it.
func (w *witEmitter) ref(s *witSection, t parser.TypeRef) (string, error) {
	mt, err := w.m.Map(t)
	if err != nil {
		return "", err
	}

	if t.Kind == parser.TypeNamed {
		iface := "types"
		if w.perTriple[t.Name] {
			iface += w.suffix
		}
		s.use(iface, mt.Name)
	}

	return mt.Name, nil
}

func (w *witEmitter) record(s *witSection, d *parser.Declaration) error {
	if _, err := w.m.Define(d); err != nil {
		return err
	}
	info, err := w.unit.Layout.Layout(d.Name)
	if err != nil {
		return err
	}

	s.printf("  record %s {\n", mapper.WITName(d.Name))
	for _, f := range info.Fields {
		t, err := w.ref(s, f.Type)
		if err != nil {
			return err
		}
		s.printf("    %s: %s,\n", mapper.WITName(f.Name), t)
	}
	s.printf("  }\n\n")

	return nil
}

func (w *witEmitter) enum(s *witSection, d *parser.Declaration) error {
	t, err := w.m.Map(parser.TypeRef{Kind: parser.TypePrimitive, Prim: d.Underlying})
	if err != nil {
		return err
	}

	for _, v := range d.Values {
		s.printf("  /// %s = %s\n", v.Name, d.Underlying.Format(v.Value))
	}
	s.printf("  type %s = %s;\n\n", mapper.WITName(d.Name), t.Name)

	return nil
}

func (w *witEmitter) typedef(s *witSection, d *parser.Declaration) error {
	if _, err := w.m.Define(d); err != nil {
		return err
	}
	t, err := w.ref(s, d.Target)
	if err != nil {
		return err
	}

	s.printf("  type %s = %s;\n\n", mapper.WITName(d.Name), t)

	return nil
}

func (w *witEmitter) function(s *witSection, d *parser.Declaration) error {
	fn, err := w.m.Function(d)
	if err != nil {
		return err
	}

	params := make([]string, 0, len(fn.Params))
	for _, p := range fn.Params {
		t, err := w.ref(s, p.C)
		if err != nil {
			return err
		}
		params = append(params, p.Name+": "+t)
	}

	sig := "func(" + strings.Join(params, ", ") + ")"
	if !d.Return.IsVoid() {
		t, err := w.ref(s, d.Return)
		if err != nil {
			return err
		}
		sig += " -> " + t
	}

	s.printf("  %s: %s;\n", fn.Name, sig)

	return nil
}
