// Package consistency compares the declarations of several platform triples
// and decides which ones can share one binding.
package consistency

import (
	"fmt"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/layout"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
)

// TripleResult is the extraction and layout output of one triple.
type TripleResult struct {
	Triple  platform.Triple
	Unit    *parser.TranslationUnit
	Layout  *layout.Calculator
	Layouts map[string]*layout.Info
}

// Group is a set of triples that agree on a declaration.
type Group struct {
	Triples []string `json:"triples" yaml:"triples"`
	Present bool     `json:"present" yaml:"present"`
}

// Divergence names a declaration the triples disagree on.
type Divergence struct {
	Name   string  `json:"name" yaml:"name"`
	Kind   string  `json:"kind" yaml:"kind"`
	Reason string  `json:"reason" yaml:"reason"`
	Groups []Group `json:"groups" yaml:"groups"`
}

// Result is the outcome of a consistency check.
type Result struct {
	Units []TripleResult

	// Order lists every declaration in scope on at least one triple, in
	// the order the triples first declare them.
	Order []string

	Divergences []Divergence

	diverged map[string]bool
}

// Diverged reports whether the triples disagree on the named declaration.
func (r *Result) Diverged(name string) bool {
	return r.diverged[name]
}

// Shared reports whether every declaration can be emitted once for all
// triples.
func (r *Result) Shared() bool {
	return len(r.Divergences) == 0
}

// Check fingerprints every declaration in scope on every triple and records
// the declarations whose fingerprints differ or that some triple lacks.
func Check(units []TripleResult) *Result {
	r := Result{
		Units:       units,
		Divergences: []Divergence{},
		diverged:    make(map[string]bool),
	}

	prints := make([]map[string]string, len(units))
	seen := make(map[string]bool)

	for i, u := range units {
		prints[i] = make(map[string]string)
		for _, d := range u.Unit.Scope() {
			prints[i][d.Name] = Fingerprint(d, u.Layouts[d.Name])
			if !seen[d.Name] {
				seen[d.Name] = true
				r.Order = append(r.Order, d.Name)
			}
		}
	}

	for _, name := range r.Order {
		var groups []Group
		index := make(map[string]int)
		missing := false
		kinds := make(map[parser.DeclKind]bool)

		for i, u := range units {
			fp, ok := prints[i][name]
			if !ok {
				missing = true
				fp = ""
			} else {
				d, _ := u.Unit.Lookup(name)
				kinds[d.Kind] = true
			}

			g, exists := index[fp]
			if !exists {
				g = len(groups)
				index[fp] = g
				groups = append(groups, Group{Present: ok})
			}
			groups[g].Triples = append(groups[g].Triples, u.Triple.Name())
		}

		if len(groups) < 2 {
			continue
		}

		kind := r.kindOf(name)
		reason := reasonFor(kind)
		switch {
		case missing:
			reason = "not declared on every triple"
		case len(kinds) > 1:
			reason = "declared as different kinds"
		}

		r.diverged[name] = true
		r.Divergences = append(r.Divergences, Divergence{
			Name:   name,
			Kind:   kind.String(),
			Reason: reason,
			Groups: groups,
		})
	}

	return &r
}

func (r *Result) kindOf(name string) parser.DeclKind {
	for _, u := range r.Units {
		if d, ok := u.Unit.Lookup(name); ok {
			return d.Kind
		}
	}
	return parser.KindOpaque
}

func reasonFor(kind parser.DeclKind) string {
	switch kind {
	case parser.KindStruct, parser.KindUnion:
		return "size, alignment or field offsets differ"
	case parser.KindEnum:
		return "underlying type or values differ"
	}
	return "signature differs"
}

// Fingerprint renders everything about d that must agree for two triples to
// share a binding. info is the layout of d when d is an aggregate.
func Fingerprint(d *parser.Declaration, info *layout.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", d.Kind, d.Name)

	switch d.Kind {
	case parser.KindStruct, parser.KindUnion:
		if info == nil {
			b.WriteString(" <no layout>")
			break
		}
		fmt.Fprintf(&b, " size=%d data=%d align=%d", info.Size, info.DataSize, info.Align)
		for _, f := range info.Fields {
			fmt.Fprintf(&b, "; %s %s @%d", f.Name, f.Type, f.Offset)
			if f.IsBitfield() {
				fmt.Fprintf(&b, ".%d:%d/%d", f.BitOffset, f.BitWidth, f.StorageSize)
			}
			if f.Group >= 0 {
				fmt.Fprintf(&b, " g%d", f.Group)
			}
		}
		for i, g := range info.Groups {
			fmt.Fprintf(&b, "; g%d %s @%d size=%d align=%d in g%d", i, g.Kind, g.Offset, g.Size, g.Align, g.Parent)
		}

	case parser.KindEnum:
		fmt.Fprintf(&b, " %s", d.Underlying)
		for _, v := range d.Values {
			fmt.Fprintf(&b, "; %s=%d", v.Name, v.Value)
		}

	case parser.KindFunction:
		fmt.Fprintf(&b, " %s exported=%t", d.Signature(), d.Exported)
		for _, p := range d.Params {
			fmt.Fprintf(&b, " %s", p.Name)
		}

	case parser.KindTypedef, parser.KindFunctionPointer:
		fmt.Fprintf(&b, " %s", d.Target)

	case parser.KindOpaque:
		fmt.Fprintf(&b, " %s", d.TagKind)
	}

	return b.String()
}
