// Package layout computes the size, alignment and field offsets of every
// struct and union of a translation unit under the ABI rules of its triple.
package layout

import (
	"fmt"

	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"go.uber.org/zap"
)

// Info is the computed layout of one aggregate.
type Info struct {
	Size     int
	DataSize int
	Align    int

	// Fields lists the named members in source order. Members of anonymous
	// aggregates are flattened into the list; every offset counts from the
	// start of the aggregate.
	Fields []Field

	// Groups describes the anonymous aggregates whose members were
	// flattened into Fields.
	Groups []Group
}

// Field is the placement of one named member. Bitfield members report the
// storage unit they live in: Offset and Size describe the unit and
// BitOffset counts from its first byte.
type Field struct {
	Name        string
	Type        parser.TypeRef
	Offset      int
	Size        int
	Align       int
	BitOffset   int
	BitWidth    int
	StorageSize int

	// Group indexes Info.Groups for flattened members and is -1 for direct
	// members.
	Group int
}

// IsBitfield reports whether the field is a bitfield.
func (f Field) IsBitfield() bool {
	return f.BitWidth > 0
}

// Group is an anonymous struct or union inlined into its parent.
type Group struct {
	Kind   parser.DeclKind
	Offset int
	Size   int
	Align  int

	// Parent is the enclosing group, or -1 when the group sits directly
	// in the aggregate.
	Parent int
}

// Field returns the member with the given name.
func (i *Info) Field(name string) (Field, bool) {
	for _, f := range i.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// AlignTo rounds offset up to the next multiple of align.
func AlignTo(offset, align int) int {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) / align * align
}

// Calculator lays out the aggregates of one translation unit. Results are
// cached per declaration; a Calculator is never shared between triples.
type Calculator struct {
	tu     *parser.TranslationUnit
	rules  platform.Rules
	policy platform.BitfieldPolicy

	cache  map[*parser.Declaration]*Info
	active map[*parser.Declaration]bool
	chain  []string
}

// New returns a calculator for tu. An empty policy selects the bitfield
// policy of the unit's triple.
func New(tu *parser.TranslationUnit, policy platform.BitfieldPolicy) *Calculator {
	rules := tu.Triple.Rules()
	if policy == "" {
		policy = rules.Bitfields
	}

	return &Calculator{
		tu:     tu,
		rules:  rules,
		policy: policy,
		cache:  make(map[*parser.Declaration]*Info),
		active: make(map[*parser.Declaration]bool),
	}
}

// Policy returns the bitfield policy in effect.
func (c *Calculator) Policy() platform.BitfieldPolicy {
	return c.policy
}

// Layout returns the layout of the named struct or union.
func (c *Calculator) Layout(name string) (*Info, error) {
	d, ok := c.tu.Lookup(name)
	if !ok {
		return nil, bgerrors.IncompleteType(c.tu.Triple.Name(), name, name)
	}

	switch d.Kind {
	case parser.KindStruct, parser.KindUnion:
		return c.aggregate(d)
	case parser.KindTypedef:
		t := c.tu.Resolve(parser.Named(name))
		if t.Kind == parser.TypeNamed {
			return c.Layout(t.Name)
		}
	}

	return nil, fmt.Errorf("layout: %s is a %s, not an aggregate", name, d.Kind)
}

// All lays out every struct and union of the unit.
func (c *Calculator) All() (map[string]*Info, error) {
	all := make(map[string]*Info)

	for _, d := range c.tu.Declarations {
		if !d.Kind.IsAggregate() {
			continue
		}
		info, err := c.aggregate(d)
		if err != nil {
			return nil, err
		}
		all[d.Name] = info
	}

	Logger().Debug("computed layouts",
		zap.String("triple", c.tu.Triple.Name()),
		zap.String("policy", string(c.policy)),
		zap.Int("aggregates", len(all)),
	)

	return all, nil
}

// SizeOf returns the size and alignment of t.
func (c *Calculator) SizeOf(t parser.TypeRef) (size, align int, err error) {
	return c.sizeOf("", t)
}

func (c *Calculator) sizeOf(owner string, t parser.TypeRef) (int, int, error) {
	switch t.Kind {
	case parser.TypePrimitive:
		s, a := c.primitive(t.Prim)
		return s, a, nil

	case parser.TypePointer, parser.TypeFunctionPointer:
		return c.rules.PointerSize, c.rules.PointerSize, nil

	case parser.TypeArray:
		s, a, err := c.sizeOf(owner, *t.Elem)
		if err != nil {
			return 0, 0, err
		}
		return s * t.Len, a, nil

	case parser.TypeNamed:
		d, ok := c.tu.Lookup(t.Name)
		if !ok {
			return 0, 0, bgerrors.IncompleteType(c.tu.Triple.Name(), owner, t.Name)
		}

		switch d.Kind {
		case parser.KindStruct, parser.KindUnion:
			info, err := c.aggregate(d)
			if err != nil {
				return 0, 0, err
			}
			return info.Size, info.Align, nil
		case parser.KindEnum:
			s, a := c.primitive(d.Underlying)
			return s, a, nil
		case parser.KindTypedef:
			return c.sizeOf(owner, d.Target)
		case parser.KindFunctionPointer:
			return c.rules.PointerSize, c.rules.PointerSize, nil
		}
	}

	return 0, 0, bgerrors.IncompleteType(c.tu.Triple.Name(), owner, t.String())
}

func (c *Calculator) primitive(p parser.Primitive) (int, int) {
	size := p.Size()

	switch {
	case p.Class == parser.ClassInt && p.Bits == 64:
		return size, c.rules.Int64Align
	case p.Class == parser.ClassFloat && p.Bits == 64:
		return size, c.rules.DoubleAlign
	case p.Class == parser.ClassFloat && p.Bits > 64:
		return c.rules.LongDoubleSize, c.rules.LongDoubleAlign
	}

	return size, size
}

func (c *Calculator) aggregate(d *parser.Declaration) (*Info, error) {
	if info, ok := c.cache[d]; ok {
		return info, nil
	}

	if c.active[d] {
		chain := append(append([]string(nil), c.chain...), d.Name)
		return nil, bgerrors.CyclicLayoutDependency(c.tu.Triple.Name(), chain)
	}

	c.active[d] = true
	c.chain = append(c.chain, d.Name)
	defer func() {
		delete(c.active, d)
		c.chain = c.chain[:len(c.chain)-1]
	}()

	b := builder{c: c, owner: d.Name, pack: d.Attrs.Pack, union: d.Kind == parser.KindUnion}
	if err := b.members(d); err != nil {
		return nil, err
	}
	info := b.finish(d.Attrs.Align)

	c.cache[d] = info
	return info, nil
}
