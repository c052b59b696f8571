package layout

import (
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
)

// builder places the members of one struct or union. Positions are kept in
// bits so Itanium bitfields can continue mid-byte.
type builder struct {
	c     *Calculator
	owner string
	pack  int
	union bool

	fields []Field
	groups []Group

	bits  int
	end   int
	align int

	// The open MSVC-style storage unit.
	run      bool
	unitOff  int
	unitSize int
	unitUsed int
}

func (b *builder) members(d *parser.Declaration) error {
	for _, f := range d.Fields {
		switch {
		case f.Anonymous != nil:
			if err := b.anonymous(f.Anonymous); err != nil {
				return err
			}

		case f.Bitfield:
			if err := b.bitfield(f); err != nil {
				return err
			}

		default:
			size, align, err := b.c.sizeOf(b.owner, f.Type)
			if err != nil {
				return err
			}
			align = b.packed(align)

			off := b.place(size, align)
			b.fields = append(b.fields, Field{
				Name:   f.Name,
				Type:   f.Type,
				Offset: off,
				Size:   size,
				Align:  align,
				Group:  -1,
			})
		}
	}

	return nil
}

func (b *builder) packed(align int) int {
	if b.pack > 0 && align > b.pack {
		return b.pack
	}
	return align
}

func (b *builder) grow(align int) {
	if align > b.align {
		b.align = align
	}
}

func (b *builder) occupy(bits int) {
	if bits > b.end {
		b.end = bits
	}
}

// place puts a whole-byte member at the next suitably aligned offset and
// closes any open bitfield unit.
func (b *builder) place(size, align int) int {
	b.run = false
	b.grow(align)

	if b.union {
		b.occupy(size * 8)
		return 0
	}

	off := AlignTo(bytes(b.bits), align)
	b.bits = (off + size) * 8
	b.occupy(b.bits)

	return off
}

// anonymous lays out an unnamed member aggregate on its own, places it like
// any member and merges its fields into the parent.
func (b *builder) anonymous(d *parser.Declaration) error {
	nested := builder{c: b.c, owner: b.owner, pack: d.Attrs.Pack, union: d.Kind == parser.KindUnion}
	if err := nested.members(d); err != nil {
		return err
	}
	info := nested.finish(d.Attrs.Align)

	off := b.place(info.Size, b.packed(info.Align))

	gi := len(b.groups)
	b.groups = append(b.groups, Group{Kind: d.Kind, Offset: off, Size: info.Size, Align: info.Align, Parent: -1})

	base := len(b.groups)
	remap := func(g int) int {
		if g < 0 {
			return gi
		}
		return g + base
	}

	for _, g := range info.Groups {
		g.Offset += off
		g.Parent = remap(g.Parent)
		b.groups = append(b.groups, g)
	}
	for _, f := range info.Fields {
		f.Offset += off
		f.Group = remap(f.Group)
		b.fields = append(b.fields, f)
	}

	return nil
}

func (b *builder) bitfield(f parser.Field) error {
	size, align, err := b.c.sizeOf(b.owner, f.Type)
	if err != nil {
		return err
	}

	if b.c.policy == platform.Portable && f.BitWidth > 0 {
		size = storageFor(f.BitWidth)
		align = size
	}
	align = b.packed(align)

	var field Field
	switch {
	case b.union:
		field = b.unionBitfield(f, size, align)
	case b.c.policy == platform.Itanium:
		field = b.itanium(f, size, align)
	default:
		field = b.msvc(f, size, align)
	}

	if f.Name != "" && f.BitWidth > 0 {
		field.Name = f.Name
		field.Type = f.Type
		field.BitWidth = f.BitWidth
		field.Size = field.StorageSize
		field.Align = align
		field.Group = -1
		b.fields = append(b.fields, field)
	}

	return nil
}

func (b *builder) unionBitfield(f parser.Field, size, align int) Field {
	if f.BitWidth == 0 {
		return Field{}
	}
	b.grow(align)
	b.occupy(size * 8)
	return Field{StorageSize: size}
}

// itanium packs the field at the running bit offset unless it would
// straddle a unit of its declared type. Unnamed bitfields do not raise the
// aggregate's alignment.
func (b *builder) itanium(f parser.Field, size, align int) Field {
	unitBits := align * 8

	if f.BitWidth == 0 {
		b.bits = AlignTo(b.bits, unitBits)
		return Field{}
	}

	if b.pack != 1 {
		start := b.bits / unitBits * unitBits
		if b.bits+f.BitWidth > start+size*8 {
			b.bits = AlignTo(b.bits, unitBits)
		}
	}

	if f.Name != "" {
		b.grow(align)
	}

	pos := b.bits
	start := pos / unitBits * unitBits

	b.bits += f.BitWidth
	b.occupy(b.bits)

	return Field{Offset: start / 8, BitOffset: pos - start, StorageSize: size}
}

// msvc keeps adding bitfields to the open unit while the declared sizes
// match and the unit has room; anything else opens a new unit.
func (b *builder) msvc(f parser.Field, size, align int) Field {
	if f.BitWidth == 0 {
		b.run = false
		return Field{}
	}

	if !b.run || b.unitSize != size || b.unitUsed+f.BitWidth > size*8 {
		b.unitOff = AlignTo(bytes(b.bits), align)
		b.unitSize = size
		b.unitUsed = 0
		b.run = true

		b.bits = (b.unitOff + size) * 8
		b.occupy(b.bits)
		b.grow(align)
	}

	field := Field{Offset: b.unitOff, BitOffset: b.unitUsed, StorageSize: size}
	b.unitUsed += f.BitWidth

	return field
}

func (b *builder) finish(attrAlign int) *Info {
	align := b.align
	if align < 1 {
		align = 1
	}
	if attrAlign > align {
		align = attrAlign
	}

	dataSize := bytes(b.end)

	return &Info{
		Size:     AlignTo(dataSize, align),
		DataSize: dataSize,
		Align:    align,
		Fields:   b.fields,
		Groups:   b.groups,
	}
}

// storageFor returns the smallest primitive size holding width bits.
func storageFor(width int) int {
	switch {
	case width <= 8:
		return 1
	case width <= 16:
		return 2
	case width <= 32:
		return 4
	}
	return 8
}

func bytes(bits int) int {
	return (bits + 7) / 8
}
