package mapper

import (
	"github.com/ardanlabs/ffi-bindgen/layout"
	"go.bytecodealliance.org/wit"
)

// canonicalInfo is the canonical ABI memory layout of a WIT type.
type canonicalInfo struct {
	Size    int
	Align   int
	Offsets []int
}

func canonical(t wit.Type) canonicalInfo {
	switch typ := t.(type) {
	case wit.U8, wit.S8, wit.Bool:
		return canonicalInfo{Size: 1, Align: 1}
	case wit.U16, wit.S16:
		return canonicalInfo{Size: 2, Align: 2}
	case wit.U32, wit.S32, wit.F32, wit.Char:
		return canonicalInfo{Size: 4, Align: 4}
	case wit.U64, wit.S64, wit.F64:
		return canonicalInfo{Size: 8, Align: 8}
	case *wit.TypeDef:
		switch kind := typ.Kind.(type) {
		case *wit.Record:
			return canonicalRecord(kind)
		case wit.Type:
			return canonical(kind)
		}
	}
	return canonicalInfo{Size: 0, Align: 1}
}

func canonicalRecord(r *wit.Record) canonicalInfo {
	info := canonicalInfo{Align: 1}
	if len(r.Fields) == 0 {
		return info
	}

	offset := 0
	for _, f := range r.Fields {
		fl := canonical(f.Type)

		offset = layout.AlignTo(offset, fl.Align)
		info.Offsets = append(info.Offsets, offset)

		if fl.Align > info.Align {
			info.Align = fl.Align
		}
		offset += fl.Size
	}
	info.Size = layout.AlignTo(offset, info.Align)

	return info
}
