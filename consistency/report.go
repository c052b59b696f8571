package consistency

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/parser"
	"gopkg.in/yaml.v3"
)

// Report is the machine-readable layout report of a run.
type Report struct {
	Triples      []TripleInfo `json:"triples" yaml:"triples"`
	Declarations []DeclReport `json:"declarations" yaml:"declarations"`
	Divergences  []Divergence `json:"divergences" yaml:"divergences"`
}

// TripleInfo names a triple and the bitfield policy it was laid out with.
type TripleInfo struct {
	Name      string `json:"name" yaml:"name"`
	Bitfields string `json:"bitfields" yaml:"bitfields"`
}

// DeclReport is the per-triple layout of one struct, union or enum.
type DeclReport struct {
	Name    string         `json:"name" yaml:"name"`
	Kind    string         `json:"kind" yaml:"kind"`
	Layouts []TripleLayout `json:"layouts" yaml:"layouts"`
}

// TripleLayout is a declaration as laid out for one triple.
type TripleLayout struct {
	Triple     string        `json:"triple" yaml:"triple"`
	Size       int           `json:"size" yaml:"size"`
	Align      int           `json:"align" yaml:"align"`
	DataSize   int           `json:"data_size,omitempty" yaml:"data_size,omitempty"`
	Underlying string        `json:"underlying,omitempty" yaml:"underlying,omitempty"`
	Fields     []FieldLayout `json:"fields,omitempty" yaml:"fields,omitempty"`
	Values     []EnumValue   `json:"values,omitempty" yaml:"values,omitempty"`
}

// FieldLayout is the placement of one field.
type FieldLayout struct {
	Name      string `json:"name" yaml:"name"`
	Offset    int    `json:"offset" yaml:"offset"`
	Size      int    `json:"size" yaml:"size"`
	BitOffset int    `json:"bit_offset,omitempty" yaml:"bit_offset,omitempty"`
	BitWidth  int    `json:"bit_width,omitempty" yaml:"bit_width,omitempty"`
}

// EnumValue is one emitted enumerator.
type EnumValue struct {
	Name  string `json:"name" yaml:"name"`
	Value int64  `json:"value" yaml:"value"`
}

// Report builds the layout report of the check.
func (r *Result) Report() *Report {
	rep := Report{
		Declarations: []DeclReport{},
		Divergences:  r.Divergences,
	}

	for _, u := range r.Units {
		policy := ""
		if u.Layout != nil {
			policy = string(u.Layout.Policy())
		}
		rep.Triples = append(rep.Triples, TripleInfo{Name: u.Triple.Name(), Bitfields: policy})
	}

	for _, name := range r.Order {
		dr := DeclReport{Name: name}

		for _, u := range r.Units {
			d, ok := u.Unit.Lookup(name)
			if !ok {
				continue
			}

			switch d.Kind {
			case parser.KindStruct, parser.KindUnion:
				info := u.Layouts[name]
				if info == nil {
					continue
				}
				tl := TripleLayout{
					Triple:   u.Triple.Name(),
					Size:     info.Size,
					Align:    info.Align,
					DataSize: info.DataSize,
				}
				for _, f := range info.Fields {
					tl.Fields = append(tl.Fields, FieldLayout{
						Name:      f.Name,
						Offset:    f.Offset,
						Size:      f.Size,
						BitOffset: f.BitOffset,
						BitWidth:  f.BitWidth,
					})
				}
				dr.Kind = d.Kind.String()
				dr.Layouts = append(dr.Layouts, tl)

			case parser.KindEnum:
				tl := TripleLayout{
					Triple:     u.Triple.Name(),
					Size:       d.Underlying.Size(),
					Align:      d.Underlying.Size(),
					Underlying: d.Underlying.String(),
				}
				for _, v := range d.Values {
					tl.Values = append(tl.Values, EnumValue{Name: v.Name, Value: v.Value})
				}
				dr.Kind = d.Kind.String()
				dr.Layouts = append(dr.Layouts, tl)
			}
		}

		if len(dr.Layouts) > 0 {
			rep.Declarations = append(rep.Declarations, dr)
		}
	}

	return &rep
}

// Format is a report encoding.
type Format string

// Report formats.
const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// FormatFor picks the encoding of a report path by its extension. Anything
// other than .yaml or .yml is JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return JSON
}

// Encode writes the report to w.
func (rep *Report) Encode(w io.Writer, format Format) error {
	switch format {
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encoding yaml report: %w", err)
		}
		return enc.Close()

	case JSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encoding json report: %w", err)
		}
		return nil
	}

	return fmt.Errorf("unknown report format %q", format)
}
