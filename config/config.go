// Package config loads and validates the settings of a generator run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/bindgen"
	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/mapper"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of a run. Flags override the values of a
// config file.
type Config struct {
	Header         string            `yaml:"header,omitempty"`
	Units          map[string]string `yaml:"units,omitempty"`
	Triples        []string          `yaml:"triples,omitempty"`
	Target         string            `yaml:"target"`
	Output         string            `yaml:"output"`
	Package        string            `yaml:"package"`
	Lib            string            `yaml:"lib,omitempty"`
	Report         string            `yaml:"report,omitempty"`
	BitfieldPolicy string            `yaml:"bitfield_policy,omitempty"`
	Visibility     Visibility        `yaml:"visibility,omitempty"`
	SentinelPrefix *string           `yaml:"sentinel_prefix,omitempty"`
	MappedNames    map[string]string `yaml:"mapped_names,omitempty"`
	IgnoredNames   []string          `yaml:"ignored_names,omitempty"`
}

// Visibility lists the function decorations of the input. Empty lists keep
// the built-in tables.
type Visibility struct {
	Exported []string `yaml:"exported,omitempty"`
	Internal []string `yaml:"internal,omitempty"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Target:  mapper.TargetGo,
		Output:  ".",
		Package: "bindings",
	}
}

// Load reads a YAML config file over the defaults. Relative paths in the
// file are resolved against the file's directory.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))

	return cfg, nil
}

// Decode reads a YAML config over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, bgerrors.New(bgerrors.PhaseConfig, bgerrors.KindInvalidConfig).
			Cause(err).
			Detail("decoding config: %v", err).
			Build()
	}

	return cfg, nil
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	c.Header = abs(c.Header)
	c.Output = abs(c.Output)
	c.Report = abs(c.Report)
	for id, p := range c.Units {
		c.Units[id] = abs(p)
	}
}

// Validate checks the settings and fills in the library name from the
// header, or the unit of the first triple, when it is missing.
func (c *Config) Validate() error {
	if c.Header == "" && len(c.Units) == 0 {
		return bgerrors.InvalidConfig("a header or at least one per-triple unit is required")
	}

	for id, p := range c.Units {
		if _, err := platform.Resolve(id); err != nil {
			return err
		}
		if p == "" {
			return bgerrors.InvalidConfig("unit of %s has no path", id)
		}
	}
	if len(c.Triples) > 0 {
		if _, err := platform.ResolveAll(c.Triples); err != nil {
			return err
		}
	}

	switch c.Target {
	case mapper.TargetGo:
		if !token.IsIdentifier(c.Package) {
			return bgerrors.InvalidConfig("package %q is not a Go identifier", c.Package)
		}
	case mapper.TargetWIT:
		if c.Package == "" {
			return bgerrors.InvalidConfig("a WIT package namespace is required")
		}
	default:
		return bgerrors.InvalidConfig("unknown target %q, want %s or %s", c.Target, mapper.TargetGo, mapper.TargetWIT)
	}

	if _, err := platform.ParseBitfieldPolicy(c.BitfieldPolicy); err != nil {
		return err
	}

	if c.Lib == "" {
		src := c.Header
		if src == "" {
			ids := make([]string, 0, len(c.Units))
			for id := range c.Units {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			src = c.Units[ids[0]]
		}
		base := filepath.Base(src)
		c.Lib = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if c.Lib == "" || c.Lib == "." {
		return bgerrors.InvalidConfig("library name cannot be derived, set lib")
	}

	return nil
}

// ParserOptions returns the extraction options of the settings.
func (c *Config) ParserOptions() parser.Options {
	opts := parser.DefaultOptions()
	if len(c.Visibility.Exported) > 0 {
		opts.Visibility.Exported = c.Visibility.Exported
	}
	if len(c.Visibility.Internal) > 0 {
		opts.Visibility.Internal = c.Visibility.Internal
	}
	if c.SentinelPrefix != nil {
		opts.SentinelPrefix = *c.SentinelPrefix
	}
	opts.MappedNames = c.MappedNames
	opts.IgnoredNames = c.IgnoredNames
	return opts
}

// Request builds the pipeline request of validated settings.
func (c *Config) Request() (bindgen.Request, error) {
	policy, err := platform.ParseBitfieldPolicy(c.BitfieldPolicy)
	if err != nil {
		return bindgen.Request{}, err
	}

	return bindgen.Request{
		Header:  c.Header,
		Units:   c.Units,
		Triples: c.Triples,
		Target:  c.Target,
		Package: c.Package,
		Lib:     c.Lib,
		Policy:  policy,
		Options: c.ParserOptions(),
	}, nil
}

// Encode writes the settings as YAML.
func (c Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
