package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bindgen.yaml")

	data := `
units:
  linux/x86_64: include/linux.h
  windows/x86_64: /abs/windows.h
triples: [linux/x86_64, windows/x86_64]
target: go
output: out
package: mylib
report: layout.yaml
bitfield_policy: portable
visibility:
  exported: [MYLIB_API]
sentinel_prefix: ""
mapped_names:
  mylib_init: mylib_start
ignored_names: [mylib_private]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	want := map[string]string{
		"linux/x86_64":   filepath.Join(dir, "include/linux.h"),
		"windows/x86_64": "/abs/windows.h",
	}
	if diff := cmp.Diff(want, cfg.Units); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}
	if cfg.Output != filepath.Join(dir, "out") || cfg.Report != filepath.Join(dir, "layout.yaml") {
		t.Errorf("paths not resolved: output %q report %q", cfg.Output, cfg.Report)
	}
	if cfg.Lib != "linux" {
		t.Errorf("Lib = %q, want it derived from the first unit", cfg.Lib)
	}

	req, err := cfg.Request()
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if req.Policy != platform.Portable {
		t.Errorf("Policy = %q", req.Policy)
	}
	if diff := cmp.Diff([]string{"MYLIB_API"}, req.Options.Visibility.Exported); diff != "" {
		t.Errorf("exported decorations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(parser.DefaultOptions().Visibility.Internal, req.Options.Visibility.Internal); diff != "" {
		t.Errorf("internal decorations must keep the defaults (-want +got):\n%s", diff)
	}
	if req.Options.SentinelPrefix != "" {
		t.Errorf("SentinelPrefix = %q, want the explicit empty prefix", req.Options.SentinelPrefix)
	}
	if diff := cmp.Diff(map[string]string{"mylib_init": "mylib_start"}, req.Options.MappedNames); diff != "" {
		t.Errorf("mapped names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"mylib_private"}, req.Options.IgnoredNames); diff != "" {
		t.Errorf("ignored names mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Defaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader("header: my_c_library.h\n"))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	want := Default()
	want.Header = "my_c_library.h"
	want.Lib = "my_c_library"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.ParserOptions().SentinelPrefix != "_" {
		t.Error("the default sentinel prefix was lost")
	}
}

func TestDecode_UnknownKey(t *testing.T) {
	_, err := Decode(strings.NewReader("header: a.h\nheaders: b.h\n"))
	if !errors.Is(err, bgerrors.ErrInvalidConfig) {
		t.Errorf("Decode() error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want error
	}{
		{"no input", func(c *Config) { c.Header = "" }, bgerrors.ErrInvalidConfig},
		{"unknown target", func(c *Config) { c.Target = "rust" }, bgerrors.ErrInvalidConfig},
		{"bad package", func(c *Config) { c.Package = "my-lib" }, bgerrors.ErrInvalidConfig},
		{"wit namespace", func(c *Config) { c.Target, c.Package = "wit", "" }, bgerrors.ErrInvalidConfig},
		{"bad policy", func(c *Config) { c.BitfieldPolicy = "gcc" }, bgerrors.ErrInvalidConfig},
		{"bad triple", func(c *Config) { c.Triples = []string{"plan9/x86_64"} }, bgerrors.ErrUnsupportedPlatform},
		{"bad unit triple", func(c *Config) { c.Units = map[string]string{"beos/x86": "a.h"} }, bgerrors.ErrUnsupportedPlatform},
		{"empty unit path", func(c *Config) { c.Units = map[string]string{"linux/x86_64": ""} }, bgerrors.ErrInvalidConfig},
		{"valid wit", func(c *Config) { c.Target, c.Package = "wit", "my-org" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Header = "lib.h"
			tt.edit(&cfg)

			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	cfg := Default()
	cfg.Header = "lib.h"
	cfg.Triples = []string{"linux/x86_64"}

	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	back, err := Decode(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if diff := cmp.Diff(cfg, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
