package generator

import (
	"bytes"
	"text/template"
)

var loaderTemplate = template.Must(template.New("loader").Parse(`// Code generated by ffi-bindgen. DO NOT EDIT.

package {{.Package}}

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/jupiterrider/ffi"
)

var lib ffi.Lib

// Load opens the {{.LibName}} library found in path and resolves every
// function.
func Load(path string) error {
	var err error
	lib, err = ffi.Load(getLibraryPath(path))
	if err != nil {
		return fmt.Errorf("failed to load library: %w", err)
	}

	if err := loadFuncs(); err != nil {
		return err
	}

	return nil
}

// Close releases the library.
func Close() error {
	return lib.Close()
}

func getLibraryPath(basePath string) string {
	var filename string
	switch runtime.GOOS {
	case "linux", "freebsd", "android":
		filename = "lib{{.LibName}}.so"
	case "darwin", "ios":
		filename = "lib{{.LibName}}.dylib"
	case "windows":
		filename = "{{.LibName}}.dll"
	default:
		filename = "lib{{.LibName}}.so"
	}
	return filepath.Join(basePath, filename)
}

// load copies a value out of raw storage.
func load[T any](b []byte) (v T) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)), b)
	return v
}

// store copies a value into raw storage.
func store[T any](b []byte, v T) {
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)))
}

// getBits reads width bits starting at bit of the little-endian storage b.
func getBits(b []byte, bit, width int, signed bool) int64 {
	var v uint64
	for i := 0; i < width; i++ {
		n := bit + i
		if b[n/8]&(1<<(n%8)) != 0 {
			v |= 1 << i
		}
	}
	if signed && width < 64 && v&(1<<(width-1)) != 0 {
		v |= ^uint64(0) << width
	}
	return int64(v)
}

// setBits writes the low width bits of v starting at bit of b.
func setBits(b []byte, bit, width int, v uint64) {
	for i := 0; i < width; i++ {
		n := bit + i
		if v&(1<<i) != 0 {
			b[n/8] |= 1 << (n % 8)
		} else {
			b[n/8] &^= 1 << (n % 8)
		}
	}
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func boolArg(v bool) ffi.Arg {
	if v {
		return 1
	}
	return 0
}

type ffiRun struct {
	typ *ffi.Type
	n   int
}

func ffiElements(runs ...ffiRun) []*ffi.Type {
	var elems []*ffi.Type
	for _, r := range runs {
		for i := 0; i < r.n; i++ {
			elems = append(elems, r.typ)
		}
	}
	return elems
}

func mustPrepCif(ret *ffi.Type, args ...*ffi.Type) *ffi.Cif {
	var cif ffi.Cif
	if status := ffi.PrepCif(&cif, ffi.DefaultAbi, uint32(len(args)), ret, args...); status != ffi.OK {
		panic(fmt.Sprintf("preparing call interface: %s", status))
	}
	return &cif
}

// newClosure allocates native code that calls fn through cif. Closures are
// never freed.
func newClosure(cif *ffi.Cif, fn uintptr) (uintptr, error) {
	var code unsafe.Pointer
	closure := ffi.ClosureAlloc(unsafe.Sizeof(ffi.Closure{}), &code)
	if closure == nil {
		return 0, errors.New("allocating closure failed")
	}
	if status := ffi.PrepClosureLoc(closure, cif, fn, nil, code); status != ffi.OK {
		ffi.ClosureFree(closure)
		return 0, fmt.Errorf("preparing closure: %s", status)
	}
	return uintptr(code), nil
}
`))

// stringsTemplate converts strings at the C boundary with the x/sys package
// of one OS family.
var stringsTemplate = template.Must(template.New("strings").Parse(`// Code generated by ffi-bindgen. DO NOT EDIT.

{{if .Constraint}}//go:build {{.Constraint}}

{{end}}package {{.Package}}

import (
	"strings"

	"golang.org/x/sys/{{.Sys}}"
)

// cString returns a NUL-terminated copy of s. C stops reading at the first
// NUL, so the copy does too.
func cString(s string) *byte {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	p, _ := {{.Sys}}.BytePtrFromString(s)
	return p
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}
	return {{.Sys}}.BytePtrToString(p)
}
`))

var loaderFamilies = []struct {
	file       string
	sys        string
	constraint string
}{
	{"loader_unix.go", "unix", "unix"},
	{"loader_windows.go", "windows", ""},
}

// goLoader renders loader.go and the per-family string helpers.
func (g *Generator) goLoader() (map[string]string, error) {
	files := make(map[string]string)

	var buf bytes.Buffer
	err := loaderTemplate.Execute(&buf, map[string]string{
		"Package": g.cfg.Package,
		"LibName": g.cfg.Lib,
	})
	if err != nil {
		return nil, err
	}
	files["loader.go"] = buf.String()

	for _, fam := range loaderFamilies {
		var buf bytes.Buffer
		err := stringsTemplate.Execute(&buf, map[string]string{
			"Package":    g.cfg.Package,
			"Sys":        fam.sys,
			"Constraint": fam.constraint,
		})
		if err != nil {
			return nil, err
		}
		files[fam.file] = buf.String()
	}

	return files, nil
}
