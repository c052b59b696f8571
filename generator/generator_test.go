package generator

import (
	"errors"
	goparser "go/parser"
	"go/token"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/layout"
	"github.com/ardanlabs/ffi-bindgen/mapper"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
)

func unit(t *testing.T, id, src string) consistency.TripleResult {
	t.Helper()
	return unitWith(t, id, src, parser.DefaultOptions())
}

func unitWith(t *testing.T, id, src string, opts parser.Options) consistency.TripleResult {
	t.Helper()

	tr, err := platform.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", id, err)
	}
	tu, err := parser.Parse(src, tr, opts)
	if err != nil {
		t.Fatalf("Parse(%s) error: %v", id, err)
	}
	calc := layout.New(tu, "")
	all, err := calc.All()
	if err != nil {
		t.Fatalf("All(%s) error: %v", id, err)
	}

	return consistency.TripleResult{Triple: tr, Unit: tu, Layout: calc, Layouts: all}
}

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile("../testdata/my_c_library/" + name)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return string(b)
}

func generate(t *testing.T, cfg Config, units ...consistency.TripleResult) map[string]string {
	t.Helper()

	files, err := New(cfg, consistency.Check(units)).Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	return files
}

func names(files map[string]string) []string {
	list := make([]string, 0, len(files))
	for name := range files {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func mustParse(t *testing.T, files map[string]string) {
	t.Helper()
	for name, src := range files {
		if !strings.HasSuffix(name, ".go") {
			continue
		}
		if _, err := goparser.ParseFile(token.NewFileSet(), name, src, goparser.ParseComments); err != nil {
			t.Errorf("%s does not parse: %v\n%s", name, err, src)
		}
	}
}

func contains(t *testing.T, name, src string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(src, want) {
			t.Errorf("%s lacks %q", name, want)
		}
	}
}

var goConfig = Config{Target: "go", Package: "mylib", Lib: "my_c_library"}

func TestGenerate_Go(t *testing.T) {
	files := generate(t, goConfig, unit(t, "linux/x86_64", fixture(t, "linux.h")))

	if diff := cmp.Diff([]string{"functions.go", "loader.go", "loader_unix.go", "loader_windows.go", "types.go"}, names(files)); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
	mustParse(t, files)

	for _, name := range names(files) {
		if !strings.HasPrefix(files[name], "// Code generated by ffi-bindgen. DO NOT EDIT.") {
			t.Errorf("%s lacks the generated header", name)
		}
		if name != "loader_unix.go" && strings.Contains(files[name], "//go:build") {
			t.Errorf("%s of a single triple carries a build constraint", name)
		}
	}

	t.Run("loader", func(t *testing.T) {
		contains(t, "loader.go", files["loader.go"],
			"package mylib",
			`filename = "libmy_c_library.so"`,
			`filename = "my_c_library.dll"`,
			"func Load(path string) error {",
		)
		contains(t, "loader_unix.go", files["loader_unix.go"],
			"//go:build unix",
			`"golang.org/x/sys/unix"`,
			"p, _ := unix.BytePtrFromString(s)",
			"return unix.BytePtrToString(p)",
		)
		contains(t, "loader_windows.go", files["loader_windows.go"],
			`"golang.org/x/sys/windows"`,
			"p, _ := windows.BytePtrFromString(s)",
			"return windows.BytePtrToString(p)",
		)
		if strings.Contains(files["loader_windows.go"], "//go:build") {
			t.Error("loader_windows.go needs no constraint beyond its file name")
		}
	})

	t.Run("types", func(t *testing.T) {
		src := files["types.go"]
		contains(t, "types.go", src,
			"type EnumForceUint32 int32",
			"type StructLeafIntegersSmallToLarge struct {",
			"_ = x[unsafe.Sizeof(StructLeafIntegersSmallToLarge{})-16]",
			"_ = x[unsafe.Offsetof(StructLeafIntegersSmallToLarge{}.StructField4)-8]",
			"func (s *StructUnionAnonymous) UnionField1() StructLeafIntegersSmallToLarge {",
			"func (s *StructUnionAnonymous) SetUnionField2(v StructLeafIntegersLargeToSmall) {",
			"func (u *StructUnionNamedFields) UnionField1() StructLeafIntegersSmallToLarge {",
			"func (s *StructBitfieldOneFields3) C() int32 {",
			"func (s *StructBitfieldOneFields3) SetC(v int32) {",
			"type StructHandle uintptr",
			"type StructHandleS uintptr",
			"type FunctionPointerLog uintptr",
			"func NewFunctionPointerLog(fn func(arg0 uintptr)) (FunctionPointerLog, error) {",
			"var FFITypeStructLeafIntegersSmallToLarge = ffi.NewType(",
		)

		if !regexp.MustCompile(`EnumForceUint32DayMonday\s+EnumForceUint32 = 1`).MatchString(src) {
			t.Error("enum constants are not emitted with explicit values")
		}
		if strings.Contains(src, "EnumForceUint32 = 2147483647") {
			t.Error("the sizing sentinel must not be emitted")
		}
	})

	t.Run("functions", func(t *testing.T) {
		src := files["functions.go"]
		contains(t, "functions.go", src,
			`lib.Prep("function_void_uint16_int32_uint64", &ffi.TypeVoid, &ffi.TypeUint16, &ffi.TypeSint32, &ffi.TypeUint64)`,
			"func FunctionVoidString(s string) {",
			"sCStr := cString(s)",
			"functionVoidStringFunc.Call(nil, &sCStr)",
			"func PinvokeGetPlatformName() string {",
			"return goString(ret)",
			"func FunctionHandleValue(handle StructHandle) int32 {",
			"return int32(ret)",
			"func FunctionVoidCallbackInline(log FunctionPointerLog) {",
			"func loadFuncs() error {",
		)
		if strings.Contains(src, "loadPlatformFuncs") {
			t.Error("a single triple needs no platform loader")
		}
		if strings.Contains(src, "function_internal") || strings.Contains(src, "__system_helper") {
			t.Error("internal or system functions were bound")
		}
	})
}

func TestGenerate_GoPerTriple(t *testing.T) {
	files := generate(t, goConfig,
		unit(t, "linux/x86_64", fixture(t, "linux.h")),
		unit(t, "windows/x86_64", fixture(t, "windows.h")),
	)

	want := []string{"functions.go", "loader.go", "loader_unix.go", "loader_windows.go", "types.go", "types_linux_amd64.go", "types_windows_amd64.go"}
	if diff := cmp.Diff(want, names(files)); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
	mustParse(t, files)

	linux := files["types_linux_amd64.go"]
	windows := files["types_windows_amd64.go"]

	contains(t, "types_linux_amd64.go", linux,
		"//go:build linux && !android && amd64",
		"_ = x[unsafe.Sizeof(StructBitfieldOneFields3{})-8]",
		"type StructBitfieldOneFields2 struct {",
	)
	contains(t, "types_windows_amd64.go", windows,
		"//go:build windows && amd64",
		"_ = x[unsafe.Sizeof(StructBitfieldOneFields3{})-12]",
		"type StructBitfieldOneFields2 struct {",
	)

	if strings.Contains(files["types.go"], "StructBitfieldOneFields3 struct") {
		t.Error("a diverged struct was emitted in the shared file")
	}
	contains(t, "types.go", files["types.go"], "type StructLeafIntegersSmallToLarge struct {")
}

func TestGenerate_PlatformFuncs(t *testing.T) {
	src := "extern long count(int x);\nextern int same(int x);\n"

	files := generate(t, goConfig,
		unit(t, "linux/x86_64", src),
		unit(t, "windows/x86_64", src),
	)
	mustParse(t, files)

	want := []string{"functions.go", "functions_linux_amd64.go", "functions_windows_amd64.go", "loader.go", "loader_unix.go", "loader_windows.go", "types.go"}
	if diff := cmp.Diff(want, names(files)); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	contains(t, "functions.go", files["functions.go"],
		"func Same(x int32) int32 {",
		"return loadPlatformFuncs()",
	)
	contains(t, "functions_linux_amd64.go", files["functions_linux_amd64.go"],
		"func loadPlatformFuncs() error {",
		"func Count(x int32) int64 {",
	)
	contains(t, "functions_windows_amd64.go", files["functions_windows_amd64.go"],
		"func Count(x int32) int32 {",
	)
}

func TestGenerate_Deterministic(t *testing.T) {
	build := func() map[string]string {
		return generate(t, goConfig,
			unit(t, "linux/x86_64", fixture(t, "linux.h")),
			unit(t, "windows/x86_64", fixture(t, "windows.h")),
		)
	}

	if diff := cmp.Diff(build(), build()); diff != "" {
		t.Errorf("two runs differ (-first +second):\n%s", diff)
	}
}

func TestGenerate_Unmappable(t *testing.T) {
	src := `
extern void takes_long_double(long double x);
extern int log_line(const char* format, ...);
extern int fine(int x);
`
	res := consistency.Check([]consistency.TripleResult{
		unit(t, "linux/x86_64", src),
		unit(t, "windows/x86_64", src),
	})

	files, err := New(goConfig, res).Generate()
	if err == nil {
		t.Fatal("Generate() succeeded with unmappable declarations")
	}
	if files != nil {
		t.Error("files were produced despite the error")
	}
	if !errors.Is(err, bgerrors.ErrUnmappableType) {
		t.Errorf("error %v is not ErrUnmappableType", err)
	}

	// long double is 128 bits on Linux and a double on Windows; the
	// variadic function fails on both.
	var got []string
	for _, e := range multierr.Errors(err) {
		var be *bgerrors.Error
		if !errors.As(e, &be) {
			t.Fatalf("unexpected error type %T", e)
		}
		got = append(got, be.Triple+" "+be.Decl)
	}
	sort.Strings(got)

	want := []string{
		"x86_64-pc-windows-msvc log_line",
		"x86_64-unknown-linux-gnu log_line",
		"x86_64-unknown-linux-gnu takes_long_double",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate_Config(t *testing.T) {
	u := unit(t, "linux/x86_64", "extern int fine(int x);")

	tests := []struct {
		name string
		cfg  Config
		res  *consistency.Result
	}{
		{"unknown target", Config{Target: "rust", Package: "p", Lib: "l"}, consistency.Check([]consistency.TripleResult{u})},
		{"no units", goConfig, consistency.Check(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.res).Generate()
			if !errors.Is(err, bgerrors.ErrInvalidConfig) {
				t.Errorf("Generate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConstraint(t *testing.T) {
	tests := []struct {
		name   string
		ids    []string
		suffix []string
		build  []string
	}{
		{
			"distinct",
			[]string{"linux/x86_64", "macos/arm64", "windows/x86_64"},
			[]string{"_linux_amd64", "_darwin_arm64", "_windows_amd64"},
			[]string{"linux && !android && amd64", "darwin && !ios && arm64", "windows && amd64"},
		},
		{
			"same GOOS and GOARCH",
			[]string{"windows/x86_64/msvc", "windows/x86_64/gnu"},
			[]string{"_windows_amd64_msvc", "_windows_amd64_gnu"},
			[]string{"windows && amd64 && !bindgen_gnu", "windows && amd64 && bindgen_gnu"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var units []consistency.TripleResult
			for _, id := range tt.ids {
				units = append(units, unit(t, id, "extern int fine(int x);"))
			}
			g := New(goConfig, consistency.Check(units))

			var suffixes, builds []string
			for i := range units {
				s, b := g.constraint(i)
				suffixes = append(suffixes, s)
				builds = append(builds, b)
			}

			if diff := cmp.Diff(tt.suffix, suffixes); diff != "" {
				t.Errorf("suffixes mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.build, builds); diff != "" {
				t.Errorf("build constraints mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDependencyOrder(t *testing.T) {
	tu := unit(t, "linux/x86_64", `
typedef struct inner { int a; } inner;
typedef int count;
typedef struct outer { inner in[2]; count n; } outer;
`).Unit

	// Reversed, every declaration comes before the ones it embeds.
	decls := make([]*parser.Declaration, 0, len(tu.Declarations))
	for i := len(tu.Declarations) - 1; i >= 0; i-- {
		decls = append(decls, tu.Declarations[i])
	}

	var got []string
	for _, d := range dependencyOrder(decls) {
		got = append(got, d.Name)
	}

	if diff := cmp.Diff([]string{"count", "inner", "outer"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

var witConfig = Config{Target: "wit", Package: "demo", Lib: "mylib"}

func TestGenerate_WIT(t *testing.T) {
	src := `
typedef enum level { LEVEL_LOW, LEVEL_HIGH = 200 } level;
typedef struct point { int32_t x; int32_t y; } point;
typedef int32_t score;
extern int32_t add(int32_t a, int32_t b);
extern point move(point p, level l);
extern score best(void);
`
	files := generate(t, witConfig, unit(t, "linux/x86_64", src))

	if diff := cmp.Diff([]string{"mylib.wit"}, names(files)); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	contains(t, "mylib.wit", files["mylib.wit"],
		"package demo:mylib;",
		"interface types {",
		"  /// LEVEL_HIGH = 200\n  type level = u8;",
		"  record point {\n    x: s32,\n    y: s32,\n  }",
		"  type score = s32;",
		"interface functions {\n  use types.{level, point, score};",
		"  add: func(a: s32, b: s32) -> s32;",
		"  move: func(p: point, l: level) -> point;",
		"  best: func() -> score;",
		"world mylib {\n  import functions;\n}",
	)
}

func TestGenerate_WITPerTriple(t *testing.T) {
	src := `
typedef struct counter { long n; } counter;
extern counter next(counter c);
extern int32_t add(int32_t a, int32_t b);
`
	files := generate(t, witConfig,
		unit(t, "linux/x86_64", src),
		unit(t, "windows/x86_64", src),
	)
	out := files["mylib.wit"]

	contains(t, "mylib.wit", out,
		"interface functions {\n  add: func(a: s32, b: s32) -> s32;\n}",
		"interface types-x8664-unknown-linux-gnu {\n  record counter {\n    n: s64,\n  }\n}",
		"interface types-x8664-pc-windows-msvc {\n  record counter {\n    n: s32,\n  }\n}",
		"interface functions-x8664-unknown-linux-gnu {\n  use types-x8664-unknown-linux-gnu.{counter};",
		"world mylib-x8664-unknown-linux-gnu {\n  import functions;\n  import functions-x8664-unknown-linux-gnu;\n}",
		"world mylib-x8664-pc-windows-msvc {",
	)
	if strings.Count(out, "next: func(c: counter) -> counter;") != 2 {
		t.Errorf("next must be declared once per triple:\n%s", out)
	}
}

func TestGenerate_WITUnmappable(t *testing.T) {
	files, err := New(witConfig, consistency.Check([]consistency.TripleResult{
		unit(t, "linux/x86_64", fixture(t, "linux.h")),
	})).Generate()

	if !errors.Is(err, bgerrors.ErrUnmappableType) {
		t.Fatalf("Generate() error = %v, want ErrUnmappableType", err)
	}
	if files != nil {
		t.Error("files were produced despite the error")
	}
	if len(multierr.Errors(err)) < 2 {
		t.Errorf("expected every unmappable declaration to be reported, got %v", err)
	}
}

// ffiElementSizes gives the size and alignment libffi uses for the element
// types emitted on a 64-bit triple.
var ffiElementSizes = map[string][2]int{
	"&ffi.TypeUint8":   {1, 1},
	"&ffi.TypeSint8":   {1, 1},
	"&ffi.TypeUint16":  {2, 2},
	"&ffi.TypeSint16":  {2, 2},
	"&ffi.TypeUint32":  {4, 4},
	"&ffi.TypeSint32":  {4, 4},
	"&ffi.TypeUint64":  {8, 8},
	"&ffi.TypeSint64":  {8, 8},
	"&ffi.TypeFloat":   {4, 4},
	"&ffi.TypeDouble":  {8, 8},
	"&ffi.TypePointer": {8, 8},
}

func TestFFILayout_MatchesC(t *testing.T) {
	tests := []struct {
		id   string
		file string
	}{
		{"linux/x86_64", "linux.h"},
		{"windows/x86_64", "windows.h"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			u := unit(t, tt.id, fixture(t, tt.file))
			e := newGoEmitter(u)

			runs := make(map[string][]ffiRun)
			infos := make(map[string]*layout.Info)
			for _, d := range u.Unit.Scope() {
				if !d.Kind.IsAggregate() {
					continue
				}
				info, err := u.Layout.Layout(d.Name)
				if err != nil {
					t.Fatalf("Layout(%s) error: %v", d.Name, err)
				}
				slots, _, err := e.slots(d, info)
				if err != nil {
					t.Fatalf("slots(%s) error: %v", d.Name, err)
				}
				key := "&FFIType" + mapper.GoName(d.Name)
				runs[key] = ffiLayout(slots, info)
				infos[key] = info
			}
			if len(runs) == 0 {
				t.Fatal("the fixture has no aggregates")
			}

			// natural lays the elements out the way libffi does: each at its
			// own alignment, the whole rounded up to the largest one.
			var natural func(key string) (size, align int)
			natural = func(key string) (size, align int) {
				align = 1
				for _, r := range runs[key] {
					es, ea := 0, 0
					switch v, ok := ffiElementSizes[r.typ]; {
					case ok:
						es, ea = v[0], v[1]
					case runs[r.typ] != nil:
						es, ea = natural(r.typ)
					default:
						t.Fatalf("%s: unknown element %s", key, r.typ)
					}
					for i := 0; i < r.n; i++ {
						size = layout.AlignTo(size, ea) + es
					}
					align = max(align, ea)
				}
				return layout.AlignTo(size, align), align
			}

			for key, info := range infos {
				size, align := natural(key)
				if size != info.Size || align != info.Align {
					t.Errorf("%s: libffi size %d align %d, C size %d align %d", key, size, align, info.Size, info.Align)
				}
			}
		})
	}
}

func TestFFILayout_Bitfields(t *testing.T) {
	tests := []struct {
		id   string
		file string
		name string
		want []string
	}{
		{"linux/x86_64", "linux.h", "struct_bitfield_one_fields_2", []string{"&ffi.TypeUint32"}},
		{"linux/x86_64", "linux.h", "struct_bitfield_one_fields_3", []string{"&ffi.TypeSint32", "&ffi.TypeUint32"}},
		{"windows/x86_64", "windows.h", "struct_bitfield_one_fields_2", []string{"&ffi.TypeUint32", "&ffi.TypeSint8"}},
		{"windows/x86_64", "windows.h", "struct_bitfield_one_fields_3", []string{"&ffi.TypeSint32", "&ffi.TypeUint32", "&ffi.TypeSint8"}},
	}

	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.name, func(t *testing.T) {
			u := unit(t, tt.id, fixture(t, tt.file))
			d, ok := u.Unit.Lookup(tt.name)
			if !ok {
				t.Fatalf("%s not found", tt.name)
			}
			info, err := u.Layout.Layout(tt.name)
			if err != nil {
				t.Fatal(err)
			}

			slots, _, err := newGoEmitter(u).slots(d, info)
			if err != nil {
				t.Fatal(err)
			}

			var got []string
			for _, r := range ffiLayout(slots, info) {
				for i := 0; i < r.n; i++ {
					got = append(got, r.typ)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("elements mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFFILayout_Gaps(t *testing.T) {
	src := `
struct tail { long long a : 4; };
struct shared { char a; int b : 4; };
struct skip { char a; int : 32; char b; };`
	u := unit(t, "linux/x86_64", src)
	e := newGoEmitter(u)

	for _, name := range []string{"tail", "shared", "skip"} {
		t.Run(name, func(t *testing.T) {
			d, _ := u.Unit.Lookup(name)
			info, err := u.Layout.Layout(name)
			if err != nil {
				t.Fatal(err)
			}
			slots, _, err := e.slots(d, info)
			if err != nil {
				t.Fatal(err)
			}

			size, align := 0, 1
			for _, r := range ffiLayout(slots, info) {
				for i := 0; i < r.n; i++ {
					size = layout.AlignTo(size, r.align) + r.size
				}
				align = max(align, r.align)
			}
			size = layout.AlignTo(size, align)

			if size != info.Size || align != info.Align {
				t.Errorf("libffi size %d align %d, C size %d align %d", size, align, info.Size, info.Align)
			}
		})
	}
}

func TestGenerate_Uint64Enum(t *testing.T) {
	src := "enum big { BIG_A = 1, BIG_B = 0xFFFFFFFFFFFFFFF0 };\n"
	files := generate(t, goConfig, unit(t, "linux/x86_64", src))
	mustParse(t, files)

	contains(t, "types.go", files["types.go"],
		"type Big uint64",
		"BigB Big = 18446744073709551600",
	)
}

func TestGenerate_MappedNames(t *testing.T) {
	src := `
typedef struct ctx ctx;
typedef struct secret { int k; } secret;
extern int lib_open(ctx* c);
extern void lib_peek(secret* s);
enum mode { MODE_A, MODE_B };
`
	opts := parser.DefaultOptions()
	opts.MappedNames = map[string]string{"lib_open": "open_context", "ctx": "context", "MODE_B": "MODE_FAST"}
	opts.IgnoredNames = []string{"secret"}

	files := generate(t, goConfig, unitWith(t, "linux/x86_64", src, opts))
	mustParse(t, files)

	contains(t, "functions.go", files["functions.go"],
		`openContextFunc, err = lib.Prep("lib_open", &ffi.TypeSint32, &ffi.TypePointer)`,
		"func OpenContext(c uintptr) int32 {",
	)
	contains(t, "types.go", files["types.go"],
		"type Context uintptr",
		"ModeFast Mode = 1",
	)

	for name, src := range files {
		for _, gone := range []string{"Secret", "LibPeek", "lib_peek"} {
			if strings.Contains(src, gone) {
				t.Errorf("%s still binds %s", name, gone)
			}
		}
	}
}

func TestGenerate_ReservedParamNames(t *testing.T) {
	src := "extern int copy_into(const char* string, int len, void* unsafe, int ffi);\n"
	files := generate(t, goConfig, unit(t, "linux/x86_64", src))
	mustParse(t, files)

	contains(t, "functions.go", files["functions.go"],
		"func CopyInto(string_ string, len_ int32, unsafe_ uintptr, ffi_ int32) int32 {",
		"string_CStr := cString(string_)",
		"copyIntoFunc.Call(&ret, &string_CStr, &len_, &unsafe_, &ffi_)",
	)
}
