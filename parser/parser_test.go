package parser

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"github.com/google/go-cmp/cmp"
)

func triple(t *testing.T, id string) platform.Triple {
	t.Helper()
	tr, err := platform.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", id, err)
	}
	return tr
}

func mustParse(t *testing.T, src, id string) *TranslationUnit {
	t.Helper()
	tu, err := Parse(src, triple(t, id), DefaultOptions())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return tu
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile("../testdata/my_c_library/" + name)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return string(b)
}

func lookup(t *testing.T, tu *TranslationUnit, name string) *Declaration {
	t.Helper()
	d, ok := tu.Lookup(name)
	if !ok {
		t.Fatalf("declaration %q not found", name)
	}
	return d
}

func TestParse_MyCLibrary(t *testing.T) {
	for _, id := range []string{"linux/x86_64", "windows/x86_64"} {
		file := "linux.h"
		if strings.HasPrefix(id, "windows") {
			file = "windows.h"
		}

		t.Run(id, func(t *testing.T) {
			tu := mustParse(t, readFixture(t, file), id)

			kinds := map[string]DeclKind{
				"enum_force_uint32":                             KindEnum,
				"struct_leaf_integers_small_to_large":           KindStruct,
				"struct_union_anonymous":                        KindStruct,
				"struct_union_anonymous_with_field_name":        KindStruct,
				"struct_union_anonymous_with_field_name_fields": KindUnion,
				"struct_union_named":                            KindStruct,
				"struct_union_named_fields":                     KindUnion,
				"struct_union_named_empty":                      KindStruct,
				"struct_union_named_empty_fields":               KindUnion,
				"struct_bitfield_one_fields_3":                  KindStruct,
				"function_pointer_log":                          KindFunctionPointer,
				"struct_handle_s":                               KindOpaque,
				"struct_handle":                                 KindTypedef,
				"function_void_void":                            KindFunction,
				"pinvoke_get_platform_name":                     KindFunction,
			}
			for name, kind := range kinds {
				if got := lookup(t, tu, name).Kind; got != kind {
					t.Errorf("%s: Kind = %s, want %s", name, got, kind)
				}
			}

			for _, d := range tu.Declarations {
				if isPlaceholder(d.Name) || strings.HasPrefix(d.Name, "anonymous_") {
					t.Errorf("unnamed aggregate leaked into the unit: %q", d.Name)
				}
			}

			if d := lookup(t, tu, "function_void_string"); !d.Exported {
				t.Error("function_void_string should be exported")
			}
			if d := lookup(t, tu, "function_internal"); d.Exported {
				t.Error("static function_internal should be internal")
			}
			if d := lookup(t, tu, "pinvoke_get_platform_name"); !d.Exported || len(d.Params) != 0 {
				t.Errorf("pinvoke_get_platform_name: exported=%v params=%d", d.Exported, len(d.Params))
			}
		})
	}
}

func TestParse_AnonymousAndNamedUnions(t *testing.T) {
	tu := mustParse(t, readFixture(t, "linux.h"), "linux/x86_64")

	anon := lookup(t, tu, "struct_union_anonymous")
	if len(anon.Fields) != 1 || anon.Fields[0].Anonymous == nil {
		t.Fatalf("struct_union_anonymous fields = %+v, want one anonymous member", anon.Fields)
	}
	inner := anon.Fields[0].Anonymous
	if inner.Kind != KindUnion || len(inner.Fields) != 2 || inner.Fields[0].Name != "union_field_1" {
		t.Errorf("anonymous union = %+v", inner)
	}

	named := lookup(t, tu, "struct_union_anonymous_with_field_name")
	if len(named.Fields) != 1 || named.Fields[0].Name != "fields" {
		t.Fatalf("struct_union_anonymous_with_field_name fields = %+v", named.Fields)
	}
	if got := named.Fields[0].Type.String(); got != "struct_union_anonymous_with_field_name_fields" {
		t.Errorf("fields type = %s", got)
	}

	empty := lookup(t, tu, "struct_union_named_empty")
	if len(empty.Fields) != 0 {
		t.Errorf("struct_union_named_empty should declare no member, got %+v", empty.Fields)
	}
}

func TestParse_Enum(t *testing.T) {
	tu := mustParse(t, readFixture(t, "linux.h"), "linux/x86_64")

	e := lookup(t, tu, "enum_force_uint32")

	want := []EnumValue{
		{"ENUM_FORCE_UINT32_DAY_UNKNOWN", 0},
		{"ENUM_FORCE_UINT32_DAY_MONDAY", 1},
		{"ENUM_FORCE_UINT32_DAY_TUESDAY", 2},
		{"ENUM_FORCE_UINT32_DAY_WEDNESDAY", 3},
		{"ENUM_FORCE_UINT32_DAY_THURSDAY", 4},
		{"ENUM_FORCE_UINT32_DAY_FRIDAY", 5},
	}
	if diff := cmp.Diff(want, e.Values); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]EnumValue{{"_ENUM_FORCE_UINT32", 0x7FFFFFFF}}, e.Sentinels); diff != "" {
		t.Errorf("Sentinels mismatch (-want +got):\n%s", diff)
	}
	if e.Underlying != (Primitive{Class: ClassInt, Bits: 32, Signed: true}) {
		t.Errorf("Underlying = %s, want int32", e.Underlying)
	}
}

func TestParse_EnumExpressions(t *testing.T) {
	src := `
enum flags {
	FLAG_A = 1 << 4,
	FLAG_B = FLAG_A | 2,
	FLAG_C = 'a',
	FLAG_D = (FLAG_B + 1) * 2 % 7,
	FLAG_E = ~0 & 0xFF,
	FLAG_F = (unsigned char)0x1FF,
	FLAG_G = sizeof(int) == 4 ? 10 : 20,
	FLAG_H = 017,
	FLAG_I,
	FLAG_J = '\n'
};`
	tu := mustParse(t, src, "linux/x86_64")

	want := []EnumValue{
		{"FLAG_A", 16},
		{"FLAG_B", 18},
		{"FLAG_C", 97},
		{"FLAG_D", 38 % 7},
		{"FLAG_E", 255},
		{"FLAG_F", 255},
		{"FLAG_G", 10},
		{"FLAG_H", 15},
		{"FLAG_I", 16},
		{"FLAG_J", 10},
	}
	if diff := cmp.Diff(want, lookup(t, tu, "flags").Values); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestEnumWidth(t *testing.T) {
	tests := []struct {
		lo   int64
		hi   uint64
		want string
	}{
		{0, 5, "int8"},
		{0, 200, "uint8"},
		{-1, 200, "int16"},
		{0, 0x7FFF, "int16"},
		{0, 0xFFFF, "uint16"},
		{0, 0x7FFFFFFF, "int32"},
		{0, 0xFFFFFFFF, "uint32"},
		{-5, 0xFFFFFFFF, "int64"},
		{-129, 0, "int16"},
		{0, 0x7FFFFFFFFFFFFFFF, "int64"},
		{0, 0xFFFFFFFFFFFFFFFF, "uint64"},
		{-1, 0x7FFFFFFFFFFFFFFF, "int64"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d..%d", tt.lo, tt.hi), func(t *testing.T) {
			if got := EnumWidth(tt.lo, tt.hi).String(); got != tt.want {
				t.Errorf("EnumWidth(%d, %d) = %s, want %s", tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestParse_Sentinels(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		sentinels int
		width     string
	}{
		{"uint8 sentinel", "enum e { A, B, _E_FORCE = 0xFF };", 1, "uint8"},
		{"int16 sentinel", "enum e { A, _E_FORCE = 0x7FFF };", 1, "int16"},
		{"uint32 sentinel", "enum e { A, _E_FORCE = 0xFFFFFFFF };", 1, "uint32"},
		{"int64 sentinel", "enum e { A, _E_FORCE = 0x7FFFFFFFFFFFFFFF };", 1, "int64"},
		{"uint64 sentinel", "enum e { A, _E_FORCE = 0xFFFFFFFFFFFFFFFF };", 1, "uint64"},
		{"uint64 cast sentinel", "enum e { A, _E_FORCE = (unsigned long long)-1 };", 1, "uint64"},
		{"not a max value", "enum e { A, _E_FORCE = 0x1000 };", 0, "int16"},
		{"no prefix", "enum e { A, E_FORCE = 0x7FFFFFFF };", 0, "int32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := lookup(t, mustParse(t, tt.src, "linux/x86_64"), "e")
			if len(e.Sentinels) != tt.sentinels {
				t.Errorf("Sentinels = %v, want %d", e.Sentinels, tt.sentinels)
			}
			if got := e.Underlying.String(); got != tt.width {
				t.Errorf("Underlying = %s, want %s", got, tt.width)
			}
		})
	}
}

func TestParse_EnumUnsigned64(t *testing.T) {
	src := `
enum big {
	BIG_LOW = 1,
	BIG_HIGH = 0x8000000000000000,
	BIG_HALF = BIG_HIGH / 2,
	BIG_TOP = BIG_HIGH >> 62,
	BIG_CMP = BIG_HIGH > 1
};`
	e := lookup(t, mustParse(t, src, "linux/x86_64"), "big")

	if got := e.Underlying.String(); got != "uint64" {
		t.Errorf("Underlying = %s, want uint64", got)
	}

	got := make(map[string]uint64)
	for _, v := range e.Values {
		got[v.Name] = uint64(v.Value)
	}
	want := map[string]uint64{
		"BIG_LOW":  1,
		"BIG_HIGH": 1 << 63,
		"BIG_HALF": 1 << 62,
		"BIG_TOP":  2,
		"BIG_CMP":  1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}

	_, err := Parse("enum bad { NEG = -1, HUGE = 0xFFFFFFFFFFFFFFFF };", triple(t, "linux/x86_64"), DefaultOptions())
	if !errors.Is(err, bgerrors.ErrSyntax) {
		t.Errorf("Parse() error = %v, want ErrSyntax for a range wider than 64 bits", err)
	}
}

func TestParse_PointerSpellings(t *testing.T) {
	tu := mustParse(t, readFixture(t, "pointers.h"), "linux/x86_64")

	want := func(name string) string {
		n := strings.TrimPrefix(name, "function_void_intptr")
		switch {
		case name == "function_void_int":
			return "int32"
		case n == "" || n == "_1" || n == "_2" || n == "_3" || n == "_4" || n == "_5" || n == "_6":
			return "*int32"
		}
		return "*const int32"
	}

	count := 0
	for _, d := range tu.Declarations {
		if d.Kind != KindFunction {
			continue
		}
		count++

		if len(d.Params) != 1 {
			t.Errorf("%s: %d params, want 1", d.Name, len(d.Params))
			continue
		}
		if got := d.Params[0].Type.String(); got != want(d.Name) {
			t.Errorf("%s: param type = %s, want %s", d.Name, got, want(d.Name))
		}
	}

	if count != 30 {
		t.Errorf("parsed %d functions, want 30", count)
	}

	a := lookup(t, tu, "function_void_intptr_7").Params[0].Type
	b := lookup(t, tu, "function_void_intptr_28").Params[0].Type
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("const spellings differ (-7 +28):\n%s", diff)
	}
}

func TestParse_FunctionPointerForms(t *testing.T) {
	tu := mustParse(t, readFixture(t, "linux.h"), "linux/x86_64")

	typedefForm := lookup(t, tu, "function_void_callback_typedef").Params[0].Type
	inlineForm := lookup(t, tu, "function_void_callback_inline").Params[0].Type

	if typedefForm.Kind != TypeFunctionPointer {
		t.Fatalf("typedef form Kind = %v, want FunctionPointer", typedefForm.Kind)
	}
	if diff := cmp.Diff(typedefForm, inlineForm); diff != "" {
		t.Errorf("function pointer forms differ (-typedef +inline):\n%s", diff)
	}

	src := `
typedef void callback_fn(const char* message);
extern void register_a(void (*cb)(const char*));
extern void register_b(void cb(const char*));
extern void register_c(callback_fn cb);
extern void register_d(callback_fn* cb);`
	tu = mustParse(t, src, "linux/x86_64")

	want := lookup(t, tu, "register_a").Params[0].Type
	for _, name := range []string{"register_b", "register_c", "register_d"} {
		if diff := cmp.Diff(want, lookup(t, tu, name).Params[0].Type); diff != "" {
			t.Errorf("%s differs from register_a:\n%s", name, diff)
		}
	}
}

func TestParse_Declarators(t *testing.T) {
	src := `
typedef int matrix[2][3];
typedef const char* names[4];
typedef int (*get_handler(int id))(double);
extern int (*lookup_handler(const char* name))(double value);
extern void take_array(const int values[8]);`
	tu := mustParse(t, src, "linux/x86_64")

	tests := []struct {
		name string
		got  TypeRef
		want string
	}{
		{"matrix", lookup(t, tu, "matrix").Target, "[2][3]int32"},
		{"names", lookup(t, tu, "names").Target, "[4]*const char(int8)"},
		{"lookup_handler return", lookup(t, tu, "lookup_handler").Return, "*func(float64) int32"},
		{"take_array param", lookup(t, tu, "take_array").Params[0].Type, "*const int32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got.String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	fn := lookup(t, tu, "lookup_handler")
	if len(fn.Params) != 1 || fn.Params[0].Name != "name" {
		t.Errorf("lookup_handler params = %+v", fn.Params)
	}
}

func TestParse_SystemTypedefRedeclared(t *testing.T) {
	src := `
typedef signed char int8_t;
typedef unsigned long size_t;
typedef struct s { int8_t a; size_t n; } s;`
	tu := mustParse(t, src, "linux/x86_64")

	if _, ok := tu.Lookup("int8_t"); ok {
		t.Error("a builtin typedef became a declaration")
	}

	d := lookup(t, tu, "s")
	got := []string{d.Fields[0].Type.String(), d.Fields[1].Type.String()}
	if diff := cmp.Diff([]string{"int8", "uint64"}, got); diff != "" {
		t.Errorf("field types mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_MappedAndIgnoredNames(t *testing.T) {
	src := `
typedef struct ctx ctx;
typedef struct secret { int k; } secret;
typedef struct holder { secret* s; } holder;
typedef struct list { struct list* next; holder* h; } list;
extern int lib_open(ctx* c);
extern void lib_peek(holder* h);
extern int lib_len(list* l);
enum mode { MODE_A, MODE_B };`

	opts := DefaultOptions()
	opts.MappedNames = map[string]string{"lib_open": "open_context", "ctx": "context", "MODE_B": "MODE_FAST"}
	opts.IgnoredNames = []string{"secret"}

	tu, err := Parse(src, triple(t, "linux/x86_64"), opts)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	fn := lookup(t, tu, "open_context")
	if fn.Symbol != "lib_open" {
		t.Errorf("Symbol = %q, want the C name", fn.Symbol)
	}
	if got := fn.Params[0].Type.String(); got != "*context" {
		t.Errorf("parameter type = %q, want the mapped name", got)
	}
	if _, ok := tu.Lookup("ctx"); ok {
		t.Error("the C name of a mapped declaration is still registered")
	}
	if got := lookup(t, tu, "mode").Values[1].Name; got != "MODE_FAST" {
		t.Errorf("enumerator = %q, want MODE_FAST", got)
	}
	if !tu.Ignored("secret") {
		t.Error("secret is not reported as ignored")
	}

	var got []string
	for _, d := range tu.Scope() {
		got = append(got, d.Name)
	}
	want := []string{"context", "open_context", "mode"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scope mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Primitives(t *testing.T) {
	src := `
typedef long t_long;
typedef unsigned long long t_ull;
typedef size_t t_size;
typedef char t_char;
typedef wchar_t t_wchar;
typedef long double t_ldouble;
typedef _Bool t_bool;`

	tests := []struct {
		id   string
		want map[string]string
	}{
		{"linux/x86_64", map[string]string{
			"t_long": "int64", "t_ull": "uint64", "t_size": "uint64", "t_char": "char(int8)",
			"t_wchar": "int32", "t_ldouble": "float128", "t_bool": "bool",
		}},
		{"windows/x86_64", map[string]string{
			"t_long": "int32", "t_size": "uint64", "t_wchar": "uint16", "t_ldouble": "float64",
		}},
		{"linux/i686", map[string]string{
			"t_long": "int32", "t_size": "uint32", "t_ldouble": "float96",
		}},
		{"linux/aarch64", map[string]string{
			"t_char": "char(uint8)", "t_wchar": "uint32",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			tu := mustParse(t, src, tt.id)
			for name, want := range tt.want {
				if got := lookup(t, tu, name).Target.String(); got != want {
					t.Errorf("%s = %s, want %s", name, got, want)
				}
			}
		})
	}
}

func TestParse_Visibility(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		exported bool
		err      error
	}{
		{"extern", "extern void f(void);", true, nil},
		{"dllexport", "__declspec(dllexport) void f(void);", true, nil},
		{"dllimport", "__declspec(dllimport) void f(void);", true, nil},
		{"visibility default", `__attribute__((visibility("default"))) void f(void);`, true, nil},
		{"visibility default spaced", `__attribute__ (( visibility ( "default" ) )) void f(void);`, true, nil},
		{"trailing visibility", `void f(void) __attribute__((visibility("default")));`, true, nil},
		{"extern and neutral", `extern __attribute__((deprecated)) void f(void);`, true, nil},
		{"hidden wins", `extern __attribute__((visibility("hidden"))) void f(void);`, false, nil},
		{"static", "static void f(void) {}", false, nil},
		{"undecorated", "void f(void);", false, nil},
		{"unresolved macro", "MYLIB_API void f(void);", false, bgerrors.ErrUnknownVisibilityDecoration},
		{"unknown declspec", "__declspec(mystery) void f(void);", false, bgerrors.ErrUnknownVisibilityDecoration},
		{"unknown visibility", `__attribute__((visibility("weird"))) void f(void);`, false, bgerrors.ErrUnknownVisibilityDecoration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tu, err := Parse(tt.src, triple(t, "linux/x86_64"), DefaultOptions())
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.err)
				}
				var be *bgerrors.Error
				if errors.As(err, &be) && be.Decl != "f" {
					t.Errorf("error names %q, want f", be.Decl)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if got := lookup(t, tu, "f").Exported; got != tt.exported {
				t.Errorf("Exported = %v, want %v", got, tt.exported)
			}
		})
	}
}

func TestParse_CustomVisibility(t *testing.T) {
	opts := DefaultOptions()
	opts.Visibility.Exported = append(opts.Visibility.Exported, "MYLIB_API")

	tu, err := Parse("MYLIB_API void f(void);", triple(t, "linux/x86_64"), opts)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !lookup(t, tu, "f").Exported {
		t.Error("f should be exported through the configured decoration")
	}
}

func TestParse_BitfieldErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		err  error
	}{
		{"wider than int8", "struct s { int8_t a : 9; };", bgerrors.ErrBitfieldWidthExceedsStorage},
		{"wider than int32", "struct s { int a : 33; };", bgerrors.ErrBitfieldWidthExceedsStorage},
		{"float bitfield", "struct s { float a : 3; };", bgerrors.ErrBitfieldWidthExceedsStorage},
		{"pointer bitfield", "struct s { int* a : 3; };", bgerrors.ErrBitfieldWidthExceedsStorage},
		{"inside anonymous union", "struct s { union { char a : 9; }; };", bgerrors.ErrBitfieldWidthExceedsStorage},
		{"named zero width", "struct s { int a : 0; };", bgerrors.ErrSyntax},
		{"exact width", "struct s { int8_t a : 8; uint64_t b : 64; int : 0; };", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src, triple(t, "linux/x86_64"), DefaultOptions())
			if tt.err == nil {
				if err != nil {
					t.Fatalf("Parse() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestParse_OpaqueAndDedup(t *testing.T) {
	src := `
struct node;
typedef struct node node_t;
extern node_t* node_new(void);
struct node { int value; node_t* next; };
extern void node_free(node_t* n);
extern void node_free(node_t* n);
typedef struct point point;
struct point { int x, y; };
struct forward_only;
extern void use_forward(struct forward_only* f);`
	tu := mustParse(t, src, "linux/x86_64")

	node := lookup(t, tu, "node_t")
	if node.Kind != KindStruct || len(node.Fields) != 2 {
		t.Fatalf("node_t = %s with %d fields, want struct with 2", node.Kind, len(node.Fields))
	}
	if got := node.Fields[1].Type.String(); got != "*node_t" {
		t.Errorf("next type = %s, want *node_t", got)
	}
	if _, ok := tu.Lookup("node"); ok {
		t.Error("tag name node should have been canonicalized to node_t")
	}
	if got := lookup(t, tu, "node_new").Return.String(); got != "*node_t" {
		t.Errorf("node_new returns %s, want *node_t", got)
	}

	if p := lookup(t, tu, "point"); p.Kind != KindStruct || len(p.Fields) != 2 {
		t.Errorf("point = %+v", p)
	}
	if f := lookup(t, tu, "forward_only"); f.Kind != KindOpaque || f.TagKind != KindStruct {
		t.Errorf("forward_only = %s/%s, want opaque struct", f.Kind, f.TagKind)
	}

	count := 0
	for _, d := range tu.Declarations {
		if d.Name == "node_free" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("node_free declared %d times, want 1", count)
	}
}

func TestParse_Duplicate(t *testing.T) {
	src := `
struct s { int a; };
struct s { int b; };`
	_, err := Parse(src, triple(t, "linux/x86_64"), DefaultOptions())
	if !errors.Is(err, bgerrors.ErrDuplicateDeclaration) {
		t.Fatalf("Parse() error = %v, want DuplicateDeclaration", err)
	}
}

func TestParse_LayoutAttributes(t *testing.T) {
	src := `
#pragma pack(push, 1)
struct packed_pragma { char a; int b; };
#pragma pack(pop)
struct plain { char a; int b; };
struct __attribute__((packed)) packed_attr { char a; int b; };
struct aligned_attr { char a; } __attribute__((aligned(16)));
__declspec(align(8)) struct aligned_declspec { char a; };`
	tu := mustParse(t, src, "linux/x86_64")

	tests := []struct {
		name string
		want LayoutAttrs
	}{
		{"packed_pragma", LayoutAttrs{Pack: 1}},
		{"plain", LayoutAttrs{}},
		{"packed_attr", LayoutAttrs{Pack: 1}},
		{"aligned_attr", LayoutAttrs{Align: 16}},
		{"aligned_declspec", LayoutAttrs{Align: 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lookup(t, tu, tt.name).Attrs; got != tt.want {
				t.Errorf("Attrs = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_SystemHeaders(t *testing.T) {
	tu := mustParse(t, readFixture(t, "linux.h"), "linux/x86_64")

	helper := lookup(t, tu, "__system_helper")
	if !helper.System {
		t.Error("__system_helper should be attributed to a system header")
	}

	for _, d := range tu.Scope() {
		if d.System {
			t.Errorf("system declaration %q in scope", d.Name)
		}
		if d.Name == "function_internal" {
			t.Error("internal function in scope")
		}
	}
}

func TestParse_SyntaxErrorLine(t *testing.T) {
	src := "extern void ok(void);\n\nstruct broken { int a; \n"
	_, err := Parse(src, triple(t, "linux/x86_64"), DefaultOptions())

	var be *bgerrors.Error
	if !errors.As(err, &be) || be.Kind != bgerrors.KindSyntax {
		t.Fatalf("Parse() error = %v, want a syntax error", err)
	}
	if be.Triple != "x86_64-unknown-linux-gnu" {
		t.Errorf("Triple = %q", be.Triple)
	}
}

func TestLex_LineMarkers(t *testing.T) {
	src := "# 10 \"lib.h\"\nint a;\n# 1 \"/usr/include/x.h\" 1 3 4\nint b; /* multi\nline */ int c;\n"
	toks := lex(src)

	find := func(text string) token {
		for _, tok := range toks {
			if tok.text == text {
				return tok
			}
		}
		t.Fatalf("token %q not found", text)
		return token{}
	}

	if tok := find("a"); tok.line != 10 || tok.system {
		t.Errorf("a: line=%d system=%v, want 10/false", tok.line, tok.system)
	}
	if tok := find("b"); tok.line != 1 || !tok.system {
		t.Errorf("b: line=%d system=%v, want 1/true", tok.line, tok.system)
	}
	if tok := find("c"); tok.line != 2 {
		t.Errorf("c: line=%d, want 2", tok.line)
	}
}
