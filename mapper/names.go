package mapper

import (
	"strings"
	"unicode"
)

var acronyms = map[string]bool{
	"id": true, "url": true, "api": true, "http": true, "json": true, "xml": true,
	"sql": true, "io": true, "ip": true, "tcp": true, "udp": true, "ffi": true,
}

var goKeywords = map[string]bool{
	"break": true, "case": true, "chan": true, "const": true, "continue": true,
	"default": true, "defer": true, "else": true, "fallthrough": true, "for": true,
	"func": true, "go": true, "goto": true, "if": true, "import": true,
	"interface": true, "map": true, "package": true, "range": true, "return": true,
	"select": true, "struct": true, "switch": true, "type": true, "var": true,
}

// goReserved holds the predeclared identifiers plus the package names and
// helpers the generated code refers to. A parameter named after one of them
// would shadow it inside the wrapper body.
var goReserved = map[string]bool{
	"any": true, "append": true, "bool": true, "byte": true, "cap": true,
	"clear": true, "close": true, "comparable": true, "complex": true,
	"complex64": true, "complex128": true, "copy": true, "delete": true,
	"error": true, "false": true, "float32": true, "float64": true,
	"imag": true, "int": true, "int8": true, "int16": true, "int32": true,
	"int64": true, "iota": true, "len": true, "make": true, "max": true,
	"min": true, "new": true, "nil": true, "panic": true, "print": true,
	"println": true, "real": true, "recover": true, "rune": true,
	"string": true, "true": true, "uint": true, "uint8": true, "uint16": true,
	"uint32": true, "uint64": true, "uintptr": true,

	"errors": true, "ffi": true, "filepath": true, "fmt": true, "runtime": true,
	"strings": true, "unix": true, "unsafe": true, "windows": true,

	"boolArg": true, "boolBits": true, "cString": true, "ffiElements": true,
	"ffiRun": true, "getBits": true, "goString": true, "lib": true,
	"load": true, "mustPrepCif": true, "newClosure": true, "ret": true,
	"setBits": true, "store": true,
}

// GoName converts a C identifier to an exported Go identifier:
// enum_force_uint32 becomes EnumForceUint32 and api_version APIVersion.
func GoName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_'
	})

	var b strings.Builder
	for _, part := range parts {
		lower := strings.ToLower(part)
		if acronyms[lower] {
			b.WriteString(strings.ToUpper(part))
			continue
		}
		b.WriteString(strings.ToUpper(lower[:1]))
		b.WriteString(lower[1:])
	}

	s := b.String()
	if s == "" {
		return ""
	}
	if unicode.IsDigit(rune(s[0])) {
		s = "X" + s
	}
	return s
}

// LowerCamel converts a C identifier to an unexported Go identifier, never
// a keyword and never a name the generated code already uses.
func LowerCamel(name string) string {
	goName := GoName(name)
	if goName == "" {
		return ""
	}

	// A leading acronym is lowered as a whole: APIVersion becomes apiVersion.
	runes := []rune(goName)
	i := 0
	for i < len(runes) && unicode.IsUpper(runes[i]) {
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(runes[i])
		i++
	}

	s := string(runes)
	if goKeywords[s] || goReserved[s] {
		s += "_"
	}
	return s
}

var witKeywords = map[string]bool{
	"as": true, "async": true, "bool": true, "borrow": true, "char": true,
	"constructor": true, "enum": true, "export": true, "f32": true, "f64": true,
	"flags": true, "from": true, "func": true, "future": true, "import": true,
	"include": true, "interface": true, "list": true, "option": true, "own": true,
	"package": true, "record": true, "resource": true, "result": true,
	"s16": true, "s32": true, "s64": true, "s8": true, "static": true,
	"stream": true, "string": true, "tuple": true, "type": true, "u16": true,
	"u32": true, "u64": true, "u8": true, "use": true, "variant": true,
	"with": true, "world": true,
}

// WITName converts a C identifier to a WIT kebab-case label. Segments that
// start with a digit are joined to the previous one because WIT labels
// cannot start a fragment with a digit; keywords are escaped with %.
func WITName(name string) string {
	var words []string
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '_' }) {
		part = strings.ToLower(part)
		switch {
		case unicode.IsDigit(rune(part[0])) && len(words) > 0:
			words[len(words)-1] += part
		case unicode.IsDigit(rune(part[0])):
			words = append(words, "x"+part)
		default:
			words = append(words, part)
		}
	}

	s := strings.Join(words, "-")
	if witKeywords[s] {
		s = "%" + s
	}
	return s
}
