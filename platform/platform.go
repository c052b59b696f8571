// Package platform resolves requested targets into platform triples and the
// ABI rules every later stage lays types out with.
//
// The (OS, arch, ABI) permutations that C headers express as nested #if
// ladders are kept here as a single table. Nothing downstream inspects
// target macros.
package platform

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
)

// BitfieldPolicy selects how adjacent bitfields share storage units.
type BitfieldPolicy string

const (
	// Itanium packs bitfields of any declared type into the running bit
	// offset; a field only moves to the next unit when it would straddle a
	// boundary of its own declared type. Used by SysV, Darwin and Android.
	Itanium BitfieldPolicy = "itanium"

	// MSVC starts a new storage unit whenever the declared type size
	// changes. Used by every Windows triple, including mingw which defaults
	// to -mms-bitfields.
	MSVC BitfieldPolicy = "msvc"

	// Portable behaves like MSVC but sizes each unit to the smallest
	// primitive able to hold the declared width.
	Portable BitfieldPolicy = "portable"
)

// ParseBitfieldPolicy validates a policy name. The empty string is accepted
// and means "use the triple's own policy".
func ParseBitfieldPolicy(s string) (BitfieldPolicy, error) {
	switch p := BitfieldPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", Itanium, MSVC, Portable:
		return p, nil
	default:
		return "", bgerrors.InvalidConfig("unknown bitfield policy %q", s)
	}
}

// Rules is the ABI rule record of one triple.
type Rules struct {
	PointerSize     int
	LongSize        int
	Int64Align      int
	DoubleAlign     int
	LongDoubleSize  int
	LongDoubleAlign int
	WcharSize       int
	WcharSigned     bool
	CharSigned      bool
	MaxAlign        int
	Bitfields       BitfieldPolicy
	GOOS            string
	GOARCH          string
}

// Triple identifies one generation target.
type Triple struct {
	OS   string
	Arch string
	ABI  string
}

// Name returns the canonical target name, e.g. "x86_64-unknown-linux-gnu".
func (t Triple) Name() string {
	switch t.OS {
	case "windows":
		return t.Arch + "-pc-windows-" + t.ABI
	case "linux":
		return t.Arch + "-unknown-linux-" + t.ABI
	case "macos":
		return t.Arch + "-apple-darwin"
	case "ios":
		return t.Arch + "-apple-ios"
	case "android":
		return t.Arch + "-linux-android"
	}
	return t.Arch + "-" + t.OS + "-" + t.ABI
}

func (t Triple) String() string {
	return t.Name()
}

// Rules returns the ABI rules of the triple. Triples are only constructed
// through Resolve, so the lookup cannot fail for them; the zero Triple
// yields zero Rules.
func (t Triple) Rules() Rules {
	return table[t]
}

const (
	x86_64  = "x86_64"
	i686    = "i686"
	aarch64 = "aarch64"
)

var sysv64 = Rules{
	PointerSize: 8, LongSize: 8, Int64Align: 8, DoubleAlign: 8,
	LongDoubleSize: 16, LongDoubleAlign: 16,
	WcharSize: 4, WcharSigned: true, CharSigned: true,
	MaxAlign: 16, Bitfields: Itanium,
}

var sysv32 = Rules{
	PointerSize: 4, LongSize: 4, Int64Align: 4, DoubleAlign: 4,
	LongDoubleSize: 12, LongDoubleAlign: 4,
	WcharSize: 4, WcharSigned: true, CharSigned: true,
	MaxAlign: 16, Bitfields: Itanium,
}

var aapcs64 = Rules{
	PointerSize: 8, LongSize: 8, Int64Align: 8, DoubleAlign: 8,
	LongDoubleSize: 16, LongDoubleAlign: 16,
	WcharSize: 4, WcharSigned: false, CharSigned: false,
	MaxAlign: 16, Bitfields: Itanium,
}

var apple64 = Rules{
	PointerSize: 8, LongSize: 8, Int64Align: 8, DoubleAlign: 8,
	LongDoubleSize: 8, LongDoubleAlign: 8,
	WcharSize: 4, WcharSigned: true, CharSigned: true,
	MaxAlign: 16, Bitfields: Itanium,
}

var msvc64 = Rules{
	PointerSize: 8, LongSize: 4, Int64Align: 8, DoubleAlign: 8,
	LongDoubleSize: 8, LongDoubleAlign: 8,
	WcharSize: 2, WcharSigned: false, CharSigned: true,
	MaxAlign: 16, Bitfields: MSVC,
}

var msvc32 = Rules{
	PointerSize: 4, LongSize: 4, Int64Align: 8, DoubleAlign: 8,
	LongDoubleSize: 8, LongDoubleAlign: 8,
	WcharSize: 2, WcharSigned: false, CharSigned: true,
	MaxAlign: 8, Bitfields: MSVC,
}

func with(r Rules, goos, goarch string, edit func(*Rules)) Rules {
	r.GOOS = goos
	r.GOARCH = goarch
	if edit != nil {
		edit(&r)
	}
	return r
}

var table = map[Triple]Rules{
	{"windows", x86_64, "msvc"}:  with(msvc64, "windows", "amd64", nil),
	{"windows", i686, "msvc"}:    with(msvc32, "windows", "386", nil),
	{"windows", aarch64, "msvc"}: with(msvc64, "windows", "arm64", nil),
	{"windows", x86_64, "gnu"}: with(msvc64, "windows", "amd64", func(r *Rules) {
		r.LongDoubleSize, r.LongDoubleAlign = 16, 16
	}),
	{"windows", i686, "gnu"}: with(msvc32, "windows", "386", func(r *Rules) {
		r.LongDoubleSize, r.LongDoubleAlign = 12, 4
		r.MaxAlign = 16
	}),
	{"windows", aarch64, "gnu"}: with(msvc64, "windows", "arm64", nil),

	{"linux", x86_64, "gnu"}:  with(sysv64, "linux", "amd64", nil),
	{"linux", i686, "gnu"}:    with(sysv32, "linux", "386", nil),
	{"linux", aarch64, "gnu"}: with(aapcs64, "linux", "arm64", nil),

	{"macos", x86_64, "darwin"}:  with(sysv64, "darwin", "amd64", nil),
	{"macos", aarch64, "darwin"}: with(apple64, "darwin", "arm64", nil),

	{"ios", aarch64, "darwin"}: with(apple64, "ios", "arm64", nil),
	{"ios", x86_64, "darwin"}:  with(sysv64, "ios", "amd64", nil),

	{"android", aarch64, "android"}: with(aapcs64, "android", "arm64", nil),
	{"android", x86_64, "android"}: with(sysv64, "android", "amd64", func(r *Rules) {
		r.LongDoubleSize, r.LongDoubleAlign = 16, 16
	}),
}

// defaultABI is the ABI chosen when a request names only OS and arch.
var defaultABI = map[string]string{
	"windows": "msvc",
	"linux":   "gnu",
	"macos":   "darwin",
	"ios":     "darwin",
	"android": "android",
}

var osAliases = map[string]string{
	"windows": "windows",
	"win":     "windows",
	"linux":   "linux",
	"macos":   "macos",
	"osx":     "macos",
	"darwin":  "macos",
	"ios":     "ios",
	"android": "android",
}

var archAliases = map[string]string{
	"x86_64":  x86_64,
	"x86-64":  x86_64,
	"amd64":   x86_64,
	"x64":     x86_64,
	"i686":    i686,
	"i386":    i686,
	"386":     i686,
	"x86":     i686,
	"aarch64": aarch64,
	"arm64":   aarch64,
}

// Resolve turns a requested target into a Triple. It accepts "os/arch",
// "os/arch/abi" and full target names such as "x86_64-pc-windows-msvc".
// An (OS, arch) pair without a known ABI rule fails with UnsupportedPlatform.
func Resolve(id string) (Triple, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return Triple{}, bgerrors.UnsupportedPlatform(id, "empty platform identifier")
	}

	if strings.Contains(id, "/") {
		return resolveParts(id, strings.Split(id, "/"))
	}

	return resolveName(id)
}

func resolveParts(id string, parts []string) (Triple, error) {
	if len(parts) < 2 || len(parts) > 3 {
		return Triple{}, bgerrors.UnsupportedPlatform(id, "expected os/arch or os/arch/abi")
	}

	os, ok := osAliases[parts[0]]
	if !ok {
		return Triple{}, bgerrors.UnsupportedPlatform(id, fmt.Sprintf("unknown operating system %q", parts[0]))
	}

	arch, ok := archAliases[parts[1]]
	if !ok {
		return Triple{}, bgerrors.UnsupportedPlatform(id, fmt.Sprintf("unknown architecture %q", parts[1]))
	}

	abi := defaultABI[os]
	if len(parts) == 3 {
		abi = parts[2]
	}

	t := Triple{OS: os, Arch: arch, ABI: abi}
	if _, ok := table[t]; !ok {
		return Triple{}, bgerrors.UnsupportedPlatform(id, fmt.Sprintf("no ABI rule for %s/%s/%s", os, arch, abi))
	}

	return t, nil
}

func resolveName(id string) (Triple, error) {
	arch, rest, ok := strings.Cut(id, "-")
	if !ok {
		return Triple{}, bgerrors.UnsupportedPlatform(id, "expected os/arch or a target name")
	}

	if a, ok := archAliases[arch]; ok {
		arch = a
	}
	name := arch + "-" + rest

	for t := range table {
		if t.Name() == name {
			return t, nil
		}
	}

	return Triple{}, bgerrors.UnsupportedPlatform(id, "unknown target name")
}

// ResolveAll resolves every id, dropping duplicates while keeping the
// requested order.
func ResolveAll(ids []string) ([]Triple, error) {
	seen := make(map[Triple]bool, len(ids))
	var triples []Triple

	for _, id := range ids {
		t, err := Resolve(id)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		triples = append(triples, t)
	}

	if len(triples) == 0 {
		return nil, bgerrors.InvalidConfig("no platform triples requested")
	}

	return triples, nil
}

// Host resolves the platform the generator itself runs on.
func Host() (Triple, error) {
	goos := runtime.GOOS
	if goos == "darwin" {
		goos = "macos"
	}
	return Resolve(goos + "/" + runtime.GOARCH)
}

// Supported lists every triple with an ABI rule, sorted by name.
func Supported() []Triple {
	triples := make([]Triple, 0, len(table))
	for t := range table {
		triples = append(triples, t)
	}

	sort.Slice(triples, func(i, j int) bool { return triples[i].Name() < triples[j].Name() })

	return triples
}
