// Package errors provides the structured error type used by every stage of the
// binding generator.
//
// Errors are categorized by Phase (the pipeline stage that failed) and Kind
// (the error category). Every error carries the platform triple and the
// declaration that triggered it so a failed run can be traced back to its input:
//
//	err := errors.New(errors.PhaseLayout, errors.KindCyclicLayoutDependency).
//		Triple("x86_64-unknown-linux-gnu").
//		Decl("node").
//		Detail("node contains itself by value").
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
// Is matches on Kind only, so callers can test for a category with the
// sentinel values exported by this package:
//
//	if errors.Is(err, bgerrors.ErrUnsupportedPlatform) { ... }
package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which pipeline stage produced the error.
type Phase string

const (
	PhaseResolve  Phase = "resolve"  // platform triple resolution
	PhaseExtract  Phase = "extract"  // declaration extraction
	PhaseLayout   Phase = "layout"   // ABI layout calculation
	PhaseMap      Phase = "map"      // target type mapping
	PhaseGenerate Phase = "generate" // code emission
	PhaseConfig   Phase = "config"   // run configuration
)

// Kind categorizes the error.
type Kind string

const (
	KindUnsupportedPlatform         Kind = "unsupported_platform"
	KindUnknownVisibilityDecoration Kind = "unknown_visibility_decoration"
	KindCyclicLayoutDependency      Kind = "cyclic_layout_dependency"
	KindBitfieldWidthExceedsStorage Kind = "bitfield_width_exceeds_storage"
	KindUnmappableType              Kind = "unmappable_type"
	KindIncompleteType              Kind = "incomplete_type"
	KindSyntax                      Kind = "syntax"
	KindDuplicateDeclaration        Kind = "duplicate_declaration"
	KindInvalidConfig               Kind = "invalid_config"
)

// Sentinels for errors.Is checks.
var (
	ErrUnsupportedPlatform         = &Error{Kind: KindUnsupportedPlatform}
	ErrUnknownVisibilityDecoration = &Error{Kind: KindUnknownVisibilityDecoration}
	ErrCyclicLayoutDependency      = &Error{Kind: KindCyclicLayoutDependency}
	ErrBitfieldWidthExceedsStorage = &Error{Kind: KindBitfieldWidthExceedsStorage}
	ErrUnmappableType              = &Error{Kind: KindUnmappableType}
	ErrIncompleteType              = &Error{Kind: KindIncompleteType}
	ErrSyntax                      = &Error{Kind: KindSyntax}
	ErrDuplicateDeclaration        = &Error{Kind: KindDuplicateDeclaration}
	ErrInvalidConfig               = &Error{Kind: KindInvalidConfig}
)

// Error is the structured error type used throughout the generator.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Triple string
	Decl   string
	Detail string
	Line   int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Decl != "" {
		b.WriteString(" in ")
		b.WriteString(e.Decl)
	}

	if e.Triple != "" {
		b.WriteString(" for ")
		b.WriteString(e.Triple)
	}

	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Triple sets the platform triple name.
func (b *Builder) Triple(name string) *Builder {
	b.err.Triple = name
	return b
}

// Decl sets the declaration name.
func (b *Builder) Decl(name string) *Builder {
	b.err.Decl = name
	return b
}

// Line sets the source line of the translation unit.
func (b *Builder) Line(line int) *Builder {
	b.err.Line = line
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the generator's error taxonomy.

// UnsupportedPlatform creates an error for an (OS, arch) pair with no ABI rule.
func UnsupportedPlatform(id string, detail string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindUnsupportedPlatform,
		Triple: id,
		Detail: detail,
	}
}

// UnknownVisibilityDecoration creates an error for an export decoration
// that cannot be resolved to exported or internal.
func UnknownVisibilityDecoration(triple, decl, decoration string, line int) *Error {
	return &Error{
		Phase:  PhaseExtract,
		Kind:   KindUnknownVisibilityDecoration,
		Triple: triple,
		Decl:   decl,
		Line:   line,
		Detail: fmt.Sprintf("unrecognized decoration %q", decoration),
	}
}

// BitfieldWidthExceedsStorage creates an error for a bitfield declared wider
// than its own type.
func BitfieldWidthExceedsStorage(triple, decl, field string, width, bits int) *Error {
	return &Error{
		Phase:  PhaseExtract,
		Kind:   KindBitfieldWidthExceedsStorage,
		Triple: triple,
		Decl:   decl,
		Detail: fmt.Sprintf("field %q declares %d bits in a %d-bit type", field, width, bits),
	}
}

// CyclicLayoutDependency creates an error for aggregates that contain each
// other by value.
func CyclicLayoutDependency(triple string, chain []string) *Error {
	decl := ""
	if len(chain) > 0 {
		decl = chain[0]
	}
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindCyclicLayoutDependency,
		Triple: triple,
		Decl:   decl,
		Detail: "by-value cycle " + strings.Join(chain, " -> "),
	}
}

// IncompleteType creates an error for an opaque or unknown type used by value.
func IncompleteType(triple, decl, typ string) *Error {
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindIncompleteType,
		Triple: triple,
		Decl:   decl,
		Detail: fmt.Sprintf("%s has no layout and is used by value", typ),
	}
}

// UnmappableType creates an error for a C type with no binary-compatible
// representation in the target language.
func UnmappableType(triple, target, decl, typ, reason string) *Error {
	return &Error{
		Phase:  PhaseMap,
		Kind:   KindUnmappableType,
		Triple: triple,
		Decl:   decl,
		Detail: fmt.Sprintf("%s has no %s representation: %s", typ, target, reason),
	}
}

// Syntax creates an extraction error for malformed input.
func Syntax(triple string, line int, detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseExtract,
		Kind:   KindSyntax,
		Triple: triple,
		Line:   line,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// InvalidConfig creates a configuration error.
func InvalidConfig(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidConfig,
		Detail: fmt.Sprintf(detail, args...),
	}
}
