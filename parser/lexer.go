package parser

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var blockCommentRe = regexp.MustCompile(`/\*[\s\S]*?\*/`)
var lineCommentRe = regexp.MustCompile(`//[^\n]*`)
var pragmaPackRe = regexp.MustCompile(`^#\s*pragma\s+pack\s*\(([^)]*)\)`)
var lineMarkerRe = regexp.MustCompile(`^#\s*(?:line\s+)?(\d+)(?:\s+"[^"]*"((?:\s+\d+)*))?`)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokChar
	tokPunct
	tokPragmaPack
)

type token struct {
	kind tokenKind
	text string
	line int

	// system is set for tokens that line markers attribute to a system
	// header.
	system bool
}

// removeComments blanks comments out while keeping their newlines so line
// numbers stay meaningful.
func removeComments(s string) string {
	s = blockCommentRe.ReplaceAllStringFunc(s, func(c string) string {
		return strings.Repeat("\n", strings.Count(c, "\n"))
	})
	s = lineCommentRe.ReplaceAllString(s, "")

	return s
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	return s
}

var punctuators = []string{
	"...", "<<=", ">>=",
	"<<", ">>", "<=", ">=", "==", "!=", "&&", "||", "->", "++", "--", "##",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=",
}

// lex splits preprocessed C into tokens. Directives are dropped: line
// markers only move the line counter and the system-header flag, and of
// the pragmas only #pragma pack is kept because it changes layout.
func lex(src string) []token {
	src = removeComments(normalizeNewlines(src))

	var toks []token
	line := 1
	system := false
	atLineStart := true

	for i := 0; i < len(src); {
		c := src[i]

		switch {
		case c == '\n':
			line++
			i++
			atLineStart = true
			continue

		case c == ' ' || c == '\t' || c == '\f' || c == '\v':
			i++
			continue

		case c == '\\' && i+1 < len(src) && src[i+1] == '\n':
			line++
			i += 2
			continue

		case c == '#' && atLineStart:
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			directive := src[i : i+end]
			if m := pragmaPackRe.FindStringSubmatch(directive); m != nil {
				toks = append(toks, token{kind: tokPragmaPack, text: strings.Join(strings.Fields(m[1]), ""), line: line, system: system})
			} else if m := lineMarkerRe.FindStringSubmatch(directive); m != nil {
				n, _ := strconv.Atoi(m[1])
				line = n - 1
				system = slices.Contains(strings.Fields(m[2]), "3")
			}
			i += end
			continue
		}

		atLineStart = false

		switch {
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], line: line, system: system})
			i = j

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isIdentPart(src[j]) || src[j] == '.' ||
				((src[j] == '+' || src[j] == '-') && (src[j-1] == 'e' || src[j-1] == 'E' || src[j-1] == 'p' || src[j-1] == 'P'))) {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], line: line, system: system})
			i = j

		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c && src[j] != '\n' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(src) {
				j++
			}
			if j > len(src) {
				j = len(src)
			}
			kind := tokString
			if c == '\'' {
				kind = tokChar
			}
			toks = append(toks, token{kind: kind, text: src[i:j], line: line, system: system})
			i = j

		default:
			n := 1
			for _, p := range punctuators {
				if strings.HasPrefix(src[i:], p) {
					n = len(p)
					break
				}
			}
			toks = append(toks, token{kind: tokPunct, text: src[i : i+n], line: line, system: system})
			i += n
		}
	}

	return append(toks, token{kind: tokEOF, line: line})
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
