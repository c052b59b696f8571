package parser

import (
	"math"
	"strconv"
	"strings"
)

var binaryPrec = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6, "!=": 6,
	"<": 7, ">": 7, "<=": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

// constant is the value of an integer constant expression. v holds the
// two's complement bits; unsigned marks a 64-bit unsigned value, which
// changes how division, shifts and comparisons treat it.
type constant struct {
	v        int64
	unsigned bool
}

func intConst(v int64) constant {
	return constant{v: v}
}

// large reports whether c is an unsigned value above math.MaxInt64.
func (c constant) large() bool {
	return c.unsigned && c.v < 0
}

// constExpr evaluates an integer constant expression at the cursor and
// returns its bits.
func (p *parser) constExpr() (int64, error) {
	c, err := p.constValue()
	return c.v, err
}

// constValue evaluates an integer constant expression at the cursor. It
// stops at the first token that cannot continue the expression, so the
// enclosing "," "}" "]" or ";" is left in place.
func (p *parser) constValue() (constant, error) {
	cond, err := p.binaryExpr(1)
	if err != nil {
		return constant{}, err
	}

	if !p.accept("?") {
		return cond, nil
	}

	a, err := p.constValue()
	if err != nil {
		return constant{}, err
	}
	if err := p.expect(":"); err != nil {
		return constant{}, err
	}
	b, err := p.constValue()
	if err != nil {
		return constant{}, err
	}

	if cond.v != 0 {
		return a, nil
	}
	return b, nil
}

func (p *parser) binaryExpr(minPrec int) (constant, error) {
	lhs, err := p.unaryExpr()
	if err != nil {
		return constant{}, err
	}

	for {
		t := p.peek()
		prec, ok := binaryPrec[t.text]
		if t.kind != tokPunct || !ok || prec < minPrec {
			return lhs, nil
		}
		p.next()

		rhs, err := p.binaryExpr(prec + 1)
		if err != nil {
			return constant{}, err
		}

		if lhs, err = p.apply(t.text, lhs, rhs); err != nil {
			return constant{}, err
		}
	}
}

// apply evaluates a binary operator. Either operand being unsigned makes
// the operation unsigned, as the usual arithmetic conversions do.
func (p *parser) apply(op string, x, y constant) (constant, error) {
	a, b := x.v, y.v
	u := x.unsigned || y.unsigned
	ua, ub := uint64(a), uint64(b)

	less := func(a, b int64) bool {
		if u {
			return uint64(a) < uint64(b)
		}
		return a < b
	}

	switch op {
	case "||":
		return boolConst(a != 0 || b != 0), nil
	case "&&":
		return boolConst(a != 0 && b != 0), nil
	case "==":
		return boolConst(a == b), nil
	case "!=":
		return boolConst(a != b), nil
	case "<":
		return boolConst(less(a, b)), nil
	case ">":
		return boolConst(less(b, a)), nil
	case "<=":
		return boolConst(!less(b, a)), nil
	case ">=":
		return boolConst(!less(a, b)), nil
	case "<<", ">>":
		if b < 0 || b > 63 {
			return constant{}, p.errorf("shift count %d out of range", b)
		}
		if op == "<<" {
			return constant{v: a << uint(b), unsigned: x.unsigned}, nil
		}
		if x.unsigned {
			return constant{v: int64(ua >> uint(b)), unsigned: true}, nil
		}
		return intConst(a >> uint(b)), nil
	}

	var v int64
	switch op {
	case "|":
		v = a | b
	case "^":
		v = a ^ b
	case "&":
		v = a & b
	case "+":
		v = a + b
	case "-":
		v = a - b
	case "*":
		v = a * b
	case "/", "%":
		if b == 0 {
			return constant{}, p.errorf("division by zero in constant expression")
		}
		switch {
		case u && op == "/":
			v = int64(ua / ub)
		case u:
			v = int64(ua % ub)
		case op == "/":
			v = a / b
		default:
			v = a % b
		}
	default:
		return constant{}, p.errorf("unsupported operator %q", op)
	}

	return constant{v: v, unsigned: u}, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func boolConst(b bool) constant {
	return intConst(boolInt(b))
}

func (p *parser) unaryExpr() (constant, error) {
	t := p.peek()

	if t.kind == tokPunct {
		switch t.text {
		case "-", "+", "~", "!":
			p.next()
			c, err := p.unaryExpr()
			if err != nil {
				return constant{}, err
			}
			switch t.text {
			case "-":
				c.v = -c.v
			case "~":
				c.v = ^c.v
			case "!":
				return boolConst(c.v == 0), nil
			}
			return c, nil

		case "(":
			if p.isTypeStart(p.peekN(1)) {
				return p.castExpr()
			}
			p.next()
			c, err := p.constValue()
			if err != nil {
				return constant{}, err
			}
			return c, p.expect(")")
		}
	}

	if t.kind == tokIdent && (t.text == "sizeof" || t.text == "_Alignof" || t.text == "__alignof__") {
		v, err := p.sizeofExpr()
		return intConst(v), err
	}

	return p.primaryExpr()
}

// castExpr evaluates "(type) operand", truncating the operand to integer
// types.
func (p *parser) castExpr() (constant, error) {
	p.next()
	t, err := p.typeName()
	if err != nil {
		return constant{}, err
	}
	if err := p.expect(")"); err != nil {
		return constant{}, err
	}

	c, err := p.unaryExpr()
	if err != nil {
		return constant{}, err
	}

	switch {
	case t.Kind != TypePrimitive || t.Prim.Class == ClassFloat:
		return c, nil
	case t.Prim.Bits >= 64:
		return constant{v: c.v, unsigned: !t.Prim.Signed}, nil
	}
	return intConst(truncate(c.v, t.Prim)), nil
}

func truncate(v int64, prim Primitive) int64 {
	if prim.Class == ClassBool {
		return boolInt(v != 0)
	}
	shift := uint(64 - prim.Bits)
	if prim.Signed {
		return v << shift >> shift
	}
	return int64(uint64(v) << shift >> shift)
}

func (p *parser) sizeofExpr() (int64, error) {
	op := p.next().text

	if !p.is("(") || !p.isTypeStart(p.peekN(1)) {
		return 0, p.errorf("%s is only supported on type names", op)
	}
	p.next()

	t, err := p.typeName()
	if err != nil {
		return 0, err
	}
	if err := p.expect(")"); err != nil {
		return 0, err
	}

	size, align, ok := p.scalarSize(t)
	if !ok {
		return 0, p.errorf("%s(%s) needs a layout", op, t)
	}
	if op == "sizeof" {
		return int64(size), nil
	}
	return int64(align), nil
}

// scalarSize sizes the types a constant expression can see without a
// layout pass.
func (p *parser) scalarSize(t TypeRef) (size, align int, ok bool) {
	switch t.Kind {
	case TypePrimitive:
		s := t.Prim.Size()
		a := s
		switch {
		case t.Prim.Class == ClassInt && t.Prim.Bits == 64:
			a = p.rules.Int64Align
		case t.Prim.Class == ClassFloat && t.Prim.Bits == 64:
			a = p.rules.DoubleAlign
		case t.Prim.Class == ClassFloat && t.Prim.Bits > 64:
			a = p.rules.LongDoubleAlign
		}
		return s, a, true
	case TypePointer, TypeFunctionPointer:
		return p.rules.PointerSize, p.rules.PointerSize, true
	case TypeArray:
		s, a, ok := p.scalarSize(*t.Elem)
		return s * t.Len, a, ok
	case TypeNamed:
		if d, found := p.decls[t.Name]; found && d.Kind == KindEnum {
			return d.Underlying.Size(), d.Underlying.Size(), true
		}
	}
	return 0, 0, false
}

func (p *parser) typeName() (TypeRef, error) {
	ds, err := p.declSpecifiers()
	if err != nil {
		return TypeRef{}, err
	}
	d, err := p.declarator(ds)
	if err != nil {
		return TypeRef{}, err
	}
	return d.wrap(ds.base).unqualified(), nil
}

func (p *parser) primaryExpr() (constant, error) {
	t := p.next()

	switch t.kind {
	case tokNumber:
		return p.intLiteral(t.text)
	case tokChar:
		v, err := p.charLiteral(t.text)
		return intConst(v), err
	case tokIdent:
		if c, ok := p.consts[t.text]; ok {
			return c, nil
		}
		return constant{}, p.errorf("%q is not a constant", t.text)
	}

	return constant{}, p.errorf("unexpected %q in constant expression", t.text)
}

// intLiteral reads an integer literal. Literals above math.MaxInt64 are
// unsigned 64-bit values.
func (p *parser) intLiteral(text string) (constant, error) {
	s := strings.TrimRight(text, "uUlL")

	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		base, s = 16, s[2:]
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		base, s = 2, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, s = 8, s[1:]
	}

	u, err := strconv.ParseUint(strings.ReplaceAll(s, "'", ""), base, 64)
	if err != nil {
		return constant{}, p.errorf("invalid integer constant %q", text)
	}

	return constant{v: int64(u), unsigned: u > math.MaxInt64}, nil
}

var simpleEscapes = map[byte]int64{
	'n': '\n', 't': '\t', 'r': '\r', '0': 0, 'a': '\a', 'b': '\b',
	'f': '\f', 'v': '\v', '\\': '\\', '\'': '\'', '"': '"', '?': '?',
}

func (p *parser) charLiteral(text string) (int64, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(text, "'"), "'")
	if body == "" {
		return 0, p.errorf("empty character constant")
	}

	if body[0] != '\\' {
		return int64(body[0]), nil
	}
	if len(body) < 2 {
		return 0, p.errorf("invalid character constant %s", text)
	}

	switch esc := body[1]; {
	case esc == 'x':
		v, err := strconv.ParseUint(body[2:], 16, 8)
		if err != nil {
			return 0, p.errorf("invalid character constant %s", text)
		}
		return int64(v), nil
	case esc >= '0' && esc <= '7' && len(body) > 2:
		v, err := strconv.ParseUint(body[1:], 8, 8)
		if err != nil {
			return 0, p.errorf("invalid character constant %s", text)
		}
		return int64(v), nil
	default:
		if v, ok := simpleEscapes[esc]; ok {
			return v, nil
		}
	}

	return 0, p.errorf("invalid character constant %s", text)
}
