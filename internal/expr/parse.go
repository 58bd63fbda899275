// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expr

import (
	"strings"
	"time"
)

// Config carries what parsing needs beyond the source text.
type Config struct {
	Resolver     Resolver
	RegexTimeout time.Duration
}

// Parse converts an attribute string into a typed expression tree and checks
// the inferred kind against want.
//
// The precedence ladder, loosest first: or, and, not, comparisons, bitwise
// or, bitwise and, bitwise not, additive, multiplicative.
func Parse(source string, want Want, cfg Config) (Expr, error) {
	p := &parser{
		lex: lexer{src: source, res: cfg.Resolver},
		cfg: cfg,
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tEOF {
		return nil, errAt(ErrSyntax, source, p.cur.pos, "trailing input")
	}
	if !want.Accepts(e.Kind()) {
		return nil, errAt(ErrTypeMismatch, source, 0,
			"expression has kind %v where %v is required", e.Kind(), wantName(want))
	}
	return e, nil
}

func wantName(w Want) string {
	switch w {
	case NumberOnly:
		return "number"
	case BufferOnly:
		return "buffer"
	case BooleanOnly:
		return "boolean"
	default:
		return "any"
	}
}

type parser struct {
	lex lexer
	cfg Config
	cur token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) expect(k tokKind, what string) (token, error) {
	if p.cur.kind != k {
		return token{}, errAt(ErrSyntax, p.lex.src, p.cur.pos, "expected %s", what)
	}
	t := p.cur
	return t, p.advance()
}

// numericOperand accepts the kinds that participate in arithmetic: numbers,
// booleans (which count as 0/1), and unresolved dontmind cells.
func numericOperand(k Kind) bool {
	return k == Number || k == Boolean || k == DontMind
}

func (p *parser) binary(op Operator, x, y Expr, pos int) (Expr, error) {
	var kind Kind
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBitAnd, OpBitOr:
		if !numericOperand(x.Kind()) || !numericOperand(y.Kind()) {
			return nil, errAt(ErrTypeMismatch, p.lex.src, pos,
				"operator %v needs number operands, got %v and %v", op, x.Kind(), y.Kind())
		}
		kind = Number
	case OpLt, OpLe, OpGt, OpGe:
		if !numericOperand(x.Kind()) || !numericOperand(y.Kind()) {
			return nil, errAt(ErrTypeMismatch, p.lex.src, pos,
				"ordered comparison needs number operands, got %v and %v", x.Kind(), y.Kind())
		}
		kind = Boolean
	case OpEq, OpNe:
		xb, yb := x.Kind() == Buffer, y.Kind() == Buffer
		if xb != yb && x.Kind() != DontMind && y.Kind() != DontMind {
			return nil, errAt(ErrTypeMismatch, p.lex.src, pos,
				"cannot compare %v with %v", x.Kind(), y.Kind())
		}
		kind = Boolean
	case OpAnd, OpOr:
		if !numericOperand(x.Kind()) || !numericOperand(y.Kind()) {
			return nil, errAt(ErrTypeMismatch, p.lex.src, pos,
				"logical %v needs boolean operands, got %v and %v", op, x.Kind(), y.Kind())
		}
		kind = Boolean
	}
	return &Binary{Op: op, X: x, Y: y, kind: kind}, nil
}

func (p *parser) parseOr() (Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tOr {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(OpOr, x, y, pos); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (p *parser) parseAnd() (Expr, error) {
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tAnd {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(OpAnd, x, y, pos); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.cur.kind == tNot {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if !numericOperand(x.Kind()) {
			return nil, errAt(ErrTypeMismatch, p.lex.src, pos, "not needs a boolean operand, got %v", x.Kind())
		}
		return &Unary{Op: OpNot, X: x}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (Expr, error) {
	x, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for {
		var op Operator
		switch p.cur.kind {
		case tEq:
			op = OpEq
		case tNe:
			op = OpNe
		case tLt:
			op = OpLt
		case tLe:
			op = OpLe
		case tGt:
			op = OpGt
		case tGe:
			op = OpGe
		default:
			return x, nil
		}
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseBitOr()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(op, x, y, pos); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseBitOr() (Expr, error) {
	x, err := p.parseBitAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tPipe {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseBitAnd()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(OpBitOr, x, y, pos); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (p *parser) parseBitAnd() (Expr, error) {
	x, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tAmp {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(OpBitAnd, x, y, pos); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (p *parser) parseAdd() (Expr, error) {
	x, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tPlus || p.cur.kind == tMinus {
		op := OpAdd
		if p.cur.kind == tMinus {
			op = OpSub
		}
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(op, x, y, pos); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (p *parser) parseMul() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op Operator
		switch p.cur.kind {
		case tStar:
			op = OpMul
		case tSlash:
			op = OpDiv
		case tPercent:
			op = OpMod
		default:
			return x, nil
		}
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if x, err = p.binary(op, x, y, pos); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	switch p.cur.kind {
	case tTilde, tMinus:
		op := OpBitNot
		if p.cur.kind == tMinus {
			op = OpSub // arithmetic negation, evaluated as 0 - x
		}
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if !numericOperand(x.Kind()) {
			return nil, errAt(ErrTypeMismatch, p.lex.src, pos, "unary operator needs a number, got %v", x.Kind())
		}
		if op == OpSub {
			return &Binary{Op: OpSub, X: &NumberLit{Value: 0}, Y: x, kind: Number}, nil
		}
		return &Unary{Op: OpBitNot, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur
	switch t.kind {
	case tNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &NumberLit{Value: t.num}, nil

	case tString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &BytesLit{Data: t.data}, nil

	case tLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil

	case tProto:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cfg.Resolver != nil && !p.cfg.Resolver.ProtocolExists(t.text) {
			return nil, errAt(ErrUnknownName, p.lex.src, t.pos, "protocol %q is not declared", t.text)
		}
		return &ProtoRef{Name: t.text}, nil

	case tVar:
		return p.parseVarOrCell(t)

	case tIdent:
		return p.parseIdent(t)
	}
	return nil, errAt(ErrSyntax, p.lex.src, t.pos, "expected an operand")
}

// parseVarOrCell handles $name, $name[s:l], $table.column, $table.column[s:l].
func (p *parser) parseVarOrCell(t token) (Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.cur.kind == tDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		col, err := p.expect(tIdent, "lookup-table column name")
		if err != nil {
			return nil, err
		}
		kind := DontMind
		if p.cfg.Resolver != nil {
			k, ok := p.cfg.Resolver.TableColumnKind(t.text, col.text)
			if !ok {
				return nil, errAt(ErrUnknownName, p.lex.src, t.pos,
					"lookup table %q has no column %q", t.text, col.text)
			}
			kind = k
		}
		cell := &TableCell{Table: t.text, Column: col.text, ColKind: kind}
		return p.parseSlice(cell, &cell.Offset, &cell.Length, cell.ColKind, t.pos)
	}

	kind := DontMind
	if p.cfg.Resolver != nil {
		k, ok := p.cfg.Resolver.VariableKind(t.text)
		switch {
		case ok:
			kind = k
		case p.cfg.Resolver.TableExists(t.text):
			// A bare $table token; only meaningful as a lookup-call argument.
			kind = DontMind
		default:
			return nil, errAt(ErrUnknownName, p.lex.src, t.pos, "variable %q is not declared", t.text)
		}
	}
	v := &VarRef{Name: t.text, VarKind: kind}
	return p.parseSlice(v, &v.Offset, &v.Length, v.VarKind, t.pos)
}

// parseSlice parses an optional [start:len] suffix into off/length and
// rejects it on non-buffer kinds.
func (p *parser) parseSlice(node Expr, off, length *Expr, kind Kind, pos int) (Expr, error) {
	if p.cur.kind != tLBracket {
		return node, nil
	}
	if kind != Buffer && kind != DontMind {
		return nil, errAt(ErrTypeMismatch, p.lex.src, pos, "cannot slice a %v", kind)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	o, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tColon, ":"); err != nil {
		return nil, err
	}
	l, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tRBracket, "]"); err != nil {
		return nil, err
	}
	if !numericOperand(o.Kind()) || !numericOperand(l.Kind()) {
		return nil, errAt(ErrTypeMismatch, p.lex.src, pos, "slice bounds must be numbers")
	}
	*off, *length = o, l
	return node, nil
}

func (p *parser) parseIdent(t token) (Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch p.cur.kind {
	case tLParen:
		return p.parseCall(t)
	case tDot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		name, err := p.expect(tIdent, "field name")
		if err != nil {
			return nil, err
		}
		ref := &FieldRef{Name: name.text}
		if strings.EqualFold(t.text, "this") {
			ref.This = true
		} else {
			if p.cfg.Resolver != nil && !p.cfg.Resolver.ProtocolExists(t.text) {
				return nil, errAt(ErrUnknownName, p.lex.src, t.pos,
					"%q is neither `this` nor a declared protocol", t.text)
			}
			ref.Proto = t.text
		}
		return p.parseSlice(ref, &ref.Offset, &ref.Length, Buffer, t.pos)
	}

	switch strings.ToLower(t.text) {
	case "true":
		return &BoolLit{Value: true}, nil
	case "false":
		return &BoolLit{Value: false}, nil
	}
	return nil, errAt(ErrUnknownName, p.lex.src, t.pos, "unknown name %q", t.text)
}

func (p *parser) parseArgs() ([]Expr, []token, error) {
	if _, err := p.expect(tLParen, "("); err != nil {
		return nil, nil, err
	}
	var args []Expr
	var starts []token
	if p.cur.kind == tRParen {
		return args, starts, p.advance()
	}
	for {
		starts = append(starts, p.cur)
		a, err := p.parseOr()
		if err != nil {
			return nil, nil, err
		}
		args = append(args, a)
		if p.cur.kind == tComma {
			if err := p.advance(); err != nil {
				return nil, nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tRParen, ")"); err != nil {
		return nil, nil, err
	}
	return args, starts, nil
}

func (p *parser) argCount(name string, args []Expr, min, max, pos int) error {
	if len(args) < min || len(args) > max {
		return errAt(ErrSyntax, p.lex.src, pos, "%s() takes %d..%d arguments, got %d", name, min, max, len(args))
	}
	return nil
}

func (p *parser) wantKind(fn string, arg Expr, k Kind, pos int) error {
	if arg.Kind() == DontMind || arg.Kind() == k ||
		(k == Number && arg.Kind() == Boolean) {
		return nil
	}
	return errAt(ErrTypeMismatch, p.lex.src, pos, "%s() argument has kind %v, needs %v", fn, arg.Kind(), k)
}

func (p *parser) parseCall(t token) (Expr, error) {
	name := strings.ToLower(t.text)
	args, starts, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	argPos := func(i int) int {
		if i < len(starts) {
			return starts[i].pos
		}
		return t.pos
	}

	litNum := func(i int) (uint32, error) {
		n, ok := args[i].(*NumberLit)
		if !ok {
			return 0, errAt(ErrSyntax, p.lex.src, argPos(i), "%s() argument %d must be an integer literal", name, i+1)
		}
		return n.Value, nil
	}

	switch name {
	case "buf2int":
		if err := p.argCount(name, args, 1, 1, t.pos); err != nil {
			return nil, err
		}
		if err := p.wantKind(name, args[0], Buffer, argPos(0)); err != nil {
			return nil, err
		}
		return &Buf2Int{X: args[0]}, nil

	case "int2buf":
		if err := p.argCount(name, args, 2, 2, t.pos); err != nil {
			return nil, err
		}
		if err := p.wantKind(name, args[0], Number, argPos(0)); err != nil {
			return nil, err
		}
		w, err := litNum(1)
		if err != nil {
			return nil, err
		}
		if w == 0 || w > 4 {
			return nil, errAt(ErrSyntax, p.lex.src, argPos(1), "int2buf() width must be 1..4, got %d", w)
		}
		return &Int2Buf{X: args[0], Width: int(w)}, nil

	case "ascii2int":
		if err := p.argCount(name, args, 1, 1, t.pos); err != nil {
			return nil, err
		}
		if err := p.wantKind(name, args[0], Buffer, argPos(0)); err != nil {
			return nil, err
		}
		return &Ascii2Int{X: args[0]}, nil

	case "changebyteorder":
		if err := p.argCount(name, args, 1, 1, t.pos); err != nil {
			return nil, err
		}
		if err := p.wantKind(name, args[0], Buffer, argPos(0)); err != nil {
			return nil, err
		}
		return &ChangeByteOrder{X: args[0]}, nil

	case "ispresent":
		if err := p.argCount(name, args, 1, 1, t.pos); err != nil {
			return nil, err
		}
		ref, ok := args[0].(*FieldRef)
		if !ok {
			return nil, errAt(ErrSyntax, p.lex.src, argPos(0), "ispresent() needs a field reference")
		}
		return &IsPresent{Ref: ref}, nil

	case "hasstring", "extractstring":
		return p.parseRegexCall(name, args, starts, t)

	case "isasn1type":
		if err := p.argCount(name, args, 3, 3, t.pos); err != nil {
			return nil, err
		}
		if err := p.wantKind(name, args[0], Buffer, argPos(0)); err != nil {
			return nil, err
		}
		class, err := litNum(1)
		if err != nil {
			return nil, err
		}
		tag, err := litNum(2)
		if err != nil {
			return nil, err
		}
		return &IsASN1Type{X: args[0], Class: class, Tag: tag}, nil

	case "checklookuptable", "updatelookuptable":
		return p.parseLookupCall(name, args, starts, t)
	}
	return nil, errAt(ErrUnknownName, p.lex.src, t.pos, "unknown function %q", t.text)
}

// parseRegexCall handles hasstring(buf, 'pat'[, cs]) and
// extractstring(buf, 'pat', cs[, index]), index defaulting to 1. The pattern
// must be a literal so it can be compiled here, once.
func (p *parser) parseRegexCall(name string, args []Expr, starts []token, t token) (Expr, error) {
	minArgs, maxArgs := 2, 3
	if name == "extractstring" {
		minArgs, maxArgs = 3, 4
	}
	if err := p.argCount(name, args, minArgs, maxArgs, t.pos); err != nil {
		return nil, err
	}
	if err := p.wantKind(name, args[0], Buffer, starts[0].pos); err != nil {
		return nil, err
	}
	pat, ok := args[1].(*BytesLit)
	if !ok {
		return nil, errAt(ErrSyntax, p.lex.src, starts[1].pos, "%s() pattern must be a string literal", name)
	}

	caseSensitive := true
	rest := args[2:]
	if len(rest) > 0 {
		cs, ok := rest[0].(*NumberLit)
		if !ok {
			return nil, errAt(ErrSyntax, p.lex.src, starts[2].pos, "%s() case flag must be 0 or 1", name)
		}
		caseSensitive = cs.Value != 0
		rest = rest[1:]
	}

	re, err := CompileRegex(string(pat.Data), caseSensitive, p.cfg.RegexTimeout)
	if err != nil {
		return nil, err
	}

	if name == "hasstring" {
		return &HasString{Haystack: args[0], Pattern: re}, nil
	}

	index := 1
	if len(rest) > 0 {
		n, ok := rest[0].(*NumberLit)
		if !ok || n.Value == 0 {
			return nil, errAt(ErrSyntax, p.lex.src, t.pos, "extractstring() match index must be a positive integer literal")
		}
		index = int(n.Value)
	}
	return &ExtractString{Haystack: args[0], Pattern: re, Index: index}, nil
}

// parseLookupCall handles checklookuptable('$t', k...) and
// updatelookuptable('$t', k..., d...). The table argument may be spelled as
// a '$name' string literal or as a bare $name token; both forms appear in
// real databases.
func (p *parser) parseLookupCall(name string, args []Expr, starts []token, t token) (Expr, error) {
	if len(args) < 1 {
		return nil, errAt(ErrSyntax, p.lex.src, t.pos, "%s() needs a table argument", name)
	}

	var table string
	switch a := args[0].(type) {
	case *BytesLit:
		table = strings.TrimPrefix(string(a.Data), "$")
	case *VarRef:
		table = a.Name
	case *TableCell:
		table = a.Table
	default:
		return nil, errAt(ErrSyntax, p.lex.src, starts[0].pos, "%s() table argument must name a lookup table", name)
	}

	res := p.cfg.Resolver
	if res != nil && !res.TableExists(table) {
		return nil, errAt(ErrUnknownName, p.lex.src, starts[0].pos, "lookup table %q is not declared", table)
	}

	params := args[1:]
	if name == "checklookuptable" {
		if res != nil {
			if n, ok := res.TableKeyCount(table); ok && len(params) != n {
				return nil, errAt(ErrTypeMismatch, p.lex.src, t.pos,
					"table %q has %d key columns, got %d arguments", table, n, len(params))
			}
		}
		return &CheckLookup{Table: table, Keys: params}, nil
	}

	keys := params
	var data []Expr
	if res != nil {
		n, ok := res.TableKeyCount(table)
		if !ok || len(params) < n {
			return nil, errAt(ErrTypeMismatch, p.lex.src, t.pos,
				"table %q needs at least its %d key columns", table, n)
		}
		keys, data = params[:n], params[n:]
	}
	return &UpdateLookup{Table: table, Keys: keys, Data: data}, nil
}
