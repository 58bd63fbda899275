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
	"slices"
	"strconv"
	"strings"

	"buf.build/go/netpdl/internal/bytesx"
)

type tokKind uint8

const (
	tEOF tokKind = iota
	tNumber
	tString
	tIdent
	tVar   // $name
	tProto // #name
	tDot
	tLBracket
	tRBracket
	tColon
	tLParen
	tRParen
	tComma
	tPlus
	tMinus
	tStar
	tSlash
	tPercent
	tAmp
	tPipe
	tTilde
	tEq
	tNe
	tLt
	tLe
	tGt
	tGe
	tAnd
	tOr
	tNot
)

type token struct {
	kind tokKind
	pos  int
	num  uint32
	text string // ident, var, or proto name
	data []byte // string literal payload
}

// lexer produces tokens from an attribute string, splicing alias payloads in
// place of identifiers that name one.
type lexer struct {
	src string
	pos int
	res Resolver

	// Pending tokens from alias expansion, drained before src advances.
	queue []token
	// Names of aliases currently being expanded, for cycle detection.
	active []string
}

func (l *lexer) next() (token, error) {
	if len(l.queue) > 0 {
		t := l.queue[0]
		l.queue = l.queue[1:]
		return t, nil
	}

	t, err := l.scan()
	if err != nil || t.kind != tIdent || l.res == nil {
		return t, err
	}

	payload, ok := l.res.Alias(t.text)
	if !ok {
		return t, nil
	}
	if slices.Contains(l.active, t.text) {
		return token{}, errAt(ErrAliasCycle, l.src, t.pos, "alias %q expands through itself", t.text)
	}

	sub := &lexer{src: payload, res: l.res, active: append(l.active, t.text)}
	for {
		st, err := sub.next()
		if err != nil {
			return token{}, err
		}
		if st.kind == tEOF {
			break
		}
		st.pos = t.pos
		l.queue = append(l.queue, st)
	}
	return l.next()
}

func (l *lexer) scan() (token, error) {
	for l.pos < len(l.src) {
		if c := l.src[l.pos]; c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			l.pos++
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9':
		return l.scanNumber()
	case c == '\'':
		return l.scanString()
	case isIdentStart(c):
		return l.scanIdent()
	case c == '$':
		l.pos++
		name, ok := l.takeIdent()
		if !ok {
			return token{}, errAt(ErrSyntax, l.src, start, "expected variable name after $")
		}
		return token{kind: tVar, pos: start, text: name}, nil
	case c == '#':
		l.pos++
		name, ok := l.takeIdent()
		if !ok {
			return token{}, errAt(ErrSyntax, l.src, start, "expected protocol name after #")
		}
		return token{kind: tProto, pos: start, text: name}, nil
	}

	single := map[byte]tokKind{
		'.': tDot, '[': tLBracket, ']': tRBracket, ':': tColon,
		'(': tLParen, ')': tRParen, ',': tComma,
		'+': tPlus, '-': tMinus, '*': tStar, '/': tSlash, '%': tPercent,
		'~': tTilde,
	}

	switch c {
	case '=':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tEq, pos: start}, nil
		}
		return token{}, errAt(ErrSyntax, l.src, start, "single = is not an operator")
	case '!':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tNe, pos: start}, nil
		}
		l.pos++
		return token{kind: tNot, pos: start}, nil
	case '<':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tLe, pos: start}, nil
		}
		l.pos++
		return token{kind: tLt, pos: start}, nil
	case '>':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tGe, pos: start}, nil
		}
		l.pos++
		return token{kind: tGt, pos: start}, nil
	case '&':
		if l.peekAt(1) == '&' {
			l.pos += 2
			return token{kind: tAnd, pos: start}, nil
		}
		l.pos++
		return token{kind: tAmp, pos: start}, nil
	case '|':
		if l.peekAt(1) == '|' {
			l.pos += 2
			return token{kind: tOr, pos: start}, nil
		}
		l.pos++
		return token{kind: tPipe, pos: start}, nil
	}

	if k, ok := single[c]; ok {
		l.pos++
		return token{kind: k, pos: start}, nil
	}
	return token{}, errAt(ErrSyntax, l.src, start, "unexpected character %q", c)
}

func (l *lexer) peekAt(n int) byte {
	if l.pos+n >= len(l.src) {
		return 0
	}
	return l.src[l.pos+n]
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (l *lexer) takeIdent() (string, bool) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		return "", false
	}
	return l.src[start:l.pos], true
}

func (l *lexer) scanIdent() (token, error) {
	start := l.pos
	name, _ := l.takeIdent()
	switch strings.ToLower(name) {
	case "and":
		return token{kind: tAnd, pos: start}, nil
	case "or":
		return token{kind: tOr, pos: start}, nil
	case "not":
		return token{kind: tNot, pos: start}, nil
	}
	return token{kind: tIdent, pos: start, text: name}, nil
}

func (l *lexer) scanNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && (isIdentPart(l.src[l.pos])) {
		l.pos++
	}
	lit := l.src[start:l.pos]
	// base 0 understands the 0x and 0b prefixes; anything else is decimal.
	v, err := strconv.ParseUint(lit, 0, 32)
	if err != nil {
		return token{}, errAt(ErrSyntax, l.src, start, "bad integer literal %q (32-bit max)", lit)
	}
	return token{kind: tNumber, pos: start, num: uint32(v)}, nil
}

func (l *lexer) scanString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			l.pos++
			data, err := bytesx.Unescape(sb.String())
			if err != nil {
				return token{}, errAt(ErrSyntax, l.src, start, "%v", err)
			}
			return token{kind: tString, pos: start, data: data}, nil
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(c)
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, errAt(ErrSyntax, l.src, start, "unterminated string literal")
}
