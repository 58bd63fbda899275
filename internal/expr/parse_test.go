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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver is the declaration environment the parser tests run in.
type fakeResolver struct {
	aliases map[string]string
	vars    map[string]Kind
	tables  map[string]map[string]Kind
	keys    map[string]int
}

func (r *fakeResolver) Alias(name string) (string, bool) {
	p, ok := r.aliases[name]
	return p, ok
}

func (r *fakeResolver) VariableKind(name string) (Kind, bool) {
	k, ok := r.vars[name]
	return k, ok
}

func (r *fakeResolver) TableColumnKind(table, column string) (Kind, bool) {
	cols, ok := r.tables[table]
	if !ok {
		return DontMind, false
	}
	k, ok := cols[column]
	return k, ok
}

func (r *fakeResolver) TableExists(name string) bool {
	_, ok := r.tables[name]
	return ok
}

func (r *fakeResolver) TableKeyCount(name string) (int, bool) {
	n, ok := r.keys[name]
	return n, ok
}

func (r *fakeResolver) ProtocolExists(string) bool { return true }

func testResolver() *fakeResolver {
	return &fakeResolver{
		aliases: map[string]string{
			"HTTPPORT": "80",
			"TWICE":    "HTTPPORT + HTTPPORT",
			"LOOPY":    "LOOPY + 1",
		},
		vars: map[string]Kind{
			"cnt":     Number,
			"payload": Buffer,
		},
		tables: map[string]map[string]Kind{
			"flows": {"srcip": Buffer, "dstip": Buffer, "count": Number},
		},
		keys: map[string]int{"flows": 2},
	}
}

func parse(t *testing.T, src string, want Want) Expr {
	t.Helper()
	e, err := Parse(src, want, Config{Resolver: testResolver()})
	require.NoError(t, err, "parse %q", src)
	return e
}

func TestKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src  string
		kind Kind
	}{
		{"1 + 2 * 3", Number},
		{"0x10 & 0xFF", Number},
		{"~1", Number},
		{"-4 + 5", Number},
		{"1 < 2", Boolean},
		{"'abc' == 'abd'", Boolean},
		{"1 == 2 or 3 == 3", Boolean},
		{"not 0", Boolean},
		{"true", Boolean},
		{"'bytes'", Buffer},
		{"$payload", Buffer},
		{"$payload[0:4]", Buffer},
		{"$cnt", Number},
		{"$flows.count", Number},
		{"$flows.srcip[0:2]", Buffer},
		{"this.flags", Buffer},
		{"ip.src[0:2]", Buffer},
		{"#ip", Number},
		{"buf2int(this.flags)", Number},
		{"int2buf(256, 2)", Buffer},
		{"ascii2int('42')", Number},
		{"changebyteorder($payload)", Buffer},
		{"ispresent(this.flags)", Number},
		{"hasstring($payload, 'GET')", Number},
		{"extractstring($payload, '([A-Z]+)', 1, 1)", Buffer},
		{"checklookuptable('$flows', this.a, this.b)", Number},
	}
	for _, tt := range tests {
		e := parse(t, tt.src, Any)
		assert.Equal(t, tt.kind, e.Kind(), "kind of %q", tt.src)
	}
}

// Kind discipline: Parse(s, want) succeeds iff the inferred kind satisfies
// the expectation.
func TestWantDiscipline(t *testing.T) {
	t.Parallel()

	_, err := Parse("1 + 1", BufferOnly, Config{Resolver: testResolver()})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Parse("'abc'", NumberOnly, Config{Resolver: testResolver()})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	parse(t, "1 + 1", NumberOnly)
	parse(t, "'abc'", BufferOnly)
	parse(t, "1 == 1", BooleanOnly)
	// Numbers are truthy and booleans count.
	parse(t, "42", BooleanOnly)
	parse(t, "1 == 1", NumberOnly)
}

func TestLiterals(t *testing.T) {
	t.Parallel()
	e := parse(t, "0x10", Any)
	assert.Equal(t, uint32(16), e.(*NumberLit).Value)

	e = parse(t, "0b101", Any)
	assert.Equal(t, uint32(5), e.(*NumberLit).Value)

	e = parse(t, "4294967295", Any)
	assert.Equal(t, uint32(0xFFFFFFFF), e.(*NumberLit).Value)

	// Over 32 bits is a syntax error.
	_, err := Parse("4294967296", Any, Config{})
	assert.ErrorIs(t, err, ErrSyntax)

	e = parse(t, `'\x0d\x0a'`, Any)
	assert.Equal(t, []byte("\r\n"), e.(*BytesLit).Data)
}

func TestPrecedence(t *testing.T) {
	t.Parallel()

	// 1 + 2 * 3 groups as 1 + (2 * 3).
	e := parse(t, "1 + 2 * 3", Any).(*Binary)
	assert.Equal(t, OpAdd, e.Op)
	assert.Equal(t, OpMul, e.Y.(*Binary).Op)

	// Bitwise and binds tighter than bitwise or.
	e = parse(t, "1 | 2 & 3", Any).(*Binary)
	assert.Equal(t, OpBitOr, e.Op)

	// Comparison binds tighter than and.
	e = parse(t, "1 == 1 and 2 == 2", Any).(*Binary)
	assert.Equal(t, OpAnd, e.Op)

	// Parentheses override.
	e = parse(t, "(1 + 2) * 3", Any).(*Binary)
	assert.Equal(t, OpMul, e.Op)
}

func TestSliceOnlyOnBuffers(t *testing.T) {
	t.Parallel()
	_, err := Parse("$cnt[0:2]", Any, Config{Resolver: testResolver()})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestUnknownNames(t *testing.T) {
	t.Parallel()
	r := testResolver()

	_, err := Parse("$nosuch", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrUnknownName)

	_, err = Parse("$flows.nosuch", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrUnknownName)

	_, err = Parse("nosuchfn(1)", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrUnknownName)

	_, err = Parse("bareword", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrUnknownName)
}

func TestAliasExpansion(t *testing.T) {
	t.Parallel()
	r := testResolver()

	e, err := Parse("HTTPPORT", Any, Config{Resolver: r})
	require.NoError(t, err)
	assert.Equal(t, uint32(80), e.(*NumberLit).Value)

	// Aliases expand recursively.
	e, err = Parse("TWICE", Any, Config{Resolver: r})
	require.NoError(t, err)
	assert.Equal(t, Number, e.Kind())

	// But not through themselves.
	_, err = Parse("LOOPY", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrAliasCycle)
}

func TestLookupCalls(t *testing.T) {
	t.Parallel()
	r := testResolver()

	// Key arity is checked against the declaration.
	_, err := Parse("checklookuptable('$flows', this.a)", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// Update splits keys from data by declared key count.
	e, err := Parse("updatelookuptable('$flows', this.a, this.b, 1)", Any, Config{Resolver: r})
	require.NoError(t, err)
	u := e.(*UpdateLookup)
	assert.Len(t, u.Keys, 2)
	assert.Len(t, u.Data, 1)

	_, err = Parse("checklookuptable('$nosuch', 1)", Any, Config{Resolver: r})
	assert.ErrorIs(t, err, ErrUnknownName)
}

func TestSyntaxErrors(t *testing.T) {
	t.Parallel()
	for _, src := range []string{
		"1 +",
		"(1",
		"'unterminated",
		"1 = 2",
		"$",
		"this.",
		"int2buf(1, 9)",
		"",
	} {
		_, err := Parse(src, Any, Config{Resolver: testResolver()})
		assert.Error(t, err, "parse %q", src)
	}
}
