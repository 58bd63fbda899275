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

package engine

import (
	"bytes"

	"buf.build/go/netpdl/internal/bytesx"
	"buf.build/go/netpdl/internal/expr"
	"buf.build/go/netpdl/internal/pdb"
	"buf.build/go/netpdl/internal/run"
)

// eval walks an expression tree against the current packet and runtime
// state. Arithmetic is 32-bit with wraparound; spec'd failure cases surface
// as ErrEvaluation.
func (st *decodeState) eval(e expr.Expr) (run.Value, error) {
	switch v := e.(type) {
	case *expr.NumberLit:
		return run.NumberValue(v.Value), nil
	case *expr.BytesLit:
		return run.BufferValue(v.Data), nil
	case *expr.BoolLit:
		if v.Value {
			return run.NumberValue(1), nil
		}
		return run.NumberValue(0), nil

	case *expr.ProtoRef:
		return run.NumberValue(uint32(v.Index)), nil

	case *expr.VarRef:
		val, err := st.e.vars.Get(v.Name)
		if err != nil {
			return run.Value{}, st.failf(ErrEvaluation, "%v", err)
		}
		return st.slice(val, v.Offset, v.Length)

	case *expr.TableCell:
		table, err := st.e.lookups.Table(v.Table)
		if err != nil {
			return run.Value{}, st.failf(ErrEvaluation, "%v", err)
		}
		val, err := table.HitCell(v.Column)
		if err != nil {
			return run.Value{}, st.failf(ErrEvaluation, "%v", err)
		}
		return st.slice(val, v.Offset, v.Length)

	case *expr.FieldRef:
		buf, err := st.fieldBytes(v)
		if err != nil {
			return run.Value{}, err
		}
		return st.slice(run.BufferValue(buf), v.Offset, v.Length)

	case *expr.Unary:
		x, err := st.evalNum(v.X)
		if err != nil {
			return run.Value{}, err
		}
		switch v.Op {
		case expr.OpNot:
			if x == 0 {
				return run.NumberValue(1), nil
			}
			return run.NumberValue(0), nil
		case expr.OpBitNot:
			return run.NumberValue(^x), nil
		}
		return run.Value{}, st.failf(ErrEvaluation, "bad unary operator %v", v.Op)

	case *expr.Binary:
		return st.evalBinary(v)

	case *expr.Buf2Int:
		b, err := st.evalBuf(v.X)
		if err != nil {
			return run.Value{}, err
		}
		if len(b) > 4 {
			return run.Value{}, st.failf(ErrEvaluation, "buf2int over %d bytes (max 4)", len(b))
		}
		return run.NumberValue(bytesx.BE32(b)), nil

	case *expr.Int2Buf:
		n, err := st.evalNum(v.X)
		if err != nil {
			return run.Value{}, err
		}
		return run.BufferValue(bytesx.PutBE(n, v.Width)), nil

	case *expr.Ascii2Int:
		b, err := st.evalBuf(v.X)
		if err != nil {
			return run.Value{}, err
		}
		return run.NumberValue(bytesx.AsciiToInt(b)), nil

	case *expr.ChangeByteOrder:
		b, err := st.evalBuf(v.X)
		if err != nil {
			return run.Value{}, err
		}
		return run.BufferValue(bytesx.Reverse(b)), nil

	case *expr.IsPresent:
		proto := v.Ref.Proto
		if v.Ref.This {
			proto = st.protoName()
		}
		if _, ok := st.b.Latest(proto, v.Ref.Name); ok {
			return run.NumberValue(1), nil
		}
		return run.NumberValue(0), nil

	case *expr.HasString:
		hay, err := st.evalBuf(v.Haystack)
		if err != nil {
			return run.Value{}, err
		}
		_, ok, rerr := v.Pattern.Find(hay, 0)
		if rerr != nil {
			return run.Value{}, st.failf(ErrEvaluation, "%v", rerr)
		}
		if ok {
			return run.NumberValue(1), nil
		}
		return run.NumberValue(0), nil

	case *expr.ExtractString:
		hay, err := st.evalBuf(v.Haystack)
		if err != nil {
			return run.Value{}, err
		}
		groups, ok, rerr := v.Pattern.Captures(hay, 0)
		if rerr != nil {
			return run.Value{}, st.failf(ErrEvaluation, "%v", rerr)
		}
		if !ok || v.Index >= len(groups) || groups[v.Index].Start < 0 {
			return run.BufferValue(nil), nil
		}
		m := groups[v.Index]
		return run.BufferValue(hay[m.Start:m.End()]), nil

	case *expr.IsASN1Type:
		b, err := st.evalBuf(v.X)
		if err != nil {
			return run.Value{}, err
		}
		tlv, terr := parseASN1(b, pdb.ASN1BER)
		if terr != nil {
			return run.NumberValue(0), nil
		}
		if tlv.class == v.Class && tlv.tag == v.Tag {
			return run.NumberValue(1), nil
		}
		return run.NumberValue(0), nil

	case *expr.CheckLookup:
		return st.evalCheckLookup(v)

	case *expr.UpdateLookup:
		return st.evalUpdateLookup(v)
	}
	return run.Value{}, st.failf(ErrEvaluation, "unknown expression node %T", e)
}

func (st *decodeState) evalBinary(v *expr.Binary) (run.Value, error) {
	// Buffer equality is its own path: byte-wise over the full length, and
	// size mismatches compare unequal.
	if (v.Op == expr.OpEq || v.Op == expr.OpNe) &&
		(v.X.Kind() == expr.Buffer || v.Y.Kind() == expr.Buffer) {
		xb, err := st.evalBuf(v.X)
		if err != nil {
			return run.Value{}, err
		}
		yb, err := st.evalBuf(v.Y)
		if err != nil {
			return run.Value{}, err
		}
		eq := bytes.Equal(xb, yb)
		if v.Op == expr.OpNe {
			eq = !eq
		}
		if eq {
			return run.NumberValue(1), nil
		}
		return run.NumberValue(0), nil
	}

	x, err := st.evalNum(v.X)
	if err != nil {
		return run.Value{}, err
	}

	// Short-circuit the logical operators.
	switch v.Op {
	case expr.OpAnd:
		if x == 0 {
			return run.NumberValue(0), nil
		}
	case expr.OpOr:
		if x != 0 {
			return run.NumberValue(1), nil
		}
	}

	y, err := st.evalNum(v.Y)
	if err != nil {
		return run.Value{}, err
	}

	b2n := func(b bool) run.Value {
		if b {
			return run.NumberValue(1)
		}
		return run.NumberValue(0)
	}

	switch v.Op {
	case expr.OpAdd:
		return run.NumberValue(x + y), nil
	case expr.OpSub:
		return run.NumberValue(x - y), nil
	case expr.OpMul:
		return run.NumberValue(x * y), nil
	case expr.OpDiv:
		if y == 0 {
			return run.Value{}, st.failf(ErrEvaluation, "division by zero")
		}
		return run.NumberValue(x / y), nil
	case expr.OpMod:
		if y == 0 {
			return run.Value{}, st.failf(ErrEvaluation, "modulo by zero")
		}
		return run.NumberValue(x % y), nil
	case expr.OpBitAnd:
		return run.NumberValue(x & y), nil
	case expr.OpBitOr:
		return run.NumberValue(x | y), nil
	case expr.OpEq:
		return b2n(x == y), nil
	case expr.OpNe:
		return b2n(x != y), nil
	case expr.OpLt:
		return b2n(x < y), nil
	case expr.OpLe:
		return b2n(x <= y), nil
	case expr.OpGt:
		return b2n(x > y), nil
	case expr.OpGe:
		return b2n(x >= y), nil
	case expr.OpAnd, expr.OpOr:
		return b2n(y != 0), nil
	}
	return run.Value{}, st.failf(ErrEvaluation, "bad binary operator %v", v.Op)
}

func (st *decodeState) evalCheckLookup(v *expr.CheckLookup) (run.Value, error) {
	table, err := st.e.lookups.Table(v.Table)
	if err != nil {
		return run.Value{}, st.failf(ErrEvaluation, "%v", err)
	}
	keys := make([]run.Value, len(v.Keys))
	for i, k := range v.Keys {
		if keys[i], err = st.eval(k); err != nil {
			return run.Value{}, err
		}
	}
	_, hit, err := table.Check(keys)
	if err != nil {
		return run.Value{}, st.failf(ErrEvaluation, "%v", err)
	}
	if hit {
		return run.NumberValue(1), nil
	}
	return run.NumberValue(0), nil
}

// evalUpdateLookup is the expression form of a table update: action add,
// keep-forever, no masks. The statement form carries the full policy
// attribute set.
func (st *decodeState) evalUpdateLookup(v *expr.UpdateLookup) (run.Value, error) {
	table, err := st.e.lookups.Table(v.Table)
	if err != nil {
		return run.Value{}, st.failf(ErrEvaluation, "%v", err)
	}
	keys := make([]run.Value, len(v.Keys))
	for i, k := range v.Keys {
		if keys[i], err = st.eval(k); err != nil {
			return run.Value{}, err
		}
	}
	data := make([]run.Value, len(v.Data))
	for i, d := range v.Data {
		if data[i], err = st.eval(d); err != nil {
			return run.Value{}, err
		}
	}
	if err := table.Add(keys, data, run.UpdateSpec{}); err != nil {
		return run.Value{}, st.failf(ErrEvaluation, "%v", err)
	}
	return run.NumberValue(1), nil
}

// fieldBytes resolves a field reference to the raw bytes of the most
// recently decoded matching field.
func (st *decodeState) fieldBytes(ref *expr.FieldRef) ([]byte, error) {
	proto := ref.Proto
	if ref.This {
		proto = st.protoName()
	}
	f, ok := st.b.Latest(proto, ref.Name)
	if !ok {
		return nil, st.failf(ErrEvaluation, "field %q has not been decoded", ref.Name)
	}
	return f.Value, nil
}

// slice applies an optional [offset:length] view to a buffer value.
func (st *decodeState) slice(val run.Value, offset, length expr.Expr) (run.Value, error) {
	if offset == nil {
		return val, nil
	}
	if !val.IsBuf {
		return run.Value{}, st.failf(ErrEvaluation, "cannot slice a number")
	}
	off, err := st.evalNum(offset)
	if err != nil {
		return run.Value{}, err
	}
	n, err := st.evalNum(length)
	if err != nil {
		return run.Value{}, err
	}
	if int(off)+int(n) > len(val.Buf) {
		return run.Value{}, st.failf(ErrEvaluation,
			"slice [%d:%d] outside buffer of %d bytes", off, n, len(val.Buf))
	}
	return run.BufferValue(val.Buf[off : off+n]), nil
}

// evalNum evaluates an expression and coerces to a number. Buffers do not
// coerce.
func (st *decodeState) evalNum(e expr.Expr) (uint32, error) {
	v, err := st.eval(e)
	if err != nil {
		return 0, err
	}
	if v.IsBuf {
		return 0, st.failf(ErrEvaluation, "buffer where a number is required")
	}
	return v.Num, nil
}

// evalBuf evaluates an expression and requires a buffer.
func (st *decodeState) evalBuf(e expr.Expr) ([]byte, error) {
	v, err := st.eval(e)
	if err != nil {
		return nil, err
	}
	if !v.IsBuf {
		return nil, st.failf(ErrEvaluation, "number where a buffer is required")
	}
	return v.Buf, nil
}

// evalBool evaluates to truthiness.
func (st *decodeState) evalBool(e expr.Expr) (bool, error) {
	v, err := st.eval(e)
	if err != nil {
		return false, err
	}
	if v.IsBuf {
		return len(v.Buf) > 0, nil
	}
	return v.Num != 0, nil
}
