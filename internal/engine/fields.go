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

// decodeField consumes packet bytes per the field variant and emits the
// decoded node(s). Subfields bound to a complex parent by portion are
// emitted by the parent; when normal flow reaches one, decodeField returns
// at once without consuming bytes.
func (st *decodeState) decodeField(v pdb.FieldNode) error {
	if v.Field().Portion != pdb.PortionNone {
		return nil
	}

	switch f := v.(type) {
	case *pdb.FieldFixed:
		return st.decodeFixed(f)
	case *pdb.FieldBit:
		return st.decodeBit(f)
	case *pdb.FieldVariable:
		return st.decodeVariable(f)
	case *pdb.FieldTokenEnded:
		return st.decodeTokenEnded(f)
	case *pdb.FieldTokenWrapped:
		return st.decodeTokenWrapped(f)
	case *pdb.FieldLine:
		return st.decodeLine(&f.FieldBase)
	case *pdb.CfieldLine:
		return st.decodeLine(&f.FieldBase)
	case *pdb.FieldPattern:
		return st.decodePattern(f)
	case *pdb.FieldEatall:
		_, err := st.emitAndRun(&f.FieldBase, st.cursor, st.remaining(), 0)
		st.cursor = len(st.data)
		return err
	case *pdb.FieldPadding:
		return st.decodePadding(f)
	case *pdb.FieldPlugin:
		st.e.log.WithField("plugin", f.PluginName).Debug("plugin fields decode as empty in the core")
		_, err := st.emitAndRun(&f.FieldBase, st.cursor, 0, 0)
		return err
	case *pdb.CfieldTLV:
		return st.decodeTLV(f)
	case *pdb.CfieldDelimited:
		return st.decodeDelimited(f)
	case *pdb.CfieldHdrline:
		return st.decodeHdrline(f)
	case *pdb.CfieldDynamic:
		return st.decodeDynamic(f)
	case *pdb.CfieldASN1:
		return st.decodeASN1(f)
	case *pdb.CfieldXML:
		return st.decodeXML(f)
	case *pdb.Adtfield:
		return st.failf(ErrEvaluation, "unexpanded ADT call %q survived the load", f.ADTType)
	}
	return nil
}

// emitField appends one decoded field with a value view into the packet.
func (st *decodeState) emitField(base *pdb.FieldBase, pos, size int, mask uint32) *run.DecodedField {
	f := &run.DecodedField{
		Name:     base.Name,
		LongName: base.LongName,
		Position: pos,
		Size:     size,
		Mask:     mask,
	}
	end := pos + size
	if end > len(st.data) {
		end = len(st.data)
	}
	if pos <= end && pos <= len(st.data) {
		f.Value = st.data[pos:end]
	}
	st.b.AddField(f)
	st.render(f, base)
	return f
}

// emitAndRun emits the field and then executes its child constructs
// (switches, ifs, statements) with the field as the show-override target.
func (st *decodeState) emitAndRun(base *pdb.FieldBase, pos, size int, mask uint32) (*run.DecodedField, error) {
	f := st.emitField(base, pos, size, mask)

	if base.FirstChild != pdb.None {
		saved := st.curField
		st.curField = f
		err := st.runNodes(base.FirstChild, pdb.None)
		st.curField = saved
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

// truncate emits the partial field the captured bytes still cover and
// reports the truncation. Running dry exactly at a field boundary emits
// nothing; there is no partial value to show.
func (st *decodeState) truncate(base *pdb.FieldBase, want int) error {
	left := st.remaining()
	if left > 0 {
		st.emitField(base, st.cursor, left, 0)
	}
	st.cursor = len(st.data)
	return st.failf(ErrTruncated, "field %q needs %d bytes, %d captured", base.Name, want, left)
}

func (st *decodeState) decodeFixed(f *pdb.FieldFixed) error {
	if st.cursor+f.Size > len(st.data) {
		return st.truncate(&f.FieldBase, f.Size)
	}
	pos := st.cursor
	st.cursor += f.Size
	_, err := st.emitAndRun(&f.FieldBase, pos, f.Size, 0)
	return err
}

// decodeBit emits one member of a bit group. The whole group shares one
// covering span; only the member flagged last advances the cursor.
func (st *decodeState) decodeBit(f *pdb.FieldBit) error {
	if st.cursor+f.Size > len(st.data) {
		return st.truncate(&f.FieldBase, f.Size)
	}
	pos := st.cursor
	if f.IsLast {
		st.cursor += f.Size
	}
	_, err := st.emitAndRun(&f.FieldBase, pos, f.Size, f.Mask)
	return err
}

func (st *decodeState) decodeVariable(f *pdb.FieldVariable) error {
	size, err := st.evalNum(f.SizeExpr)
	if err != nil {
		return err
	}
	if st.cursor+int(size) > len(st.data) {
		return st.truncate(&f.FieldBase, int(size))
	}
	pos := st.cursor
	st.cursor += int(size)
	_, err = st.emitAndRun(&f.FieldBase, pos, int(size), 0)
	return err
}

// findToken locates a literal or regex terminator at or after from,
// returning the match span in absolute offsets.
func (st *decodeState) findToken(token []byte, re *expr.Regexp, from int) (expr.Match, bool, error) {
	if token != nil {
		idx := bytes.Index(st.data[from:], token)
		if idx < 0 {
			return expr.Match{}, false, nil
		}
		return expr.Match{Start: from + idx, Length: len(token)}, true, nil
	}
	m, ok, err := re.Find(st.data, from)
	if err != nil {
		return expr.Match{}, false, st.failf(ErrEvaluation, "%v", err)
	}
	return m, ok, nil
}

func (st *decodeState) decodeTokenEnded(f *pdb.FieldTokenEnded) error {
	m, ok, err := st.findToken(f.EndToken, f.EndRegex, st.cursor)
	if err != nil {
		return err
	}
	if !ok {
		return st.truncate(&f.FieldBase, st.remaining()+1)
	}

	// The field ends at the match; endoffset shifts the break point as a
	// signed delta, enddiscard swallows bytes after the field (typically
	// the delimiter itself).
	end := m.Start
	if f.EndOffset != nil {
		delta, err := st.evalNum(f.EndOffset)
		if err != nil {
			return err
		}
		end += int(int32(delta))
	}
	end = clamp(end, st.cursor, len(st.data))

	pos := st.cursor
	st.cursor = end
	if f.EndDiscard != nil {
		discard, err := st.evalNum(f.EndDiscard)
		if err != nil {
			return err
		}
		st.cursor = clamp(end+int(discard), end, len(st.data))
	}
	_, err = st.emitAndRun(&f.FieldBase, pos, end-pos, 0)
	return err
}

func (st *decodeState) decodeTokenWrapped(f *pdb.FieldTokenWrapped) error {
	begin, ok, err := st.findToken(f.BeginToken, f.BeginRegex, st.cursor)
	if err != nil {
		return err
	}
	if !ok {
		if f.OnMissingBeginContinue {
			_, err := st.emitAndRun(&f.FieldBase, st.cursor, 0, 0)
			return err
		}
		return nil // skip field
	}

	contentStart := begin.End()
	if f.BeginOffset != nil {
		delta, err := st.evalNum(f.BeginOffset)
		if err != nil {
			return err
		}
		contentStart = clamp(begin.Start+int(int32(delta)), st.cursor, len(st.data))
	}

	end, ok, err := st.findToken(f.EndToken, f.EndRegex, contentStart)
	if err != nil {
		return err
	}
	if !ok {
		if f.OnMissingEndContinue {
			_, err := st.emitAndRun(&f.FieldBase, contentStart, 0, 0)
			return err
		}
		return nil
	}

	contentEnd := end.Start
	if f.EndOffset != nil {
		delta, err := st.evalNum(f.EndOffset)
		if err != nil {
			return err
		}
		contentEnd = clamp(end.Start+int(int32(delta)), contentStart, len(st.data))
	}

	st.cursor = end.End()
	_, err = st.emitAndRun(&f.FieldBase, contentStart, contentEnd-contentStart, 0)
	return err
}

// decodeLine consumes one text line including its terminator.
func (st *decodeState) decodeLine(base *pdb.FieldBase) error {
	pos := st.cursor
	idx := bytes.IndexByte(st.data[pos:], '\n')
	end := len(st.data)
	if idx >= 0 {
		end = pos + idx + 1
	}
	st.cursor = end
	_, err := st.emitAndRun(base, pos, end-pos, 0)
	return err
}

func (st *decodeState) decodePattern(f *pdb.FieldPattern) error {
	m, ok, err := f.Pattern.MatchAt(st.data, st.cursor)
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	if !ok {
		if f.OnPartialContinue {
			_, err := st.emitAndRun(&f.FieldBase, st.cursor, 0, 0)
			return err
		}
		return nil
	}
	pos := st.cursor
	st.cursor += m.Length
	_, err = st.emitAndRun(&f.FieldBase, pos, m.Length, 0)
	return err
}

// decodePadding advances to the next alignment boundary relative to the
// start of the current protocol.
func (st *decodeState) decodePadding(f *pdb.FieldPadding) error {
	rel := st.cursor - st.protoStart
	target := st.protoStart + bytesx.Align(rel, f.Align)
	if target > len(st.data) {
		return st.truncate(&f.FieldBase, target-st.cursor)
	}
	pos := st.cursor
	st.cursor = target
	_, err := st.emitAndRun(&f.FieldBase, pos, target-pos, 0)
	return err
}

func (st *decodeState) decodeTLV(f *pdb.CfieldTLV) error {
	hdr := f.TypeSize + f.LengthSize
	if st.cursor+hdr > len(st.data) {
		return st.truncate(&f.FieldBase, hdr)
	}
	pos := st.cursor
	lengthVal := bytesx.BE32(st.data[pos+f.TypeSize : pos+hdr])

	valueLen := int(lengthVal)
	total := hdr + valueLen
	parent, err := st.emitAndRun(&f.FieldBase, pos, 0, 0) // size fixed up below
	if err != nil {
		return err
	}
	st.b.Descend(parent)
	defer st.b.Ascend()

	if f.TypeSub != pdb.None {
		sub := st.db().Get(f.TypeSub).(pdb.FieldNode)
		st.emitField(sub.Field(), pos, f.TypeSize, 0)
	}
	if f.LengthSub != pdb.None {
		sub := st.db().Get(f.LengthSub).(pdb.FieldNode)
		st.emitField(sub.Field(), pos+f.TypeSize, f.LengthSize, 0)
	}

	if f.ValueExpr != nil {
		n, err := st.evalNum(f.ValueExpr)
		if err != nil {
			return err
		}
		valueLen = int(n)
		total = hdr + valueLen
	}

	if pos+total > len(st.data) {
		parent.Size = st.remaining()
		parent.Value = st.data[pos:]
		st.cursor = len(st.data)
		return st.failf(ErrMalformed, "tlv value of %d bytes runs past the packet", valueLen)
	}

	if f.ValueSub != pdb.None {
		sub := st.db().Get(f.ValueSub).(pdb.FieldNode)
		st.emitField(sub.Field(), pos+hdr, valueLen, 0)
	}

	parent.Size = total
	parent.Value = st.data[pos : pos+total]
	st.render(parent, &f.FieldBase)
	st.cursor = pos + total
	return nil
}

func (st *decodeState) decodeDelimited(f *pdb.CfieldDelimited) error {
	start := st.cursor
	if f.BeginRegex != nil {
		m, ok, err := f.BeginRegex.Find(st.data, st.cursor)
		if err != nil {
			return st.failf(ErrEvaluation, "%v", err)
		}
		if !ok {
			if f.OnMissingBegin == pdb.DelimSkipField {
				return nil
			}
		} else {
			start = m.End()
		}
	}

	m, ok, err := f.EndRegex.Find(st.data, start)
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	if !ok {
		if f.OnMissingEnd == pdb.DelimSkipField {
			return nil
		}
		// Continue with everything that is left.
		pos := start
		st.cursor = len(st.data)
		_, err := st.emitAndRun(&f.FieldBase, pos, len(st.data)-pos, 0)
		return err
	}

	st.cursor = m.End()
	_, err = st.emitAndRun(&f.FieldBase, start, m.Start-start, 0)
	return err
}

func (st *decodeState) decodeHdrline(f *pdb.CfieldHdrline) error {
	pos := st.cursor
	idx := bytes.IndexByte(st.data[pos:], '\n')
	lineEnd := len(st.data)
	if idx >= 0 {
		lineEnd = pos + idx + 1
	}
	contentEnd := lineEnd
	for contentEnd > pos && (st.data[contentEnd-1] == '\n' || st.data[contentEnd-1] == '\r') {
		contentEnd--
	}

	parent, err := st.emitAndRun(&f.FieldBase, pos, lineEnd-pos, 0)
	if err != nil {
		return err
	}
	st.cursor = lineEnd

	m, ok, rerr := f.SepRegex.Find(st.data[pos:contentEnd], 0)
	if rerr != nil {
		return st.failf(ErrEvaluation, "%v", rerr)
	}
	if !ok {
		return nil
	}

	st.b.Descend(parent)
	defer st.b.Ascend()
	if f.NameSub != pdb.None {
		sub := st.db().Get(f.NameSub).(pdb.FieldNode)
		st.emitField(sub.Field(), pos, m.Start, 0)
	}
	if f.ValueSub != pdb.None {
		sub := st.db().Get(f.ValueSub).(pdb.FieldNode)
		valStart := pos + m.End()
		// Header values conventionally trim leading spaces.
		for valStart < contentEnd && st.data[valStart] == ' ' {
			valStart++
		}
		st.emitField(sub.Field(), valStart, contentEnd-valStart, 0)
	}
	return nil
}

func (st *decodeState) decodeDynamic(f *pdb.CfieldDynamic) error {
	m, ok, err := f.Pattern.Find(st.data, st.cursor)
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	if !ok {
		return nil
	}
	named, _, err := f.Pattern.NamedCaptures(st.data, st.cursor)
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}

	parent, perr := st.emitAndRun(&f.FieldBase, m.Start, m.Length, 0)
	if perr != nil {
		return perr
	}
	st.cursor = m.End()

	st.b.Descend(parent)
	defer st.b.Ascend()
	for name, capture := range named {
		subID, bound := f.Captures[name]
		if !bound || capture.Start < 0 {
			continue
		}
		sub := st.db().Get(subID).(pdb.FieldNode)
		st.emitField(sub.Field(), capture.Start, capture.Length, 0)
	}
	return nil
}

func (st *decodeState) decodeASN1(f *pdb.CfieldASN1) error {
	if st.remaining() < 2 {
		return st.truncate(&f.FieldBase, 2)
	}
	total, err := st.emitASN1(&f.FieldBase, st.cursor, f.Encoding, 0)
	if err != nil {
		return err
	}
	st.cursor += total
	return nil
}

// asn1MaxDepth bounds recursion into constructed values.
const asn1MaxDepth = 16

func (st *decodeState) emitASN1(base *pdb.FieldBase, pos int, enc pdb.ASN1Encoding, depth int) (int, error) {
	tlv, err := parseASN1(st.data[pos:], enc)
	if err != nil {
		return 0, st.failf(ErrMalformed, "%v", err)
	}
	total, err := asn1End(st.data[pos:], tlv, enc)
	if err != nil {
		return 0, st.failf(ErrMalformed, "%v", err)
	}

	f := st.emitField(base, pos, total, 0)
	f.ShowDetail = asn1TagName(tlv)

	if tlv.constructed && depth < asn1MaxDepth {
		st.b.Descend(f)
		defer st.b.Ascend()

		inner := pos + tlv.headerLen
		end := pos + total
		if tlv.length < 0 {
			end -= 2 // end-of-contents pair
		}
		child := pdb.FieldBase{Name: base.Name, LongName: base.LongName}
		for inner < end {
			n, err := st.emitASN1(&child, inner, enc, depth+1)
			if err != nil {
				return 0, err
			}
			inner += n
		}
	}
	return total, nil
}

func (st *decodeState) decodeXML(f *pdb.CfieldXML) error {
	size := st.remaining()
	if f.SizeExpr != nil {
		n, err := st.evalNum(f.SizeExpr)
		if err != nil {
			return err
		}
		size = int(n)
	}
	if st.cursor+size > len(st.data) {
		return st.truncate(&f.FieldBase, size)
	}
	pos := st.cursor
	st.cursor += size
	_, err := st.emitAndRun(&f.FieldBase, pos, size, 0)
	return err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
