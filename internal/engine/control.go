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
	"errors"

	"buf.build/go/netpdl/internal/pdb"
	"buf.build/go/netpdl/internal/run"
)

type frameKind uint8

const (
	frameList frameKind = iota
	frameLoop
	frameSet
)

// frame is one entry of the interpreter's work stack: a node list being
// executed, plus the loop or set bookkeeping when the frame belongs to one
// of those constructs.
type frame struct {
	kind frameKind

	// cur is the next node to execute; head the list start, for loop
	// re-arming.
	cur, head pdb.NodeID

	// missing is the missing-packetdata container that guards this scope.
	missing pdb.NodeID

	loop       *pdb.Loop
	remaining  uint32
	limit      int
	iters      int
	lastCursor int

	set         *pdb.Set
	fired       map[pdb.NodeID]bool
	usedDefault bool
	doneAfter   bool
}

// runNodes drives the interpreter over a node list until the work stack
// drains. Lists, loops, sets and choices become frames on this stack rather
// than Go recursion; a field's own child constructs run through a nested
// runNodes call (see emitAndRun).
func (st *decodeState) runNodes(head, missing pdb.NodeID) error {
	if head == pdb.None {
		return nil
	}
	stack := make([]frame, 0, 8)
	stack = append(stack, frame{kind: frameList, cur: head, missing: missing})

	for len(stack) > 0 {
		if len(stack) > st.e.opts.MaxDepth {
			return st.failf(ErrEvaluation, "frame stack exceeds %d", st.e.opts.MaxDepth)
		}
		fr := &stack[len(stack)-1]

		if fr.kind == frameSet {
			done, err := st.stepSet(fr, &stack)
			if err != nil {
				if errors.Is(err, ErrTruncated) && st.recoverMissing(&stack) {
					continue
				}
				return err
			}
			if done {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if fr.cur == pdb.None {
			if fr.kind == frameLoop {
				again, err := st.loopAgain(fr)
				if err != nil {
					if errors.Is(err, ErrTruncated) && st.recoverMissing(&stack) {
						continue
					}
					return err
				}
				if again {
					fr.cur = fr.head
					continue
				}
			}
			stack = stack[:len(stack)-1]
			continue
		}

		n := st.db().Get(fr.cur)
		fr.cur = n.Base().NextSibling

		if err := st.execNode(n, &stack); err != nil {
			if errors.Is(err, ErrTruncated) && st.recoverMissing(&stack) {
				continue
			}
			return err
		}
	}
	return nil
}

// recoverMissing unwinds to the nearest scope that declared a
// missing-packetdata handler and replaces it with the handler's body.
func (st *decodeState) recoverMissing(stack *[]frame) bool {
	for i := len(*stack) - 1; i >= 0; i-- {
		m := (*stack)[i].missing
		if m == pdb.None {
			continue
		}
		handler := st.db().Get(m).Base().FirstChild
		*stack = (*stack)[:i]
		*stack = append(*stack, frame{kind: frameList, cur: handler})
		return true
	}
	return false
}

// execNode dispatches one node. Field nodes consume packet bytes;
// control nodes push frames; statements mutate runtime state. Declarations
// and placeholders fall through silently.
func (st *decodeState) execNode(n pdb.Node, stack *[]frame) error {
	db := st.db()
	push := func(fr frame) { *stack = append(*stack, fr) }

	switch v := n.(type) {
	case pdb.FieldNode:
		return st.decodeField(v)

	case *pdb.If:
		cond, err := st.evalBool(v.Cond)
		if err != nil {
			// An unreadable condition with a missing-data branch takes
			// that branch instead of failing.
			if v.Missing != pdb.None && errors.Is(err, ErrEvaluation) {
				push(frame{kind: frameList, cur: db.Get(v.Missing).Base().FirstChild})
				return nil
			}
			return err
		}
		branch := v.True
		if !cond {
			branch = v.False
		}
		if branch != pdb.None {
			push(frame{kind: frameList, cur: db.Get(branch).Base().FirstChild, missing: v.Missing})
		}
		return nil

	case *pdb.Switch:
		arm, err := st.selectCase(v)
		if err != nil || arm == nil {
			return err
		}
		if arm.Show != "" && st.curField != nil {
			st.curField.Show = arm.Show
		}
		push(frame{kind: frameList, cur: arm.FirstChild})
		return nil

	case *pdb.Loop:
		return st.pushLoop(v, push)

	case *pdb.LoopCtrl:
		st.doLoopCtrl(v, stack)
		return nil

	case *pdb.Block:
		push(frame{kind: frameList, cur: v.FirstChild})
		return nil

	case *pdb.IncludeBlk:
		push(frame{kind: frameList, cur: db.Get(v.Target).Base().FirstChild})
		return nil

	case *pdb.Set:
		push(frame{
			kind:       frameSet,
			set:        v,
			missing:    v.Missing,
			fired:      map[pdb.NodeID]bool{},
			lastCursor: -1,
		})
		return nil

	case *pdb.Choice:
		return st.execChoice(v, push)

	case *pdb.AssignVariable:
		return st.execAssignVar(v)

	case *pdb.AssignLookupTable:
		return st.execAssignLookup(v)

	case *pdb.UpdateLookupTable:
		return st.execUpdateLookup(v)

	case *pdb.ExprStatement:
		_, err := st.eval(v.E)
		return err

	case *pdb.ExecSection:
		return st.runSection(v.ID)
	}
	return nil
}

// selectCase picks the first matching arm, or the default. Stable: the
// first match wins.
func (st *decodeState) selectCase(v *pdb.Switch) (*pdb.Case, error) {
	db := st.db()
	deflt, _ := db.Get(v.Default).(*pdb.Case)

	if v.CaseSensitive {
		n, err := st.evalNum(v.Value)
		if err != nil {
			return nil, err
		}
		for id := v.FirstCase; id != pdb.None; {
			c := db.Get(id).(*pdb.Case)
			if c.HasMax {
				if n >= c.ValueNumber && n <= c.MaxNumber {
					return c, nil
				}
			} else if n == c.ValueNumber {
				return c, nil
			}
			id = c.NextCase
		}
		return deflt, nil
	}

	b, err := st.evalBuf(v.Value)
	if err != nil {
		return nil, err
	}
	for id := v.FirstCase; id != pdb.None; {
		c := db.Get(id).(*pdb.Case)
		if foldEqual(b, c.ValueBytes) {
			return c, nil
		}
		id = c.NextCase
	}
	return deflt, nil
}

// foldEqual compares byte strings ignoring ASCII case; size mismatches are
// unequal.
func foldEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x >= 'A' && x <= 'Z' {
			x += 'a' - 'A'
		}
		if y >= 'A' && y <= 'Z' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}
	return true
}

func (st *decodeState) pushLoop(v *pdb.Loop, push func(frame)) error {
	fr := frame{
		kind:       frameLoop,
		loop:       v,
		head:       v.FirstChild,
		cur:        v.FirstChild,
		missing:    v.Missing,
		lastCursor: st.cursor,
	}
	switch v.Kind {
	case pdb.LoopTimes:
		n, err := st.evalNum(v.Cond)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		fr.remaining = n

	case pdb.LoopSize:
		n, err := st.evalNum(v.Cond)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		fr.limit = st.cursor + int(n)

	case pdb.LoopWhile:
		ok, err := st.evalBool(v.Cond)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	push(fr)
	return nil
}

// loopAgain decides, at the end of a body pass, whether the loop re-arms.
func (st *decodeState) loopAgain(fr *frame) (bool, error) {
	fr.iters++
	if fr.iters >= st.e.opts.MaxLoopIters {
		return false, st.failf(ErrEvaluation, "loop exceeded %d iterations", st.e.opts.MaxLoopIters)
	}

	switch fr.loop.Kind {
	case pdb.LoopTimes:
		fr.remaining--
		return fr.remaining > 0, nil

	case pdb.LoopSize:
		if st.cursor >= fr.limit {
			return false, nil
		}
		// A body that consumed nothing will never reach the limit.
		if st.cursor == fr.lastCursor {
			return false, nil
		}
		fr.lastCursor = st.cursor
		return true, nil

	default:
		// A while body that consumed nothing would never terminate on its
		// own; treat it as drained.
		if st.cursor == fr.lastCursor {
			return false, nil
		}
		fr.lastCursor = st.cursor
		return st.evalBool(fr.loop.Cond)
	}
}

// doLoopCtrl breaks or continues the innermost loop. Outside any loop the
// statement is inert.
func (st *decodeState) doLoopCtrl(v *pdb.LoopCtrl, stack *[]frame) {
	for i := len(*stack) - 1; i >= 0; i-- {
		if (*stack)[i].kind != frameLoop {
			continue
		}
		if v.Break {
			*stack = (*stack)[:i]
		} else {
			*stack = (*stack)[:i+1]
			(*stack)[i].cur = pdb.None
		}
		return
	}
}

// stepSet runs one Set iteration: exit check, then the first matching arm
// (respecting recurring), then the default item as a last resort.
func (st *decodeState) stepSet(fr *frame, stack *[]frame) (bool, error) {
	db := st.db()
	set := fr.set

	if fr.doneAfter {
		return true, nil
	}
	// A pass that consumed nothing ends the set; so does running dry.
	if fr.iters > 0 && st.cursor == fr.lastCursor {
		return true, nil
	}
	if fr.iters >= st.e.opts.MaxLoopIters {
		return true, st.failf(ErrEvaluation, "set exceeded %d iterations", st.e.opts.MaxLoopIters)
	}
	fr.iters++
	fr.lastCursor = st.cursor

	if st.remaining() <= 0 {
		return true, nil
	}
	exit, err := st.evalBool(set.ExitWhen)
	if err != nil {
		return true, err
	}
	if exit {
		return true, nil
	}

	// The repeated unit, when declared, decodes before arm selection so
	// match expressions can reference it.
	if set.FieldToRepeat != pdb.None {
		f := db.Get(set.FieldToRepeat).(pdb.FieldNode)
		if err := st.decodeField(f); err != nil {
			return true, err
		}
	}

	for id := set.FirstMatch; id != pdb.None; {
		arm := db.Get(id).(*pdb.Fieldmatch)
		if !arm.Recurring && fr.fired[id] {
			id = arm.NextMatch
			continue
		}
		ok, err := st.evalBool(arm.Match)
		if err != nil {
			return true, err
		}
		if ok {
			fr.fired[id] = true
			*stack = append(*stack, frame{kind: frameList, cur: arm.FirstChild})
			return false, nil
		}
		id = arm.NextMatch
	}

	if set.DefaultItem != pdb.None && !fr.usedDefault {
		fr.usedDefault = true
		fr.doneAfter = true
		*stack = append(*stack, frame{kind: frameList, cur: db.Get(set.DefaultItem).Base().FirstChild})
		return false, nil
	}
	return true, nil
}

// execChoice fires exactly one arm: the first matching fieldmatch, else
// the default item.
func (st *decodeState) execChoice(v *pdb.Choice, push func(frame)) error {
	db := st.db()
	for id := v.FirstMatch; id != pdb.None; {
		arm := db.Get(id).(*pdb.Fieldmatch)
		ok, err := st.evalBool(arm.Match)
		if err != nil {
			if v.Missing != pdb.None && errors.Is(err, ErrEvaluation) {
				push(frame{kind: frameList, cur: db.Get(v.Missing).Base().FirstChild})
				return nil
			}
			return err
		}
		if ok {
			push(frame{kind: frameList, cur: arm.FirstChild, missing: v.Missing})
			return nil
		}
		id = arm.NextMatch
	}
	if v.DefaultItem != pdb.None {
		push(frame{kind: frameList, cur: db.Get(v.DefaultItem).Base().FirstChild, missing: v.Missing})
	}
	return nil
}

// Statement execution.

func (st *decodeState) execAssignVar(v *pdb.AssignVariable) error {
	val, err := st.eval(v.Value)
	if err != nil {
		return err
	}
	if v.Offset != nil {
		off, err := st.evalNum(v.Offset)
		if err != nil {
			return err
		}
		length, err := st.evalNum(v.Length)
		if err != nil {
			return err
		}
		if !val.IsBuf {
			return st.failf(ErrEvaluation, "range assignment to %q needs a buffer value", v.VarName)
		}
		if err := st.e.vars.SetBufRange(v.VarName, int(off), int(length), val.Buf); err != nil {
			return st.failf(ErrEvaluation, "%v", err)
		}
		return nil
	}

	if val.IsBuf {
		err = st.e.vars.SetBuf(v.VarName, val.Buf)
	} else {
		err = st.e.vars.SetNum(v.VarName, val.Num)
	}
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	return nil
}

func (st *decodeState) execAssignLookup(v *pdb.AssignLookupTable) error {
	table, err := st.e.lookups.Table(v.Table)
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	val, err := st.eval(v.Value)
	if err != nil {
		return err
	}
	if v.Offset != nil {
		cur, err := table.HitCell(v.Column)
		if err != nil {
			return st.failf(ErrEvaluation, "%v", err)
		}
		if !cur.IsBuf || !val.IsBuf {
			return st.failf(ErrEvaluation, "range assignment to %s.%s needs buffers", v.Table, v.Column)
		}
		off, err := st.evalNum(v.Offset)
		if err != nil {
			return err
		}
		length, err := st.evalNum(v.Length)
		if err != nil {
			return err
		}
		if int(off)+int(length) > len(cur.Buf) {
			return st.failf(ErrEvaluation, "range [%d:%d] outside %s.%s", off, length, v.Table, v.Column)
		}
		copy(cur.Buf[off:off+length], val.Buf)
		return nil
	}
	if err := table.SetHitCell(v.Column, val); err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	return nil
}

func (st *decodeState) execUpdateLookup(v *pdb.UpdateLookupTable) error {
	table, err := st.e.lookups.Table(v.Table)
	if err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}

	switch v.Action {
	case pdb.LookupPurge:
		table.Purge()
		return nil
	case pdb.LookupObsolete:
		table.Obsolete()
		return nil
	}

	keys := make([]run.Value, len(v.Keys))
	for i, k := range v.Keys {
		if keys[i], err = st.eval(k); err != nil {
			return err
		}
	}
	data := make([]run.Value, len(v.Data))
	for i, d := range v.Data {
		if data[i], err = st.eval(d); err != nil {
			return err
		}
	}

	spec := run.UpdateSpec{
		Validity:   v.Validity,
		KeepTime:   v.KeepTime,
		HitTime:    v.HitTime,
		NewHitTime: v.NewHitTime,
	}
	for _, m := range v.KeyMasks {
		if m != nil {
			spec.Masks = v.KeyMasks
			break
		}
	}
	if err := table.Add(keys, data, spec); err != nil {
		return st.failf(ErrEvaluation, "%v", err)
	}
	return nil
}
