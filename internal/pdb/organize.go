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

package pdb

import (
	"math/bits"

	"github.com/sirupsen/logrus"
	"github.com/tiendc/go-deepcopy"

	"buf.build/go/netpdl/internal/expr"
)

// MaxElements bounds the arena, including nodes created by ADT expansion. A
// self-referential ADT would otherwise grow the arena forever.
const MaxElements = 1 << 20

// organize is the second pass: with every node loaded, resolve every
// forward reference, expand the macro-like constructs, and validate the
// shapes the decoder depends on. After organize returns nil the database is
// frozen.
func organize(db *Database, log logrus.FieldLogger) error {
	o := &organizer{db: db, log: log}

	// ADT expansion runs before the binding passes so that cloned subtrees
	// get their branch and subfield links resolved like loaded ones.
	steps := []func() error{
		o.locateWellKnownProtos,
		o.expandADTs,
		o.bindProtos,
		o.bindControlFlow,
		o.bindSubfields,
		o.stitchBitGroups,
		o.resolveShowTemplates,
		o.checkLookupUpdates,
		o.checkXMLMaps,
		o.bindExpressions,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"nodes":     len(db.Nodes) - 1,
		"protocols": len(db.Protos),
		"tables":    len(db.Tables),
	}).Info("protocol database organized")
	return nil
}

type organizer struct {
	db  *Database
	log logrus.FieldLogger
}

func (o *organizer) locateWellKnownProtos() error {
	db := o.db
	var ok bool
	if db.StartProto, ok = db.ProtoIndex[StartProtoName]; !ok {
		return structural("netpdl", 0, "mandatory protocol %q is missing", StartProtoName)
	}
	if db.DefaultProto, ok = db.ProtoIndex[DefaultProtoName]; !ok {
		return structural("netpdl", 0, "mandatory protocol %q is missing", DefaultProtoName)
	}
	if i, ok := db.ProtoIndex[PaddingProtoName]; ok {
		db.PaddingProto = i
	}
	return nil
}

// bindProtos splits each protocol's execute-code children into the four
// event lists, and binds its format head, encapsulation, and summary
// template.
func (o *organizer) bindProtos() error {
	db := o.db
	for _, p := range db.Protos {
		for _, child := range db.Children(p) {
			switch c := child.(type) {
			case *Encapsulation:
				p.Encap = c.ID
			case *skipped:
				switch c.ElementName {
				case "execute-code":
					for _, sec := range db.Children(c) {
						s, ok := sec.(*ExecSection)
						if !ok {
							continue
						}
						switch s.Event {
						case "verify":
							p.ExecVerify = append(p.ExecVerify, s.ID)
						case "init":
							p.ExecInit = append(p.ExecInit, s.ID)
						case "before":
							p.ExecBefore = append(p.ExecBefore, s.ID)
						case "after":
							p.ExecAfter = append(p.ExecAfter, s.ID)
						}
					}
				case "format":
					for _, f := range db.Children(c) {
						if f.Base().ElementName == "fields" {
							p.FirstField = f.Base().FirstChild
						}
					}
				}
			}
		}

		if p.ShowSumTemplateName != "" && !db.Minimal {
			t, ok := db.ShowSumTemplates[p.ShowSumTemplateName]
			if !ok {
				return structural("protocol", p.Line,
					"protocol %q references unknown showsumtemplate %q", p.Name, p.ShowSumTemplateName)
			}
			p.ShowSumTemplate = t.ID
		}
	}
	return nil
}

// bindControlFlow resolves the branch links of if/switch/loop/set/choice
// and the includeblk targets.
func (o *organizer) bindControlFlow() error {
	db := o.db
	for _, n := range db.Nodes {
		switch v := n.(type) {
		case *If:
			for _, c := range db.Children(v) {
				switch c.Base().ElementName {
				case "if-true":
					v.True = c.Base().ID
				case "if-false":
					v.False = c.Base().ID
				case "missing-packetdata":
					v.Missing = c.Base().ID
				default:
					return structural(c.Base().ElementName, c.Base().Line, "unexpected child of <if>")
				}
			}
			if v.True == None {
				return structural("if", v.Line, "<if> has no <if-true> branch")
			}

		case *Switch:
			var prev *Case
			for _, c := range db.Children(v) {
				arm, ok := c.(*Case)
				if !ok {
					return structural(c.Base().ElementName, c.Base().Line, "unexpected child of <switch>")
				}
				if arm.ElementName == "default" {
					v.Default = arm.ID
					continue
				}
				// Case value kind must agree with the switch comparison mode.
				if v.CaseSensitive != arm.IsNumber {
					return structural("case", arm.Line,
						"case value kind does not match switch comparison mode")
				}
				if v.FirstCase == None {
					v.FirstCase = arm.ID
				}
				if prev != nil {
					prev.NextCase = arm.ID
				}
				prev = arm
			}
			if v.FirstCase == None && v.Default == None {
				return structural("switch", v.Line, "<switch> has no cases")
			}

		case *Loop:
			for _, c := range db.Children(v) {
				if c.Base().ElementName == "missing-packetdata" {
					v.Missing = c.Base().ID
				}
			}

		case *Set:
			if err := o.bindMatchArms(v.Base(), &v.FirstMatch, &v.DefaultItem, &v.Missing, &v.FieldToRepeat); err != nil {
				return err
			}
			if v.ExitWhen == nil {
				return structural("set", v.Line, "<set> needs an <exit-when>")
			}

		case *Choice:
			var none NodeID
			if err := o.bindMatchArms(v.Base(), &v.FirstMatch, &v.DefaultItem, &v.Missing, &none); err != nil {
				return err
			}

		case *IncludeBlk:
			target := o.findBlock(v)
			if target == None {
				return structural("includeblk", v.Line, "no block named %q in scope", v.Name)
			}
			v.Target = target

		case *Block:
			if v.ShowSumTemplateName != "" && !db.Minimal {
				t, ok := db.ShowSumTemplates[v.ShowSumTemplateName]
				if !ok {
					return structural("block", v.Line,
						"block %q references unknown showsumtemplate %q", v.Name, v.ShowSumTemplateName)
				}
				v.ShowSumTemplate = t.ID
			}

		}
	}
	return nil
}

func (o *organizer) bindMatchArms(b *NodeBase, first, deflt, missing, repeat *NodeID) (err error) {
	db := o.db
	var prev *Fieldmatch
	matches := 0
	for _, c := range db.Children(b) {
		switch arm := c.(type) {
		case *Fieldmatch:
			matches++
			if *first == None {
				*first = arm.ID
			}
			if prev != nil {
				prev.NextMatch = arm.ID
			}
			prev = arm
		case *DefaultItem:
			if *deflt != None {
				return structural(b.ElementName, b.Line, "more than one <default-item>")
			}
			*deflt = arm.ID
		case FieldNode:
			if repeat != nil && *repeat == None {
				*repeat = c.Base().ID
			}
		default:
			switch c.Base().ElementName {
			case "missing-packetdata":
				*missing = c.Base().ID
			case "exit-when":
				// Absorbed by the loader.
			default:
				return structural(c.Base().ElementName, c.Base().Line,
					"unexpected child of <%s>", b.ElementName)
			}
		}
	}
	if matches == 0 {
		return structural(b.ElementName, b.Line, "<%s> needs at least one <fieldmatch>", b.ElementName)
	}
	if *deflt == None {
		return structural(b.ElementName, b.Line, "<%s> needs a <default-item>", b.ElementName)
	}
	return nil
}

// findBlock resolves an includeblk to a block inside the same protocol,
// nearest enclosing scope first.
func (o *organizer) findBlock(inc *IncludeBlk) NodeID {
	db := o.db

	// Walk up to the protocol, checking each level's siblings on the way.
	for up := inc.Parent; up != None; up = db.Get(up).Base().Parent {
		parent := db.Get(up)
		for _, sib := range db.Children(parent) {
			if blk, ok := sib.(*Block); ok && blk.Name == inc.Name {
				return blk.ID
			}
		}
		if _, isProto := parent.(*Proto); isProto {
			return o.findBlockIn(parent.Base().ID, inc.Name)
		}
	}
	return None
}

func (o *organizer) findBlockIn(root NodeID, name string) NodeID {
	db := o.db
	var walk func(id NodeID) NodeID
	walk = func(id NodeID) NodeID {
		n := db.Get(id)
		if blk, ok := n.(*Block); ok && blk.Name == name {
			return blk.ID
		}
		for c := n.Base().FirstChild; c != None; c = db.Get(c).Base().NextSibling {
			if found := walk(c); found != None {
				return found
			}
		}
		return None
	}
	return walk(root)
}

// bindSubfields wires complex fields to their subfield children by portion
// tag or named capture.
func (o *organizer) bindSubfields() error {
	db := o.db
	for _, n := range db.Nodes {
		switch v := n.(type) {
		case *CfieldTLV:
			for _, c := range db.Children(v) {
				f, ok := c.(FieldNode)
				if !ok {
					continue
				}
				switch f.Field().Portion {
				case PortionTLVType:
					v.TypeSub = c.Base().ID
				case PortionTLVLength:
					v.LengthSub = c.Base().ID
				case PortionTLVValue:
					v.ValueSub = c.Base().ID
				default:
					return structural(c.Base().ElementName, c.Base().Line,
						"subfield of a tlv cfield needs a tlv portion")
				}
			}

		case *CfieldHdrline:
			for _, c := range db.Children(v) {
				f, ok := c.(FieldNode)
				if !ok {
					continue
				}
				switch f.Field().Portion {
				case PortionHdrlineName:
					v.NameSub = c.Base().ID
				case PortionHdrlineValue:
					v.ValueSub = c.Base().ID
				default:
					return structural(c.Base().ElementName, c.Base().Line,
						"subfield of a hdrline cfield needs hname or hvalue portion")
				}
			}

		case *CfieldDynamic:
			names := map[string]bool{}
			for _, g := range v.Pattern.GroupNames() {
				names[g] = true
			}
			for _, c := range db.Children(v) {
				f, ok := c.(FieldNode)
				if !ok {
					continue
				}
				if f.Field().Portion != PortionDynamic {
					return structural(c.Base().ElementName, c.Base().Line,
						"subfield of a dynamic cfield needs a dynamic portion")
				}
				capture := f.Field().PortionName
				if !names[capture] {
					return structural(c.Base().ElementName, c.Base().Line,
						"pattern has no named capture %q", capture)
				}
				v.Captures[capture] = c.Base().ID
			}
		}
	}
	return nil
}

// stitchBitGroups walks every run of adjacent bit fields, checks that the
// group shares one covering size and exactly tiles it, and marks the member
// that advances the cursor.
func (o *organizer) stitchBitGroups() error {
	db := o.db
	for _, n := range db.Nodes {
		first, ok := n.(*FieldBit)
		if !ok {
			continue
		}
		// Only handle the head of each group.
		if prev := db.Get(first.PrevSibling); prev != nil {
			if _, isBit := prev.(*FieldBit); isBit {
				continue
			}
		}

		maskBits := 0
		last := first
		for cur := first; ; {
			if cur.Size != first.Size {
				return structural("field", cur.Line,
					"bit field %q: covering size %d differs from group's %d", cur.Name, cur.Size, first.Size)
			}
			cur.IsLast = false
			maskBits += bits.OnesCount32(cur.Mask)
			last = cur

			next, isBit := db.Get(cur.NextSibling).(*FieldBit)
			if !isBit {
				break
			}
			cur = next
		}
		last.IsLast = true

		if maskBits != 8*first.Size {
			return structural("field", first.Line,
				"bit group starting at %q covers %d bits of a %d-bit span", first.Name, maskBits, 8*first.Size)
		}
	}
	return nil
}

// expandADTs replaces every adtfield with a clone of the called ADT's field
// and splices baseadt subtrees into their callers, applying replace
// directives. Clones take fresh arena indices past the loaded tail.
func (o *organizer) expandADTs() error {
	db := o.db

	// Bind every ADT to its field definition first; expansion below needs
	// the links regardless of declaration order.
	for _, n := range db.Nodes {
		adt, ok := n.(*Adt)
		if !ok {
			continue
		}
		for _, c := range db.Children(adt) {
			if _, isField := c.(FieldNode); isField {
				adt.FieldID = c.Base().ID
				break
			}
		}
		if adt.FieldID == None {
			return structural("adt", adt.Line, "ADT %q has no field definition", adt.Name)
		}
	}

	// The arena grows while expanding; newly appended clones are visited
	// too, so ADTs calling other ADTs resolve transitively. MaxElements
	// breaks self-referential cycles.
	for i := 1; i < len(db.Nodes); i++ {
		if len(db.Nodes) > MaxElements {
			return structural("netpdl", 0, "element count exceeded while expanding ADTs")
		}

		switch v := db.Nodes[i].(type) {
		case *Adtfield:
			adt := o.lookupADT(v.Base(), v.ADTType)
			if adt == nil {
				return structural("adtfield", v.Line, "unknown ADT %q", v.ADTType)
			}
			clone := o.cloneTree(adt.FieldID)
			cf, _ := db.Get(clone).(FieldNode)
			if cf == nil {
				return structural("adtfield", v.Line, "ADT %q does not define a field", v.ADTType)
			}
			// The call site's identity wins when provided.
			if v.Name != "" {
				cf.Field().Name = v.Name
			}
			if v.LongName != "" {
				cf.Field().LongName = v.LongName
			}
			if v.ShowTemplateName != "" {
				cf.Field().ShowTemplateName = v.ShowTemplateName
			}
			if err := o.applyReplaces(v.Base(), clone); err != nil {
				return err
			}
			o.splice(v.Base(), clone)

		case FieldNode:
			base := v.Field()
			if base.BaseADT == "" {
				continue
			}
			adt := o.lookupADT(v.Base(), base.BaseADT)
			if adt == nil {
				return structural(base.ElementName, base.Line, "unknown ADT %q", base.BaseADT)
			}
			base.BaseADT = ""
			if err := o.graftChildren(v.Base(), adt.FieldID); err != nil {
				return err
			}

		case *Fieldmatch, *DefaultItem:
			// baseadt on match arms grafts the ADT subtree as the arm body.
			// Arms carry it through an attribute on their first field child,
			// which the FieldNode case above already covers.
		}
	}
	return nil
}

// lookupADT searches the enclosing protocol's scope first, then the global
// scope.
func (o *organizer) lookupADT(from *NodeBase, name string) *Adt {
	db := o.db
	for up := from.Parent; up != None; up = db.Get(up).Base().Parent {
		if p, ok := db.Get(up).(*Proto); ok {
			if adt, ok := db.LocalADTs[p.Name][name]; ok {
				return adt
			}
			break
		}
	}
	return db.GlobalADTs[name]
}

// cloneTree deep-clones the subtree rooted at src into fresh arena slots
// and returns the clone's root id.
func (o *organizer) cloneTree(src NodeID) NodeID {
	db := o.db
	n := db.Get(src)

	c := copyNode(n)
	b := c.Base()
	*b = NodeBase{ElementName: b.ElementName, Line: b.Line, CallHandler: b.CallHandler}
	id := db.Append(c)

	var prev NodeID
	for childID := n.Base().FirstChild; childID != None; childID = db.Get(childID).Base().NextSibling {
		cc := o.cloneTree(childID)
		ccb := db.Get(cc).Base()
		ccb.Parent = id
		if prev == None {
			b.FirstChild = cc
		} else {
			db.Get(prev).Base().NextSibling = cc
			ccb.PrevSibling = prev
		}
		prev = cc
	}
	return id
}

// splice replaces old with repl in old's sibling chain. The old node stays
// in the arena, orphaned, so indices never move.
func (o *organizer) splice(old *NodeBase, repl NodeID) {
	db := o.db
	rb := db.Get(repl).Base()
	rb.Parent = old.Parent
	rb.PrevSibling = old.PrevSibling
	rb.NextSibling = old.NextSibling

	if old.PrevSibling != None {
		db.Get(old.PrevSibling).Base().NextSibling = repl
	} else if old.Parent != None {
		db.Get(old.Parent).Base().FirstChild = repl
	}
	if old.NextSibling != None {
		db.Get(old.NextSibling).Base().PrevSibling = repl
	}
	old.Parent, old.PrevSibling, old.NextSibling = None, None, None
}

// graftChildren clones adtField's children and appends them under dst,
// honoring dst's replace directives.
func (o *organizer) graftChildren(dst *NodeBase, adtField NodeID) error {
	db := o.db
	src := db.Get(adtField)

	var last NodeID
	for c := dst.FirstChild; c != None; c = db.Get(c).Base().NextSibling {
		last = c
	}
	for childID := src.Base().FirstChild; childID != None; childID = db.Get(childID).Base().NextSibling {
		if _, isReplace := db.Get(childID).(*Replace); isReplace {
			continue
		}
		cc := o.cloneTree(childID)
		ccb := db.Get(cc).Base()
		ccb.Parent = dst.ID
		if last == None {
			dst.FirstChild = cc
		} else {
			db.Get(last).Base().NextSibling = cc
			ccb.PrevSibling = last
		}
		last = cc
	}
	return o.applyReplaces(dst, dst.ID)
}

// applyReplaces rewrites fields of an expansion per the call site's replace
// children, matched by nameref.
func (o *organizer) applyReplaces(call *NodeBase, root NodeID) error {
	db := o.db
	for _, c := range db.Children(call) {
		rep, ok := c.(*Replace)
		if !ok {
			continue
		}
		target := o.findFieldByName(root, rep.NameRef)
		if target == nil {
			return structural("replace", rep.Line,
				"ADT expansion has no field named %q", rep.NameRef)
		}
		if rep.NewName != "" {
			target.Name = rep.NewName
		}
		if rep.NewLongName != "" {
			target.LongName = rep.NewLongName
		}
		if rep.NewShowTemplate != "" {
			target.ShowTemplateName = rep.NewShowTemplate
		}
	}
	return nil
}

func (o *organizer) findFieldByName(root NodeID, name string) *FieldBase {
	db := o.db
	var walk func(id NodeID) *FieldBase
	walk = func(id NodeID) *FieldBase {
		n := db.Get(id)
		if f, ok := n.(FieldNode); ok && f.Field().Name == name {
			return f.Field()
		}
		for c := n.Base().FirstChild; c != None; c = db.Get(c).Base().NextSibling {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(root)
}

// copyNode clones one node's payload without its tree edges. Expressions
// and compiled regexes are immutable after load, so clones share them; the
// mutable per-node containers are duplicated.
func copyNode(n Node) Node {
	switch v := n.(type) {
	case *skipped:
		c := *v
		return &c
	case *Block:
		c := *v
		return &c
	case *IncludeBlk:
		c := *v
		return &c
	case *If:
		c := *v
		c.True, c.False, c.Missing = None, None, None
		return &c
	case *Switch:
		c := *v
		c.FirstCase, c.Default = None, None
		return &c
	case *Case:
		c := *v
		c.NextCase = None
		return &c
	case *Loop:
		c := *v
		c.Missing = None
		return &c
	case *LoopCtrl:
		c := *v
		return &c
	case *Set:
		c := *v
		c.FieldToRepeat, c.FirstMatch, c.DefaultItem, c.Missing = None, None, None, None
		return &c
	case *Choice:
		c := *v
		c.FirstMatch, c.DefaultItem, c.Missing = None, None, None
		return &c
	case *Fieldmatch:
		c := *v
		c.NextMatch = None
		return &c
	case *DefaultItem:
		c := *v
		return &c
	case *Replace:
		c := *v
		return &c
	case *Adtfield:
		c := *v
		return &c
	case *FieldFixed:
		c := *v
		return &c
	case *FieldBit:
		c := *v
		return &c
	case *FieldVariable:
		c := *v
		return &c
	case *FieldTokenEnded:
		c := *v
		return &c
	case *FieldTokenWrapped:
		c := *v
		return &c
	case *FieldLine:
		c := *v
		return &c
	case *FieldPattern:
		c := *v
		return &c
	case *FieldEatall:
		c := *v
		return &c
	case *FieldPadding:
		c := *v
		return &c
	case *FieldPlugin:
		c := *v
		return &c
	case *CfieldTLV:
		c := *v
		c.TypeSub, c.LengthSub, c.ValueSub = None, None, None
		return &c
	case *CfieldDelimited:
		c := *v
		return &c
	case *CfieldLine:
		c := *v
		return &c
	case *CfieldHdrline:
		c := *v
		c.NameSub, c.ValueSub = None, None
		return &c
	case *CfieldDynamic:
		c := *v
		// The capture registry is per-node state; the clone binds its own
		// subfields.
		var captures map[string]NodeID
		_ = deepcopy.Copy(&captures, v.Captures)
		c.Captures = captures
		if c.Captures == nil {
			c.Captures = map[string]NodeID{}
		}
		return &c
	case *CfieldASN1:
		c := *v
		return &c
	case *CfieldXML:
		c := *v
		return &c
	case *XMLMap:
		c := *v
		return &c
	case *ExprStatement:
		c := *v
		return &c
	case *AssignVariable:
		c := *v
		return &c
	case *AssignLookupTable:
		c := *v
		return &c
	case *UpdateLookupTable:
		c := *v
		var keys, data []expr.Expr
		_ = deepcopy.Copy(&keys, v.Keys)
		_ = deepcopy.Copy(&data, v.Data)
		c.Keys, c.Data = keys, data
		return &c
	default:
		// Node kinds that never appear inside an ADT body.
		c := *n.Base()
		return &skipped{NodeBase: c}
	}
}

// resolveShowTemplates binds every field's showtemplate reference. Under a
// minimal load the references stay unbound by design.
func (o *organizer) resolveShowTemplates() error {
	db := o.db
	if db.Minimal {
		return nil
	}
	for _, n := range db.Nodes {
		f, ok := n.(FieldNode)
		if !ok {
			continue
		}
		base := f.Field()
		if base.ShowTemplateName == "" {
			continue
		}
		t, ok := db.ShowTemplates[base.ShowTemplateName]
		if !ok {
			return structural(base.ElementName, base.Line,
				"field %q references unknown showtemplate %q", base.Name, base.ShowTemplateName)
		}
		base.ShowTemplate = t.ID
	}
	return nil
}

// checkLookupUpdates validates every update statement against its table's
// declared shape.
func (o *organizer) checkLookupUpdates() error {
	db := o.db
	for _, n := range db.Nodes {
		u, ok := n.(*UpdateLookupTable)
		if !ok {
			continue
		}
		decl := db.Tables[u.Table]

		if u.Action != LookupAdd {
			if len(u.Keys) != 0 || len(u.Data) != 0 {
				return structural("update-lookuptable", u.Line,
					"action on table %q takes no key or data parameters", u.Table)
			}
			continue
		}

		if len(u.Keys) != len(decl.Keys) {
			return structural("update-lookuptable", u.Line,
				"table %q declares %d key columns, update provides %d", u.Table, len(decl.Keys), len(u.Keys))
		}
		if len(u.Data) != len(decl.Data) {
			return structural("update-lookuptable", u.Line,
				"table %q declares %d data columns, update provides %d", u.Table, len(decl.Data), len(u.Data))
		}
		for i, k := range u.Keys {
			if err := columnKindOK(decl.Keys[i], k, u.Line, u.Table); err != nil {
				return err
			}
			if i < len(u.KeyMasks) && u.KeyMasks[i] != nil && !decl.Keys[i].Masked {
				return structural("update-lookuptable", u.Line,
					"key column %q of table %q is not declared maskable", decl.Keys[i].Name, u.Table)
			}
		}
		for i, d := range u.Data {
			if err := columnKindOK(decl.Data[i], d, u.Line, u.Table); err != nil {
				return err
			}
		}

		// Aging policies imply insertion into the dynamic portion of the
		// table.
		if u.Validity != KeepForever && !decl.AllowDynamic {
			return structural("update-lookuptable", u.Line,
				"table %q does not allow dynamic entries", u.Table)
		}
	}
	return nil
}

func columnKindOK(col TableColumn, e expr.Expr, line int, table string) error {
	want := col.Kind.ExprKind()
	got := e.Kind()
	if got == expr.DontMind || got == want ||
		(want == expr.Number && got == expr.Boolean) {
		return nil
	}
	return structural("update-lookuptable", line,
		"column %q of table %q holds %v, expression yields %v", col.Name, table, want, got)
}

// checkXMLMaps validates that every <map> sits directly under an xml cfield.
// The kinds of sibling maps are not compared.
func (o *organizer) checkXMLMaps() error {
	db := o.db
	for _, n := range db.Nodes {
		m, ok := n.(*XMLMap)
		if !ok {
			continue
		}
		if _, ok := db.Get(m.Parent).(*CfieldXML); !ok {
			return structural("map", m.Line, "<map> outside an xml cfield")
		}
	}
	return nil
}

// bindExpressions walks every expression in the database and resolves
// protocol references to indices.
func (o *organizer) bindExpressions() error {
	db := o.db
	for _, n := range db.Nodes {
		if n == nil {
			continue
		}
		for _, e := range nodeExprs(n) {
			if err := o.bindExpr(n.Base(), e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *organizer) bindExpr(at *NodeBase, e expr.Expr) error {
	if e == nil {
		return nil
	}
	switch v := e.(type) {
	case *expr.ProtoRef:
		idx, ok := o.db.ProtoIndex[v.Name]
		if !ok {
			return structural(at.ElementName, at.Line, "reference to unknown protocol %q", v.Name)
		}
		v.Index = idx
	case *expr.FieldRef:
		if v.Proto != "" {
			if _, ok := o.db.ProtoIndex[v.Proto]; !ok {
				return structural(at.ElementName, at.Line, "field reference into unknown protocol %q", v.Proto)
			}
		}
		for _, sub := range []expr.Expr{v.Offset, v.Length} {
			if err := o.bindExpr(at, sub); err != nil {
				return err
			}
		}
	case *expr.VarRef:
		for _, sub := range []expr.Expr{v.Offset, v.Length} {
			if err := o.bindExpr(at, sub); err != nil {
				return err
			}
		}
	case *expr.TableCell:
		for _, sub := range []expr.Expr{v.Offset, v.Length} {
			if err := o.bindExpr(at, sub); err != nil {
				return err
			}
		}
	case *expr.Unary:
		return o.bindExpr(at, v.X)
	case *expr.Binary:
		if err := o.bindExpr(at, v.X); err != nil {
			return err
		}
		return o.bindExpr(at, v.Y)
	case *expr.Buf2Int:
		return o.bindExpr(at, v.X)
	case *expr.Int2Buf:
		return o.bindExpr(at, v.X)
	case *expr.Ascii2Int:
		return o.bindExpr(at, v.X)
	case *expr.ChangeByteOrder:
		return o.bindExpr(at, v.X)
	case *expr.IsPresent:
		return o.bindExpr(at, v.Ref)
	case *expr.HasString:
		return o.bindExpr(at, v.Haystack)
	case *expr.ExtractString:
		return o.bindExpr(at, v.Haystack)
	case *expr.IsASN1Type:
		return o.bindExpr(at, v.X)
	case *expr.CheckLookup:
		for _, k := range v.Keys {
			if err := o.bindExpr(at, k); err != nil {
				return err
			}
		}
	case *expr.UpdateLookup:
		for _, k := range v.Keys {
			if err := o.bindExpr(at, k); err != nil {
				return err
			}
		}
		for _, d := range v.Data {
			if err := o.bindExpr(at, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// nodeExprs enumerates the expressions a node owns.
func nodeExprs(n Node) []expr.Expr {
	switch v := n.(type) {
	case *ExecSection:
		return []expr.Expr{v.When}
	case *AssignVariable:
		return []expr.Expr{v.Value, v.Offset, v.Length}
	case *AssignLookupTable:
		return []expr.Expr{v.Value, v.Offset, v.Length}
	case *ExprStatement:
		return []expr.Expr{v.E}
	case *UpdateLookupTable:
		out := append([]expr.Expr{}, v.Keys...)
		return append(out, v.Data...)
	case *If:
		return []expr.Expr{v.Cond}
	case *Switch:
		return []expr.Expr{v.Value}
	case *Loop:
		return []expr.Expr{v.Cond}
	case *Set:
		return []expr.Expr{v.ExitWhen}
	case *Choice:
		return []expr.Expr{v.ExitWhen}
	case *Fieldmatch:
		return []expr.Expr{v.Match}
	case *NextProto:
		return []expr.Expr{v.Proto, v.Preferred}
	case *FieldVariable:
		return []expr.Expr{v.SizeExpr}
	case *FieldTokenEnded:
		return []expr.Expr{v.EndOffset, v.EndDiscard}
	case *FieldTokenWrapped:
		return []expr.Expr{v.BeginOffset, v.EndOffset}
	case *CfieldTLV:
		return []expr.Expr{v.ValueExpr}
	case *CfieldXML:
		return []expr.Expr{v.SizeExpr}
	default:
		return nil
	}
}
