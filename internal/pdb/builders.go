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
	"fmt"
	"strconv"
	"strings"

	"buf.build/go/netpdl/internal/bytesx"
	"buf.build/go/netpdl/internal/expr"
)

// builderFn instantiates the node for one element kind. A nil node with a
// nil error means the subtree is intentionally skipped.
type builderFn func(ld *loader, elem string, attrs map[string]string) (Node, error)

// builders dispatches element names. Containers with no attributes of their
// own share the passthru builder.
var builders map[string]builderFn

func init() {
	builders = map[string]builderFn{
		"netpdl":   buildRoot,
		"protocol": buildProto,

		"global":       passthru,
		"format":       passthru,
		"fields":       passthru,
		"execute-code": passthru,

		"init":   buildExecSection,
		"verify": buildExecSection,
		"before": buildExecSection,
		"after":  buildExecSection,

		"variable":    buildVariable,
		"lookuptable": buildLookupTable,
		"key":         buildTableColumn,
		"data":        buildTableColumn,
		"alias":       buildAlias,

		"assign-variable":    buildAssignVariable,
		"assign-lookuptable": buildAssignLookupTable,
		"update-lookuptable": buildUpdateLookupTable,
		"lookupkey":          buildLookupParam,
		"lookupdata":         buildLookupParam,
		"exec":               buildExec,

		"if":                 buildIf,
		"if-true":            passthru,
		"if-false":           passthru,
		"missing-packetdata": passthru,
		"switch":             buildSwitch,
		"case":               buildCase,
		"default":            buildCase,
		"loop":               buildLoop,
		"loopctrl":           buildLoopCtrl,

		"block":      buildBlock,
		"includeblk": buildIncludeBlk,

		"encapsulation": buildEncapsulation,
		"nextproto":     buildNextProto,

		"field":     buildField,
		"cfield":    buildCfield,
		"subfield":  buildField,
		"csubfield": buildCfield,
		"map":       buildXMLMap,

		"adt":      buildAdt,
		"adtfield": buildAdtfield,
		"replace":  buildReplace,

		"set":          buildSet,
		"choice":       buildChoice,
		"fieldmatch":   buildFieldmatch,
		"default-item": buildDefaultItem,
		"exit-when":    buildExitWhen,

		"visualization":   passthru,
		"showtemplate":    buildShowTemplate,
		"showmap":         buildShowMap,
		"showsumtemplate": buildShowSumTemplate,
		"showsumstruct":   buildShowSumStruct,
		"sumsection":      buildSumSection,
		"section":         buildShowSection,
		"text":            buildShowText,
		"protofield":      buildShowProtoField,
		"protohdr":        buildShowProtoHdr,
		"packethdr":       buildShowPacketHdr,
	}
}

func passthru(ld *loader, elem string, attrs map[string]string) (Node, error) {
	if ld.cfg.Minimal && elem == "visualization" {
		return nil, nil
	}
	return &skipped{}, nil
}

func buildRoot(ld *loader, elem string, attrs map[string]string) (Node, error) {
	if ld.db.Root != nil {
		return nil, structural(elem, ld.line(), "more than one <netpdl> element")
	}
	version, err := ld.req(elem, attrs, "version")
	if err != nil {
		return nil, err
	}
	major, minor, ok := splitVersion(version)
	if !ok {
		return nil, structural(elem, ld.line(), "version %q is not MAJOR.MINOR", version)
	}
	if major != SupportedMajor || minor != SupportedMinor {
		return nil, &LoadError{Cat: ErrVersionMismatch, Element: elem, Line: ld.line(),
			Err: fmt.Errorf("document version %s, library supports %d.%d", version, SupportedMajor, SupportedMinor)}
	}

	root := &Root{
		Name:         attrs["name"],
		VersionMajor: major,
		VersionMinor: minor,
		Creator:      attrs["creator"],
		Date:         attrs["date"],
	}
	ld.db.Root = root
	return root, nil
}

func splitVersion(s string) (major, minor int, ok bool) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(s[:dot])
	minor, err2 := strconv.Atoi(s[dot+1:])
	return major, minor, err1 == nil && err2 == nil
}

func buildProto(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	if _, dup := ld.db.ProtoIndex[name]; dup {
		return nil, structural(elem, ld.line(), "protocol %q declared twice", name)
	}
	p := &Proto{
		Name:                name,
		LongName:            attrs["longname"],
		ShowSumTemplateName: attrs["showsumtemplate"],
	}
	ld.db.ProtoIndex[name] = len(ld.db.Protos)
	ld.db.Protos = append(ld.db.Protos, p)
	return p, nil
}

func buildExecSection(ld *loader, elem string, attrs map[string]string) (Node, error) {
	when, err := ld.expr(elem, "when", attrs["when"], expr.BooleanOnly)
	if err != nil {
		return nil, err
	}
	return &ExecSection{Event: elem, When: when}, nil
}

func buildVariable(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	if _, dup := ld.db.Vars[name]; dup {
		return nil, structural(elem, ld.line(), "variable %q declared twice", name)
	}

	v := &VarDecl{Name: name}
	switch attrs["type"] {
	case "number":
		v.Kind = VarNumber
	case "buffer":
		v.Kind = VarBuffer
	case "refbuffer":
		v.Kind = VarRefBuffer
	case "protocol":
		v.Kind = VarProtocol
	default:
		return nil, structural(elem, ld.line(), "variable %q has unknown type %q", name, attrs["type"])
	}

	switch attrs["validity"] {
	case "static", "":
		v.Validity = ValidityStatic
	case "thispacket":
		v.Validity = ValidityThisPacket
	default:
		return nil, structural(elem, ld.line(), "variable %q has unknown validity %q", name, attrs["validity"])
	}

	// A refbuffer aliases packet memory and must not outlive the packet.
	if v.Kind == VarRefBuffer && v.Validity != ValidityThisPacket {
		return nil, structural(elem, ld.line(), "refbuffer variable %q must have validity thispacket", name)
	}

	if v.Kind == VarBuffer {
		size, err := ld.reqInt(elem, attrs, "size")
		if err != nil {
			return nil, err
		}
		v.Size = size
	}

	if init, ok := attrs["value"]; ok {
		v.HasInit = true
		switch v.Kind {
		case VarNumber, VarProtocol:
			n, err := parseInt(init)
			if err != nil {
				return nil, structural(elem, ld.line(), "variable %q: number initializer %q", name, init)
			}
			v.InitNumber = uint32(n)
		case VarBuffer:
			data, err := bytesx.Unescape(init)
			if err != nil {
				return nil, structural(elem, ld.line(), "variable %q: %v", name, err)
			}
			v.InitBytes = data
		default:
			return nil, structural(elem, ld.line(), "variable %q: refbuffer cannot take an initializer", name)
		}
	}

	ld.db.Vars[name] = v
	return v, nil
}

func buildLookupTable(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	if _, dup := ld.db.Tables[name]; dup {
		return nil, structural(elem, ld.line(), "lookup table %q declared twice", name)
	}
	exact, err := ld.optInt(elem, attrs, "exactentries", 0)
	if err != nil {
		return nil, err
	}
	masked, err := ld.optInt(elem, attrs, "maskentries", 0)
	if err != nil {
		return nil, err
	}
	t := &TableDecl{
		Name:         name,
		ExactEntries: exact,
		MaskEntries:  masked,
		AllowDynamic: attrs["validity"] == "dynamic",
	}
	ld.db.Tables[name] = t
	return t, nil
}

func buildTableColumn(ld *loader, elem string, attrs map[string]string) (Node, error) {
	table, ok := ld.parent().(*TableDecl)
	if !ok {
		return nil, structural(elem, ld.line(), "<%s> outside <lookuptable>", elem)
	}
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	if name == ColTimestamp || name == ColLifetime {
		return nil, structural(elem, ld.line(),
			"column name %q is reserved by the runtime in table %q", name, table.Name)
	}
	if _, dup := table.Column(name); dup {
		return nil, structural(elem, ld.line(), "column %q declared twice in table %q", name, table.Name)
	}

	col := TableColumn{Name: name}
	switch attrs["type"] {
	case "number":
		col.Kind = VarNumber
	case "buffer":
		col.Kind = VarBuffer
	case "protocol":
		col.Kind = VarProtocol
	default:
		return nil, structural(elem, ld.line(), "column %q has unknown type %q", name, attrs["type"])
	}
	if col.Kind == VarBuffer {
		size, err := ld.reqInt(elem, attrs, "size")
		if err != nil {
			return nil, err
		}
		col.Size = size
	}

	if elem == "key" {
		col.Masked = attrYes(attrs, "mask")
		table.Keys = append(table.Keys, col)
	} else {
		table.Data = append(table.Data, col)
	}
	return &skipped{}, nil
}

func buildAlias(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	payload, err := ld.req(elem, attrs, "value")
	if err != nil {
		return nil, err
	}
	if _, dup := ld.db.Aliases[name]; dup {
		return nil, structural(elem, ld.line(), "alias %q declared twice", name)
	}
	ld.db.Aliases[name] = payload
	return &AliasDecl{Name: name, Payload: payload}, nil
}

func buildAssignVariable(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	name = strings.TrimPrefix(name, "$")
	decl, ok := ld.db.Vars[name]
	if !ok {
		return nil, structural(elem, ld.line(), "assignment to undeclared variable %q", name)
	}

	want := expr.NumberOnly
	if decl.Kind == VarBuffer || decl.Kind == VarRefBuffer {
		want = expr.BufferOnly
	}
	value, err := ld.expr(elem, "value", attrs["value"], want)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "value")
	}
	off, err := ld.expr(elem, "offset", attrs["offset"], expr.NumberOnly)
	if err != nil {
		return nil, err
	}
	length, err := ld.expr(elem, "size", attrs["size"], expr.NumberOnly)
	if err != nil {
		return nil, err
	}
	return &AssignVariable{VarName: name, Value: value, Offset: off, Length: length}, nil
}

func buildAssignLookupTable(ld *loader, elem string, attrs map[string]string) (Node, error) {
	ref, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	ref = strings.TrimPrefix(ref, "$")
	table, column, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, structural(elem, ld.line(), "name %q is not table.column", ref)
	}
	decl, ok := ld.db.Tables[table]
	if !ok {
		return nil, structural(elem, ld.line(), "assignment to undeclared lookup table %q", table)
	}
	col, ok := decl.Column(column)
	if !ok {
		return nil, structural(elem, ld.line(), "table %q has no column %q", table, column)
	}

	want := expr.NumberOnly
	if col.Kind == VarBuffer {
		want = expr.BufferOnly
	}
	value, err := ld.expr(elem, "value", attrs["value"], want)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "value")
	}
	off, err := ld.expr(elem, "offset", attrs["offset"], expr.NumberOnly)
	if err != nil {
		return nil, err
	}
	length, err := ld.expr(elem, "size", attrs["size"], expr.NumberOnly)
	if err != nil {
		return nil, err
	}
	return &AssignLookupTable{Table: table, Column: column, Value: value, Offset: off, Length: length}, nil
}

func buildUpdateLookupTable(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	name = strings.TrimPrefix(name, "$")
	if _, ok := ld.db.Tables[name]; !ok {
		return nil, structural(elem, ld.line(), "update of undeclared lookup table %q", name)
	}

	u := &UpdateLookupTable{Table: name}
	switch attrs["action"] {
	case "add", "":
		u.Action = LookupAdd
	case "purge":
		u.Action = LookupPurge
	case "obsolete":
		u.Action = LookupObsolete
	default:
		return nil, structural(elem, ld.line(), "unknown action %q", attrs["action"])
	}

	switch attrs["validity"] {
	case "keepforever", "":
		u.Validity = KeepForever
	case "keepmaxtime":
		u.Validity = KeepMaxTime
	case "updateonhit":
		u.Validity = UpdateOnHit
	case "replaceonhit":
		u.Validity = ReplaceOnHit
	case "addonhit":
		u.Validity = AddOnHit
	default:
		return nil, structural(elem, ld.line(), "unknown validity %q", attrs["validity"])
	}

	if u.KeepTime, err = ld.optInt(elem, attrs, "keeptime", 0); err != nil {
		return nil, err
	}
	if u.HitTime, err = ld.optInt(elem, attrs, "hittime", 0); err != nil {
		return nil, err
	}
	if u.NewHitTime, err = ld.optInt(elem, attrs, "newhittime", 0); err != nil {
		return nil, err
	}
	return u, nil
}

// buildLookupParam attaches a <lookupkey>/<lookupdata> child expression to
// the surrounding <update-lookuptable>.
func buildLookupParam(ld *loader, elem string, attrs map[string]string) (Node, error) {
	u, ok := ld.parent().(*UpdateLookupTable)
	if !ok {
		return nil, structural(elem, ld.line(), "<%s> outside <update-lookuptable>", elem)
	}
	value, err := ld.expr(elem, "value", attrs["value"], expr.Any)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "value")
	}
	if elem == "lookupkey" {
		u.Keys = append(u.Keys, value)
		var mask []byte
		if m, ok := attrs["mask"]; ok {
			if mask, err = bytesx.Unescape(m); err != nil {
				return nil, structural(elem, ld.line(), "%v", err)
			}
		}
		u.KeyMasks = append(u.KeyMasks, mask)
	} else {
		u.Data = append(u.Data, value)
	}
	return &skipped{}, nil
}

func buildExec(ld *loader, elem string, attrs map[string]string) (Node, error) {
	e, err := ld.expr(elem, "expr", attrs["expr"], expr.Any)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "expr")
	}
	return &ExprStatement{E: e}, nil
}

func buildIf(ld *loader, elem string, attrs map[string]string) (Node, error) {
	cond, err := ld.expr(elem, "expr", attrs["expr"], expr.BooleanOnly)
	if err != nil {
		return nil, err
	}
	if cond == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "expr")
	}
	return &If{Cond: cond}, nil
}

func buildSwitch(ld *loader, elem string, attrs map[string]string) (Node, error) {
	caseSensitive := true
	if v, ok := attrs["casesensitive"]; ok {
		caseSensitive = v != "no" && v != "false"
	}

	// Case-sensitive switches compare numbers; insensitive ones compare
	// buffers.
	want := expr.NumberOnly
	if !caseSensitive {
		want = expr.BufferOnly
	}
	value, err := ld.expr(elem, "expr", attrs["expr"], want)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "expr")
	}
	return &Switch{Value: value, CaseSensitive: caseSensitive}, nil
}

func buildCase(ld *loader, elem string, attrs map[string]string) (Node, error) {
	sw, ok := ld.parent().(*Switch)
	if !ok {
		return nil, structural(elem, ld.line(), "<%s> outside <switch>", elem)
	}

	c := &Case{Show: attrs["show"]}
	if elem == "default" {
		if sw.Default != None {
			return nil, structural(elem, ld.line(), "more than one <default> in <switch>")
		}
		// The organize pass binds Switch.Default to this node's id.
		return c, nil
	}

	value, err := ld.req(elem, attrs, "value")
	if err != nil {
		return nil, err
	}
	if n, err := strconv.ParseUint(value, 0, 32); err == nil {
		c.IsNumber = true
		c.ValueNumber = uint32(n)
		if mv, ok := attrs["maxvalue"]; ok {
			m, err := strconv.ParseUint(mv, 0, 32)
			if err != nil {
				return nil, structural(elem, ld.line(), "maxvalue %q is not a number", mv)
			}
			c.HasMax = true
			c.MaxNumber = uint32(m)
		}
	} else {
		data, err := bytesx.Unescape(strings.Trim(value, "'"))
		if err != nil {
			return nil, structural(elem, ld.line(), "%v", err)
		}
		c.ValueBytes = data
	}
	return c, nil
}

func buildLoop(ld *loader, elem string, attrs map[string]string) (Node, error) {
	l := &Loop{}
	switch attrs["type"] {
	case "size":
		l.Kind = LoopSize
	case "times2repeat":
		l.Kind = LoopTimes
	case "while":
		l.Kind = LoopWhile
	case "do-while":
		l.Kind = LoopDoWhile
	default:
		return nil, structural(elem, ld.line(), "unknown loop type %q", attrs["type"])
	}

	want := expr.NumberOnly
	if l.Kind == LoopWhile || l.Kind == LoopDoWhile {
		want = expr.BooleanOnly
	}
	cond, err := ld.expr(elem, "expr", attrs["expr"], want)
	if err != nil {
		return nil, err
	}
	if cond == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "expr")
	}
	l.Cond = cond
	return l, nil
}

func buildLoopCtrl(ld *loader, elem string, attrs map[string]string) (Node, error) {
	switch attrs["type"] {
	case "break":
		return &LoopCtrl{Break: true}, nil
	case "continue":
		return &LoopCtrl{}, nil
	}
	return nil, structural(elem, ld.line(), "loopctrl type %q must be break or continue", attrs["type"])
}

func buildBlock(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	return &Block{
		Name:                name,
		LongName:            attrs["longname"],
		ShowSumTemplateName: attrs["showsumtemplate"],
	}, nil
}

func buildIncludeBlk(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	return &IncludeBlk{Name: name}, nil
}

func buildEncapsulation(ld *loader, elem string, attrs map[string]string) (Node, error) {
	return &Encapsulation{}, nil
}

func buildNextProto(ld *loader, elem string, attrs map[string]string) (Node, error) {
	proto, err := ld.expr(elem, "proto", attrs["proto"], expr.NumberOnly)
	if err != nil {
		return nil, err
	}
	if proto == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "proto")
	}
	preferred, err := ld.expr(elem, "preferred", attrs["preferred"], expr.BooleanOnly)
	if err != nil {
		return nil, err
	}
	return &NextProto{Proto: proto, Preferred: preferred}, nil
}

func buildXMLMap(ld *loader, elem string, attrs map[string]string) (Node, error) {
	m := &XMLMap{
		RefName:   attrs["refname"],
		Namespace: attrs["namespace"],
		Hierarchy: attrs["hierarcy"], // sic: the schema spells it this way
		AttsView:  attrYes(attrs, "attsview"),
	}
	switch attrs["type"] {
	case "element", "":
		m.Kind = MapElement
	case "pi":
		m.Kind = MapPI
	case "doctype":
		m.Kind = MapDoctype
	default:
		return nil, structural(elem, ld.line(), "unknown map type %q", attrs["type"])
	}
	return m, nil
}

func buildAdt(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	adt := &Adt{Name: name}

	if ld.curProto != nil {
		scope := ld.db.LocalADTs[ld.curProto.Name]
		if scope == nil {
			scope = map[string]*Adt{}
			ld.db.LocalADTs[ld.curProto.Name] = scope
		}
		if _, dup := scope[name]; dup {
			return nil, structural(elem, ld.line(), "ADT %q declared twice in protocol %q", name, ld.curProto.Name)
		}
		scope[name] = adt
	} else {
		if _, dup := ld.db.GlobalADTs[name]; dup {
			return nil, structural(elem, ld.line(), "global ADT %q declared twice", name)
		}
		ld.db.GlobalADTs[name] = adt
	}
	return adt, nil
}

func buildAdtfield(ld *loader, elem string, attrs map[string]string) (Node, error) {
	adttype, err := ld.req(elem, attrs, "adttype")
	if err != nil {
		return nil, err
	}
	f := &Adtfield{ADTType: adttype}
	f.Name = attrs["name"]
	f.LongName = attrs["longname"]
	f.ShowTemplateName = attrs["showtemplate"]
	f.BigEndian = fieldEndian(attrs)
	return f, nil
}

func buildReplace(ld *loader, elem string, attrs map[string]string) (Node, error) {
	nameref, err := ld.req(elem, attrs, "nameref")
	if err != nil {
		return nil, err
	}
	return &Replace{
		NameRef:         nameref,
		NewName:         attrs["name"],
		NewLongName:     attrs["longname"],
		NewShowTemplate: attrs["showtemplate"],
	}, nil
}

func buildSet(ld *loader, elem string, attrs map[string]string) (Node, error) {
	return &Set{}, nil
}

func buildChoice(ld *loader, elem string, attrs map[string]string) (Node, error) {
	return &Choice{}, nil
}

func buildFieldmatch(ld *loader, elem string, attrs map[string]string) (Node, error) {
	match, err := ld.expr(elem, "match", attrs["match"], expr.BooleanOnly)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "match")
	}
	return &Fieldmatch{Match: match, Recurring: attrYes(attrs, "recurring")}, nil
}

func buildDefaultItem(ld *loader, elem string, attrs map[string]string) (Node, error) {
	return &DefaultItem{}, nil
}

// buildExitWhen stores its expression on the surrounding Set or Choice.
func buildExitWhen(ld *loader, elem string, attrs map[string]string) (Node, error) {
	cond, err := ld.expr(elem, "expr", attrs["expr"], expr.BooleanOnly)
	if err != nil {
		return nil, err
	}
	if cond == nil {
		return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "expr")
	}
	switch p := ld.parent().(type) {
	case *Set:
		if p.ExitWhen != nil {
			return nil, structural(elem, ld.line(), "more than one <exit-when> in <set>")
		}
		p.ExitWhen = cond
	case *Choice:
		if p.ExitWhen != nil {
			return nil, structural(elem, ld.line(), "more than one <exit-when> in <choice>")
		}
		p.ExitWhen = cond
	default:
		return nil, structural(elem, ld.line(), "<exit-when> outside <set> or <choice>")
	}
	return &skipped{}, nil
}

func fieldEndian(attrs map[string]string) bool {
	// Network byte order unless the description opts out.
	v, ok := attrs["bigendian"]
	if !ok {
		return true
	}
	return v == "yes" || v == "true" || v == "1"
}

func (ld *loader) fieldCommon(f *FieldBase, elem string, attrs map[string]string) error {
	f.Name = attrs["name"]
	f.LongName = attrs["longname"]
	f.BigEndian = fieldEndian(attrs)
	f.ShowTemplateName = attrs["showtemplate"]
	f.BaseADT = attrs["baseadt"]

	if strings.HasPrefix(elem, "subfield") || strings.HasPrefix(elem, "csubfield") {
		portion, err := ld.req(elem, attrs, "portion")
		if err != nil {
			return err
		}
		switch {
		case portion == "tlvtype":
			f.Portion = PortionTLVType
		case portion == "tlvlength":
			f.Portion = PortionTLVLength
		case portion == "tlvvalue":
			f.Portion = PortionTLVValue
		case portion == "hname":
			f.Portion = PortionHdrlineName
		case portion == "hvalue":
			f.Portion = PortionHdrlineValue
		case strings.HasPrefix(portion, "dynamic:"):
			f.Portion = PortionDynamic
			f.PortionName = strings.TrimPrefix(portion, "dynamic:")
		default:
			return structural(elem, ld.line(), "unknown portion %q", portion)
		}
	}
	return nil
}

func buildField(ld *loader, elem string, attrs map[string]string) (Node, error) {
	typ, err := ld.req(elem, attrs, "type")
	if err != nil {
		return nil, err
	}

	var node FieldNode
	switch typ {
	case "fixed":
		size, err := ld.reqInt(elem, attrs, "size")
		if err != nil {
			return nil, err
		}
		node = &FieldFixed{Size: size}

	case "bit":
		mask, err := ld.req(elem, attrs, "mask")
		if err != nil {
			return nil, err
		}
		m, err := strconv.ParseUint(mask, 0, 32)
		if err != nil || m == 0 {
			return nil, structural(elem, ld.line(), "mask %q is not a nonzero 32-bit number", mask)
		}
		size, err := ld.reqInt(elem, attrs, "size")
		if err != nil {
			return nil, err
		}
		node = &FieldBit{Mask: uint32(m), Size: size}

	case "variable":
		sizeExpr, err := ld.expr(elem, "expr", attrs["expr"], expr.NumberOnly)
		if err != nil {
			return nil, err
		}
		if sizeExpr == nil {
			return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "expr")
		}
		node = &FieldVariable{SizeExpr: sizeExpr}

	case "tokenended":
		f := &FieldTokenEnded{}
		if tok, ok := attrs["endtoken"]; ok {
			data, err := bytesx.Unescape(tok)
			if err != nil {
				return nil, structural(elem, ld.line(), "%v", err)
			}
			f.EndToken = data
		}
		if f.EndRegex, err = ld.regex(elem, "endregex", attrs["endregex"], true); err != nil {
			return nil, err
		}
		if (f.EndToken == nil) == (f.EndRegex == nil) {
			return nil, structural(elem, ld.line(), "tokenended needs exactly one of endtoken and endregex")
		}
		if f.EndOffset, err = ld.expr(elem, "endoffset", attrs["endoffset"], expr.NumberOnly); err != nil {
			return nil, err
		}
		if f.EndDiscard, err = ld.expr(elem, "enddiscard", attrs["enddiscard"], expr.NumberOnly); err != nil {
			return nil, err
		}
		node = f

	case "tokenwrapped":
		f := &FieldTokenWrapped{}
		if tok, ok := attrs["begintoken"]; ok {
			if f.BeginToken, err = bytesx.Unescape(tok); err != nil {
				return nil, structural(elem, ld.line(), "%v", err)
			}
		}
		if f.BeginRegex, err = ld.regex(elem, "beginregex", attrs["beginregex"], true); err != nil {
			return nil, err
		}
		if tok, ok := attrs["endtoken"]; ok {
			if f.EndToken, err = bytesx.Unescape(tok); err != nil {
				return nil, structural(elem, ld.line(), "%v", err)
			}
		}
		if f.EndRegex, err = ld.regex(elem, "endregex", attrs["endregex"], true); err != nil {
			return nil, err
		}
		if (f.BeginToken == nil) == (f.BeginRegex == nil) {
			return nil, structural(elem, ld.line(), "tokenwrapped needs exactly one of begintoken and beginregex")
		}
		if (f.EndToken == nil) == (f.EndRegex == nil) {
			return nil, structural(elem, ld.line(), "tokenwrapped needs exactly one of endtoken and endregex")
		}
		if f.BeginOffset, err = ld.expr(elem, "beginoffset", attrs["beginoffset"], expr.NumberOnly); err != nil {
			return nil, err
		}
		if f.EndOffset, err = ld.expr(elem, "endoffset", attrs["endoffset"], expr.NumberOnly); err != nil {
			return nil, err
		}
		f.OnMissingBeginContinue = attrs["onmissingbegin"] != "skipfield"
		f.OnMissingEndContinue = attrs["onmissingend"] != "skipfield"
		node = f

	case "line":
		node = &FieldLine{}

	case "pattern":
		re, err := ld.regex(elem, "pattern", attrs["pattern"], true)
		if err != nil {
			return nil, err
		}
		if re == nil {
			return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "pattern")
		}
		node = &FieldPattern{
			Pattern:           re,
			OnPartialContinue: attrs["onpartialmatch"] != "skipfield",
		}

	case "eatall":
		node = &FieldEatall{}

	case "padding":
		align, err := ld.reqInt(elem, attrs, "align")
		if err != nil {
			return nil, err
		}
		node = &FieldPadding{Align: align}

	case "plugin":
		name, err := ld.req(elem, attrs, "plugin")
		if err != nil {
			return nil, err
		}
		node = &FieldPlugin{PluginName: name}

	default:
		return nil, structural(elem, ld.line(), "unknown field type %q", typ)
	}

	if err := ld.fieldCommon(node.Field(), elem, attrs); err != nil {
		return nil, err
	}
	return node, nil
}

func buildCfield(ld *loader, elem string, attrs map[string]string) (Node, error) {
	typ, err := ld.req(elem, attrs, "type")
	if err != nil {
		return nil, err
	}

	var node FieldNode
	switch typ {
	case "tlv":
		tsize, err := ld.reqInt(elem, attrs, "tsize")
		if err != nil {
			return nil, err
		}
		lsize, err := ld.reqInt(elem, attrs, "lsize")
		if err != nil {
			return nil, err
		}
		vexpr, err := ld.expr(elem, "vexpr", attrs["vexpr"], expr.NumberOnly)
		if err != nil {
			return nil, err
		}
		node = &CfieldTLV{TypeSize: tsize, LengthSize: lsize, ValueExpr: vexpr}

	case "delimited":
		f := &CfieldDelimited{}
		if f.BeginRegex, err = ld.regex(elem, "beginregex", attrs["beginregex"], true); err != nil {
			return nil, err
		}
		if f.EndRegex, err = ld.regex(elem, "endregex", attrs["endregex"], true); err != nil {
			return nil, err
		}
		if f.EndRegex == nil {
			return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "endregex")
		}
		if attrs["onmissingbegin"] == "skipfield" {
			f.OnMissingBegin = DelimSkipField
		}
		if attrs["onmissingend"] == "skipfield" {
			f.OnMissingEnd = DelimSkipField
		}
		node = f

	case "line":
		node = &CfieldLine{Encoding: attrs["encoding"]}

	case "hdrline":
		sep, err := ld.regex(elem, "sepregex", attrs["sepregex"], true)
		if err != nil {
			return nil, err
		}
		if sep == nil {
			return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "sepregex")
		}
		node = &CfieldHdrline{SepRegex: sep, Encoding: attrs["encoding"]}

	case "dynamic":
		re, err := ld.regex(elem, "pattern", attrs["pattern"], true)
		if err != nil {
			return nil, err
		}
		if re == nil {
			return nil, structural(elem, ld.line(), "missing mandatory attribute %q", "pattern")
		}
		node = &CfieldDynamic{Pattern: re, Captures: map[string]NodeID{}}

	case "asn1":
		f := &CfieldASN1{}
		switch attrs["encoding"] {
		case "ber", "":
			f.Encoding = ASN1BER
		case "der":
			f.Encoding = ASN1DER
		case "cer":
			f.Encoding = ASN1CER
		default:
			return nil, structural(elem, ld.line(), "unknown ASN.1 encoding %q", attrs["encoding"])
		}
		node = f

	case "xml":
		sizeExpr, err := ld.expr(elem, "size", attrs["size"], expr.NumberOnly)
		if err != nil {
			return nil, err
		}
		node = &CfieldXML{SizeExpr: sizeExpr}

	default:
		return nil, structural(elem, ld.line(), "unknown cfield type %q", typ)
	}

	if err := ld.fieldCommon(node.Field(), elem, attrs); err != nil {
		return nil, err
	}
	return node, nil
}

// Visualization builders. Under a minimal load these subtrees are skipped
// wholesale by the visualization passthru, so the builders below only run
// on full loads.

func buildShowTemplate(ld *loader, elem string, attrs map[string]string) (Node, error) {
	if ld.db.Minimal {
		return nil, nil
	}
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	if _, dup := ld.db.ShowTemplates[name]; dup {
		return nil, structural(elem, ld.line(), "showtemplate %q declared twice", name)
	}

	t := &ShowTemplate{
		Name:       name,
		NativeFunc: attrs["nativefunction"],
		Plugin:     attrs["plugin"],
		Separator:  attrs["separator"],
	}
	switch attrs["showtype"] {
	case "hex", "":
		t.Mode = DisplayHex
	case "hexnox":
		t.Mode = DisplayHexNoX
	case "dec":
		t.Mode = DisplayDec
	case "bin":
		t.Mode = DisplayBin
	case "asc":
		t.Mode = DisplayAsc
	case "float":
		t.Mode = DisplayFloat
	case "double":
		t.Mode = DisplayDouble
	default:
		return nil, structural(elem, ld.line(), "unknown showtype %q", attrs["showtype"])
	}
	if t.DigitSize, err = ld.optInt(elem, attrs, "digitsize", 0); err != nil {
		return nil, err
	}

	ld.db.ShowTemplates[name] = t
	return t, nil
}

func buildShowMap(ld *loader, elem string, attrs map[string]string) (Node, error) {
	t, ok := ld.parent().(*ShowTemplate)
	if !ok {
		return nil, structural(elem, ld.line(), "<showmap> outside <showtemplate>")
	}
	value, err := ld.req(elem, attrs, "value")
	if err != nil {
		return nil, err
	}
	show, err := ld.req(elem, attrs, "show")
	if err != nil {
		return nil, err
	}
	t.MapKeys = append(t.MapKeys, strings.ToUpper(value))
	t.MapLabels = append(t.MapLabels, show)
	return &skipped{}, nil
}

func buildShowSumTemplate(ld *loader, elem string, attrs map[string]string) (Node, error) {
	if ld.db.Minimal {
		return nil, nil
	}
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	if _, dup := ld.db.ShowSumTemplates[name]; dup {
		return nil, structural(elem, ld.line(), "showsumtemplate %q declared twice", name)
	}
	t := &ShowSumTemplate{Name: name}
	ld.db.ShowSumTemplates[name] = t
	return t, nil
}

func buildShowSumStruct(ld *loader, elem string, attrs map[string]string) (Node, error) {
	if ld.db.Minimal {
		return nil, nil
	}
	if ld.db.SumStructure != nil {
		return nil, structural(elem, ld.line(), "more than one <showsumstruct>")
	}
	s := &ShowSumStructure{}
	ld.db.SumStructure = s
	return s, nil
}

func buildSumSection(ld *loader, elem string, attrs map[string]string) (Node, error) {
	s, ok := ld.parent().(*ShowSumStructure)
	if !ok {
		return nil, structural(elem, ld.line(), "<sumsection> outside <showsumstruct>")
	}
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	s.Sections = append(s.Sections, name)
	return &skipped{}, nil
}

func buildShowSection(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	return &ShowCodeSection{Name: name}, nil
}

func buildShowText(ld *loader, elem string, attrs map[string]string) (Node, error) {
	value, err := ld.req(elem, attrs, "value")
	if err != nil {
		return nil, err
	}
	when := attrs["when"]
	switch when {
	case "", "always":
		when = "always"
	case "onlyempty", "onlysectionhastext":
	default:
		return nil, structural(elem, ld.line(), "unknown when %q", when)
	}
	return &ShowCodeText{Value: value, When: when}, nil
}

func buildShowProtoField(ld *loader, elem string, attrs map[string]string) (Node, error) {
	name, err := ld.req(elem, attrs, "name")
	if err != nil {
		return nil, err
	}
	showdata := attrs["showdata"]
	if showdata == "" {
		showdata = "showvalue"
	}
	return &ShowCodeProtoField{FieldName: name, ShowData: showdata}, nil
}

func buildShowProtoHdr(ld *loader, elem string, attrs map[string]string) (Node, error) {
	return &ShowCodeProtoHdr{}, nil
}

func buildShowPacketHdr(ld *loader, elem string, attrs map[string]string) (Node, error) {
	value, err := ld.req(elem, attrs, "value")
	if err != nil {
		return nil, err
	}
	return &ShowCodePacketHdr{Value: value}, nil
}
