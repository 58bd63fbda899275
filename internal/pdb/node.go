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

// Package pdb holds the protocol database: the typed node forest built from
// a description document, the streaming loader that builds it, and the
// organizer that resolves every cross-reference before the database is
// frozen.
//
// All nodes live in one arena addressed by [NodeID]; index zero is the
// reserved "no node" sentinel. Every edge between nodes, including the ones
// created by the organize pass, is a NodeID into the same arena, so a frozen
// database can be shared freely across decoder instances.
package pdb

import (
	"buf.build/go/netpdl/internal/expr"
)

// NodeID addresses a node in the database arena. Zero is "no node".
type NodeID uint32

// None is the reserved null NodeID.
const None NodeID = 0

// NodeBase carries the bookkeeping every node shares: forest edges, the
// source element name and line for diagnostics, and the optional external
// call handler.
type NodeBase struct {
	ID          NodeID
	Parent      NodeID
	FirstChild  NodeID
	PrevSibling NodeID
	NextSibling NodeID

	ElementName string
	Line        int

	CallHandler *CallHandlerInfo
}

// Base returns the node's shared bookkeeping.
func (b *NodeBase) Base() *NodeBase { return b }

// Node is any element of the description forest.
type Node interface {
	Base() *NodeBase
}

// CallHandlerInfo is a parsed callhandle attribute
// (`namespace:function:event`).
type CallHandlerInfo struct {
	Namespace string
	Function  string
	// Event is "before" or "after".
	Event string
}

// Root is the document element. Version must match the library's supported
// MAJOR.MINOR.
type Root struct {
	NodeBase
	Name          string
	VersionMajor  int
	VersionMinor  int
	Creator, Date string
}

// Proto is one protocol: its format tree, its execute-code sections split
// by event, and its encapsulation rules.
type Proto struct {
	NodeBase
	Name, LongName string

	// FirstField is the head of the fields list inside <format>.
	FirstField NodeID

	// Execute-code statement lists, in event order. Filled by organize.
	ExecVerify []NodeID
	ExecInit   []NodeID
	ExecBefore []NodeID
	ExecAfter  []NodeID

	// Encap is the <encapsulation> child, None when the protocol is a leaf.
	Encap NodeID

	ShowSumTemplateName string
	ShowSumTemplate     NodeID
}

// ExecSection groups the statements of one execute-code event
// (init/verify/before/after). Its children are the statements.
type ExecSection struct {
	NodeBase
	// Event is one of "init", "verify", "before", "after".
	Event string
	When  expr.Expr // optional guard
}

// AssignVariable writes a run-time variable, optionally into a slice of a
// buffer variable.
type AssignVariable struct {
	NodeBase
	VarName        string
	Offset, Length expr.Expr // optional buffer slice target
	Value          expr.Expr
}

// AssignLookupTable writes one data column of the currently bound row of a
// lookup table.
type AssignLookupTable struct {
	NodeBase
	Table, Column  string
	Offset, Length expr.Expr
	Value          expr.Expr
}

// ExprStatement evaluates an expression for its side effects, typically an
// updatelookuptable() call.
type ExprStatement struct {
	NodeBase
	E expr.Expr
}

// LookupAction is the action attribute of <update-lookuptable>.
type LookupAction uint8

const (
	LookupAdd LookupAction = iota
	LookupPurge
	LookupObsolete
)

// EntryValidity is a lookup-table entry lifetime policy.
type EntryValidity uint8

const (
	KeepForever EntryValidity = iota
	KeepMaxTime
	UpdateOnHit
	ReplaceOnHit
	AddOnHit
)

// UpdateLookupTable is the statement form of a lookup-table update, with the
// full action/lifetime attribute set.
type UpdateLookupTable struct {
	NodeBase
	Table  string
	Action LookupAction

	Validity   EntryValidity
	KeepTime   int // seconds
	HitTime    int
	NewHitTime int

	Keys []expr.Expr
	// KeyMasks parallels Keys; a non-nil entry routes the row to the
	// masked portion of the table with that per-byte mask.
	KeyMasks [][]byte
	Data     []expr.Expr
}

// VarValidity is a variable lifetime class.
type VarValidity uint8

const (
	ValidityStatic VarValidity = iota
	ValidityThisPacket
)

// VarKind is the declared kind of a run-time variable.
type VarKind uint8

const (
	VarNumber VarKind = iota
	VarBuffer
	VarRefBuffer
	VarProtocol
)

// ExprKind maps a variable kind onto the expression kind lattice.
func (k VarKind) ExprKind() expr.Kind {
	switch k {
	case VarBuffer, VarRefBuffer:
		return expr.Buffer
	default:
		return expr.Number
	}
}

// VarDecl declares a run-time variable.
type VarDecl struct {
	NodeBase
	Name     string
	Kind     VarKind
	Validity VarValidity
	Size     int // required for buffer kinds

	InitNumber uint32
	InitBytes  []byte
	HasInit    bool
}

// TableColumn is one key or data column of a lookup-table declaration.
type TableColumn struct {
	Name   string
	Kind   VarKind
	Size   int  // buffer columns
	Masked bool // key columns that participate in masked matching
}

// TableDecl declares a lookup table. The implicit timestamp and lifetime
// data columns are managed by the runtime and must not be redeclared.
type TableDecl struct {
	NodeBase
	Name string

	ExactEntries int
	MaskEntries  int
	AllowDynamic bool

	Keys []TableColumn
	Data []TableColumn
}

// Column returns the declared key or data column by name.
func (t *TableDecl) Column(name string) (TableColumn, bool) {
	for _, c := range t.Keys {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range t.Data {
		if c.Name == name {
			return c, true
		}
	}
	return TableColumn{}, false
}

// AliasDecl is a parse-time textual substitution.
type AliasDecl struct {
	NodeBase
	Name    string
	Payload string
}

// DisplayMode is a showtemplate rendering base.
type DisplayMode uint8

const (
	DisplayHex DisplayMode = iota
	DisplayHexNoX
	DisplayDec
	DisplayBin
	DisplayAsc
	DisplayFloat
	DisplayDouble
)

// ShowTemplate describes how a field value renders.
type ShowTemplate struct {
	NodeBase
	Name string

	Mode       DisplayMode
	DigitSize  int    // digits per group, 0 = no grouping
	Separator  string // between groups
	NativeFunc string // "ipv4", "ascii", "asciiline", "httpcontent", ""
	Plugin     string

	// Mapping table: raw value (hex, uppercase) to label, evaluated in
	// order, first match wins. Used for the PDML showmap attribute.
	MapKeys   []string
	MapLabels []string
}

// ShowSumTemplate is a named summary recipe; its children are show-code
// nodes.
type ShowSumTemplate struct {
	NodeBase
	Name string
}

// ShowSumStructure declares the summary columns.
type ShowSumStructure struct {
	NodeBase
	Sections []string
}

// Show-code nodes, the visualization micro-language.

// ShowCodeText emits literal text into a summary section.
type ShowCodeText struct {
	NodeBase
	Value string
	// When is "always", "onlyempty" or "onlysectionhastext".
	When string
}

// ShowCodeProtoField emits a decoded field's show value.
type ShowCodeProtoField struct {
	NodeBase
	FieldName string
	ShowData  string // "value" or "showvalue"
}

// ShowCodeProtoHdr emits the protocol header summary.
type ShowCodeProtoHdr struct {
	NodeBase
}

// ShowCodePacketHdr emits a packet-header attribute (num, timestamp, ...).
type ShowCodePacketHdr struct {
	NodeBase
	Value string
}

// ShowCodeSection switches the summary cursor to a named section.
type ShowCodeSection struct {
	NodeBase
	Name string
}

// If is a two-way (plus missing-data) branch over an expression.
type If struct {
	NodeBase
	Cond expr.Expr

	True    NodeID
	False   NodeID
	Missing NodeID
}

// Switch selects the first matching case of an expression.
type Switch struct {
	NodeBase
	Value         expr.Expr
	CaseSensitive bool

	FirstCase NodeID
	Default   NodeID
}

// Case is one switch arm. Number arms may carry a max for range matching.
type Case struct {
	NodeBase
	ValueNumber uint32
	MaxNumber   uint32
	HasMax      bool
	ValueBytes  []byte // buffer switches
	IsNumber    bool

	// Show overrides the field's rendered value when this arm wins.
	Show string

	NextCase NodeID
}

// LoopKind is the looptype attribute.
type LoopKind uint8

const (
	LoopSize LoopKind = iota
	LoopTimes
	LoopWhile
	LoopDoWhile
)

// Loop repeats its children per its kind.
type Loop struct {
	NodeBase
	Kind LoopKind
	Cond expr.Expr

	Missing NodeID
}

// LoopCtrl is a break or continue targeting the innermost loop.
type LoopCtrl struct {
	NodeBase
	Break bool // else continue
}

// Block is a named group of fields with its own summary template.
type Block struct {
	NodeBase
	Name, LongName string

	ShowSumTemplateName string
	ShowSumTemplate     NodeID
}

// IncludeBlk splices a sibling block by name.
type IncludeBlk struct {
	NodeBase
	Name   string
	Target NodeID // bound by organize
}

// Encapsulation heads the per-protocol next-protocol rules.
type Encapsulation struct {
	NodeBase
}

// NextProto nominates the next protocol to decode.
type NextProto struct {
	NodeBase
	Proto     expr.Expr // must resolve to a protocol index
	Preferred expr.Expr // optional
}

// FieldPortion tags a subfield with the part of its complex parent it
// renders.
type FieldPortion uint8

const (
	PortionNone FieldPortion = iota
	PortionTLVType
	PortionTLVLength
	PortionTLVValue
	PortionHdrlineName
	PortionHdrlineValue
	PortionDynamic // named capture; see FieldBase.PortionName
)

// FieldBase is shared by every field variant, plain or complex, field or
// subfield.
type FieldBase struct {
	NodeBase
	Name, LongName string

	BigEndian bool // in-network-byte-order

	ShowTemplateName string
	ShowTemplate     NodeID

	// ADT inheritance: the baseadt attribute, expanded by organize.
	BaseADT string

	// Subfield binding.
	Portion     FieldPortion
	PortionName string // dynamic captures
}

// FieldNode is implemented by every field variant.
type FieldNode interface {
	Node
	Field() *FieldBase
}

// Field returns the shared field attributes.
func (f *FieldBase) Field() *FieldBase { return f }

// FieldFixed consumes a constant number of bytes.
type FieldFixed struct {
	FieldBase
	Size int
}

// FieldBit reads part of a bit group through a mask. The organizer stitches
// groups together and marks the last member.
type FieldBit struct {
	FieldBase
	Mask uint32
	Size int // covering size in bytes, shared by the whole group
	// IsLast marks the member that advances the cursor.
	IsLast bool
}

// FieldVariable sizes itself by evaluating an expression.
type FieldVariable struct {
	FieldBase
	SizeExpr expr.Expr
}

// FieldTokenEnded scans for a terminator.
type FieldTokenEnded struct {
	FieldBase
	EndToken []byte
	EndRegex *expr.Regexp

	EndOffset  expr.Expr // adjusts the break point, signed
	EndDiscard expr.Expr // bytes swallowed after the field
}

// FieldTokenWrapped is delimited on both sides.
type FieldTokenWrapped struct {
	FieldBase
	BeginToken []byte
	BeginRegex *expr.Regexp
	EndToken   []byte
	EndRegex   *expr.Regexp

	BeginOffset expr.Expr
	EndOffset   expr.Expr

	// Policies: true = continue with an empty field, false = skip field.
	OnMissingBeginContinue bool
	OnMissingEndContinue   bool
}

// FieldLine consumes one text line including its terminator.
type FieldLine struct {
	FieldBase
}

// FieldPattern matches a regex anchored at the cursor.
type FieldPattern struct {
	FieldBase
	Pattern *expr.Regexp
	// OnPartialContinue: continue with an empty field instead of skipping.
	OnPartialContinue bool
}

// FieldEatall consumes to end of packet.
type FieldEatall struct {
	FieldBase
}

// FieldPadding advances to an alignment boundary relative to the protocol
// start.
type FieldPadding struct {
	FieldBase
	Align int
}

// FieldPlugin delegates to a named external dissector.
type FieldPlugin struct {
	FieldBase
	PluginName string
}

// CfieldTLV is a type-length-value triple.
type CfieldTLV struct {
	FieldBase
	TypeSize, LengthSize int
	ValueExpr            expr.Expr // optional value-size override

	TypeSub, LengthSub, ValueSub NodeID // bound by organize
}

// DelimPolicy selects behavior when a delimiter is missing.
type DelimPolicy uint8

const (
	DelimContinue DelimPolicy = iota
	DelimSkipField
)

// CfieldDelimited is bounded by regexes on either side.
type CfieldDelimited struct {
	FieldBase
	BeginRegex *expr.Regexp // optional
	EndRegex   *expr.Regexp

	OnMissingBegin DelimPolicy
	OnMissingEnd   DelimPolicy
}

// CfieldLine is a text line with a declared encoding.
type CfieldLine struct {
	FieldBase
	Encoding string
}

// CfieldHdrline is a header line split into name and value.
type CfieldHdrline struct {
	FieldBase
	SepRegex *expr.Regexp
	Encoding string

	NameSub, ValueSub NodeID // bound by organize
}

// CfieldDynamic matches a pattern and emits its named captures as
// subfields.
type CfieldDynamic struct {
	FieldBase
	Pattern *expr.Regexp

	// Captures maps a named group to the subfield that renders it. Bound by
	// organize.
	Captures map[string]NodeID
}

// ASN1Encoding is the encoding family of a CfieldASN1.
type ASN1Encoding uint8

const (
	ASN1BER ASN1Encoding = iota
	ASN1DER
	ASN1CER
)

// CfieldASN1 decodes one ASN.1 TLV, recursing into constructed types.
type CfieldASN1 struct {
	FieldBase
	Encoding ASN1Encoding
}

// CfieldXML consumes an XML fragment.
type CfieldXML struct {
	FieldBase
	SizeExpr expr.Expr // optional
}

// XMLMapKind tags a <map> node.
type XMLMapKind uint8

const (
	MapElement XMLMapKind = iota
	MapPI
	MapDoctype
)

// XMLMap maps an XML construct inside a CfieldXML to a display rule.
type XMLMap struct {
	NodeBase
	Kind      XMLMapKind
	RefName   string
	Namespace string
	Hierarchy string
	AttsView  bool
}

// Adtfield calls a named ADT in field position. The organizer replaces it
// with a clone of the ADT's field.
type Adtfield struct {
	FieldBase
	ADTType string
}

// Replace rewrites one field of an ADT expansion, matched by nameref.
type Replace struct {
	NodeBase
	NameRef string

	NewName         string
	NewLongName     string
	NewShowTemplate string
}

// Adt is a named reusable field definition; global when declared outside a
// protocol, otherwise scoped to its protocol.
type Adt struct {
	NodeBase
	Name string
	// FieldID is the single field child that calls clone.
	FieldID NodeID
}

// Set repeats a fieldmatch selection until exit-when fires.
type Set struct {
	NodeBase
	FieldToRepeat NodeID
	FirstMatch    NodeID
	ExitWhen      expr.Expr
	DefaultItem   NodeID
	Missing       NodeID
}

// Choice is a one-shot Set. An exit-when child is accepted for symmetry but
// has nothing to guard.
type Choice struct {
	NodeBase
	FirstMatch  NodeID
	DefaultItem NodeID
	Missing     NodeID
	ExitWhen    expr.Expr
}

// Fieldmatch is one conditional arm of a Set or Choice.
type Fieldmatch struct {
	NodeBase
	Match     expr.Expr
	Recurring bool

	NextMatch NodeID
}

// DefaultItem is the fallback arm of a Set or Choice.
type DefaultItem struct {
	NodeBase
}
