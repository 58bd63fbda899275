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
	"buf.build/go/netpdl/internal/expr"
)

// Names the database treats specially.
const (
	// StartProtoName is the protocol every packet decode begins with.
	StartProtoName = "startproto"
	// DefaultProtoName is the catch-all protocol.
	DefaultProtoName = "defaultproto"
	// PaddingProtoName, when declared, soaks up trailing link-layer padding.
	PaddingProtoName = "etherpadding"

	// Reserved lookup-table data columns maintained by the runtime.
	ColTimestamp = "timestamp"
	ColLifetime  = "lifetime"
)

// Supported description-language version.
const (
	SupportedMajor = 0
	SupportedMinor = 2
)

// Database is the frozen protocol description: one node arena plus the
// indices the organize pass built over it. After organize returns it is
// immutable and safe to share across decoders.
type Database struct {
	// Nodes is the arena; Nodes[0] is nil, the None sentinel.
	Nodes []Node

	Root *Root

	// Protos in document order; the decoder's encapsulation machinery deals
	// in indices into this slice.
	Protos []*Proto
	// ProtoIndex maps a protocol name to its position in Protos.
	ProtoIndex map[string]int

	StartProto   int
	DefaultProto int
	PaddingProto int // -1 when absent

	ShowTemplates    map[string]*ShowTemplate
	ShowSumTemplates map[string]*ShowSumTemplate
	SumStructure     *ShowSumStructure

	Tables  map[string]*TableDecl
	Vars    map[string]*VarDecl
	Aliases map[string]string

	// ADTs: global and per-protocol scope.
	GlobalADTs map[string]*Adt
	LocalADTs  map[string]map[string]*Adt

	// Minimal load: visualization primitives skipped.
	Minimal bool
}

// Get returns the node at id, nil for None.
func (db *Database) Get(id NodeID) Node {
	if id == None || int(id) >= len(db.Nodes) {
		return nil
	}
	return db.Nodes[id]
}

// Append places n in the arena, assigns its ID, and returns it.
func (db *Database) Append(n Node) NodeID {
	id := NodeID(len(db.Nodes))
	n.Base().ID = id
	db.Nodes = append(db.Nodes, n)
	return id
}

// Children iterates n's direct children in document order.
func (db *Database) Children(n Node) []Node {
	var out []Node
	for id := n.Base().FirstChild; id != None; {
		c := db.Get(id)
		if c == nil {
			break
		}
		out = append(out, c)
		id = c.Base().NextSibling
	}
	return out
}

// ProtoByName returns a protocol and its index.
func (db *Database) ProtoByName(name string) (*Proto, int, bool) {
	i, ok := db.ProtoIndex[name]
	if !ok {
		return nil, 0, false
	}
	return db.Protos[i], i, true
}

// CountByElement tallies nodes by element name; the load-idempotence tests
// compare these tallies across loads.
func (db *Database) CountByElement() map[string]int {
	out := make(map[string]int)
	for _, n := range db.Nodes {
		if n == nil {
			continue
		}
		out[n.Base().ElementName]++
	}
	return out
}

// resolver adapts a database under construction to [expr.Resolver]. The
// loader parses expressions as it meets them, so declarations must precede
// use, which the schema already guarantees for variables, tables and
// aliases.
type resolver struct {
	db *Database
}

func (r resolver) Alias(name string) (string, bool) {
	payload, ok := r.db.Aliases[name]
	return payload, ok
}

func (r resolver) VariableKind(name string) (expr.Kind, bool) {
	v, ok := r.db.Vars[name]
	if !ok {
		return expr.DontMind, false
	}
	return v.Kind.ExprKind(), true
}

func (r resolver) TableColumnKind(table, column string) (expr.Kind, bool) {
	t, ok := r.db.Tables[table]
	if !ok {
		return expr.DontMind, false
	}
	switch column {
	case ColTimestamp, ColLifetime:
		return expr.Number, true
	}
	c, ok := t.Column(column)
	if !ok {
		return expr.DontMind, false
	}
	return c.Kind.ExprKind(), true
}

func (r resolver) TableExists(name string) bool {
	_, ok := r.db.Tables[name]
	return ok
}

func (r resolver) TableKeyCount(name string) (int, bool) {
	t, ok := r.db.Tables[name]
	if !ok {
		return 0, false
	}
	return len(t.Keys), true
}

// ProtocolExists accepts any name at parse time. Encapsulation rules
// routinely reference protocols declared later in the document, so the
// organize pass is where unresolved protocol references fail the load.
func (r resolver) ProtocolExists(string) bool { return true }
