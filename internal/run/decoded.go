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

package run

// DecodedPacket is the output tree for one packet. It lives until the next
// call to Decode on the same decoder.
type DecodedPacket struct {
	Number uint64

	// Length is the original wire length; CapLen how much was captured.
	Length, CapLen int
	TsSec, TsUsec  uint32

	// Data is the captured bytes; every field's Value is a view into it.
	Data []byte

	FirstProto *DecodedProto

	// Truncated marks a packet whose decode ran past the captured bytes
	// with no missing-packetdata handler in scope.
	Truncated bool

	// Summary holds the PSML section values, when a summary structure is
	// loaded.
	Summary []string
}

// Protos iterates the decoded protocols in order.
func (p *DecodedPacket) Protos() []*DecodedProto {
	var out []*DecodedProto
	for pr := p.FirstProto; pr != nil; pr = pr.Next {
		out = append(out, pr)
	}
	return out
}

// DecodedProto is one protocol header instance inside a packet.
type DecodedProto struct {
	Name, LongName string

	// Position/Size in bytes within the packet.
	Position, Size int

	FirstField *DecodedField
	Next       *DecodedProto
	Packet     *DecodedPacket
}

// Fields iterates the top-level decoded fields of this protocol.
func (p *DecodedProto) Fields() []*DecodedField {
	var out []*DecodedField
	for f := p.FirstField; f != nil; f = f.NextSibling {
		out = append(out, f)
	}
	return out
}

// DecodedField is one decoded field. Position and Size are bytes; bit
// fields additionally carry their mask.
type DecodedField struct {
	Name, LongName string

	Position int
	Size     int

	// Mask is nonzero for bit fields; the rendered value is the masked,
	// shifted integer.
	Mask uint32

	// Value views the packet bytes; for bit fields it covers the whole
	// group's span.
	Value []byte

	// Show is the rendered value; ShowDetail an optional longer form;
	// ShowMap the first matching mapping-table label.
	Show       string
	ShowDetail string
	ShowMap    string

	Parent      *DecodedField
	FirstChild  *DecodedField
	NextSibling *DecodedField
	PrevSibling *DecodedField
	Proto       *DecodedProto
}

// Children iterates the field's subfields.
func (f *DecodedField) Children() []*DecodedField {
	var out []*DecodedField
	for c := f.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// Builder grows one DecodedPacket. The decoder appends fields as it walks
// the description; the recency index answers field references in
// expressions.
type Builder struct {
	Packet *DecodedPacket

	curProto *DecodedProto
	// curParent is the open complex field, nil at protocol level.
	curParent *DecodedField
	lastField *DecodedField

	// Most recent field by name, globally and per protocol name. Field
	// references resolve against these.
	latest        map[string]*DecodedField
	latestByProto map[string]map[string]*DecodedField
}

// NewBuilder starts the tree for one packet.
func NewBuilder(pkt *DecodedPacket) *Builder {
	return &Builder{
		Packet:        pkt,
		latest:        map[string]*DecodedField{},
		latestByProto: map[string]map[string]*DecodedField{},
	}
}

// StartProto opens a protocol at the given byte position.
func (b *Builder) StartProto(name, longName string, position int) *DecodedProto {
	p := &DecodedProto{
		Name:     name,
		LongName: longName,
		Position: position,
		Packet:   b.Packet,
	}
	if b.Packet.FirstProto == nil {
		b.Packet.FirstProto = p
	} else {
		last := b.Packet.FirstProto
		for last.Next != nil {
			last = last.Next
		}
		last.Next = p
	}
	b.curProto = p
	b.curParent = nil
	b.lastField = nil
	return p
}

// EndProto closes the open protocol at the given cursor.
func (b *Builder) EndProto(position int) {
	if b.curProto != nil {
		b.curProto.Size = position - b.curProto.Position
	}
}

// CurrentProto returns the protocol being decoded.
func (b *Builder) CurrentProto() *DecodedProto { return b.curProto }

// AddField appends a field at the current level and indexes it for field
// references.
func (b *Builder) AddField(f *DecodedField) *DecodedField {
	f.Proto = b.curProto
	f.Parent = b.curParent

	if b.curParent != nil {
		if b.curParent.FirstChild == nil {
			b.curParent.FirstChild = f
		} else {
			last := b.curParent.FirstChild
			for last.NextSibling != nil {
				last = last.NextSibling
			}
			last.NextSibling = f
			f.PrevSibling = last
		}
	} else if b.curProto != nil {
		if b.curProto.FirstField == nil {
			b.curProto.FirstField = f
		} else {
			last := b.curProto.FirstField
			for last.NextSibling != nil {
				last = last.NextSibling
			}
			last.NextSibling = f
			f.PrevSibling = last
		}
	}

	b.lastField = f
	if f.Name != "" {
		b.latest[f.Name] = f
		if b.curProto != nil {
			m := b.latestByProto[b.curProto.Name]
			if m == nil {
				m = map[string]*DecodedField{}
				b.latestByProto[b.curProto.Name] = m
			}
			m[f.Name] = f
		}
	}
	return f
}

// Descend makes f the parent for subsequent AddField calls.
func (b *Builder) Descend(f *DecodedField) { b.curParent = f }

// Ascend closes the current complex field.
func (b *Builder) Ascend() {
	if b.curParent != nil {
		b.curParent = b.curParent.Parent
	}
}

// Latest resolves a field reference: the most recently decoded field with
// the name, optionally scoped to a protocol name.
func (b *Builder) Latest(proto, name string) (*DecodedField, bool) {
	if proto == "" {
		f, ok := b.latest[name]
		return f, ok
	}
	f, ok := b.latestByProto[proto][name]
	return f, ok
}
