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

// Package run owns the mutable per-decoder state: the variable registry,
// the lookup tables, and the decoded-packet tree under construction. A
// decoder instance owns exactly one of each; nothing here is shared or
// locked.
package run

import (
	"fmt"

	"github.com/tiendc/go-deepcopy"

	"buf.build/go/netpdl/internal/pdb"
)

// Value is a variable or lookup-cell value: a 32-bit number or a byte
// buffer.
type Value struct {
	Num   uint32
	Buf   []byte
	IsBuf bool
}

// NumberValue wraps a number.
func NumberValue(n uint32) Value { return Value{Num: n} }

// BufferValue wraps raw bytes.
func BufferValue(b []byte) Value { return Value{Buf: b, IsBuf: true} }

// variable is one registry slot.
type variable struct {
	decl *pdb.VarDecl
	num  uint32
	buf  []byte
}

// VarStore is the per-decoder variable registry. Static variables persist
// across packets; thispacket variables reset at every packet boundary.
type VarStore struct {
	vars map[string]*variable
}

// NewVarStore seeds a registry from the database declarations. Initial
// buffer values are copied so one decoder cannot bleed state into another
// through the shared database.
func NewVarStore(db *pdb.Database) *VarStore {
	s := &VarStore{vars: make(map[string]*variable, len(db.Vars))}
	for name, decl := range db.Vars {
		v := &variable{decl: decl}
		s.vars[name] = v
		s.reset(v)
	}
	return s
}

func (s *VarStore) reset(v *variable) {
	v.num = 0
	v.buf = nil
	if !v.decl.HasInit {
		if v.decl.Kind == pdb.VarBuffer {
			v.buf = make([]byte, v.decl.Size)
		}
		return
	}
	switch v.decl.Kind {
	case pdb.VarNumber, pdb.VarProtocol:
		v.num = v.decl.InitNumber
	case pdb.VarBuffer:
		var init []byte
		_ = deepcopy.Copy(&init, v.decl.InitBytes)
		v.buf = make([]byte, v.decl.Size)
		copy(v.buf, init)
	}
}

// ResetPacket clears every thispacket variable; called at each packet
// boundary.
func (s *VarStore) ResetPacket() {
	for _, v := range s.vars {
		if v.decl.Validity == pdb.ValidityThisPacket {
			s.reset(v)
		}
	}
}

// Get reads a variable's value.
func (s *VarStore) Get(name string) (Value, error) {
	v, ok := s.vars[name]
	if !ok {
		return Value{}, fmt.Errorf("variable %q is not declared", name)
	}
	switch v.decl.Kind {
	case pdb.VarBuffer, pdb.VarRefBuffer:
		return BufferValue(v.buf), nil
	default:
		return NumberValue(v.num), nil
	}
}

// SetNum writes a number variable.
func (s *VarStore) SetNum(name string, n uint32) error {
	v, ok := s.vars[name]
	if !ok {
		return fmt.Errorf("variable %q is not declared", name)
	}
	if v.decl.Kind == pdb.VarBuffer || v.decl.Kind == pdb.VarRefBuffer {
		return fmt.Errorf("variable %q holds a buffer, not a number", name)
	}
	v.num = n
	return nil
}

// SetBuf writes a buffer variable. A refbuffer adopts the slice as a view;
// a plain buffer copies into its declared storage.
func (s *VarStore) SetBuf(name string, b []byte) error {
	v, ok := s.vars[name]
	if !ok {
		return fmt.Errorf("variable %q is not declared", name)
	}
	switch v.decl.Kind {
	case pdb.VarRefBuffer:
		v.buf = b
	case pdb.VarBuffer:
		if v.buf == nil {
			v.buf = make([]byte, v.decl.Size)
		}
		n := copy(v.buf, b)
		for i := n; i < len(v.buf); i++ {
			v.buf[i] = 0
		}
	default:
		return fmt.Errorf("variable %q holds a number, not a buffer", name)
	}
	return nil
}

// SetBufRange writes into a slice of a buffer variable.
func (s *VarStore) SetBufRange(name string, offset, length int, b []byte) error {
	v, ok := s.vars[name]
	if !ok {
		return fmt.Errorf("variable %q is not declared", name)
	}
	if v.decl.Kind != pdb.VarBuffer && v.decl.Kind != pdb.VarRefBuffer {
		return fmt.Errorf("variable %q holds a number, not a buffer", name)
	}
	if offset < 0 || length < 0 || offset+length > len(v.buf) {
		return fmt.Errorf("slice [%d:%d] outside variable %q (size %d)", offset, length, name, len(v.buf))
	}
	copy(v.buf[offset:offset+length], b)
	return nil
}
