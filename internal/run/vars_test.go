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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buf.build/go/netpdl/internal/pdb"
)

func varsDB() *pdb.Database {
	return &pdb.Database{
		Vars: map[string]*pdb.VarDecl{
			"total": {Name: "total", Kind: pdb.VarNumber, Validity: pdb.ValidityStatic},
			"seen": {
				Name: "seen", Kind: pdb.VarNumber, Validity: pdb.ValidityThisPacket,
				HasInit: true, InitNumber: 7,
			},
			"scratch": {
				Name: "scratch", Kind: pdb.VarBuffer, Validity: pdb.ValidityThisPacket, Size: 8,
			},
			"view": {Name: "view", Kind: pdb.VarRefBuffer, Validity: pdb.ValidityThisPacket},
		},
	}
}

func TestLifetimes(t *testing.T) {
	t.Parallel()
	s := NewVarStore(varsDB())

	require.NoError(t, s.SetNum("total", 10))
	require.NoError(t, s.SetNum("seen", 99))

	s.ResetPacket()

	total, err := s.Get("total")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), total.Num, "static variables survive the packet boundary")

	seen, err := s.Get("seen")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), seen.Num, "thispacket variables reset to their initializer")
}

func TestBufferSemantics(t *testing.T) {
	t.Parallel()
	s := NewVarStore(varsDB())

	// Plain buffers copy into declared storage, zero-padded.
	require.NoError(t, s.SetBuf("scratch", []byte{1, 2, 3}))
	v, err := s.Get("scratch")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, v.Buf)

	require.NoError(t, s.SetBufRange("scratch", 4, 2, []byte{9, 9}))
	v, _ = s.Get("scratch")
	assert.Equal(t, []byte{1, 2, 3, 0, 9, 9, 0, 0}, v.Buf)

	assert.Error(t, s.SetBufRange("scratch", 7, 2, []byte{1, 1}), "range outside the declared size")

	// Refbuffers alias the given slice.
	packet := []byte{0xAA, 0xBB}
	require.NoError(t, s.SetBuf("view", packet))
	v, _ = s.Get("view")
	packet[0] = 0xCC
	assert.Equal(t, []byte{0xCC, 0xBB}, v.Buf)
}

func TestKindChecks(t *testing.T) {
	t.Parallel()
	s := NewVarStore(varsDB())

	assert.Error(t, s.SetBuf("total", []byte{1}))
	assert.Error(t, s.SetNum("scratch", 1))
	_, err := s.Get("nosuch")
	assert.Error(t, err)
}
