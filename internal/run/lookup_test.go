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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buf.build/go/netpdl/internal/pdb"
)

func flowsDB() *pdb.Database {
	return &pdb.Database{
		Tables: map[string]*pdb.TableDecl{
			"flows": {
				Name:         "flows",
				ExactEntries: 4,
				AllowDynamic: true,
				Keys: []pdb.TableColumn{
					{Name: "src_ip", Kind: pdb.VarBuffer, Size: 4},
					{Name: "dst_ip", Kind: pdb.VarBuffer, Size: 4},
				},
				Data: []pdb.TableColumn{
					{Name: "count", Kind: pdb.VarNumber},
				},
			},
			"acl": {
				Name:        "acl",
				MaskEntries: 4,
				Keys: []pdb.TableColumn{
					{Name: "net", Kind: pdb.VarBuffer, Size: 4, Masked: true},
				},
				Data: []pdb.TableColumn{
					{Name: "allow", Kind: pdb.VarNumber},
				},
			},
		},
	}
}

// fixedClock steps time manually.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) clock() time.Time { return c.now }

func ip(a, b, cc, d byte) Value { return BufferValue([]byte{a, b, cc, d}) }

// The flow-table scenario: adds, a hit-extending re-add, hits and misses.
func TestExactAddCheck(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	flows, err := store.Table("flows")
	require.NoError(t, err)

	a, b, c, d := ip(10, 0, 0, 1), ip(10, 0, 0, 2), ip(10, 0, 0, 3), ip(10, 0, 0, 4)

	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(1)}, UpdateSpec{}))
	require.NoError(t, flows.Add([]Value{a, c}, []Value{NumberValue(1)}, UpdateSpec{}))
	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(9)}, UpdateSpec{
		Validity: pdb.UpdateOnHit,
		HitTime:  60,
	}))

	_, hit, err := flows.Check([]Value{a, b})
	require.NoError(t, err)
	require.True(t, hit)

	// UpdateOnHit extends the deadline but keeps the original data.
	count, err := flows.HitCell("count")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count.Num)

	_, hit, err = flows.Check([]Value{a, d})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPurgeAndObsolete(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	flows, _ := store.Table("flows")

	a, b := ip(1, 1, 1, 1), ip(2, 2, 2, 2)
	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(7)}, UpdateSpec{}))

	_, hit, _ := flows.Check([]Value{a, b})
	require.True(t, hit)

	flows.Purge()
	_, hit, _ = flows.Check([]Value{a, b})
	assert.False(t, hit, "purge removes every row")

	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(7)}, UpdateSpec{}))
	flows.Obsolete()
	_, hit, _ = flows.Check([]Value{a, b})
	assert.False(t, hit, "obsolete rows compare as absent")
}

// Lifetime eviction: a KeepMaxTime row is gone once keeptime elapses.
func TestKeepMaxTime(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	flows, _ := store.Table("flows")

	a, b := ip(1, 1, 1, 1), ip(2, 2, 2, 2)
	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(1)}, UpdateSpec{
		Validity: pdb.KeepMaxTime,
		KeepTime: 30,
	}))

	clk.now = clk.now.Add(29 * time.Second)
	_, hit, _ := flows.Check([]Value{a, b})
	assert.True(t, hit, "still alive just before the deadline")

	clk.now = clk.now.Add(1 * time.Second)
	_, hit, _ = flows.Check([]Value{a, b})
	assert.False(t, hit, "evicted at the deadline")
}

func TestReplaceOnHit(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	flows, _ := store.Table("flows")

	a, b := ip(1, 1, 1, 1), ip(2, 2, 2, 2)
	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(1)}, UpdateSpec{}))
	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(5)}, UpdateSpec{
		Validity:   pdb.ReplaceOnHit,
		NewHitTime: 60,
	}))

	_, hit, _ := flows.Check([]Value{a, b})
	require.True(t, hit)
	count, err := flows.HitCell("count")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), count.Num)
}

func TestMaskedMatch(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	acl, _ := store.Table("acl")

	// 10.1.0.0/16
	require.NoError(t, acl.Add(
		[]Value{BufferValue([]byte{10, 1, 0, 0})},
		[]Value{NumberValue(1)},
		UpdateSpec{Masks: [][]byte{{0xff, 0xff, 0, 0}}},
	))

	_, hit, err := acl.Check([]Value{ip(10, 1, 42, 7)})
	require.NoError(t, err)
	assert.True(t, hit)

	_, hit, err = acl.Check([]Value{ip(10, 2, 0, 1)})
	require.NoError(t, err)
	assert.False(t, hit)
}

// Masked rows match in insertion order, newest first.
func TestMaskedOrder(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	acl, _ := store.Table("acl")

	wide := UpdateSpec{Masks: [][]byte{{0xff, 0, 0, 0}}}
	narrow := UpdateSpec{Masks: [][]byte{{0xff, 0xff, 0xff, 0xff}}}

	require.NoError(t, acl.Add([]Value{BufferValue([]byte{10, 0, 0, 0})}, []Value{NumberValue(1)}, wide))
	require.NoError(t, acl.Add([]Value{BufferValue([]byte{10, 0, 0, 9})}, []Value{NumberValue(2)}, narrow))

	_, hit, err := acl.Check([]Value{ip(10, 0, 0, 9)})
	require.NoError(t, err)
	require.True(t, hit)
	v, err := acl.HitCell("allow")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v.Num, "the newest row wins")
}

func TestCapacityAndEviction(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(1000, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	flows, _ := store.Table("flows")

	for i := byte(0); i < 5; i++ {
		clk.now = clk.now.Add(time.Second)
		err := flows.Add([]Value{ip(10, 0, 0, i), ip(1, 1, 1, 1)}, []Value{NumberValue(uint32(i))}, UpdateSpec{})
		require.NoError(t, err, "dynamic tables evict their oldest row on overflow")
	}

	// The first row was the eviction victim.
	_, hit, _ := flows.Check([]Value{ip(10, 0, 0, 0), ip(1, 1, 1, 1)})
	assert.False(t, hit)
	_, hit, _ = flows.Check([]Value{ip(10, 0, 0, 4), ip(1, 1, 1, 1)})
	assert.True(t, hit)
}

func TestImplicitColumns(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{now: time.Unix(12345, 0)}
	store := NewLookupStore(flowsDB(), clk.clock)
	flows, _ := store.Table("flows")

	a, b := ip(1, 1, 1, 1), ip(2, 2, 2, 2)
	require.NoError(t, flows.Add([]Value{a, b}, []Value{NumberValue(1)}, UpdateSpec{}))
	_, hit, _ := flows.Check([]Value{a, b})
	require.True(t, hit)

	ts, err := flows.HitCell(pdb.ColTimestamp)
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), ts.Num)

	life, err := flows.HitCell(pdb.ColLifetime)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), life.Num, "keep-forever rows report no deadline")
}
