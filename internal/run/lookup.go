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
	"fmt"
	"time"

	"buf.build/go/netpdl/internal/bytesx"
	"buf.build/go/netpdl/internal/pdb"
)

// Clock supplies time to the lookup tables; tests inject a fixed one.
type Clock func() time.Time

// Row is one lookup-table entry.
type Row struct {
	// key holds one normalized value per key column.
	key [][]byte
	// masks parallels key for rows in the masked portion; nil entries mean
	// exact comparison for that column.
	masks [][]byte

	data []Value

	// created feeds the implicit timestamp column.
	created time.Time
	// expires is the zero time for keep-forever rows.
	expires  time.Time
	obsolete bool
}

// Data returns the row's data column values.
func (r *Row) Data() []Value { return r.data }

func (r *Row) expired(now time.Time) bool {
	if r.obsolete {
		return true
	}
	return !r.expires.IsZero() && !now.Before(r.expires)
}

// Table is one runtime lookup table: an exact-match map plus an ordered
// masked list consulted in insertion order.
type Table struct {
	Decl *pdb.TableDecl

	exact  map[string]*Row
	masked []*Row

	// hit is the row bound by the last successful Check, readable through
	// table.column references until the next Check.
	hit *Row

	now Clock
}

// Update parameters beyond the key/data values.
type UpdateSpec struct {
	Validity   pdb.EntryValidity
	KeepTime   int // seconds
	HitTime    int
	NewHitTime int
	// Masks, when non-nil, routes the row to the masked portion.
	Masks [][]byte
}

// LookupStore is the per-decoder set of tables.
type LookupStore struct {
	tables map[string]*Table
}

// NewLookupStore builds empty tables for every declaration.
func NewLookupStore(db *pdb.Database, now Clock) *LookupStore {
	if now == nil {
		now = time.Now
	}
	s := &LookupStore{tables: make(map[string]*Table, len(db.Tables))}
	for name, decl := range db.Tables {
		s.tables[name] = &Table{
			Decl:  decl,
			exact: map[string]*Row{},
			now:   now,
		}
	}
	return s
}

// Table returns a table by name.
func (s *LookupStore) Table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("lookup table %q is not declared", name)
	}
	return t, nil
}

// normalizeKey renders one key column value to its canonical width: numbers
// as four network-order bytes, buffers padded or cut to the declared size.
func normalizeKey(col pdb.TableColumn, v Value) []byte {
	if !v.IsBuf {
		return bytesx.PutBE(v.Num, 4)
	}
	out := make([]byte, col.Size)
	copy(out, v.Buf)
	return out
}

// NormalizeKeys canonicalizes a full key tuple.
func (t *Table) NormalizeKeys(vals []Value) ([][]byte, error) {
	if len(vals) != len(t.Decl.Keys) {
		return nil, fmt.Errorf("table %q: %d key values for %d key columns",
			t.Decl.Name, len(vals), len(t.Decl.Keys))
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = normalizeKey(t.Decl.Keys[i], v)
	}
	return out, nil
}

func flatKey(key [][]byte) string {
	n := 0
	for _, k := range key {
		n += len(k) + 1
	}
	buf := make([]byte, 0, n)
	for _, k := range key {
		buf = append(buf, byte(len(k)))
		buf = append(buf, k...)
	}
	return string(buf)
}

// Check searches for a row matching the key tuple: the exact portion first,
// then the masked list in insertion order. A hit binds the row for
// subsequent column reads.
func (t *Table) Check(keys []Value) (*Row, bool, error) {
	key, err := t.NormalizeKeys(keys)
	if err != nil {
		return nil, false, err
	}
	now := t.now()

	if row, ok := t.exact[flatKey(key)]; ok {
		if row.expired(now) {
			delete(t.exact, flatKey(key))
		} else {
			t.hit = row
			return row, true, nil
		}
	}

	for _, row := range t.masked {
		if row.expired(now) {
			continue
		}
		if maskedEqual(row, key) {
			t.hit = row
			return row, true, nil
		}
	}
	return nil, false, nil
}

func maskedEqual(row *Row, key [][]byte) bool {
	for i, want := range row.key {
		got := key[i]
		if len(got) != len(want) {
			return false
		}
		mask := row.masks[i]
		for j := range want {
			g := got[j]
			if mask != nil {
				g &= mask[j]
			}
			if g != want[j] {
				return false
			}
		}
	}
	return true
}

// Hit returns the currently bound row.
func (t *Table) Hit() (*Row, bool) {
	if t.hit == nil {
		return nil, false
	}
	return t.hit, true
}

// HitCell reads a column of the bound row, including the implicit
// timestamp and lifetime columns.
func (t *Table) HitCell(column string) (Value, error) {
	row, ok := t.Hit()
	if !ok {
		return Value{}, fmt.Errorf("table %q: no row bound; checklookuptable must hit first", t.Decl.Name)
	}
	switch column {
	case pdb.ColTimestamp:
		return NumberValue(uint32(row.created.Unix())), nil
	case pdb.ColLifetime:
		if row.expires.IsZero() {
			return NumberValue(0), nil
		}
		return NumberValue(uint32(row.expires.Unix())), nil
	}
	for i, c := range t.Decl.Data {
		if c.Name == column {
			return row.data[i], nil
		}
	}
	return Value{}, fmt.Errorf("table %q has no data column %q", t.Decl.Name, column)
}

// SetHitCell writes a column of the bound row.
func (t *Table) SetHitCell(column string, v Value) error {
	row, ok := t.Hit()
	if !ok {
		return fmt.Errorf("table %q: no row bound; checklookuptable must hit first", t.Decl.Name)
	}
	for i, c := range t.Decl.Data {
		if c.Name == column {
			row.data[i] = v
			return nil
		}
	}
	return fmt.Errorf("table %q has no data column %q", t.Decl.Name, column)
}

// Add inserts or refreshes a row per the update's validity policy.
func (t *Table) Add(keys, data []Value, spec UpdateSpec) error {
	if spec.Validity != pdb.KeepForever && !t.Decl.AllowDynamic {
		return fmt.Errorf("table %q does not allow dynamic entries", t.Decl.Name)
	}
	key, err := t.NormalizeKeys(keys)
	if err != nil {
		return err
	}
	if len(data) != len(t.Decl.Data) {
		return fmt.Errorf("table %q: %d data values for %d data columns",
			t.Decl.Name, len(data), len(t.Decl.Data))
	}
	now := t.now()

	after := func(seconds int) time.Time {
		if seconds <= 0 {
			return time.Time{}
		}
		return now.Add(time.Duration(seconds) * time.Second)
	}

	existing := t.find(key, now)
	if existing != nil {
		switch spec.Validity {
		case pdb.UpdateOnHit:
			existing.expires = after(spec.HitTime)
			return nil
		case pdb.ReplaceOnHit:
			copy(existing.data, data)
			existing.expires = after(spec.NewHitTime)
			return nil
		case pdb.AddOnHit:
			return t.insert(key, data, now, after(spec.NewHitTime), spec.Masks, true)
		default:
			copy(existing.data, data)
			existing.created = now
			existing.expires = after(spec.KeepTime)
			return nil
		}
	}

	expires := after(spec.KeepTime)
	if spec.Validity == pdb.KeepForever {
		expires = time.Time{}
	}
	return t.insert(key, data, now, expires, spec.Masks, false)
}

func (t *Table) find(key [][]byte, now time.Time) *Row {
	if row, ok := t.exact[flatKey(key)]; ok && !row.expired(now) {
		return row
	}
	for _, row := range t.masked {
		if !row.expired(now) && maskedEqual(row, key) {
			return row
		}
	}
	return nil
}

func (t *Table) insert(key [][]byte, data []Value, now, expires time.Time, masks [][]byte, forceList bool) error {
	row := &Row{
		key:     key,
		data:    append([]Value(nil), data...),
		created: now,
		expires: expires,
	}

	if masks != nil || forceList {
		row.masks = masks
		if row.masks == nil {
			row.masks = make([][]byte, len(key))
		}
		if t.Decl.MaskEntries > 0 && len(t.masked) >= t.Decl.MaskEntries {
			if !t.evictMasked(now) {
				return fmt.Errorf("table %q: masked portion full (%d entries)", t.Decl.Name, t.Decl.MaskEntries)
			}
		}
		// Newest first: masked rows are consulted in insertion order.
		t.masked = append([]*Row{row}, t.masked...)
		return nil
	}

	if t.Decl.ExactEntries > 0 && len(t.exact) >= t.Decl.ExactEntries {
		if !t.evictExact(now) {
			return fmt.Errorf("table %q: exact portion full (%d entries)", t.Decl.Name, t.Decl.ExactEntries)
		}
	}
	t.exact[flatKey(key)] = row
	return nil
}

// evictExact drops expired rows, then the oldest dynamic row if the table
// allows eviction. Reports whether space was made.
func (t *Table) evictExact(now time.Time) bool {
	freed := false
	for k, row := range t.exact {
		if row.expired(now) {
			delete(t.exact, k)
			freed = true
		}
	}
	if freed {
		return true
	}
	if !t.Decl.AllowDynamic {
		return false
	}
	var oldestK string
	var oldest *Row
	for k, row := range t.exact {
		if oldest == nil || row.created.Before(oldest.created) {
			oldestK, oldest = k, row
		}
	}
	if oldest == nil {
		return false
	}
	delete(t.exact, oldestK)
	return true
}

func (t *Table) evictMasked(now time.Time) bool {
	kept := t.masked[:0]
	for _, row := range t.masked {
		if !row.expired(now) {
			kept = append(kept, row)
		}
	}
	freed := len(kept) < len(t.masked)
	t.masked = kept
	if freed {
		return true
	}
	if !t.Decl.AllowDynamic || len(t.masked) == 0 {
		return false
	}
	// Oldest masked row is the last one.
	t.masked = t.masked[:len(t.masked)-1]
	return true
}

// Purge removes every row.
func (t *Table) Purge() {
	t.exact = map[string]*Row{}
	t.masked = nil
	t.hit = nil
}

// Obsolete marks every row expired without removing it; removal happens
// lazily on the next scan.
func (t *Table) Obsolete() {
	for _, row := range t.exact {
		row.obsolete = true
	}
	for _, row := range t.masked {
		row.obsolete = true
	}
	t.hit = nil
}
