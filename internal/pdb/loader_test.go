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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseDoc = `<?xml version="1.0"?>
<netpdl name="t" version="0.2" creator="nb" date="2025-06-01">
 <global>
  <variable name="cnt" type="number" validity="thispacket"/>
  <variable name="stash" type="buffer" size="16" validity="static"/>
  <lookuptable name="flows" exactentries="16" validity="dynamic">
    <key name="src" type="buffer" size="4"/>
    <key name="dst" type="buffer" size="4"/>
    <data name="count" type="number"/>
  </lookuptable>
  <alias name="ETHERTYPE_IP" value="0x0800"/>
  <adt name="macaddr">
    <field type="fixed" name="addr" size="6"/>
  </adt>
 </global>
 <protocol name="startproto">
  <encapsulation><nextproto proto="#ethernet"/></encapsulation>
 </protocol>
 <protocol name="ethernet" longname="Ethernet 802.3">
  <format><fields>
    <adtfield adttype="macaddr" name="dst" longname="MAC Destination"/>
    <adtfield adttype="macaddr" name="src" longname="MAC Source"/>
    <field type="fixed" name="type" size="2"/>
  </fields></format>
  <encapsulation>
    <if expr="buf2int(this.type) == ETHERTYPE_IP">
      <if-true><nextproto proto="#defaultproto"/></if-true>
    </if>
  </encapsulation>
 </protocol>
 <protocol name="defaultproto">
  <format><fields><field type="eatall" name="data"/></fields></format>
 </protocol>
</netpdl>`

func load(t *testing.T, doc string) *Database {
	t.Helper()
	db, err := LoadReader(strings.NewReader(doc), Config{})
	require.NoError(t, err)
	return db
}

func loadErr(t *testing.T, doc string) error {
	t.Helper()
	_, err := LoadReader(strings.NewReader(doc), Config{})
	require.Error(t, err)
	return err
}

func TestLoadBasic(t *testing.T) {
	t.Parallel()
	db := load(t, baseDoc)

	assert.Len(t, db.Protos, 3)
	assert.Equal(t, 0, db.StartProto)
	assert.Equal(t, 2, db.DefaultProto)
	assert.Equal(t, -1, db.PaddingProto)

	require.Contains(t, db.Vars, "cnt")
	assert.Equal(t, ValidityThisPacket, db.Vars["cnt"].Validity)
	require.Contains(t, db.Tables, "flows")
	assert.Len(t, db.Tables["flows"].Keys, 2)
	assert.Equal(t, "0x0800", db.Aliases["ETHERTYPE_IP"])

	eth, _, ok := db.ProtoByName("ethernet")
	require.True(t, ok)
	assert.Equal(t, "Ethernet 802.3", eth.LongName)
	require.NotEqual(t, None, eth.FirstField)
	require.NotEqual(t, None, eth.Encap)
}

// Loading the same document twice produces observationally equal
// databases.
func TestLoadIdempotence(t *testing.T) {
	t.Parallel()
	a := load(t, baseDoc)
	b := load(t, baseDoc)

	assert.Equal(t, a.CountByElement(), b.CountByElement())
	assert.Equal(t, len(a.Nodes), len(b.Nodes))
	assert.Equal(t, a.ProtoIndex, b.ProtoIndex)
}

// After organize, the reachable tree holds no unexpanded ADT calls.
func TestOrganizeCompleteness(t *testing.T) {
	t.Parallel()
	db := load(t, baseDoc)

	eth, _, _ := db.ProtoByName("ethernet")
	var fields []FieldNode
	for id := eth.FirstField; id != None; id = db.Get(id).Base().NextSibling {
		f, ok := db.Get(id).(FieldNode)
		require.True(t, ok)
		_, isCall := db.Get(id).(*Adtfield)
		require.False(t, isCall, "adtfield survived organize")
		fields = append(fields, f)
	}
	require.Len(t, fields, 3)

	// The call site's identity replaced the ADT's own.
	assert.Equal(t, "dst", fields[0].Field().Name)
	assert.Equal(t, "MAC Destination", fields[0].Field().LongName)
	assert.Equal(t, "src", fields[1].Field().Name)
	fixed, ok := fields[0].(*FieldFixed)
	require.True(t, ok)
	assert.Equal(t, 6, fixed.Size)

	// Includeblk targets resolve everywhere.
	for _, n := range db.Nodes {
		if inc, ok := n.(*IncludeBlk); ok {
			assert.NotEqual(t, None, inc.Target)
		}
	}
}

func TestMissingStartOrDefault(t *testing.T) {
	t.Parallel()
	noStart := strings.Replace(baseDoc, `name="startproto"`, `name="bootproto"`, 1)
	assert.ErrorIs(t, loadErr(t, noStart), ErrStructural)

	noDefault := strings.Replace(baseDoc, `name="defaultproto"`, `name="otherproto"`, 1)
	assert.ErrorIs(t, loadErr(t, noDefault), ErrStructural)
}

func TestVersionGate(t *testing.T) {
	t.Parallel()
	doc := strings.Replace(baseDoc, `version="0.2"`, `version="3.0"`, 1)
	assert.ErrorIs(t, loadErr(t, doc), ErrVersionMismatch)

	doc = strings.Replace(baseDoc, `version="0.2"`, `version="bogus"`, 1)
	assert.ErrorIs(t, loadErr(t, doc), ErrStructural)
}

func TestReservedColumns(t *testing.T) {
	t.Parallel()
	doc := strings.Replace(baseDoc, `<data name="count" type="number"/>`,
		`<data name="timestamp" type="number"/>`, 1)
	err := loadErr(t, doc)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "reserved")
}

func TestDuplicateNames(t *testing.T) {
	t.Parallel()
	dupProto := strings.Replace(baseDoc, `name="ethernet" longname="Ethernet 802.3"`, `name="startproto"`, 1)
	assert.ErrorIs(t, loadErr(t, dupProto), ErrStructural)

	dupVar := strings.Replace(baseDoc,
		`<variable name="stash" type="buffer" size="16" validity="static"/>`,
		`<variable name="cnt" type="number"/>`, 1)
	assert.ErrorIs(t, loadErr(t, dupVar), ErrStructural)
}

func TestBitGroups(t *testing.T) {
	t.Parallel()
	good := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="bit" name="ver" mask="0xF0" size="1"/>
		 <field type="bit" name="hlen" mask="0x0F" size="1"/>`, 1)
	db := load(t, good)

	var bitFields []*FieldBit
	for _, n := range db.Nodes {
		if b, ok := n.(*FieldBit); ok {
			bitFields = append(bitFields, b)
		}
	}
	require.Len(t, bitFields, 2)
	assert.False(t, bitFields[0].IsLast)
	assert.True(t, bitFields[1].IsLast, "the last member of the run closes the group")

	// Masks must tile the covering span exactly.
	sparse := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="bit" name="ver" mask="0xF0" size="1"/>`, 1)
	assert.ErrorIs(t, loadErr(t, sparse), ErrStructural)

	// And every member shares one covering size.
	mixed := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="bit" name="ver" mask="0xF0" size="1"/>
		 <field type="bit" name="hlen" mask="0x0F" size="2"/>`, 1)
	assert.ErrorIs(t, loadErr(t, mixed), ErrStructural)
}

func TestIncludeBlk(t *testing.T) {
	t.Parallel()
	good := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<includeblk name="trailer"/>
		 <block name="trailer"><field type="fixed" name="fcs" size="4"/></block>`, 1)
	db := load(t, good)
	for _, n := range db.Nodes {
		if inc, ok := n.(*IncludeBlk); ok {
			blk, ok := db.Get(inc.Target).(*Block)
			require.True(t, ok)
			assert.Equal(t, "trailer", blk.Name)
		}
	}

	bad := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<includeblk name="nosuch"/>`, 1)
	assert.ErrorIs(t, loadErr(t, bad), ErrStructural)
}

func TestSetShape(t *testing.T) {
	t.Parallel()
	okSet := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<set>
		   <exit-when expr="$cnt == 1"/>
		   <fieldmatch match="true"><field type="fixed" name="opt" size="1"/></fieldmatch>
		   <default-item><field type="eatall" name="rest"/></default-item>
		 </set>`, 1)
	load(t, okSet)

	noExit := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<set>
		   <fieldmatch match="true"><field type="fixed" name="opt" size="1"/></fieldmatch>
		   <default-item><field type="eatall" name="rest"/></default-item>
		 </set>`, 1)
	assert.ErrorIs(t, loadErr(t, noExit), ErrStructural)

	noDefault := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<set>
		   <exit-when expr="$cnt == 1"/>
		   <fieldmatch match="true"><field type="fixed" name="opt" size="1"/></fieldmatch>
		 </set>`, 1)
	assert.ErrorIs(t, loadErr(t, noDefault), ErrStructural)

	noMatch := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<set>
		   <exit-when expr="$cnt == 1"/>
		   <default-item><field type="eatall" name="rest"/></default-item>
		 </set>`, 1)
	assert.ErrorIs(t, loadErr(t, noMatch), ErrStructural)
}

func TestFieldAttributeValidation(t *testing.T) {
	t.Parallel()
	both := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="tokenended" name="line" endtoken="\x0d\x0a" endregex="x"/>`, 1)
	assert.ErrorIs(t, loadErr(t, both), ErrStructural)

	neither := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="tokenended" name="line"/>`, 1)
	assert.ErrorIs(t, loadErr(t, neither), ErrStructural)

	noSize := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="fixed" name="type"/>`, 1)
	assert.ErrorIs(t, loadErr(t, noSize), ErrStructural)
}

func TestUnknownElement(t *testing.T) {
	t.Parallel()
	doc := strings.Replace(baseDoc, `<global>`, `<global><wat/>`, 1)
	assert.ErrorIs(t, loadErr(t, doc), ErrStructural)
}

func TestNestingBound(t *testing.T) {
	t.Parallel()
	deep := `<netpdl name="t" version="0.2"><protocol name="startproto"><format><fields>` +
		strings.Repeat(`<block name="b">`, MaxNesting) +
		strings.Repeat(`</block>`, MaxNesting) +
		`</fields></format></protocol></netpdl>`
	assert.ErrorIs(t, loadErr(t, deep), ErrStructural)
}

func TestMinimalLoad(t *testing.T) {
	t.Parallel()
	doc := strings.Replace(baseDoc, `</netpdl>`,
		`<visualization>
		   <showtemplate name="mac" showtype="hexnox" digitsize="2" separator="-"/>
		 </visualization></netpdl>`, 1)

	full, err := LoadReader(strings.NewReader(doc), Config{})
	require.NoError(t, err)
	assert.Contains(t, full.ShowTemplates, "mac")

	minimal, err := LoadReader(strings.NewReader(doc), Config{Minimal: true})
	require.NoError(t, err)
	assert.NotContains(t, minimal.ShowTemplates, "mac")
	assert.True(t, minimal.Minimal)
}

func TestShowTemplateResolution(t *testing.T) {
	t.Parallel()
	// A reference with no matching template fails a full load.
	doc := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="fixed" name="type" size="2" showtemplate="nosuch"/>`, 1)
	assert.ErrorIs(t, loadErr(t, doc), ErrStructural)
}

func TestValidateFlag(t *testing.T) {
	t.Parallel()
	doc := strings.Replace(baseDoc, `<field type="fixed" name="type" size="2"/>`,
		`<field type="fixed" name="type" size="2" wobble="yes"/>`, 1)

	_, err := LoadReader(strings.NewReader(doc), Config{})
	require.NoError(t, err, "unknown attributes are ignored by default")

	_, err = LoadReader(strings.NewReader(doc), Config{Validate: true})
	assert.ErrorIs(t, err, ErrStructural)
}

func TestLookupShapeValidation(t *testing.T) {
	t.Parallel()
	// Update arity must match the declaration.
	bad := strings.Replace(baseDoc, `<encapsulation><nextproto proto="#ethernet"/></encapsulation>`,
		`<execute-code><before>
		   <update-lookuptable name="flows" action="add">
		     <lookupkey value="'aaaa'"/>
		     <lookupdata value="1"/>
		   </update-lookuptable>
		 </before></execute-code>
		 <encapsulation><nextproto proto="#ethernet"/></encapsulation>`, 1)
	assert.ErrorIs(t, loadErr(t, bad), ErrStructural)

	// Aging policies need a dynamic-capable table.
	static := strings.Replace(baseDoc, `validity="dynamic"`, `validity="static"`, 1)
	static = strings.Replace(static, `<encapsulation><nextproto proto="#ethernet"/></encapsulation>`,
		`<execute-code><before>
		   <update-lookuptable name="flows" action="add" validity="keepmaxtime" keeptime="10">
		     <lookupkey value="'aaaa'"/>
		     <lookupkey value="'bbbb'"/>
		     <lookupdata value="1"/>
		   </update-lookuptable>
		 </before></execute-code>
		 <encapsulation><nextproto proto="#ethernet"/></encapsulation>`, 1)
	assert.ErrorIs(t, loadErr(t, static), ErrStructural)
}
