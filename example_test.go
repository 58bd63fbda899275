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

package netpdl_test

import (
	"fmt"

	"github.com/spf13/afero"

	"buf.build/go/netpdl"
)

const exampleDoc = `<?xml version="1.0"?>
<netpdl name="example" version="0.2" creator="nb" date="2025-06-01">
 <protocol name="startproto">
  <encapsulation><nextproto proto="#ethernet"/></encapsulation>
 </protocol>
 <protocol name="ethernet" longname="Ethernet 802.3">
  <format><fields>
    <field type="fixed" name="dst" longname="MAC Destination" size="6"/>
    <field type="fixed" name="src" longname="MAC Source" size="6"/>
    <field type="fixed" name="type" longname="Ethertype" size="2"/>
  </fields></format>
 </protocol>
 <protocol name="defaultproto" longname="Data">
  <format><fields><field type="eatall" name="data"/></fields></format>
 </protocol>
</netpdl>`

func Example() {
	// Load the protocol description once. This is the slow part, like
	// regexp.Compile; the engine it returns is immutable and shareable.
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "db.xml", []byte(exampleDoc), 0o644)

	eng, err := netpdl.InitializeFS(fsys, "db.xml", netpdl.LoadFull)
	if err != nil {
		panic(err)
	}
	defer eng.Teardown()

	// One decoder per packet stream.
	dec := eng.NewDecoder()

	raw := []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55,
		0x08, 0x00,
	}
	pkt, err := dec.Decode(&netpdl.Packet{Data: raw, Link: netpdl.LinkEthernet})
	if err != nil {
		panic(err)
	}

	for _, proto := range pkt.Protos() {
		fmt.Println(proto.Name)
		for _, field := range proto.Fields() {
			fmt.Printf("  %s [%d:%d]\n", field.Name, field.Position, field.Size)
		}
	}

	// Output:
	// ethernet
	//   dst [0:6]
	//   src [6:6]
	//   type [12:2]
	// defaultproto
	//   data [14:0]
}
