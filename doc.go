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

// Package netpdl is a declarative network-packet dissector: protocol
// formats and their encapsulation rules live in an external XML
// description, and this library interprets that description to decode
// captured packets into structured field trees.
//
// To use this package, load a description with [Initialize]. This is a
// one-time cost, like regexp.Compile: the resulting [Engine] is a frozen
// protocol database that any number of decoders can share. Then create a
// [Decoder] per packet stream and call [Decoder.Decode] on each packet.
//
//	eng, err := netpdl.Initialize("netpdl.xml", netpdl.LoadFull)
//	if err != nil { ... }
//	defer eng.Teardown()
//
//	dec := eng.NewDecoder()
//	pkt, _ := dec.Decode(&netpdl.Packet{Data: raw, Length: len(raw)})
//	for _, proto := range pkt.Protos() { ... }
//
// Decoders own their runtime state (variables, lookup tables, the packet
// tree being built) and are not safe for concurrent use; the Engine they
// share is immutable and is.
//
// # Support Status
//
// This package implements the description language's core: the loader and
// organizer, the expression language, the field and control-flow decoders,
// and the PDML/PSML emission and re-reading machinery. Capture-file I/O,
// live capture, external plugin dissectors, and the bytecode backends are
// out of scope and belong elsewhere.
package netpdl
