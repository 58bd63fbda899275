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

// Package pxml streams decoded packets out as PDML or PSML documents and
// indexes those documents for random access. Packets are written through
// and never kept in memory; the reader's offset table is the only per-file
// state.
package pxml

import "encoding/xml"

// PDML element names and the attribute vocabulary shared by the writer and
// reader.
const (
	elemPDML    = "pdml"
	elemPSML    = "psml"
	elemPacket  = "packet"
	elemProto   = "proto"
	elemField   = "field"
	elemSection = "section"
)

// Packet is one re-read PDML packet.
type Packet struct {
	XMLName xml.Name `xml:"packet"`

	Num       uint64 `xml:"num,attr"`
	Length    int    `xml:"length,attr"`
	CapLength int    `xml:"caplength,attr"`
	Timestamp string `xml:"timestamp,attr"`

	Protos []*Proto `xml:"proto"`
}

// Proto is one protocol header inside a re-read packet.
type Proto struct {
	Name     string `xml:"name,attr"`
	LongName string `xml:"longname,attr"`
	Size     int    `xml:"size,attr"`
	Pos      int    `xml:"pos,attr"`

	Fields []*Field `xml:"field"`
}

// Field is one field of a re-read packet, with its nested subfields.
type Field struct {
	Name     string `xml:"name,attr"`
	LongName string `xml:"longname,attr"`
	Size     int    `xml:"size,attr"`
	Pos      int    `xml:"pos,attr"`
	Value    string `xml:"value,attr"`
	Show     string `xml:"show,attr"`
	ShowDtl  string `xml:"showdtl,attr"`
	ShowMap  string `xml:"showmap,attr"`
	Mask     string `xml:"mask,attr"`

	Fields []*Field `xml:"field"`
}

// Summary is one re-read PSML row.
type Summary struct {
	XMLName xml.Name `xml:"packet"`

	Num      uint64   `xml:"num,attr"`
	Sections []string `xml:"section"`
}
