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

package netpdl

import (
	"io"

	"buf.build/go/netpdl/internal/pxml"
	"buf.build/go/netpdl/internal/run"

	"github.com/spf13/afero"
)

// The decoded tree the decoder produces. The builder lives in the runtime
// package; these aliases are the public names.
type (
	// DecodedPacket is one packet's decode result.
	DecodedPacket = run.DecodedPacket
	// DecodedProto is one protocol header inside a packet.
	DecodedProto = run.DecodedProto
	// DecodedField is one field, possibly with subfields.
	DecodedField = run.DecodedField
)

// NewPDMLWriter streams decoded packets as a PDML document. The writer is
// a visitor over the tree; pair it with [NewPacketReader] for random
// access into what was written.
func NewPDMLWriter(w io.Writer) *pxml.Writer { return pxml.NewPDMLWriter(w) }

// NewPSMLWriter streams one summary row per packet. Sections name the
// summary columns, typically from the database's summary structure.
func NewPSMLWriter(w io.Writer, sections []string) *pxml.Writer {
	return pxml.NewPSMLWriter(w, sections)
}

// PacketReader indexes an emitted PDML/PSML document for random access by
// packet number.
type PacketReader = pxml.Reader

// NewPacketReader opens and indexes an emitted document.
func NewPacketReader(fsys afero.Fs, path string) (*PacketReader, error) {
	return pxml.NewReader(fsys, path)
}

// ErrPacketOutOfRange re-exports the reader's out-of-range warning.
var ErrPacketOutOfRange = pxml.ErrPacketOutOfRange
