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

package pxml

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// initialIndexCap is the offset table's starting capacity; when it fills,
// it grows tenfold.
const initialIndexCap = 1024

// ErrPacketOutOfRange reports a packet number past the end of the file.
// Callers treat it as a warning, not a failure.
var ErrPacketOutOfRange = errors.New("packet number out of range")

// Reader indexes an emitted PDML or PSML document for random access.
// Packets are numbered from 1, matching the num attribute the writer
// emits.
type Reader struct {
	f afero.File

	// offsets[i] is the byte position of packet i+1's start tag;
	// lengths[i] its size in bytes.
	offsets []int64
	lengths []int64
}

// NewReader opens path on fsys and builds the packet index in one
// sequential scan.
func NewReader(fsys afero.Fs, path string) (*Reader, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		f:       f,
		offsets: make([]int64, 0, initialIndexCap),
		lengths: make([]int64, 0, initialIndexCap),
	}
	if err := r.index(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// PacketCount returns how many packets the document holds.
func (r *Reader) PacketCount() int { return len(r.offsets) }

const packetStartTag = "<packet"

func (r *Reader) index() error {
	br := bufio.NewReader(r.f)
	var pos int64
	var start int64 = -1

	appendPacket := func(start, end int64) {
		// Grow the table tenfold when full, so indexing a large capture
		// stays linear.
		if len(r.offsets) == cap(r.offsets) {
			grown := make([]int64, len(r.offsets), cap(r.offsets)*10)
			copy(grown, r.offsets)
			r.offsets = grown
			grownL := make([]int64, len(r.lengths), cap(r.lengths)*10)
			copy(grownL, r.lengths)
			r.lengths = grownL
		}
		r.offsets = append(r.offsets, start)
		r.lengths = append(r.lengths, end-start)
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, packetStartTag) &&
				!strings.HasPrefix(trimmed, packetStartTag+"s") {
				if start >= 0 {
					appendPacket(start, pos)
				}
				start = pos + int64(strings.Index(line, packetStartTag))
			}
			if start >= 0 && strings.Contains(line, "</packet>") {
				end := pos + int64(len(line))
				appendPacket(start, end)
				start = -1
			}
			pos += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if start >= 0 {
		appendPacket(start, pos)
	}
	return nil
}

// GetPacketXML returns packet n's raw XML, 1-based.
func (r *Reader) GetPacketXML(n int) ([]byte, error) {
	if n < 1 || n > len(r.offsets) {
		return nil, fmt.Errorf("%w: %d of %d", ErrPacketOutOfRange, n, len(r.offsets))
	}
	buf := make([]byte, r.lengths[n-1])
	if _, err := r.f.ReadAt(buf, r.offsets[n-1]); err != nil {
		return nil, err
	}
	return buf, nil
}

// GetPacket parses packet n into its tree form.
func (r *Reader) GetPacket(n int) (*Packet, error) {
	raw, err := r.GetPacketXML(n)
	if err != nil {
		return nil, err
	}
	var pkt Packet
	if err := xml.Unmarshal(raw, &pkt); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// GetSummary parses packet n of a PSML document.
func (r *Reader) GetSummary(n int) (*Summary, error) {
	raw, err := r.GetPacketXML(n)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := xml.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetField finds a field by name inside a protocol of packet n,
// depth-first with sibling recursion. A non-empty startField skips matches
// until that field has been seen, so a caller can iterate duplicates.
func (r *Reader) GetField(n int, proto, field, startField string) (*Field, error) {
	pkt, err := r.GetPacket(n)
	if err != nil {
		return nil, err
	}
	for _, p := range pkt.Protos {
		if p.Name != proto {
			continue
		}
		skipping := startField != ""
		if f := findField(p.Fields, field, startField, &skipping); f != nil {
			return f, nil
		}
	}
	return nil, nil
}

func findField(fields []*Field, name, startField string, skipping *bool) *Field {
	for _, f := range fields {
		if *skipping {
			if f.Name == startField {
				*skipping = false
			}
		} else if f.Name == name {
			return f
		}
		if found := findField(f.Fields, name, startField, skipping); found != nil {
			return found
		}
	}
	return nil
}

// ReaderFromBytes indexes an in-memory document; handy when the renderer
// streamed into a buffer rather than a file.
func ReaderFromBytes(doc []byte) (*Reader, error) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "doc.xml", doc, 0o644); err != nil {
		return nil, err
	}
	return NewReader(fsys, "doc.xml")
}
