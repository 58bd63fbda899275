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
	"fmt"

	"github.com/google/uuid"

	"buf.build/go/netpdl/internal/engine"
)

// Decoder decodes a stream of packets against a shared [Engine]. One
// decoder, one goroutine: the runtime state it owns (variables, lookup
// tables, the tree being built) is unsynchronized by design.
type Decoder struct {
	id  uuid.UUID
	eng *engine.Engine
}

// NewDecoder creates an independent decoder over this engine's database.
// Environment overrides (NETPDL_MAX_DEPTH, NETPDL_MAX_LOOP_ITERS,
// NETPDL_STRICT_ENCAPSULATION) apply first; explicit options win.
func (e *Engine) NewDecoder(opts ...DecodeOption) *Decoder {
	o := engine.Options{Log: e.log}
	applyEnv(&o)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Decoder{
		id:  uuid.New(),
		eng: engine.New(e.db, o),
	}
}

// ID is the decoder's instance id, used in diagnostics and temp-file
// names.
func (d *Decoder) ID() uuid.UUID { return d.id }

// Decode runs one packet through the description.
//
// Runtime trouble does not return an error: a short capture comes back
// with [DecodedPacket].Truncated set, and an expression or field failure
// aborts its protocol, leaves a diagnostic field in the tree, and falls
// through to the default protocol. The returned tree is valid until the
// next Decode call on this decoder.
func (d *Decoder) Decode(pkt *Packet) (*DecodedPacket, error) {
	if pkt == nil {
		return nil, fmt.Errorf("netpdl: nil packet")
	}
	if len(pkt.Data) > MaxPacketLen {
		return nil, fmt.Errorf("netpdl: packet of %d bytes exceeds the %d-byte bound", len(pkt.Data), MaxPacketLen)
	}
	wireLen := pkt.Length
	if wireLen == 0 {
		wireLen = len(pkt.Data)
	}
	return d.eng.Decode(pkt.Data, wireLen, pkt.TsSec, pkt.TsUsec)
}
