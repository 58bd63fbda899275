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

// Package engine is the packet decoder: a work-stack interpreter that walks
// the frozen description graph against one packet at a time, maintaining
// the cursor and the runtime state, and emitting the decoded field tree.
//
// One Engine is one decoder instance. Engines sharing a database must not
// share anything else; each owns its variables, lookup tables, and
// in-flight packet.
package engine

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"buf.build/go/netpdl/internal/pdb"
	"buf.build/go/netpdl/internal/run"
)

// Defaults for the tunable limits.
const (
	DefaultMaxDepth     = 64
	DefaultMaxLoopIters = 1 << 16
)

// Options tunes one decoder instance.
type Options struct {
	// MaxDepth bounds the interpreter's frame stack.
	MaxDepth int
	// MaxLoopIters bounds any single loop on one packet.
	MaxLoopIters int
	// StrictEncapsulation disables the preferred-candidate override during
	// next-protocol resolution: the first match always wins.
	StrictEncapsulation bool

	Clock run.Clock
	Log   logrus.FieldLogger
}

// Engine decodes packets against a frozen database.
type Engine struct {
	db   *pdb.Database
	opts Options

	vars    *run.VarStore
	lookups *run.LookupStore

	// initDone tracks which protocols have run their init sections; init
	// runs once per engine lifetime.
	initDone map[int]bool

	packets uint64
	log     logrus.FieldLogger
}

// New builds a decoder instance over db.
func New(db *pdb.Database, opts Options) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxLoopIters <= 0 {
		opts.MaxLoopIters = DefaultMaxLoopIters
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Engine{
		db:       db,
		opts:     opts,
		vars:     run.NewVarStore(db),
		lookups:  run.NewLookupStore(db, opts.Clock),
		initDone: map[int]bool{},
		log:      log,
	}
}

// Lookups exposes the engine's lookup store, mainly to tests.
func (e *Engine) Lookups() *run.LookupStore { return e.lookups }

// Vars exposes the engine's variable registry, mainly to tests.
func (e *Engine) Vars() *run.VarStore { return e.vars }

// decodeState is the per-packet interpreter state.
type decodeState struct {
	e *Engine

	pkt *run.DecodedPacket
	b   *run.Builder

	data   []byte
	cursor int

	// protoIdx indexes db.Protos; protoStart anchors padding alignment.
	protoIdx   int
	protoStart int

	// curField is the field whose child constructs are executing; a switch
	// case's show attribute overrides it.
	curField *run.DecodedField
}

func (st *decodeState) db() *pdb.Database { return st.e.db }

func (st *decodeState) protoName() string {
	return st.db().Protos[st.protoIdx].Name
}

func (st *decodeState) remaining() int { return len(st.data) - st.cursor }

// Decode runs one packet through the description and returns the decoded
// tree. Runtime failures mark the packet rather than erroring: a truncated
// packet comes back with Truncated set, an evaluation failure aborts the
// protocol it happened in and decoding falls through to the default
// protocol.
func (e *Engine) Decode(data []byte, wireLen int, tsSec, tsUsec uint32) (*run.DecodedPacket, error) {
	e.packets++
	e.vars.ResetPacket()

	pkt := &run.DecodedPacket{
		Number: e.packets,
		Length: wireLen,
		CapLen: len(data),
		TsSec:  tsSec,
		TsUsec: tsUsec,
		Data:   data,
	}
	st := &decodeState{
		e:    e,
		pkt:  pkt,
		b:    run.NewBuilder(pkt),
		data: data,
	}

	// A description can chain protocols arbitrarily; the hop bound keeps a
	// cyclic encapsulation from spinning on one packet.
	const maxProtoHops = 256

	cur := e.db.StartProto
	seenDefault := false
	for hops := 0; cur >= 0 && cur < len(e.db.Protos) && hops < maxProtoHops; hops++ {
		if cur == e.db.DefaultProto {
			if seenDefault {
				break
			}
			seenDefault = true
		}
		st.protoIdx = cur
		st.protoStart = st.cursor

		applies, err := st.runProto(e.db.Protos[cur])
		switch {
		case err == nil && applies:
			next := st.nextProto(e.db.Protos[cur])
			if next < 0 {
				next = e.db.DefaultProto
				if cur == e.db.DefaultProto {
					next = -1
				}
			}
			cur = next

		case errors.Is(err, ErrTruncated):
			pkt.Truncated = true
			cur = -1

		case err != nil && (errors.Is(err, ErrEvaluation) || errors.Is(err, ErrMalformed)):
			e.log.WithError(err).WithField("protocol", e.db.Protos[cur].Name).
				Warn("protocol aborted")
			st.emitDiagnostic(err)
			if cur != e.db.DefaultProto {
				cur = e.db.DefaultProto
			} else {
				cur = -1
			}

		default: // verify failed: the protocol does not apply here
			if cur != e.db.DefaultProto {
				cur = e.db.DefaultProto
			} else {
				cur = -1
			}
		}
	}

	st.summarize()
	return pkt, nil
}

// runProto runs one protocol: init (lazily, once), verify, before, fields,
// after. Returns false when a verify section rejects the packet.
func (st *decodeState) runProto(p *pdb.Proto) (bool, error) {
	e := st.e

	if !e.initDone[st.protoIdx] {
		e.initDone[st.protoIdx] = true
		for _, id := range p.ExecInit {
			if err := st.runSection(id); err != nil {
				return false, err
			}
		}
	}

	for _, id := range p.ExecVerify {
		sec := st.db().Get(id).(*pdb.ExecSection)
		if sec.When != nil {
			ok, err := st.evalBool(sec.When)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		if err := st.runNodes(sec.FirstChild, pdb.None); err != nil {
			return false, err
		}
	}

	for _, id := range p.ExecBefore {
		if err := st.runSection(id); err != nil {
			return false, err
		}
	}

	// Protocols without a format emit no tree node; the start protocol is
	// typically such a dispatcher.
	if p.FirstField != pdb.None {
		st.b.StartProto(p.Name, p.LongName, st.cursor)
		err := st.runNodes(p.FirstField, pdb.None)
		st.b.EndProto(st.cursor)
		if err != nil {
			return true, err
		}
	}

	for _, id := range p.ExecAfter {
		if err := st.runSection(id); err != nil {
			return true, err
		}
	}
	return true, nil
}

// runSection runs one execute-code section if its guard holds.
func (st *decodeState) runSection(id pdb.NodeID) error {
	sec, ok := st.db().Get(id).(*pdb.ExecSection)
	if !ok {
		return nil
	}
	if sec.When != nil {
		ok, err := st.evalBool(sec.When)
		if err != nil || !ok {
			return err
		}
	}
	return st.runNodes(sec.FirstChild, pdb.None)
}

// emitDiagnostic appends a zero-size marker field so a renderer can show
// where decoding gave up.
func (st *decodeState) emitDiagnostic(err error) {
	if st.b.CurrentProto() == nil {
		st.b.StartProto(st.protoName(), "", st.cursor)
		st.b.EndProto(st.cursor)
	}
	st.b.AddField(&run.DecodedField{
		Name:     "_decodingerror",
		LongName: "Decoding error",
		Position: st.cursor,
		Show:     err.Error(),
	})
}

// nextProto resolves the next protocol by walking the encapsulation
// subtree in document order. The first candidate that names a valid
// protocol wins, unless a later candidate carries a truthy preferred
// attribute (disabled by StrictEncapsulation).
func (st *decodeState) nextProto(p *pdb.Proto) int {
	if p.Encap == pdb.None {
		return -1
	}

	best := -1
	bestPreferred := false
	st.walkEncap(st.db().Get(p.Encap).Base().FirstChild, &best, &bestPreferred)
	return best
}

func (st *decodeState) walkEncap(head pdb.NodeID, best *int, bestPreferred *bool) {
	db := st.db()
	for id := head; id != pdb.None; id = db.Get(id).Base().NextSibling {
		switch v := db.Get(id).(type) {
		case *pdb.NextProto:
			idx, err := st.evalNum(v.Proto)
			if err != nil || int(idx) >= len(db.Protos) {
				continue
			}
			preferred := false
			if v.Preferred != nil {
				if ok, err := st.evalBool(v.Preferred); err == nil {
					preferred = ok
				}
			}
			switch {
			case *best < 0:
				*best = int(idx)
				*bestPreferred = preferred
			case preferred && !*bestPreferred && !st.e.opts.StrictEncapsulation:
				*best = int(idx)
				*bestPreferred = true
			}

		case *pdb.If:
			cond, err := st.evalBool(v.Cond)
			if err != nil {
				continue
			}
			branch := v.True
			if !cond {
				branch = v.False
			}
			if branch != pdb.None {
				st.walkEncap(db.Get(branch).Base().FirstChild, best, bestPreferred)
			}

		case *pdb.Switch:
			arm, err := st.selectCase(v)
			if err == nil && arm != nil {
				st.walkEncap(arm.FirstChild, best, bestPreferred)
			}
		}
	}
}
