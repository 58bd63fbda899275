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
	"embed"
	"encoding/hex"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"buf.build/go/netpdl"
)

//go:embed testdata/*
var testdata embed.FS

// test is one YAML fixture: a description document plus packets with their
// expected trees.
type test struct {
	Name string `yaml:"-"`

	Description string `yaml:"description"`
	NetPDL      string `yaml:"netpdl"`
	Packets     []struct {
		Hex       string `yaml:"hex"`
		Truncated bool   `yaml:"truncated"`
		Protos    []struct {
			Name   string `yaml:"name"`
			Size   int    `yaml:"size"`
			Fields []struct {
				Name string `yaml:"name"`
				Pos  int    `yaml:"pos"`
				Size int    `yaml:"size"`
				Show string `yaml:"show"`
			} `yaml:"fields"`
		} `yaml:"protos"`
	} `yaml:"packets"`
}

func loadTests(t *testing.T) []*test {
	t.Helper()
	var tests []*test
	err := fs.WalkDir(testdata, ".", func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err, "loading test %q", path)
		if d.IsDir() || filepath.Ext(path) != ".yaml" {
			return nil
		}
		data, err := fs.ReadFile(testdata, path)
		require.NoError(t, err, "loading test %q", path)

		tt := new(test)
		require.NoError(t, yaml.Unmarshal(data, tt), "loading test %q", path)
		tt.Name = strings.TrimSuffix(strings.TrimPrefix(path, "testdata/"), ".yaml")
		tests = append(tests, tt)
		return nil
	})
	require.NoError(t, err)
	return tests
}

func initEngine(t *testing.T, doc string, flags netpdl.LoadFlags) *netpdl.Engine {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "db.xml", []byte(doc), 0o644))
	eng, err := netpdl.InitializeFS(fsys, "db.xml", flags)
	require.NoError(t, err)
	return eng
}

func TestDecode(t *testing.T) {
	t.Parallel()
	for _, tt := range loadTests(t) {
		t.Run(tt.Name, func(t *testing.T) {
			t.Parallel()
			eng := initEngine(t, tt.NetPDL, 0)
			defer eng.Teardown()
			dec := eng.NewDecoder()

			for i, want := range tt.Packets {
				r := strings.NewReplacer(" ", "", "\n", "")
				raw, err := hex.DecodeString(r.Replace(want.Hex))
				require.NoError(t, err, "packet %d", i)

				pkt, err := dec.Decode(&netpdl.Packet{Data: raw, Link: netpdl.LinkEthernet})
				require.NoError(t, err, "packet %d", i)
				assert.Equal(t, want.Truncated, pkt.Truncated, "packet %d", i)

				protos := pkt.Protos()
				require.GreaterOrEqual(t, len(protos), len(want.Protos), "packet %d", i)
				for pi, wp := range want.Protos {
					got := protos[pi]
					assert.Equal(t, wp.Name, got.Name, "packet %d proto %d", i, pi)
					if wp.Size != 0 {
						assert.Equal(t, wp.Size, got.Size, "packet %d proto %q", i, wp.Name)
					}
					fields := got.Fields()
					require.GreaterOrEqual(t, len(fields), len(wp.Fields), "packet %d proto %q", i, wp.Name)
					for fi, wf := range wp.Fields {
						f := fields[fi]
						assert.Equal(t, wf.Name, f.Name, "packet %d field %d", i, fi)
						assert.Equal(t, wf.Pos, f.Position, "packet %d field %q", i, wf.Name)
						assert.Equal(t, wf.Size, f.Size, "packet %d field %q", i, wf.Name)
						if wf.Show != "" {
							assert.Equal(t, wf.Show, f.Show, "packet %d field %q", i, wf.Name)
						}
					}
				}
			}
		})
	}
}

// Decoders sharing one engine database stay independent: the database is
// frozen, the state is per-decoder.
func TestDecoderIsolation(t *testing.T) {
	t.Parallel()
	doc := `<?xml version="1.0"?>
<netpdl name="t" version="0.2">
 <global><variable name="n" type="number" validity="static"/></global>
 <protocol name="startproto">
  <execute-code><before><assign-variable name="n" value="$n + 1"/></before></execute-code>
  <encapsulation><nextproto proto="#defaultproto"/></encapsulation>
 </protocol>
 <protocol name="defaultproto">
  <format><fields><field type="eatall" name="data"/></fields></format>
 </protocol>
</netpdl>`

	eng := initEngine(t, doc, 0)
	defer eng.Teardown()

	a := eng.NewDecoder()
	b := eng.NewDecoder()
	assert.NotEqual(t, a.ID(), b.ID())

	for range 3 {
		_, err := a.Decode(&netpdl.Packet{Data: []byte{1}})
		require.NoError(t, err)
	}
	pktB, err := b.Decode(&netpdl.Packet{Data: []byte{1}})
	require.NoError(t, err)
	require.NotEmpty(t, pktB.Protos())

	// Packet numbering is per decoder.
	assert.Equal(t, uint64(1), pktB.Number)
}

func TestVersionInfo(t *testing.T) {
	t.Parallel()
	doc := `<?xml version="1.0"?>
<netpdl name="t" version="0.2" creator="netbee team" date="2025-06-01">
 <protocol name="startproto">
  <encapsulation><nextproto proto="#defaultproto"/></encapsulation>
 </protocol>
 <protocol name="defaultproto">
  <format><fields><field type="eatall" name="data"/></fields></format>
 </protocol>
</netpdl>`

	eng := initEngine(t, doc, 0)
	defer eng.Teardown()

	info := eng.Version()
	assert.Equal(t, 0, info.SupportedMajor)
	assert.Equal(t, 2, info.SupportedMinor)
	assert.Equal(t, "netbee team", info.DBCreator)
	assert.Equal(t, 0, info.DBMajor)
	assert.Equal(t, 2, info.DBMinor)
}

func TestPacketBound(t *testing.T) {
	t.Parallel()
	doc := `<?xml version="1.0"?>
<netpdl name="t" version="0.2">
 <protocol name="startproto">
  <encapsulation><nextproto proto="#defaultproto"/></encapsulation>
 </protocol>
 <protocol name="defaultproto">
  <format><fields><field type="eatall" name="data"/></fields></format>
 </protocol>
</netpdl>`

	eng := initEngine(t, doc, 0)
	defer eng.Teardown()
	dec := eng.NewDecoder()

	_, err := dec.Decode(&netpdl.Packet{Data: make([]byte, netpdl.MaxPacketLen+1)})
	assert.Error(t, err)

	_, err = dec.Decode(nil)
	assert.Error(t, err)
}

// The PDML pipeline: decode, stream out, re-read by index.
func TestPDMLPipeline(t *testing.T) {
	t.Parallel()
	tests := loadTests(t)
	require.NotEmpty(t, tests)
	tt := tests[0]
	for _, cand := range tests {
		if cand.Name == "ethernet" {
			tt = cand
		}
	}

	eng := initEngine(t, tt.NetPDL, 0)
	defer eng.Teardown()
	dec := eng.NewDecoder()

	fsys := afero.NewMemMapFs()
	out, err := fsys.Create("capture.pdml")
	require.NoError(t, err)
	w := netpdl.NewPDMLWriter(out)

	for _, want := range tt.Packets {
		r := strings.NewReplacer(" ", "", "\n", "")
		raw, err := hex.DecodeString(r.Replace(want.Hex))
		require.NoError(t, err)
		pkt, err := dec.Decode(&netpdl.Packet{Data: raw})
		require.NoError(t, err)
		require.NoError(t, w.WritePacket(pkt))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	r, err := netpdl.NewPacketReader(fsys, "capture.pdml")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, len(tt.Packets), r.PacketCount())
	f, err := r.GetField(1, "ethernet", "type", "")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "IPv4", f.Show)

	_, err = r.GetPacket(len(tt.Packets) + 1)
	assert.ErrorIs(t, err, netpdl.ErrPacketOutOfRange)
}
