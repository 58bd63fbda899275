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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buf.build/go/netpdl/internal/run"
)

// testPacket builds a small decoded tree by hand: one protocol, two
// fields, one with a subfield.
func testPacket(num uint64) *run.DecodedPacket {
	pkt := &run.DecodedPacket{
		Number: num,
		Length: 14,
		CapLen: 14,
		TsSec:  100,
		TsUsec: 42,
		Data:   []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	b := run.NewBuilder(pkt)
	b.StartProto("ethernet", "Ethernet 802.3", 0)

	b.AddField(&run.DecodedField{
		Name: "dst", LongName: "MAC Destination",
		Position: 0, Size: 2, Value: pkt.Data[0:2], Show: "de-ad",
	})
	tlv := b.AddField(&run.DecodedField{
		Name: "opt", Position: 2, Size: 2, Value: pkt.Data[2:4],
	})
	b.Descend(tlv)
	b.AddField(&run.DecodedField{
		Name: "type", Position: 2, Size: 1, Value: pkt.Data[2:3], Show: "190",
	})
	b.Ascend()
	b.EndProto(4)

	pkt.Summary = []string{"1", "ethernet"}
	return pkt
}

func TestPDMLRoundTrip(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	w := NewPDMLWriter(&sb)
	require.NoError(t, w.WritePacket(testPacket(1)))
	require.NoError(t, w.WritePacket(testPacket(2)))
	require.NoError(t, w.Close())

	r, err := ReaderFromBytes([]byte(sb.String()))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 2, r.PacketCount())

	pkt, err := r.GetPacket(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pkt.Num)
	assert.Equal(t, 14, pkt.Length)
	assert.Equal(t, "100.000042", pkt.Timestamp)

	require.Len(t, pkt.Protos, 1)
	proto := pkt.Protos[0]
	assert.Equal(t, "ethernet", proto.Name)
	assert.Equal(t, "Ethernet 802.3", proto.LongName)

	require.Len(t, proto.Fields, 2)
	assert.Equal(t, "DEAD", proto.Fields[0].Value)
	assert.Equal(t, "de-ad", proto.Fields[0].Show)
	require.Len(t, proto.Fields[1].Fields, 1)
	assert.Equal(t, "type", proto.Fields[1].Fields[0].Name)
}

func TestGetPacketXML(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	w := NewPDMLWriter(&sb)
	require.NoError(t, w.WritePacket(testPacket(1)))
	require.NoError(t, w.Close())

	r, err := ReaderFromBytes([]byte(sb.String()))
	require.NoError(t, err)
	defer r.Close()

	raw, err := r.GetPacketXML(1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `<packet num="1"`))
	assert.Contains(t, string(raw), "</packet>")

	_, err = r.GetPacketXML(3)
	assert.ErrorIs(t, err, ErrPacketOutOfRange)
	_, err = r.GetPacketXML(0)
	assert.ErrorIs(t, err, ErrPacketOutOfRange)
}

func TestGetField(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	w := NewPDMLWriter(&sb)
	require.NoError(t, w.WritePacket(testPacket(1)))
	require.NoError(t, w.Close())

	r, err := ReaderFromBytes([]byte(sb.String()))
	require.NoError(t, err)
	defer r.Close()

	// Nested fields are found depth-first.
	f, err := r.GetField(1, "ethernet", "type", "")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "190", f.Show)

	// startField skips everything up to and including the named field.
	f, err = r.GetField(1, "ethernet", "dst", "opt")
	require.NoError(t, err)
	assert.Nil(t, f, "dst precedes opt in document order")

	f, err = r.GetField(1, "nosuchproto", "dst", "")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestPSML(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	w := NewPSMLWriter(&sb, []string{"num", "protocol"})
	require.NoError(t, w.WritePacket(testPacket(1)))
	require.NoError(t, w.Close())

	out := sb.String()
	assert.Contains(t, out, "<structure><section>num</section><section>protocol</section></structure>")

	r, err := ReaderFromBytes([]byte(out))
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 1, r.PacketCount())
	s, err := r.GetSummary(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "ethernet"}, s.Sections)
}