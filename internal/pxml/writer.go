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
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"buf.build/go/netpdl/internal/bytesx"
	"buf.build/go/netpdl/internal/run"
)

// Writer serializes decoded packets as a PDML or PSML stream. It is a
// visitor over the decoded tree; the decoder knows nothing about it.
type Writer struct {
	w       io.Writer
	summary bool
	open    bool
	// sections of the PSML structure row, written once up front.
	sections []string
}

// NewPDMLWriter streams full decoded trees.
func NewPDMLWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewPSMLWriter streams one summary row per packet, after a structure row
// naming the columns.
func NewPSMLWriter(w io.Writer, sections []string) *Writer {
	return &Writer{w: w, summary: true, sections: sections}
}

func (wr *Writer) begin() error {
	if wr.open {
		return nil
	}
	wr.open = true
	root := elemPDML
	if wr.summary {
		root = elemPSML
	}
	if _, err := fmt.Fprintf(wr.w, "<%s>\n", root); err != nil {
		return err
	}
	if wr.summary && len(wr.sections) > 0 {
		var sb strings.Builder
		sb.WriteString("<structure>")
		for _, s := range wr.sections {
			sb.WriteString("<section>")
			xmlEscape(&sb, s)
			sb.WriteString("</section>")
		}
		sb.WriteString("</structure>\n")
		if _, err := io.WriteString(wr.w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

// WritePacket appends one packet element.
func (wr *Writer) WritePacket(pkt *run.DecodedPacket) error {
	if err := wr.begin(); err != nil {
		return err
	}

	var sb strings.Builder
	if wr.summary {
		fmt.Fprintf(&sb, `<%s num="%d">`, elemPacket, pkt.Number)
		for _, s := range pkt.Summary {
			sb.WriteString("<section>")
			xmlEscape(&sb, s)
			sb.WriteString("</section>")
		}
		fmt.Fprintf(&sb, "</%s>\n", elemPacket)
		_, err := io.WriteString(wr.w, sb.String())
		return err
	}

	fmt.Fprintf(&sb, `<%s num="%d" length="%d" caplength="%d" timestamp="%d.%06d">`,
		elemPacket, pkt.Number, pkt.Length, pkt.CapLen, pkt.TsSec, pkt.TsUsec)
	sb.WriteByte('\n')
	for _, proto := range pkt.Protos() {
		fmt.Fprintf(&sb, `<%s name="%s" longname="%s" size="%d" pos="%d">`,
			elemProto, escaped(proto.Name), escaped(proto.LongName), proto.Size, proto.Position)
		sb.WriteByte('\n')
		for f := proto.FirstField; f != nil; f = f.NextSibling {
			writeField(&sb, f)
		}
		fmt.Fprintf(&sb, "</%s>\n", elemProto)
	}
	fmt.Fprintf(&sb, "</%s>\n", elemPacket)

	_, err := io.WriteString(wr.w, sb.String())
	return err
}

// Close terminates the document.
func (wr *Writer) Close() error {
	if err := wr.begin(); err != nil {
		return err
	}
	root := elemPDML
	if wr.summary {
		root = elemPSML
	}
	_, err := fmt.Fprintf(wr.w, "</%s>\n", root)
	return err
}

func writeField(sb *strings.Builder, f *run.DecodedField) {
	fmt.Fprintf(sb, `<%s name="%s" size="%d" pos="%d"`,
		elemField, escaped(f.Name), f.Size, f.Position)
	if f.LongName != "" {
		fmt.Fprintf(sb, ` longname="%s"`, escaped(f.LongName))
	}
	if len(f.Value) > 0 {
		fmt.Fprintf(sb, ` value="%s"`, bytesx.Hex(f.Value))
	}
	if f.Show != "" {
		fmt.Fprintf(sb, ` show="%s"`, escaped(f.Show))
	}
	if f.ShowDetail != "" {
		fmt.Fprintf(sb, ` showdtl="%s"`, escaped(f.ShowDetail))
	}
	if f.ShowMap != "" {
		fmt.Fprintf(sb, ` showmap="%s"`, escaped(f.ShowMap))
	}
	if f.Mask != 0 {
		fmt.Fprintf(sb, ` mask="0x%s"`, strconv.FormatUint(uint64(f.Mask), 16))
	}

	if f.FirstChild == nil {
		sb.WriteString("/>\n")
		return
	}
	sb.WriteString(">\n")
	for c := f.FirstChild; c != nil; c = c.NextSibling {
		writeField(sb, c)
	}
	fmt.Fprintf(sb, "</%s>\n", elemField)
}

func xmlEscape(sb *strings.Builder, s string) {
	_ = xml.EscapeText(sb, []byte(s))
}

func escaped(s string) string {
	var sb strings.Builder
	xmlEscape(&sb, s)
	return sb.String()
}
