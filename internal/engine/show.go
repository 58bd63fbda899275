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

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"buf.build/go/netpdl/internal/bytesx"
	"buf.build/go/netpdl/internal/pdb"
	"buf.build/go/netpdl/internal/run"
)

// render fills a decoded field's Show (and ShowMap) strings from its
// template. Without a template, or under a minimal load, the raw hex
// rendering is used.
func (st *decodeState) render(f *run.DecodedField, base *pdb.FieldBase) {
	if f.Mask != 0 {
		f.Show = strconv.FormatUint(uint64(maskedValue(f)), 10)
		return
	}

	var t *pdb.ShowTemplate
	if base != nil && base.ShowTemplate != pdb.None {
		t, _ = st.db().Get(base.ShowTemplate).(*pdb.ShowTemplate)
	}
	if t == nil {
		if len(f.Value) > 0 {
			f.Show = "0x" + bytesx.Hex(f.Value)
		}
		return
	}

	f.Show = renderTemplate(t, f.Value)
	if len(t.MapKeys) > 0 {
		hexVal := bytesx.Hex(f.Value)
		for i, k := range t.MapKeys {
			if k == hexVal {
				f.ShowMap = t.MapLabels[i]
				break
			}
		}
	}
}

// maskedValue extracts a bit field's value: masked, shifted down to the
// mask's least significant set bit.
func maskedValue(f *run.DecodedField) uint32 {
	v := bytesx.BE32(f.Value) & f.Mask
	mask := f.Mask
	for mask != 0 && mask&1 == 0 {
		mask >>= 1
		v >>= 1
	}
	return v
}

func renderTemplate(t *pdb.ShowTemplate, value []byte) string {
	switch t.NativeFunc {
	case "ipv4":
		if len(value) == 4 {
			return fmt.Sprintf("%d.%d.%d.%d", value[0], value[1], value[2], value[3])
		}
	case "ascii", "asciiline", "httpcontent":
		return printableASCII(value)
	}

	switch t.Mode {
	case pdb.DisplayDec:
		if len(value) <= 4 {
			return strconv.FormatUint(uint64(bytesx.BE32(value)), 10)
		}
		return grouped(bytesx.Hex(value), t)
	case pdb.DisplayBin:
		var sb strings.Builder
		for _, b := range value {
			fmt.Fprintf(&sb, "%08b", b)
		}
		return sb.String()
	case pdb.DisplayAsc:
		return printableASCII(value)
	case pdb.DisplayHexNoX:
		return grouped(bytesx.Hex(value), t)
	default:
		s := grouped(bytesx.Hex(value), t)
		if t.Separator == "" {
			return "0x" + s
		}
		return s
	}
}

// grouped splits a digit string into DigitSize-character groups joined by
// the template separator.
func grouped(s string, t *pdb.ShowTemplate) string {
	if t.DigitSize <= 0 || t.Separator == "" || len(s) <= t.DigitSize {
		return s
	}
	var parts []string
	for i := 0; i < len(s); i += t.DigitSize {
		end := min(i+t.DigitSize, len(s))
		parts = append(parts, s[i:end])
	}
	return strings.Join(parts, t.Separator)
}

func printableASCII(value []byte) string {
	var sb strings.Builder
	for _, c := range value {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

// summarize fills the packet's PSML sections by running each decoded
// protocol's summary template.
func (st *decodeState) summarize() {
	db := st.db()
	if db.SumStructure == nil {
		return
	}
	st.pkt.Summary = make([]string, len(db.SumStructure.Sections))
	section := 0

	appendText := func(s string) {
		if section < len(st.pkt.Summary) {
			if st.pkt.Summary[section] != "" {
				st.pkt.Summary[section] += " "
			}
			st.pkt.Summary[section] += s
		}
	}

	for _, dp := range st.pkt.Protos() {
		p, _, ok := db.ProtoByName(dp.Name)
		if !ok || p.ShowSumTemplate == pdb.None {
			continue
		}
		tmpl := db.Get(p.ShowSumTemplate)
		for _, code := range db.Children(tmpl) {
			switch c := code.(type) {
			case *pdb.ShowCodeSection:
				for i, name := range db.SumStructure.Sections {
					if name == c.Name {
						section = i
						break
					}
				}
			case *pdb.ShowCodeText:
				if c.When == "onlyempty" && section < len(st.pkt.Summary) && st.pkt.Summary[section] != "" {
					continue
				}
				appendText(c.Value)
			case *pdb.ShowCodeProtoField:
				for f := dp.FirstField; f != nil; f = f.NextSibling {
					if f.Name == c.FieldName {
						if c.ShowData == "value" {
							appendText(bytesx.Hex(f.Value))
						} else {
							appendText(f.Show)
						}
						break
					}
				}
			case *pdb.ShowCodeProtoHdr:
				appendText(dp.Name)
			case *pdb.ShowCodePacketHdr:
				switch c.Value {
				case "num":
					appendText(strconv.FormatUint(st.pkt.Number, 10))
				case "timestamp":
					appendText(fmt.Sprintf("%d.%06d", st.pkt.TsSec, st.pkt.TsUsec))
				case "len":
					appendText(strconv.Itoa(st.pkt.Length))
				}
			}
		}
	}
}
