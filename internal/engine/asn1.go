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
	"errors"
	"fmt"

	"buf.build/go/netpdl/internal/pdb"
)

// asn1TLV is one decoded ASN.1 tag-length-value header.
type asn1TLV struct {
	class       uint32 // 0 universal, 1 application, 2 context, 3 private
	tag         uint32
	constructed bool

	headerLen int
	// length of the content octets; -1 for an indefinite BER/CER length,
	// terminated by an end-of-contents marker.
	length int
}

var errASN1 = errors.New("bad ASN.1 encoding")

// parseASN1 reads one TLV header. DER forbids indefinite lengths and
// non-minimal length octets; CER requires indefinite lengths for
// constructed values.
func parseASN1(b []byte, enc pdb.ASN1Encoding) (asn1TLV, error) {
	if len(b) < 2 {
		return asn1TLV{}, fmt.Errorf("%w: %d bytes", errASN1, len(b))
	}

	var tlv asn1TLV
	tlv.class = uint32(b[0] >> 6)
	tlv.constructed = b[0]&0x20 != 0
	tlv.tag = uint32(b[0] & 0x1f)
	i := 1

	// High tag numbers continue in base-128 octets.
	if tlv.tag == 0x1f {
		tlv.tag = 0
		for {
			if i >= len(b) || i > 6 {
				return asn1TLV{}, fmt.Errorf("%w: runaway tag", errASN1)
			}
			c := b[i]
			i++
			tlv.tag = tlv.tag<<7 | uint32(c&0x7f)
			if c&0x80 == 0 {
				break
			}
		}
	}

	if i >= len(b) {
		return asn1TLV{}, fmt.Errorf("%w: missing length", errASN1)
	}
	l := b[i]
	i++
	switch {
	case l < 0x80:
		tlv.length = int(l)
	case l == 0x80:
		if enc == pdb.ASN1DER {
			return asn1TLV{}, fmt.Errorf("%w: indefinite length in DER", errASN1)
		}
		if !tlv.constructed {
			return asn1TLV{}, fmt.Errorf("%w: indefinite length on a primitive", errASN1)
		}
		tlv.length = -1
	default:
		n := int(l & 0x7f)
		if n > 4 || i+n > len(b) {
			return asn1TLV{}, fmt.Errorf("%w: oversized length", errASN1)
		}
		length := 0
		for _, c := range b[i : i+n] {
			length = length<<8 | int(c)
		}
		if enc == pdb.ASN1DER && length < 0x80 {
			return asn1TLV{}, fmt.Errorf("%w: non-minimal length in DER", errASN1)
		}
		tlv.length = length
		i += n
	}

	if enc == pdb.ASN1CER && tlv.constructed && tlv.length >= 0 {
		return asn1TLV{}, fmt.Errorf("%w: CER constructed values need indefinite length", errASN1)
	}

	tlv.headerLen = i
	return tlv, nil
}

// asn1End finds the end of the content octets: headerLen+length for
// definite lengths, or the matching end-of-contents for indefinite ones.
// Returns the total TLV size in bytes.
func asn1End(b []byte, tlv asn1TLV, enc pdb.ASN1Encoding) (int, error) {
	if tlv.length >= 0 {
		total := tlv.headerLen + tlv.length
		if total > len(b) {
			return 0, fmt.Errorf("%w: content runs past the buffer", errASN1)
		}
		return total, nil
	}

	// Indefinite: walk nested TLVs until the 00 00 end-of-contents pair.
	i := tlv.headerLen
	for {
		if i+2 <= len(b) && b[i] == 0 && b[i+1] == 0 {
			return i + 2, nil
		}
		if i >= len(b) {
			return 0, fmt.Errorf("%w: missing end-of-contents", errASN1)
		}
		inner, err := parseASN1(b[i:], enc)
		if err != nil {
			return 0, err
		}
		n, err := asn1End(b[i:], inner, enc)
		if err != nil {
			return 0, err
		}
		i += n
	}
}

var asn1UniversalNames = map[uint32]string{
	1: "boolean", 2: "integer", 3: "bitstring", 4: "octetstring",
	5: "null", 6: "oid", 10: "enumerated", 12: "utf8string",
	16: "sequence", 17: "set", 19: "printablestring", 23: "utctime",
}

func asn1TagName(tlv asn1TLV) string {
	if tlv.class == 0 {
		if n, ok := asn1UniversalNames[tlv.tag]; ok {
			return n
		}
	}
	return fmt.Sprintf("tag%d", tlv.tag)
}
