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

package expr

import "testing"

// FuzzParse checks that arbitrary attribute strings either parse into a
// kinded tree or fail cleanly; the parser must never panic.
func FuzzParse(f *testing.F) {
	seeds := []string{
		"1 + 2 * 3",
		"buf2int(this.type) == 0x0800",
		"$payload[0:4] == '\\x00\\x01'",
		"checklookuptable('$flows', this.a, this.b) and not ispresent(ip.src)",
		"hasstring($payload, 'GET|POST', 0)",
		"((1))",
		"~0xFF & 0b1010 | 3 % 2",
		"'unterminated",
		"$",
		"#",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	res := testResolver()
	f.Fuzz(func(t *testing.T, src string) {
		e, err := Parse(src, Any, Config{Resolver: res})
		if err == nil && e == nil {
			t.Fatalf("parse %q: nil tree without error", src)
		}
		if err == nil {
			_ = e.Kind()
		}
	})
}
