/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package verp

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, c := range []struct {
		bounces, rcpt string
		want          string
	}{
		{"test-bounces@lists.example.org", "u@x.example", "test-bounces+u=x.example@lists.example.org"},
		{"a.b-bounces@example.org", "first.last@sub.example.com", "a.b-bounces+first.last=sub.example.com@example.org"},
	} {
		enc := Encode(c.bounces, c.rcpt)
		if enc != c.want {
			t.Errorf("Encode(%q, %q) = %q, want %q", c.bounces, c.rcpt, enc, c.want)
			continue
		}
		bounces, rcpt, ok := Decode(enc)
		if !ok {
			t.Errorf("Decode(%q) failed", enc)
			continue
		}
		if bounces != c.bounces[:strings.IndexByte(c.bounces, '@')] || rcpt != c.rcpt {
			t.Errorf("Decode(%q) = %q, %q", enc, bounces, rcpt)
		}
	}
}

func TestDecode_CaseInsensitive(t *testing.T) {
	_, rcpt, ok := Decode("TEST-BOUNCES+U=X.EXAMPLE@LISTS.EXAMPLE.ORG")
	if !ok || rcpt != "U@X.EXAMPLE" {
		t.Fatal("Unexpected result:", rcpt, ok)
	}
	if _, _, ok := Decode("test-bounces@example.org"); ok {
		t.Fatal("Plain bounces address decoded as VERP")
	}
}

func TestProbe(t *testing.T) {
	token := "0123456789abcdef0123456789abcdef01234567"
	enc := EncodeProbe("test-bounces@example.org", token)
	if enc != "test-bounces+"+token+"@example.org" {
		t.Fatal("Wrong probe address:", enc)
	}
	_, got, ok := DecodeProbe(enc)
	if !ok || got != token {
		t.Fatal("Probe token not decoded:", got, ok)
	}
	if _, _, ok := Decode(enc); ok {
		t.Fatal("Probe address decoded as VERP")
	}
}
