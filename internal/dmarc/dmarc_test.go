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

package dmarc

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dmarc"
	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/listd/internal/mailmsg"
)

func msgFrom(t *testing.T, from string) *mailmsg.Message {
	t.Helper()
	msg, err := mailmsg.ParseBytes([]byte("From: " + from + "\r\nSubject: x\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestStrict(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"_dmarc.reject.example.": {
			TXT: []string{"v=DMARC1; p=reject"},
		},
		"_dmarc.none.example.": {
			TXT: []string{"v=DMARC1; p=none"},
		},
		"_dmarc.org.example.": {
			TXT: []string{"v=DMARC1; p=none; sp=quarantine"},
		},
		"_dmarc.dup.example.": {
			TXT: []string{"v=DMARC1; p=reject", "v=DMARC1; p=reject"},
		},
		"_dmarc.other.example.": {
			TXT: []string{"some unrelated record"},
		},
	}}

	cases := []struct {
		from   string
		strict bool
		policy dmarc.Policy
	}{
		{"a@reject.example", true, dmarc.PolicyReject},
		{"a@none.example", false, dmarc.PolicyNone},
		{"a@sub.org.example", true, dmarc.PolicyQuarantine},
		{"a@org.example", false, dmarc.PolicyNone},
		{"a@dup.example", false, dmarc.PolicyNone},
		{"a@other.example", false, dmarc.PolicyNone},
		{"a@missing.example", false, dmarc.PolicyNone},
	}
	for _, c := range cases {
		strict, p, err := Strict(context.Background(), r, msgFrom(t, c.from))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.from, err)
			continue
		}
		if strict != c.strict || p != c.policy {
			t.Errorf("%s: want %v/%q, got %v/%q", c.from, c.strict, c.policy, strict, p)
		}
	}
}

func TestFromDomain(t *testing.T) {
	if _, err := FromDomain(msgFrom(t, "a@x.example, b@y.example")); err != ErrNoFrom {
		t.Errorf("multiple From addresses accepted: %v", err)
	}
	d, err := FromDomain(msgFrom(t, "Someone <SOMEONE@Example.ORG>"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.EqualFold(d, "example.org") {
		t.Errorf("wrong domain: %s", d)
	}
}
