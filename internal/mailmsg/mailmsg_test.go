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

package mailmsg

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const testMsg = "From: Alice <A@Example.org>\r\n" +
	"To: test@lists.example.org, \"Bob\" <bob@example.com>\r\n" +
	"Subject: =?utf-8?q?caf=C3=A9?=\r\n" +
	"Message-Id: <123@example.org>\r\n" +
	"\r\n" +
	"body\r\n"

func TestParse(t *testing.T) {
	msg, err := Parse(strings.NewReader(testMsg))
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body) != "body\r\n" {
		t.Errorf("Wrong body: %q", msg.Body)
	}
	if subj := msg.Subject(); subj != "café" {
		t.Errorf("Wrong decoded subject: %q", subj)
	}
	if s := msg.Sender(); s != "a@example.org" {
		t.Errorf("Wrong sender: %q", s)
	}
	if id := msg.MessageID(); id != "123@example.org" {
		t.Errorf("Wrong message id: %q", id)
	}
	want := []string{"test@lists.example.org", "bob@example.com"}
	if addrs := msg.Addresses("To", "Cc"); !reflect.DeepEqual(addrs, want) {
		t.Errorf("Wrong addresses: %v", addrs)
	}
	if string(msg.Bytes()) != testMsg {
		t.Errorf("Message not preserved:\n%q", msg.Bytes())
	}
}

func TestParse_Defects(t *testing.T) {
	for _, raw := range []string{
		"",
		"no colon here\r\n\r\nbody",
		"From: a@example.org\r\nContent-Type: multipart/mixed\r\n\r\nbody",
	} {
		_, err := Parse(strings.NewReader(raw))
		if !errors.Is(err, ErrDefect) {
			t.Errorf("%q: expected defect, got %v", raw, err)
		}
	}
}

func TestAddresses_Malformed(t *testing.T) {
	msg, err := Parse(strings.NewReader("From: a@example.org\r\nCc: broken <<x@example.org\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if addrs := msg.Addresses("Cc"); !reflect.DeepEqual(addrs, []string{"x@example.org"}) {
		t.Fatalf("Wrong addresses: %v", addrs)
	}
}

func TestNewMultipart(t *testing.T) {
	orig, err := Parse(strings.NewReader(testMsg))
	if err != nil {
		t.Fatal(err)
	}
	h := Header("list-owner@lists.example.org", "mod@example.org", "Held message", "lists.example.org")
	msg, err := NewMultipart(h, "mixed", TextPart("Please review"), MessagePart(orig))
	if err != nil {
		t.Fatal(err)
	}

	ent, err := msg.Entity()
	if err != nil {
		t.Fatal(err)
	}
	mr := ent.MultipartReader()
	if mr == nil {
		t.Fatal("Not a multipart message")
	}
	var types []string
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		mt, _, _ := p.Header.ContentType()
		types = append(types, mt)
	}
	if !reflect.DeepEqual(types, []string{"text/plain", "message/rfc822"}) {
		t.Fatal("Wrong parts:", types)
	}
	if msg.Header.Get("Message-Id") == "" {
		t.Fatal("Message-Id not set")
	}
}
