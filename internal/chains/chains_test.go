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

package chains

import (
	"context"
	"reflect"
	"testing"

	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/rules"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
)

func setup(t *testing.T) (*site.Site, *testutils.ListManager, *mlist.MailingList) {
	s, lm := sitetest.New(t)
	l := mlist.New("test@example.org")
	lm.AddList(t, l,
		&mlist.Member{Address: "member@example.org", Role: mlist.RoleMember},
		&mlist.Member{Address: "owner@example.org", Role: mlist.RoleOwner},
	)
	return s, lm, l
}

func process(t *testing.T, s *site.Site, lm *testutils.ListManager, l *mlist.MailingList, text string) (string, *site.Job) {
	t.Helper()
	j := &site.Job{
		List:  l,
		Msg:   sitetest.Message(t, text),
		Meta:  &switchboard.Metadata{ListName: l.Name},
		Store: lm,
	}
	res, err := Process(context.Background(), s, j, BuiltIn)
	if err != nil {
		t.Fatal(err)
	}
	return res, j
}

func TestBuiltIn_Accept(t *testing.T) {
	s, lm, l := setup(t)
	res, j := process(t, s, lm, l, "From: member@example.org\nTo: test@example.org\nSubject: hi\n\nbody\n")
	if res != Accept {
		t.Fatalf("expected accept, got %q (hits %v)", res, j.Meta.RuleHits)
	}
	if len(j.Meta.RuleHits) != 0 {
		t.Errorf("unexpected rule hits: %v", j.Meta.RuleHits)
	}
	if n := sitetest.Queued(t, s, site.QueuePipeline); len(n) != 1 {
		t.Errorf("expected the post in the pipeline queue, got %d entries", len(n))
	}
}

func TestBuiltIn_HoldNonMember(t *testing.T) {
	s, lm, l := setup(t)
	res, j := process(t, s, lm, l, "From: stranger@example.com\nTo: test@example.org\nSubject: hi\n\nbody\n")
	if res != Hold {
		t.Fatalf("expected hold, got %q", res)
	}
	if j.Meta.ModerationAction != mlist.ActionHold {
		t.Errorf("moderation action not recorded: %+v", j.Meta)
	}
	held, err := s.Pending.Entries("", l.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 {
		t.Errorf("expected 1 held post, got %d", len(held))
	}
	if n := sitetest.Queued(t, s, site.QueuePipeline); len(n) != 0 {
		t.Error("held post reached the pipeline queue")
	}
}

func TestBuiltIn_Loop(t *testing.T) {
	s, lm, l := setup(t)
	res, _ := process(t, s, lm, l, "From: member@example.org\nTo: test@example.org\nX-BeenThere: test@example.org\nSubject: hi\n\nbody\n")
	if res != Discard {
		t.Fatalf("expected discard, got %q", res)
	}
}

func TestBuiltIn_DiagnosticHold(t *testing.T) {
	s, lm, l := setup(t)
	res, j := process(t, s, lm, l, "From: member@example.org\nTo: someone@example.org\n\nbody\n")
	if res != Hold {
		t.Fatalf("expected hold, got %q", res)
	}
	want := []string{rules.ImplicitDest, rules.NoSubject}
	if !reflect.DeepEqual(j.Meta.RuleHits, want) {
		t.Errorf("wrong rule hits: %v", j.Meta.RuleHits)
	}
	if j.Msg.Header.Get("X-Listd-Rule-Hits") != "implicit-dest; no-subject" {
		t.Errorf("rule hits header missing: %q", j.Msg.Header.Get("X-Listd-Rule-Hits"))
	}
}

func TestBuiltIn_RejectNonMember(t *testing.T) {
	s, lm, l := setup(t)
	l.RejectTheseNonmembers = []string{"bad@example.com"}
	res, _ := process(t, s, lm, l, "From: bad@example.com\nTo: test@example.org\nSubject: hi\n\nbody\n")
	if res != Reject {
		t.Fatalf("expected reject, got %q", res)
	}
	notices := sitetest.Queued(t, s, site.QueueVirgin)
	if len(notices) != 1 || notices[0].Meta.Recips[0] != "bad@example.com" {
		t.Fatalf("rejection notice not sent: %+v", notices)
	}
}

func TestHeaderMatch(t *testing.T) {
	s, lm, l := setup(t)
	s.HeaderMatches = []mlist.HeaderMatch{{Header: "X-Spam-Flag", Pattern: "^yes$", Action: Discard}}
	l.HeaderMatches = []mlist.HeaderMatch{{Header: "X-Topic", Pattern: "politics"}}

	res, j := process(t, s, lm, l, "From: member@example.org\nTo: test@example.org\nSubject: hi\nX-Spam-Flag: YES\n\nbody\n")
	if res != Discard {
		t.Fatalf("site header_match: expected discard, got %q", res)
	}
	if len(j.Meta.RuleHits) != 1 {
		t.Errorf("header match not recorded: %v", j.Meta.RuleHits)
	}

	res, _ = process(t, s, lm, l, "From: member@example.org\nTo: test@example.org\nSubject: hi\nX-Topic: Politics today\n\nbody\n")
	if res != Hold {
		t.Fatalf("list header_match: expected hold, got %q", res)
	}

	res, _ = process(t, s, lm, l, "From: member@example.org\nTo: test@example.org\nSubject: hi\nX-Topic: cats\n\nbody\n")
	if res != Accept {
		t.Fatalf("no header match: expected accept, got %q", res)
	}
}

func TestApproved(t *testing.T) {
	s, lm, l := setup(t)
	l.Password = "pw"
	res, j := process(t, s, lm, l, "From: stranger@example.com\nTo: someone@example.org\nApproved: pw\n\nbody\n")
	if res != Accept {
		t.Fatalf("expected accept, got %q", res)
	}
	if j.Msg.Header.Has("Approved") {
		t.Error("password header left in the post")
	}
}

func TestUnknownChain(t *testing.T) {
	s, lm, l := setup(t)
	j := &site.Job{List: l, Msg: sitetest.Message(t, "From: a@x\n\n"), Meta: &switchboard.Metadata{}, Store: lm}
	if _, err := Process(context.Background(), s, j, "no-such-chain"); err == nil {
		t.Fatal("unknown chain accepted")
	}
}
