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

package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
)

type env struct {
	s  *site.Site
	lm *testutils.ListManager
	l  *mlist.MailingList
}

func newEnv(t *testing.T) env {
	s, lm := sitetest.New(t)
	l := mlist.New("test@example.org")
	lm.AddList(t, l,
		&mlist.Member{Address: "member@example.org", Role: mlist.RoleMember},
		&mlist.Member{Address: "moderated@example.org", Role: mlist.RoleMember, Moderated: true},
		&mlist.Member{Address: "owner@example.org", Role: mlist.RoleOwner},
	)
	return env{s: s, lm: lm, l: l}
}

func (e env) check(t *testing.T, name, text string) (bool, *site.Job) {
	t.Helper()
	r, err := Get(name)
	if err != nil {
		t.Fatal(err)
	}
	j := &site.Job{
		List:  e.l,
		Msg:   sitetest.Message(t, text),
		Meta:  &switchboard.Metadata{ListName: e.l.Name},
		Store: e.lm,
	}
	res, err := r.Check(context.Background(), e.s, j)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res, j
}

func TestApproved(t *testing.T) {
	e := newEnv(t)
	e.l.Password = "secret"

	hit, j := e.check(t, Approved, "From: a@x\nApproved: secret\nSubject: s\n\nbody\n")
	if !hit {
		t.Error("header password not accepted")
	}
	if j.Msg.Header.Has("Approved") {
		t.Error("Approved header not removed")
	}

	hit, j = e.check(t, Approved, "From: a@x\nSubject: s\n\n\nApprove: secret\n\nbody\n")
	if !hit {
		t.Error("body pseudo-header not accepted")
	}
	if strings.Contains(string(j.Msg.Body), "secret") {
		t.Errorf("pseudo-header not stripped: %q", j.Msg.Body)
	}
	if !strings.Contains(string(j.Msg.Body), "body") {
		t.Errorf("body text lost: %q", j.Msg.Body)
	}

	hit, j = e.check(t, Approved, "From: a@x\nX-Approved: wrong\nSubject: s\n\nbody\n")
	if hit {
		t.Error("wrong password accepted")
	}
	if j.Msg.Header.Has("X-Approved") {
		t.Error("X-Approved header not removed")
	}

	e.l.Password = ""
	if hit, _ := e.check(t, Approved, "From: a@x\nApproved: \n\nbody\n"); hit {
		t.Error("empty password accepted")
	}
}

func TestLoop(t *testing.T) {
	e := newEnv(t)
	if hit, _ := e.check(t, Loop, "From: a@x\nX-BeenThere: TEST@example.org\n\nbody\n"); !hit {
		t.Error("loop not detected")
	}
	if hit, _ := e.check(t, Loop, "From: a@x\nX-BeenThere: other@example.org\n\nbody\n"); hit {
		t.Error("false loop detection")
	}
}

func TestBannedAddress(t *testing.T) {
	e := newEnv(t)
	e.l.BanList = []string{"spammer@example.com", `^.*@evil\.example$`}
	for _, from := range []string{"spammer@example.com", "Anyone@EVIL.example"} {
		if hit, _ := e.check(t, BannedAddress, "From: "+from+"\n\nbody\n"); !hit {
			t.Errorf("%s not banned", from)
		}
	}
	if hit, _ := e.check(t, BannedAddress, "From: good@example.com\n\nbody\n"); hit {
		t.Error("good sender banned")
	}
}

func TestAdministrivia(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		text string
		hit  bool
	}{
		{"From: a@x\nSubject: unsubscribe\n\n\n", true},
		{"From: a@x\nSubject: Question\n\nsubscribe\n", true},
		{"From: a@x\nSubject: Question\n\nhelp me with this problem please\n", false},
		{"From: a@x\nSubject: help\n\n", true},
		{"From: a@x\nSubject: Hello\n\n1\n2\n3\n4\n5\n6\n7\n8\n9\n10\nunsubscribe\n", false},
	}
	for i, c := range cases {
		if hit, _ := e.check(t, Administrivia, c.text); hit != c.hit {
			t.Errorf("%d: want %v, got %v", i, c.hit, hit)
		}
	}

	e.l.Administrivia = false
	if hit, _ := e.check(t, Administrivia, "From: a@x\nSubject: unsubscribe\n\n"); hit {
		t.Error("rule matched with administrivia disabled")
	}
}

func TestImplicitDest(t *testing.T) {
	e := newEnv(t)
	if hit, _ := e.check(t, ImplicitDest, "From: a@x\nTo: Test <test@example.org>\n\nbody\n"); hit {
		t.Error("explicit destination not found")
	}
	if hit, _ := e.check(t, ImplicitDest, "From: a@x\nTo: b@x\n\nbody\n"); !hit {
		t.Error("implicit destination not detected")
	}
	e.l.AcceptableAliases = []string{"alias", "^.*@lists\\.example\\.org$"}
	if hit, _ := e.check(t, ImplicitDest, "From: a@x\nCc: alias@elsewhere.example\n\nbody\n"); hit {
		t.Error("localpart alias not accepted")
	}
	if hit, _ := e.check(t, ImplicitDest, "From: a@x\nTo: other@lists.example.org\n\nbody\n"); hit {
		t.Error("regexp alias not accepted")
	}
}

func TestSizeAndRecipients(t *testing.T) {
	e := newEnv(t)
	e.l.MaxNumRecipients = 2
	if hit, _ := e.check(t, MaxRecipients, "From: a@x\nTo: a@x, b@x\nCc: c@x\n\nbody\n"); !hit {
		t.Error("recipient limit not enforced")
	}
	if hit, _ := e.check(t, MaxRecipients, "From: a@x\nTo: a@x, b@x\n\nbody\n"); hit {
		t.Error("message at the recipient limit matched")
	}
	if hit, _ := e.check(t, MaxRecipients, "From: a@x\nTo: a@x\n\nbody\n"); hit {
		t.Error("recipient limit applied too early")
	}

	e.l.MaxMessageSize = 1
	if hit, _ := e.check(t, MaxSize, "From: a@x\n\n"+strings.Repeat("x", 2000)+"\n"); !hit {
		t.Error("size limit not enforced")
	}
	if hit, _ := e.check(t, MaxSize, "From: a@x\n\nsmall\n"); hit {
		t.Error("small message matched")
	}
}

func TestNoSubjectSuspicious(t *testing.T) {
	e := newEnv(t)
	if hit, _ := e.check(t, NoSubject, "From: a@x\nSubject:   \n\nbody\n"); !hit {
		t.Error("blank subject not detected")
	}
	e.l.BounceMatchingHeaders = []string{"# comment", "X-Spam-Flag: yes"}
	if hit, _ := e.check(t, SuspiciousHeader, "From: a@x\nX-Spam-Flag: YES\n\nbody\n"); !hit {
		t.Error("suspicious header not detected")
	}
}

func TestModeration(t *testing.T) {
	e := newEnv(t)

	hit, j := e.check(t, Moderation, "From: moderated@example.org\n\nbody\n")
	if !hit {
		t.Fatal("moderated member not matched")
	}
	if j.Meta.ModerationAction != mlist.ActionHold || len(j.Meta.ModerationReasons) != 1 {
		t.Errorf("wrong moderation metadata: %+v", j.Meta)
	}
	if hit, _ := e.check(t, Moderation, "From: member@example.org\n\nbody\n"); hit {
		t.Error("regular member matched")
	}

	if hit, _ := e.check(t, NonMember, "From: owner@example.org\n\nbody\n"); hit {
		t.Error("owner treated as non-member")
	}
	e.l.DiscardTheseNonmembers = []string{"^.*@spam\\.example$"}
	hit, j = e.check(t, NonMember, "From: x@spam.example\n\nbody\n")
	if !hit || j.Meta.ModerationAction != mlist.ActionDiscard {
		t.Errorf("discard list not applied: %v %+v", hit, j.Meta)
	}
	hit, j = e.check(t, NonMember, "From: stranger@example.com\n\nbody\n")
	if !hit || j.Meta.ModerationAction != mlist.ActionHold || j.Meta.ModerationSender != "stranger@example.com" {
		t.Errorf("generic action not applied: %v %+v", hit, j.Meta)
	}
}

func TestDMARCModeration(t *testing.T) {
	e := newEnv(t)
	e.s.Resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"_dmarc.strict.example.": {TXT: []string{"v=DMARC1; p=reject"}},
	}}

	if hit, _ := e.check(t, DMARCModeration, "From: a@strict.example\n\nbody\n"); hit {
		t.Error("rule matched with action none")
	}

	e.l.DMARCModerationAction = mlist.ActionReject
	hit, j := e.check(t, DMARCModeration, "From: a@strict.example\n\nbody\n")
	if !hit || j.Meta.ModerationAction != mlist.ActionReject {
		t.Errorf("strict domain not moderated: %v %+v", hit, j.Meta)
	}
	if hit, _ := e.check(t, DMARCModeration, "From: a@relaxed.example\n\nbody\n"); hit {
		t.Error("domain without a policy moderated")
	}

	e.l.DMARCModerationAction = mlist.DMARCMungeFrom
	hit, j = e.check(t, DMARCModeration, "From: a@strict.example\n\nbody\n")
	if hit || j.Meta.Extra[ExtraMungeFrom] == "" {
		t.Errorf("munge_from not requested: %v %+v", hit, j.Meta)
	}
}

func TestAny(t *testing.T) {
	e := newEnv(t)
	r, _ := Get(Any)
	j := &site.Job{List: e.l, Msg: sitetest.Message(t, "From: a@x\n\n"), Meta: &switchboard.Metadata{}}
	if hit, _ := r.Check(context.Background(), e.s, j); hit {
		t.Error("matched without hits")
	}
	j.Meta.RuleHits = []string{NoSubject}
	if hit, _ := r.Check(context.Background(), e.s, j); !hit {
		t.Error("did not match with hits")
	}
	if r.Record() {
		t.Error("any must not record")
	}
}
