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

package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
)

const post = "From: stranger@example.com\nTo: test@example.org\nSubject: question\nMessage-Id: <1@example.com>\n\nbody\n"

func setup(t *testing.T) (*site.Site, *site.Job) {
	s, lm := sitetest.New(t)
	l := mlist.New("test@example.org")
	l.AdminImmedNotify = true
	lm.AddList(t, l, &mlist.Member{Address: "owner@example.org", Role: mlist.RoleOwner})
	return s, &site.Job{
		List:  l,
		Msg:   sitetest.Message(t, post),
		Meta:  &switchboard.Metadata{ListName: l.Name, ModerationReasons: []string{"not a member"}},
		Store: lm,
	}
}

func TestHold(t *testing.T) {
	s, j := setup(t)

	token, err := Hold(context.Background(), s, j)
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 40 {
		t.Errorf("unexpected token: %q", token)
	}

	held, err := Held(s, j.List)
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 || held[0].Token != token {
		t.Fatalf("wrong held entries: %+v", held)
	}
	if held[0].Record.Address != "stranger@example.com" || held[0].Record.Reason != "not a member" {
		t.Errorf("wrong record: %+v", held[0].Record)
	}

	notices := sitetest.Queued(t, s, site.QueueVirgin)
	if len(notices) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(notices))
	}
	var author, mods *sitetest.Entry
	for i, n := range notices {
		switch n.Meta.Recips[0] {
		case "stranger@example.com":
			author = &notices[i]
		case "owner@example.org":
			mods = &notices[i]
		}
	}
	if author == nil || mods == nil {
		t.Fatalf("wrong notice recipients: %+v", notices)
	}
	if got := author.Msg.Header.Get("Reply-To"); got != "test-confirm+"+token+"@example.org" {
		t.Errorf("wrong Reply-To in the author notice: %q", got)
	}
	ct, _, _ := mods.Msg.ContentType()
	if ct != "multipart/mixed" {
		t.Errorf("moderator notice is %s", ct)
	}
	body := string(mods.Msg.Body)
	if !strings.Contains(body, "Subject: confirm "+token) {
		t.Error("confirmation message missing from the moderator notice")
	}
	if !strings.Contains(body, "Message-Id: <1@example.com>") {
		t.Error("original post missing from the moderator notice")
	}
}

func TestHold_BulkNoAutoresponse(t *testing.T) {
	s, j := setup(t)
	j.List.AdminImmedNotify = false
	j.Msg.Header.Set("Precedence", "bulk")

	if _, err := Hold(context.Background(), s, j); err != nil {
		t.Fatal(err)
	}
	if n := sitetest.Queued(t, s, site.QueueVirgin); len(n) != 0 {
		t.Fatalf("notices sent for a bulk post: %d", len(n))
	}
}

func TestDecide_Accept(t *testing.T) {
	s, j := setup(t)
	token, err := Hold(context.Background(), s, j)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decide(s, j.List, token, Defer, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := Decide(s, j.List, token, Accept, ""); err != nil {
		t.Fatal(err)
	}
	entries := sitetest.Queued(t, s, site.QueuePipeline)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry in the pipeline queue, got %d", len(entries))
	}
	if !entries[0].Meta.ModeratorApproved {
		t.Error("approval not recorded")
	}
	if entries[0].Msg.MessageID() != "1@example.com" {
		t.Error("wrong message approved")
	}

	if _, err := Decide(s, j.List, token, Accept, ""); !errors.Is(err, pending.ErrUnknownToken) {
		t.Fatalf("token accepted twice: %v", err)
	}
}

func TestDecide_Reject(t *testing.T) {
	s, j := setup(t)
	j.List.AdminImmedNotify = false
	j.List.RespondToPostReqs = false
	token, err := Hold(context.Background(), s, j)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decide(s, j.List, token, Refuse, "off-topic"); err != nil {
		t.Fatal(err)
	}
	notices := sitetest.Queued(t, s, site.QueueVirgin)
	if len(notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(notices))
	}
	if !strings.Contains(string(notices[0].Msg.Body), "off-topic") {
		t.Error("reason missing from the rejection notice")
	}
	if n := sitetest.Queued(t, s, site.QueuePipeline); len(n) != 0 {
		t.Error("rejected post was enqueued")
	}
}

func TestDecide_WrongList(t *testing.T) {
	s, j := setup(t)
	token, err := Hold(context.Background(), s, j)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decide(s, mlist.New("other@example.org"), token, Defer, ""); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestAutorespondOK(t *testing.T) {
	s, _ := sitetest.New(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	s.Autoresponse.MaxPerDay = 2
	l := mlist.New("test@example.org")

	for i := 0; i < 2; i++ {
		if !AutorespondOK(s, l, "a@x") {
			t.Fatalf("response %d refused", i)
		}
	}
	if AutorespondOK(s, l, "a@x") {
		t.Fatal("limit not enforced")
	}
	if AutorespondOK(s, l, "a@x") {
		t.Fatal("limit not enforced")
	}
	if n := sitetest.Queued(t, s, site.QueueVirgin); len(n) != 1 {
		t.Fatalf("expected exactly one limit notice, got %d", len(n))
	}

	now = now.Add(24 * time.Hour)
	if !AutorespondOK(s, l, "a@x") {
		t.Fatal("limit not reset on the next day")
	}
}
