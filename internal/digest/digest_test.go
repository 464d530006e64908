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

package digest

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
)

func post(t *testing.T, l *mlist.MailingList, store mlist.Store, from, subject string) *site.Job {
	t.Helper()
	body := strings.Repeat(strings.Repeat("x", 64)+"\n", 9)
	return &site.Job{
		List:  l,
		Msg:   sitetest.Message(t, "From: "+from+"\nTo: "+l.Name+"\nSubject: "+subject+"\n\n"+body),
		Meta:  &switchboard.Metadata{ListName: l.Name},
		Store: store,
	}
}

func TestThresholdAndSend(t *testing.T) {
	s, lm := sitetest.New(t)
	l := mlist.New("test@example.org")
	l.DigestSizeThreshold = 1
	lm.AddList(t, l,
		&mlist.Member{Address: "plain@example.org", Role: mlist.RoleMember, Mode: mlist.PlainDigest},
		&mlist.Member{Address: "mime@example.org", Role: mlist.RoleMember, Mode: mlist.MIMEDigest},
		&mlist.Member{Address: "regular@example.org", Role: mlist.RoleMember},
	)
	l.OneLastDigest = []string{"leaving@example.org"}
	ctx := context.Background()

	rotated, err := Append(ctx, s, post(t, l, lm, "a@example.com", "first"))
	if err != nil {
		t.Fatal(err)
	}
	if rotated {
		t.Fatal("rotated below the threshold")
	}
	rotated, err = Append(ctx, s, post(t, l, lm, "b@example.com", "second"))
	if err != nil {
		t.Fatal(err)
	}
	if !rotated {
		t.Fatal("not rotated above the threshold")
	}
	if _, err := os.Stat(MboxPath(s, l)); !os.IsNotExist(err) {
		t.Errorf("digest mailbox is not moved aside: %v", err)
	}
	if l.NextDigestNumber != 2 {
		t.Errorf("issue number is not advanced: %d", l.NextDigestNumber)
	}

	entries := sitetest.Drain(t, s, site.QueueDigest)
	if len(entries) != 1 {
		t.Fatalf("expected 1 digest entry, got %d", len(entries))
	}
	meta := entries[0].Meta
	if meta.DigestVolume != 1 || meta.DigestNumber != 1 {
		t.Errorf("wrong volume/issue: %d/%d", meta.DigestVolume, meta.DigestNumber)
	}

	j := &site.Job{List: l, Msg: entries[0].Msg, Meta: meta, Store: lm}
	if err := Send(ctx, s, j); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(meta.DigestPath); !os.IsNotExist(err) {
		t.Errorf("rotated mailbox is not removed: %v", err)
	}

	virgin := sitetest.Queued(t, s, site.QueueVirgin)
	if len(virgin) != 2 {
		t.Fatalf("expected 2 digests, got %d", len(virgin))
	}
	var mimeRcpts, plainRcpts []string
	for _, e := range virgin {
		if !e.Meta.IsDigest {
			t.Error("digest entry is not marked")
		}
		if e.Msg.Subject() != "Test Digest, Vol 1, Issue 1" {
			t.Errorf("wrong subject: %q", e.Msg.Subject())
		}
		ct, _, err := e.Msg.ContentType()
		if err != nil {
			t.Fatal(err)
		}
		switch ct {
		case "multipart/mixed":
			mimeRcpts = e.Meta.Recips
			if !strings.Contains(string(e.Msg.Body), "multipart/digest") {
				t.Error("MIME digest has no multipart/digest part")
			}
		case "text/plain":
			plainRcpts = e.Meta.Recips
			text, _ := e.Msg.FirstText()
			for _, want := range []string{"Today's Topics:", "   1. first (a@example.com)", "Message: 2", "End of Test Digest, Vol 1, Issue 1"} {
				if !strings.Contains(text, want) {
					t.Errorf("plain digest lacks %q", want)
				}
			}
		default:
			t.Errorf("unexpected digest type %s", ct)
		}
	}
	if !reflect.DeepEqual(mimeRcpts, []string{"mime@example.org"}) {
		t.Errorf("wrong MIME digest recipients: %v", mimeRcpts)
	}
	if !reflect.DeepEqual(plainRcpts, []string{"plain@example.org", "leaving@example.org"}) {
		t.Errorf("wrong plain digest recipients: %v", plainRcpts)
	}
	if l.OneLastDigest != nil {
		t.Errorf("one-last-digest set is not cleared: %v", l.OneLastDigest)
	}
}

func TestRotateEmpty(t *testing.T) {
	s, _ := sitetest.New(t)
	l := mlist.New("test@example.org")
	fb, err := Rotate(s, l)
	if err != nil {
		t.Fatal(err)
	}
	if fb != "" {
		t.Error("empty mailbox rotated")
	}
}

func TestBumpVolume(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	}
	cases := []struct {
		freq      string
		last, now time.Time
		bump      bool
	}{
		{mlist.FreqMonthly, day(2024, 1, 31), day(2024, 2, 1), true},
		{mlist.FreqMonthly, day(2024, 1, 1), day(2024, 1, 31), false},
		{mlist.FreqYearly, day(2024, 1, 1), day(2024, 12, 31), false},
		{mlist.FreqYearly, day(2024, 12, 31), day(2025, 1, 1), true},
		{mlist.FreqQuarterly, day(2024, 1, 1), day(2024, 3, 31), false},
		{mlist.FreqQuarterly, day(2024, 3, 31), day(2024, 4, 1), true},
		{mlist.FreqWeekly, day(2024, 1, 1), day(2024, 1, 7), false},
		{mlist.FreqWeekly, day(2024, 1, 7), day(2024, 1, 8), true},
		{mlist.FreqDaily, day(2024, 1, 1), day(2024, 1, 1), false},
		{mlist.FreqDaily, day(2024, 1, 1), day(2024, 1, 2), true},
		{mlist.FreqDaily, time.Time{}, day(2024, 1, 2), false},
	}
	for _, c := range cases {
		l := mlist.New("test@example.org")
		l.DigestVolumeFrequency = c.freq
		l.DigestLastSentAt = c.last
		l.Volume = 3
		l.NextDigestNumber = 7
		if got := BumpVolume(l, c.now); got != c.bump {
			t.Errorf("%s %v -> %v: bump = %v", c.freq, c.last, c.now, got)
			continue
		}
		if c.bump && (l.Volume != 4 || l.NextDigestNumber != 1) {
			t.Errorf("%s: volume %d issue %d after bump", c.freq, l.Volume, l.NextDigestNumber)
		}
	}
}

func TestPeriodic(t *testing.T) {
	s, lm := sitetest.New(t)
	l := mlist.New("test@example.org")
	lm.AddList(t, l)
	if _, err := Append(context.Background(), s, post(t, l, lm, "a@example.com", "first")); err != nil {
		t.Fatal(err)
	}

	l.DigestSendPeriodic = false
	if fb, err := Periodic(s, l); err != nil || fb != "" {
		t.Fatalf("periodic send disabled but got %q, %v", fb, err)
	}
	l.DigestSendPeriodic = true
	fb, err := Periodic(s, l)
	if err != nil {
		t.Fatal(err)
	}
	if fb == "" {
		t.Fatal("nothing rotated")
	}
	if _, err := os.Stat(filepath.Join(s.ListDir(l.Name), mboxName)); !os.IsNotExist(err) {
		t.Error("mailbox still in place")
	}
}
