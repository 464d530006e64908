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

package bounce

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/testutils"
	"github.com/foxcpp/listd/internal/verp"
)

const dsnMsg = `From: MAILER-DAEMON@mx.example.com
To: test-bounces@example.org
Subject: Undelivered Mail Returned to Sender
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="B"

--B
Content-Type: text/plain

This is the mail system at host mx.example.com.

--B
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.com

Final-Recipient: rfc822; User@Example.com
Action: %s
Status: %s
Diagnostic-Code: smtp; 550 5.1.1 no such user

--B--
`

func TestDetect_DSN(t *testing.T) {
	msg := sitetest.Message(t, fmt.Sprintf(dsnMsg, "failed", "5.1.1"))
	res, name := Detect(msg)
	if name != "dsn" {
		t.Fatalf("wrong detector: %q", name)
	}
	if !reflect.DeepEqual(res.Addresses, []string{"user@example.com"}) {
		t.Errorf("wrong addresses: %v", res.Addresses)
	}
	if res.Temporary || res.Stop {
		t.Errorf("unexpected flags: %+v", res)
	}
}

func TestDetect_DSNDelayed(t *testing.T) {
	msg := sitetest.Message(t, fmt.Sprintf(dsnMsg, "delayed", "4.4.1"))
	res, name := Detect(msg)
	if name != "dsn" || !res.Stop {
		t.Fatalf("expected stop from dsn, got %+v from %q", res, name)
	}
}

func TestDetect_Vendors(t *testing.T) {
	cases := []struct {
		name     string
		msg      string
		detector string
		addrs    []string
	}{
		{
			name: "qmail",
			msg: `From: MAILER-DAEMON@mx.example.com
Subject: failure notice

Hi. This is the qmail-send program at mx.example.com.
I'm afraid I wasn't able to deliver your message to the following addresses.

<gone@example.com>:
Sorry, no mailbox here by that name.

--- Below this line is a copy of the message.

<other@example.com>: quoted, not a failure
`,
			detector: "qmail",
			addrs:    []string{"gone@example.com"},
		},
		{
			name: "postfix",
			msg: `From: MAILER-DAEMON@mx.example.com
Subject: Undelivered Mail Returned to Sender

This is the mail system at host mx.example.com.

I'm sorry to have to inform you that your message could not
be delivered to one or more recipients.

<a@example.com>: host mx.example.com said: 550 unknown user
<b@example.com> (expanded from <alias@example.com>): mailbox full
`,
			detector: "postfix",
			addrs:    []string{"a@example.com", "b@example.com"},
		},
		{
			name: "exim",
			msg: `From: Mail Delivery System <Mailer-Daemon@mx.example.com>
X-Failed-Recipients: x@example.com, y@example.com
Subject: Mail delivery failed: returning message to sender

This message was created automatically by mail delivery software.
`,
			detector: "exim",
			addrs:    []string{"x@example.com", "y@example.com"},
		},
		{
			name: "simple block",
			msg: `From: postmaster@example.com
Subject: Returned mail

The following addresses had permanent fatal errors
<lost@example.com>

Transcript follows.
`,
			detector: "simple-match",
			addrs:    []string{"lost@example.com"},
		},
		{
			name: "simple line",
			msg: `From: postmaster@example.com
Subject: Returned mail

nobody@example.com... User unknown
`,
			detector: "simple-match",
			addrs:    []string{"nobody@example.com"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res, name := Detect(sitetest.Message(t, c.msg))
			if name != c.detector {
				t.Fatalf("wrong detector: %q (%+v)", name, res)
			}
			if !reflect.DeepEqual(res.Addresses, c.addrs) {
				t.Errorf("wrong addresses: %v", res.Addresses)
			}
		})
	}
}

func TestDetect_Warning(t *testing.T) {
	msg := sitetest.Message(t, `From: postmaster@example.com
Subject: Delayed Mail (still being retried)

This is a warning message only.  YOU DO NOT NEED TO RESEND YOUR MESSAGE.
`)
	res, name := Detect(msg)
	if name != "simple-warning" || !res.Stop {
		t.Fatalf("expected a warning, got %+v from %q", res, name)
	}
}

func TestDetect_Unrecognized(t *testing.T) {
	msg := sitetest.Message(t, `From: someone@example.com
Subject: hello

I am on vacation.
`)
	res, name := Detect(msg)
	if name != "" || !res.Empty() {
		t.Fatalf("expected no result, got %+v from %q", res, name)
	}
}

func TestSynthesize(t *testing.T) {
	orig := sitetest.Message(t, "From: test@example.org\nMessage-Id: <1@example.org>\nSubject: post\n\nbody\n")
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg, err := Synthesize("example.org", "MAILER-DAEMON@example.org", "test-bounces@example.org", []Failure{
		{Address: "perm@example.com", Err: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}},
	}, orig, now)
	if err != nil {
		t.Fatal(err)
	}
	res, name := Detect(msg)
	if name != "dsn" {
		t.Fatalf("wrong detector: %q", name)
	}
	if !reflect.DeepEqual(res.Addresses, []string{"perm@example.com"}) || res.Temporary {
		t.Errorf("wrong result: %+v", res)
	}
}

func TestParseStatus(t *testing.T) {
	statuses, err := ParseStatus(strings.NewReader("Reporting-MTA: dns; mx\r\n\r\n" +
		"Original-Recipient: rfc822;<a@example.com>\r\nAction: failed\r\nStatus: 5.2.2 (mailbox full)\r\n\r\n" +
		"Final-Recipient: rfc822; b@example.com\r\nAction: delayed\r\nStatus: 4.4.7\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(statuses))
	}
	if statuses[0].FinalRecipient != "a@example.com" || statuses[0].Status != (smtp.EnhancedCode{5, 2, 2}) || !statuses[0].Permanent() {
		t.Errorf("wrong first group: %+v", statuses[0])
	}
	if statuses[1].Action != ActionDelayed || statuses[1].Permanent() {
		t.Errorf("wrong second group: %+v", statuses[1])
	}
}

func setup(t *testing.T) (*site.Site, *testutils.ListManager, *Processor, *time.Time) {
	s, lm := sitetest.New(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	l := mlist.New("test@example.org")
	l.BounceScoreThreshold = 2
	lm.AddList(t, l, &mlist.Member{Address: "u@example.com"})
	p := &Processor{Site: s, Store: lm, List: l, Log: testutils.Logger(t, "bounce")}
	return s, lm, p, &now
}

func member(t *testing.T, lm *testutils.ListManager, addr string) *mlist.Member {
	t.Helper()
	m, err := lm.Member(context.Background(), "test@example.org", addr, mlist.RoleMember)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRegister_Threshold(t *testing.T) {
	s, lm, p, now := setup(t)
	ctx := context.Background()

	if err := p.Register(ctx, Event{Address: "u@example.com", Permanent: true}); err != nil {
		t.Fatal(err)
	}
	m := member(t, lm, "u@example.com")
	if m.Bounce == nil || m.Bounce.Score != PermanentWeight || !m.Bounce.LastBounce.Equal(*now) {
		t.Fatalf("wrong bounce info: %+v", m.Bounce)
	}

	// Same day, no increment.
	*now = now.Add(time.Hour)
	if err := p.Register(ctx, Event{Address: "u@example.com", Permanent: true}); err != nil {
		t.Fatal(err)
	}
	if m := member(t, lm, "u@example.com"); m.Bounce.Score != PermanentWeight {
		t.Fatalf("score changed on the same day: %v", m.Bounce.Score)
	}

	*now = now.Add(24 * time.Hour)
	if err := p.Register(ctx, Event{Address: "u@example.com", Permanent: true}); err != nil {
		t.Fatal(err)
	}
	m = member(t, lm, "u@example.com")
	if m.Status != mlist.DisabledByBounce {
		t.Fatalf("member not disabled: %v", m.Status)
	}
	if m.Bounce.WarningsLeft != 2 || m.Bounce.Cookie == "" {
		t.Errorf("wrong bounce info: %+v", m.Bounce)
	}

	rec, err := s.Pending.Peek(m.Bounce.Cookie)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Address != "u@example.com" {
		t.Errorf("wrong pending record: %+v", rec)
	}

	var toMember, toOwner bool
	for _, e := range sitetest.Queued(t, s, site.QueueVirgin) {
		switch {
		case reflect.DeepEqual(e.Meta.Recips, []string{"u@example.com"}):
			toMember = true
			if e.Msg.Subject() != "confirm "+m.Bounce.Cookie {
				t.Errorf("wrong notice subject: %q", e.Msg.Subject())
			}
		case reflect.DeepEqual(e.Meta.Recips, []string{"postmaster@example.org"}):
			toOwner = true
		}
	}
	if !toMember || !toOwner {
		t.Errorf("missing notices: member %v, owner %v", toMember, toOwner)
	}
}

func TestRegister_Stale(t *testing.T) {
	_, lm, p, now := setup(t)
	m := member(t, lm, "u@example.com")
	m.Bounce = &mlist.BounceInfo{Score: 1.5, LastBounce: now.Add(-30 * 24 * time.Hour)}
	if err := lm.UpdateMember(context.Background(), "test@example.org", m); err != nil {
		t.Fatal(err)
	}

	if err := p.Register(context.Background(), Event{Address: "u@example.com"}); err != nil {
		t.Fatal(err)
	}
	m = member(t, lm, "u@example.com")
	if m.Bounce.Score != TransientWeight || m.Status != mlist.Enabled {
		t.Errorf("stale info was not reset: %+v, %v", m.Bounce, m.Status)
	}
}

func TestRegister_NonMember(t *testing.T) {
	_, _, p, _ := setup(t)
	if err := p.Register(context.Background(), Event{Address: "stranger@example.com", Permanent: true}); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_Removal(t *testing.T) {
	s, lm, p, now := setup(t)
	m := member(t, lm, "u@example.com")
	m.Status = mlist.DisabledByBounce
	m.Bounce = &mlist.BounceInfo{Score: 5, LastBounce: *now, WarningsLeft: 1, LastNotice: now.Add(-8 * 24 * time.Hour)}
	if err := lm.UpdateMember(context.Background(), "test@example.org", m); err != nil {
		t.Fatal(err)
	}

	if err := p.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	m = member(t, lm, "u@example.com")
	if m.Bounce.WarningsLeft != 0 || !m.Bounce.LastNotice.Equal(*now) {
		t.Fatalf("reminder not sent: %+v", m.Bounce)
	}

	// Within the interval nothing happens.
	if err := p.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(sitetest.Queued(t, s, site.QueueVirgin)); n != 1 {
		t.Fatalf("expected 1 notice, got %d", n)
	}

	*now = now.Add(8 * 24 * time.Hour)
	if err := p.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := mlist.IsMember(context.Background(), lm, "test@example.org", "u@example.com"); ok {
		t.Fatal("member was not removed")
	}
	// removal notice and owner notice
	if n := len(sitetest.Queued(t, s, site.QueueVirgin)); n != 3 {
		t.Errorf("expected 3 notices, got %d", n)
	}
}

func TestReEnable(t *testing.T) {
	_, lm, p, _ := setup(t)
	m := member(t, lm, "u@example.com")
	m.Status = mlist.DisabledByBounce
	m.Bounce = &mlist.BounceInfo{Score: 5}
	if err := lm.UpdateMember(context.Background(), "test@example.org", m); err != nil {
		t.Fatal(err)
	}
	if err := p.ReEnable(context.Background(), "u@example.com"); err != nil {
		t.Fatal(err)
	}
	m = member(t, lm, "u@example.com")
	if m.Status != mlist.Enabled || m.Bounce != nil {
		t.Errorf("member not re-enabled: %v, %+v", m.Status, m.Bounce)
	}
}

func TestProbe(t *testing.T) {
	s, lm, p, _ := setup(t)
	s.VERP.Probes = true
	p.List.BounceScoreThreshold = 1
	ctx := context.Background()

	if err := p.Register(ctx, Event{Address: "u@example.com", Permanent: true}); err != nil {
		t.Fatal(err)
	}
	if m := member(t, lm, "u@example.com"); m.Status != mlist.Enabled {
		t.Fatalf("member disabled before the probe bounced: %v", m.Status)
	}

	entries := sitetest.Drain(t, s, site.QueueVirgin)
	if len(entries) != 1 {
		t.Fatalf("expected a probe, got %d entries", len(entries))
	}
	_, token, ok := verp.DecodeProbe(entries[0].Meta.EnvSender)
	if !ok || token != entries[0].Meta.ProbeToken {
		t.Fatalf("bad probe envelope: %q", entries[0].Meta.EnvSender)
	}

	if err := p.ProbeBounce(ctx, token, nil); err != nil {
		t.Fatal(err)
	}
	if m := member(t, lm, "u@example.com"); m.Status != mlist.DisabledByBounce {
		t.Errorf("member not disabled after the probe bounced: %v", m.Status)
	}

	// Tokens are single-use.
	if err := p.ProbeBounce(ctx, token, nil); err != nil {
		t.Fatal(err)
	}
}
