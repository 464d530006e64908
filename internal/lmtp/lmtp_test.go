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

package lmtp

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
)

func testServer(t *testing.T) (*Server, *site.Site) {
	t.Helper()
	s, lm := sitetest.New(t)
	lm.AddList(t, mlist.New("test@lists.example.org"))
	lm.AddList(t, mlist.New("dev-owner@lists.example.org"))
	return New(s, testutils.Logger(t, "lmtp")), s
}

func TestResolve(t *testing.T) {
	srv, s := testServer(t)

	cases := []struct {
		rcpt  string
		list  string
		queue string
		check func(m *switchboard.Metadata) bool
	}{
		{"test@lists.example.org", "test@lists.example.org", site.QueueIn, func(m *switchboard.Metadata) bool { return m.ToList }},
		{"Test@Lists.Example.org", "test@lists.example.org", site.QueueIn, func(m *switchboard.Metadata) bool { return m.ToList }},
		{"test-bounces@lists.example.org", "test@lists.example.org", site.QueueBounces, nil},
		{"test-admin@lists.example.org", "test@lists.example.org", site.QueueBounces, nil},
		{"test-bounces+bob=example.net@lists.example.org", "test@lists.example.org", site.QueueBounces, nil},
		{"test-confirm+0123abcd@lists.example.org", "test@lists.example.org", site.QueueCommands, func(m *switchboard.Metadata) bool { return m.ToConfirm }},
		{"test-join@lists.example.org", "test@lists.example.org", site.QueueCommands, func(m *switchboard.Metadata) bool { return m.ToJoin }},
		{"test-subscribe@lists.example.org", "test@lists.example.org", site.QueueCommands, func(m *switchboard.Metadata) bool { return m.ToJoin }},
		{"test-leave@lists.example.org", "test@lists.example.org", site.QueueCommands, func(m *switchboard.Metadata) bool { return m.ToLeave }},
		{"test-unsubscribe@lists.example.org", "test@lists.example.org", site.QueueCommands, func(m *switchboard.Metadata) bool { return m.ToLeave }},
		{"test-request@lists.example.org", "test@lists.example.org", site.QueueCommands, func(m *switchboard.Metadata) bool { return m.ToRequest }},
		{"test-owner@lists.example.org", "test@lists.example.org", site.QueueIn, func(m *switchboard.Metadata) bool {
			return m.ToOwner && m.EnvSender == s.SiteOwner && m.Pipeline == site.OwnerPipeline
		}},
		// The posting address of a list wins over the sub-address.
		{"dev-owner@lists.example.org", "dev-owner@lists.example.org", site.QueueIn, func(m *switchboard.Metadata) bool { return m.ToList }},
	}
	for _, c := range cases {
		t.Run(c.rcpt, func(t *testing.T) {
			route, err := srv.Resolve(context.Background(), c.rcpt)
			if err != nil {
				t.Fatal(err)
			}
			if route.List != c.list || route.Queue != c.queue {
				t.Errorf("wrong route: %s %s", route.List, route.Queue)
			}
			if route.Meta.ListName != c.list {
				t.Errorf("wrong list in metadata: %s", route.Meta.ListName)
			}
			if route.Meta.Extra[switchboard.ExtraRcptTo] != c.rcpt {
				t.Errorf("envelope recipient not recorded: %v", route.Meta.Extra)
			}
			if c.check != nil && !c.check(route.Meta) {
				t.Errorf("wrong metadata: %+v", route.Meta)
			}
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	srv, _ := testServer(t)
	for _, rcpt := range []string{
		"nolist@lists.example.org",
		"test-foo@lists.example.org",
		"test@other.example.org",
		"nolist-bounces@lists.example.org",
		"not an address",
	} {
		_, err := srv.Resolve(context.Background(), rcpt)
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) || smtpErr.Code != 550 {
			t.Errorf("%s: expected 550, got %v", rcpt, err)
		}
	}
}

type client struct {
	t *testing.T
	*textproto.Conn
}

func (c client) cmd(expectCode int, format string, args ...interface{}) {
	c.t.Helper()
	id, err := c.Cmd(format, args...)
	if err != nil {
		c.t.Fatal(err)
	}
	c.StartResponse(id)
	defer c.EndResponse(id)
	if _, _, err := c.ReadResponse(expectCode); err != nil {
		c.t.Fatalf("%s: %v", format, err)
	}
}

func dial(t *testing.T, srv *Server) client {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	conn, err := textproto.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := client{t: t, Conn: conn}
	if _, _, err := c.ReadResponse(220); err != nil {
		t.Fatal(err)
	}
	return c
}

// transaction sends the message to rcpts and returns the per-recipient
// status codes.
func (c client) transaction(from string, rcpts []string, body string) []int {
	c.t.Helper()
	c.cmd(250, "MAIL FROM:<%s>", from)
	for _, rcpt := range rcpts {
		c.cmd(250, "RCPT TO:<%s>", rcpt)
	}
	c.cmd(354, "DATA")
	w := c.DotWriter()
	if _, err := w.Write([]byte(body)); err != nil {
		c.t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		c.t.Fatal(err)
	}
	codes := make([]int, 0, len(rcpts))
	for range rcpts {
		code, _, err := c.ReadResponse(0)
		if err != nil {
			var protoErr *textproto.Error
			if !errors.As(err, &protoErr) {
				c.t.Fatal(err)
			}
			code = protoErr.Code
		}
		codes = append(codes, code)
	}
	return codes
}

const post = "From: alice@example.com\r\n" +
	"To: test@lists.example.org\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"body\r\n"

func TestLMTP_PerRecipientStatus(t *testing.T) {
	srv, s := testServer(t)
	c := dial(t, srv)
	c.cmd(250, "LHLO client.example.org")

	codes := c.transaction("alice@example.com",
		[]string{"test@lists.example.org", "missing@lists.example.org", "test-request@lists.example.org"}, post)
	if len(codes) != 3 || codes[0] != 250 || codes[1] != 550 || codes[2] != 250 {
		t.Fatalf("wrong statuses: %v", codes)
	}

	in := sitetest.Queued(t, s, site.QueueIn)
	if len(in) != 1 {
		t.Fatalf("expected 1 entry in the in queue, got %d", len(in))
	}
	if in[0].Msg.Header.Get("X-MailFrom") != "alice@example.com" {
		t.Errorf("wrong X-MailFrom: %q", in[0].Msg.Header.Get("X-MailFrom"))
	}
	if !in[0].Meta.ToList || in[0].Meta.ListName != "test@lists.example.org" {
		t.Errorf("wrong metadata: %+v", in[0].Meta)
	}
	if n := len(sitetest.Queued(t, s, site.QueueCommands)); n != 1 {
		t.Errorf("expected 1 entry in the commands queue, got %d", n)
	}
	c.cmd(221, "QUIT")
}

func TestLMTP_NullSender(t *testing.T) {
	srv, s := testServer(t)
	c := dial(t, srv)
	c.cmd(250, "LHLO client.example.org")

	codes := c.transaction("", []string{"test-bounces@lists.example.org"}, post)
	if len(codes) != 1 || codes[0] != 250 {
		t.Fatalf("wrong statuses: %v", codes)
	}
	bounces := sitetest.Queued(t, s, site.QueueBounces)
	if len(bounces) != 1 || bounces[0].Msg.Header.Get("X-MailFrom") != "<>" {
		t.Fatalf("bounce not queued properly: %+v", bounces)
	}
}

func TestLMTP_Malformed(t *testing.T) {
	srv, s := testServer(t)
	c := dial(t, srv)
	c.cmd(250, "LHLO client.example.org")

	codes := c.transaction("alice@example.com",
		[]string{"test@lists.example.org", "test-request@lists.example.org"},
		"this is not a header\r\n\r\nbody\r\n")
	if len(codes) != 2 || codes[0] != 501 || codes[1] != 501 {
		t.Fatalf("wrong statuses: %v", codes)
	}
	if n := len(sitetest.Queued(t, s, site.QueueIn)); n != 0 {
		t.Errorf("malformed message was queued")
	}
}

func TestLMTP_HELORejected(t *testing.T) {
	srv, _ := testServer(t)
	c := dial(t, srv)

	id, err := c.Cmd("HELO client.example.org")
	if err != nil {
		t.Fatal(err)
	}
	c.StartResponse(id)
	code, _, err := c.ReadResponse(250)
	c.EndResponse(id)
	if err == nil || code/100 != 5 {
		t.Fatalf("HELO accepted: %d %v", code, err)
	}
}
