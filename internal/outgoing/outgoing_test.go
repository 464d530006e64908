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

package outgoing

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
	"github.com/foxcpp/listd/internal/verp"
)

const testMsg = "From: alice@example.com\n" +
	"To: test@lists.example.org\n" +
	"Subject: Hello\n" +
	"Message-Id: <1@example.com>\n" +
	"\n" +
	"Hello list!\n"

func parse(t *testing.T, text string) *mailmsg.Message {
	t.Helper()
	msg, err := mailmsg.ParseBytes([]byte(testutils.CRLF(text)))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func testDeliverer(t *testing.T, addr string, maxRcpts int) *Deliverer {
	return &Deliverer{
		Addr:          addr,
		Hello:         "mx.example.org",
		MaxRecipients: maxRcpts,
		Timeout:       5 * time.Second,
		Log:           testutils.Logger(t, "outgoing"),
		Now:           time.Now,
	}
}

func TestDeliver_Batches(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:0")
	d := testDeliverer(t, srv.Addr, 2)

	l := mlist.New("test@lists.example.org")
	meta := &switchboard.Metadata{
		ListName:  l.Name,
		Recips:    []string{"a@example.com", "b@example.com", "c@example.com"},
		EnvSender: l.BouncesAddress(),
		ToList:    true,
	}
	if err := d.Deliver(context.Background(), l, parse(t, testMsg), meta); err != nil {
		t.Fatal(err)
	}

	if got := len(be.Received()); got != 2 {
		t.Fatalf("expected 2 transactions, got %d", got)
	}
	be.CheckMsg(t, 0, "test-bounces@lists.example.org", []string{"a@example.com", "b@example.com"})
	be.CheckMsg(t, 1, "test-bounces@lists.example.org", []string{"c@example.com"})
}

func TestDeliver_RecipientFailures(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:0")
	be.RcptErr = map[string]error{
		"a@example.com": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		"b@example.com": &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try later"},
	}
	d := testDeliverer(t, srv.Addr, 0)

	l := mlist.New("test@lists.example.org")
	meta := &switchboard.Metadata{
		ListName:  l.Name,
		Recips:    []string{"a@example.com", "b@example.com", "c@example.com"},
		EnvSender: l.BouncesAddress(),
	}
	err := d.Deliver(context.Background(), l, parse(t, testMsg), meta)

	var rf *RecipientsFailed
	if !errors.As(err, &rf) {
		t.Fatalf("expected RecipientsFailed, got %v", err)
	}
	if len(rf.Perm) != 1 || rf.Perm[0].Address != "a@example.com" {
		t.Errorf("wrong permanent failures: %+v", rf.Perm)
	}
	if !reflect.DeepEqual(rf.TempAddresses(), []string{"b@example.com"}) {
		t.Errorf("wrong temporary failures: %v", rf.TempAddresses())
	}
	be.CheckMsg(t, 0, "test-bounces@lists.example.org", []string{"c@example.com"})
}

func TestDeliver_VERP(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:0")
	d := testDeliverer(t, srv.Addr, 0)

	l := mlist.New("test@lists.example.org")
	l.MsgFooter = "Sent to {{.user_address}}"
	meta := &switchboard.Metadata{
		ListName:  l.Name,
		Recips:    []string{"a@example.com", "b@example.net"},
		EnvSender: l.BouncesAddress(),
		VERP:      switchboard.BoolPtr(true),
		ToList:    true,
	}
	if err := d.Deliver(context.Background(), l, parse(t, testMsg), meta); err != nil {
		t.Fatal(err)
	}

	msgs := be.Received()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(msgs))
	}
	for i, rcpt := range meta.Recips {
		be.CheckMsg(t, i, verp.Encode(l.BouncesAddress(), rcpt), []string{rcpt})
		if !strings.Contains(string(msgs[i].Data), "Sent to "+rcpt) {
			t.Errorf("footer for %s is missing:\n%s", rcpt, msgs[i].Data)
		}
	}
}

func TestDeliver_ConnRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	d := testDeliverer(t, addr, 0)
	meta := &switchboard.Metadata{Recips: []string{"a@example.com"}, EnvSender: "test-bounces@lists.example.org"}
	err = d.Deliver(context.Background(), mlist.New("test@lists.example.org"), parse(t, testMsg), meta)

	var connErr ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnError, got %v", err)
	}
}

func TestDecorate_PlainText(t *testing.T) {
	l := mlist.New("test@lists.example.org")
	l.MsgHeader = "Header of {{.list_name}}"
	l.MsgFooter = "--\nFooter"

	res, err := Decorate(parse(t, testMsg), l, nil)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := res.FirstText()
	if !ok {
		t.Fatal("no text part in the decorated message")
	}
	want := "Header of test@lists.example.org\r\nHello list!\r\n--\r\nFooter"
	if strings.TrimRight(text, "\r\n") != want {
		t.Errorf("wrong body:\n%q\nwant:\n%q", text, want)
	}
	if res.Header.Get("Subject") != "Hello" {
		t.Error("header fields lost")
	}
}

func TestDecorate_Wraps(t *testing.T) {
	l := mlist.New("test@lists.example.org")
	l.MsgFooter = "Footer"

	msg := parse(t, "From: alice@example.com\n"+
		"Subject: Picture\n"+
		"Content-Type: image/png\n"+
		"Content-Transfer-Encoding: base64\n"+
		"\n"+
		"iVBORw0KGgo=\n")

	res, err := Decorate(msg, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	typ, _, err := res.ContentType()
	if err != nil {
		t.Fatal(err)
	}
	if typ != "multipart/mixed" {
		t.Fatalf("expected multipart/mixed, got %s", typ)
	}
	body := string(res.Body)
	if !strings.Contains(body, "Content-Type: image/png") || !strings.Contains(body, "iVBORw0KGgo=") {
		t.Errorf("original part is missing:\n%s", body)
	}
	if !strings.Contains(body, "Footer") {
		t.Errorf("footer is missing:\n%s", body)
	}
}

func TestReschedule(t *testing.T) {
	cfg := site.DeliveryConfig{RetryPeriod: 5 * 24 * time.Hour, RetryDelay: 15 * time.Minute}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	meta := &switchboard.Metadata{Recips: []string{"r1@example.com", "r2@example.com", "r3@example.com"}}
	next := Reschedule(meta, []string{"r2@example.com"}, cfg, now)

	if !reflect.DeepEqual(next.Recips, []string{"r2@example.com"}) {
		t.Errorf("wrong recipients: %v", next.Recips)
	}
	if next.LastRecipCount != 1 {
		t.Errorf("wrong last_recip_count: %d", next.LastRecipCount)
	}
	if !next.DeliverUntil.Equal(now.Add(cfg.RetryPeriod)) {
		t.Errorf("wrong deliver_until: %v", next.DeliverUntil)
	}
	if Due(next, now) {
		t.Error("entry is due before deliver_after")
	}

	// No progress, the deadline stays.
	later := now.Add(time.Hour)
	again := Reschedule(next, []string{"r2@example.com"}, cfg, later)
	if !again.DeliverUntil.Equal(next.DeliverUntil) {
		t.Errorf("deadline moved without progress: %v", again.DeliverUntil)
	}
	if !Due(again, later.Add(cfg.RetryDelay)) {
		t.Error("entry is not due after the retry delay")
	}
	if Expired(again, next.DeliverUntil) {
		t.Error("entry expired at the deadline")
	}
	if !Expired(again, next.DeliverUntil.Add(time.Second)) {
		t.Error("entry did not expire after the deadline")
	}
}

func TestSign(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "dkim", "lists.example.org.key")
	signer, err := LoadSigner("lists.example.org", "listd", keyPath, testutils.Logger(t, "dkim"))
	if err != nil {
		t.Fatal(err)
	}
	signer.Expiry = 0

	record, err := os.ReadFile(strings.TrimSuffix(keyPath, ".key") + ".dns")
	if err != nil {
		t.Fatal(err)
	}

	msg := parse(t, testMsg)
	if err := signer.Sign(msg, time.Now()); err != nil {
		t.Fatal(err)
	}

	verifs, err := dkim.VerifyWithOptions(strings.NewReader(string(msg.Bytes())), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "listd._domainkey.lists.example.org" {
				return nil, errors.New("unexpected lookup: " + domain)
			}
			return []string{string(record)}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(verifs) != 1 || verifs[0].Err != nil {
		t.Fatalf("verification failed: %+v", verifs)
	}
}

func TestSign_ExistingKey(t *testing.T) {
	_, pkey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "test.key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: blob}), 0o600); err != nil {
		t.Fatal(err)
	}

	signer, err := LoadSigner("lists.example.org", "s1", keyPath, testutils.Logger(t, "dkim"))
	if err != nil {
		t.Fatal(err)
	}
	pub := signer.Key.Public().(ed25519.PublicKey)
	if base64.StdEncoding.EncodeToString(pub) != base64.StdEncoding.EncodeToString(pkey.Public().(ed25519.PublicKey)) {
		t.Error("loaded key does not match")
	}
	if _, err := os.Stat(strings.TrimSuffix(keyPath, ".key") + ".dns"); !os.IsNotExist(err) {
		t.Error("DNS record written for an existing key")
	}
}
