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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mbox"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/templates"
)

// plainFields are copied into the RFC 1153 form.
var plainFields = []string{"Date", "From", "To", "Cc", "Subject", "Message-ID", "Keywords"}

type tocEntry struct {
	subject string
	author  string
}

func tocOf(msgs []*mailmsg.Message) []tocEntry {
	toc := make([]tocEntry, 0, len(msgs))
	for _, m := range msgs {
		e := tocEntry{subject: strings.Join(strings.Fields(m.Subject()), " ")}
		if e.subject == "" {
			e.subject = "(no subject)"
		}
		if from := m.AddressList("From"); len(from) != 0 {
			e.author = from[0].Address
			if from[0].Name != "" {
				e.author = from[0].Name
			}
		}
		toc = append(toc, e)
	}
	return toc
}

func formatTOC(toc []tocEntry) string {
	var b strings.Builder
	b.WriteString("Today's Topics:\n\n")
	for i, e := range toc {
		line := fmt.Sprintf("%4d. %s", i+1, e.subject)
		if e.author != "" {
			line += " (" + e.author + ")"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// Digests is the result of breaking out a rotated mailbox.
type Digests struct {
	Subject string
	MIME    *mailmsg.Message
	Plain   *mailmsg.Message
	Count   int
}

// Build creates both digest forms from the posts.
func Build(s *site.Site, l *mlist.MailingList, volume, number int, msgs []*mailmsg.Message) (*Digests, error) {
	subject := Subject(l, volume, number)
	masthead, err := s.Templates.Render("masthead", "", l, nil)
	if err != nil {
		return nil, err
	}
	var header, footer string
	if l.DigestHeader != "" {
		if header, err = templates.Expand(l.DigestHeader, l, nil); err != nil {
			return nil, fmt.Errorf("digest header: %w", err)
		}
	}
	if l.DigestFooter != "" {
		if footer, err = templates.Expand(l.DigestFooter, l, nil); err != nil {
			return nil, fmt.Errorf("digest footer: %w", err)
		}
	}
	toc := formatTOC(tocOf(msgs))

	mimeMsg, err := buildMIME(s, l, subject, masthead, header, toc, footer, msgs)
	if err != nil {
		return nil, err
	}
	plainMsg, err := buildPlain(s, l, subject, masthead, header, toc, footer, msgs)
	if err != nil {
		return nil, err
	}
	return &Digests{Subject: subject, MIME: mimeMsg, Plain: plainMsg, Count: len(msgs)}, nil
}

func digestHeader(l *mlist.MailingList, subject string) textproto.Header {
	h := mailmsg.Header(l.RequestAddress(), l.PostingAddress(), subject, l.Host())
	h.Set("Reply-To", l.PostingAddress())
	return h
}

func writeText(w *message.Writer, text, desc string) error {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if isASCII(text) {
		h.Set("Content-Transfer-Encoding", "7bit")
	} else {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	}
	if desc != "" {
		h.Set("Content-Description", desc)
	}
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write([]byte(text)); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func buildMIME(s *site.Site, l *mlist.MailingList, subject, masthead, header, toc, footer string, msgs []*mailmsg.Message) (*mailmsg.Message, error) {
	h := message.Header{Header: digestHeader(l, subject)}
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if err := writeText(w, masthead, subject); err != nil {
		return nil, err
	}
	if header != "" {
		if err := writeText(w, header, "Digest Header"); err != nil {
			return nil, err
		}
	}
	if err := writeText(w, toc, "Today's Topics ("+fmt.Sprint(len(msgs))+" messages)"); err != nil {
		return nil, err
	}

	var dh message.Header
	dh.SetContentType("multipart/digest", nil)
	dw, err := w.CreatePart(dh)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		var mh message.Header
		mh.SetContentType("message/rfc822", nil)
		pw, err := dw.CreatePart(mh)
		if err != nil {
			return nil, err
		}
		if _, err := m.WriteTo(pw); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := dw.Close(); err != nil {
		return nil, err
	}

	if footer != "" {
		if err := writeText(w, footer, "Digest Footer"); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return mailmsg.ParseBytes(buf.Bytes())
}

const (
	separator70 = "----------------------------------------------------------------------"
	separator30 = "------------------------------"
)

func buildPlain(s *site.Site, l *mlist.MailingList, subject, masthead, header, toc, footer string, msgs []*mailmsg.Message) (*mailmsg.Message, error) {
	var b strings.Builder
	b.WriteString(masthead)
	b.WriteString("\n")
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n")
	}
	b.WriteString(toc)
	b.WriteString("\n")
	b.WriteString(separator70 + "\n\n")

	for i, m := range msgs {
		if i != 0 {
			b.WriteString("\n" + separator30 + "\n\n")
		}
		fmt.Fprintf(&b, "Message: %d\n", i+1)
		for _, key := range plainFields {
			if v := m.Text(key); v != "" {
				fmt.Fprintf(&b, "%s: %s\n", key, v)
			}
		}
		b.WriteString("\n")
		text, ok := m.FirstText()
		if !ok {
			text = "[Non-text portions of this message have been removed]\n"
		}
		b.WriteString(quoteSeparators(text))
		if !strings.HasSuffix(text, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("\n" + separator30 + "\n\n")
	if footer != "" {
		b.WriteString(footer)
		b.WriteString("\n\n" + separator30 + "\n\n")
	}
	end := "End of " + subject
	b.WriteString(end + "\n")
	b.WriteString(strings.Repeat("*", len(end)) + "\n")

	return mailmsg.NewText(digestHeader(l, subject), b.String())
}

// quoteSeparators keeps message bodies from faking RFC 1153 separators.
func quoteSeparators(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == separator30 || line == separator70 {
			lines[i] = " " + line
		}
	}
	return strings.Join(lines, "\n")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Recipients returns the plain and MIME digest recipients. Addresses on
// the one-last-digest list get the list default form unless they are
// already digest members.
func Recipients(ctx context.Context, store mlist.Store, l *mlist.MailingList) (plain, mime []string, err error) {
	seen := map[string]bool{}
	for _, mode := range []mlist.DeliveryMode{mlist.PlainDigest, mlist.MIMEDigest} {
		members, err := mlist.DigestMembers(ctx, store, l.Name, mode)
		if err != nil {
			return nil, nil, err
		}
		for _, m := range members {
			key := strings.ToLower(m.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			if mode == mlist.PlainDigest {
				plain = append(plain, m.Address)
			} else {
				mime = append(mime, m.Address)
			}
		}
	}
	for _, addr := range l.OneLastDigest {
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		if l.MIMEIsDefaultDigest {
			mime = append(mime, addr)
		} else {
			plain = append(plain, addr)
		}
	}
	return plain, mime, nil
}

// Send breaks out a rotated mailbox described by the digest queue entry
// and enqueues the digests for delivery. The list record is saved.
func Send(ctx context.Context, s *site.Site, j *site.Job) error {
	l := j.List
	path := j.Meta.DigestPath
	log := j.Logger(s.Log)

	msgs, skipped, err := mbox.ReadAll(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Msg("digest mailbox is gone", "path", path)
			return nil
		}
		return err
	}
	if skipped != 0 {
		log.Msg("malformed digest entries skipped", "path", path, "count", skipped)
	}

	if len(msgs) != 0 {
		plain, mime, err := Recipients(ctx, j.Store, l)
		if err != nil {
			return err
		}
		d, err := Build(s, l, j.Meta.DigestVolume, j.Meta.DigestNumber, msgs)
		if err != nil {
			return err
		}
		base := &switchboard.Metadata{IsDigest: true}
		if len(mime) != 0 {
			if err := s.SendVirgin(l, d.MIME, mime, "", base); err != nil {
				return err
			}
		}
		if len(plain) != 0 {
			if err := s.SendVirgin(l, d.Plain, plain, "", base); err != nil {
				return err
			}
		}
		log.Msg("digest sent", "volume", j.Meta.DigestVolume, "number", j.Meta.DigestNumber,
			"messages", d.Count, "mime_rcpts", len(mime), "plain_rcpts", len(plain))
	}

	if len(l.OneLastDigest) != 0 {
		l.OneLastDigest = nil
		if err := j.SaveList(ctx); err != nil {
			return err
		}
	}
	return os.Remove(path)
}
