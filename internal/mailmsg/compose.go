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
	"bytes"
	"fmt"
	"mime"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/listd/framework/address"
	"github.com/google/uuid"
)

// NewMessageID returns a fresh Message-ID value (with angle brackets) using
// the domain as the right-hand side.
func NewMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// Header returns the header of a locally generated message.
func Header(from, to, subject, domain string) textproto.Header {
	var h textproto.Header
	h.Set("MIME-Version", "1.0")
	h.Set("Message-Id", NewMessageID(domain))
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	if !address.IsASCII(subject) {
		subject = mime.QEncoding.Encode("utf-8", subject)
	}
	h.Set("Subject", subject)
	h.Set("To", to)
	h.Set("From", from)
	return h
}

// Part is a body part of a composed multipart message.
type Part struct {
	Header textproto.Header
	Body   []byte
}

func textHeader(text string, subtype string) textproto.Header {
	var h textproto.Header
	h.Set("Content-Type", "text/"+subtype+"; charset=utf-8")
	if address.IsASCII(text) {
		h.Set("Content-Transfer-Encoding", "7bit")
	} else {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	}
	return h
}

// TextPart returns a text/plain part.
func TextPart(text string) Part {
	return Part{Header: textHeader(text, "plain"), Body: []byte(text)}
}

// MessagePart returns a message/rfc822 part carrying msg.
func MessagePart(msg *Message) Part {
	var h textproto.Header
	h.Set("Content-Type", "message/rfc822")
	h.Set("Content-Disposition", "inline")
	return Part{Header: h, Body: msg.Bytes()}
}

func writePart(w *message.Writer, p Part) error {
	pw, err := w.CreatePart(message.Header{Header: p.Header})
	if err != nil {
		return err
	}
	if _, err := pw.Write(p.Body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

// NewText returns a single-part text/plain message.
func NewText(h textproto.Header, text string) (*Message, error) {
	th := textHeader(text, "plain")
	fields := th.Fields()
	for fields.Next() {
		h.Set(fields.Key(), fields.Value())
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, message.Header{Header: h})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return ParseBytes(buf.Bytes())
}

// NewMultipart returns a multipart/<subtype> message containing parts.
func NewMultipart(h textproto.Header, subtype string, parts ...Part) (*Message, error) {
	h.Set("Content-Type", "multipart/"+subtype)
	h.Del("Content-Transfer-Encoding")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, message.Header{Header: h})
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if err := writePart(w, p); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return ParseBytes(buf.Bytes())
}
