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
	"bytes"
	"errors"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/templates"
)

var contentFields = []string{
	"Content-Type", "Content-Transfer-Encoding", "Content-Disposition",
	"Content-Description", "Content-Id", "Content-Language",
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

// Decorate adds the list message header and footer to msg. data is merged
// into the template variables, personalized deliveries pass the recipient
// there.
func Decorate(msg *mailmsg.Message, l *mlist.MailingList, data map[string]interface{}) (*mailmsg.Message, error) {
	var header, footer string
	if l.MsgHeader != "" {
		var err error
		if header, err = templates.Expand(l.MsgHeader, l, data); err != nil {
			return nil, err
		}
	}
	if l.MsgFooter != "" {
		var err error
		if footer, err = templates.Expand(l.MsgFooter, l, data); err != nil {
			return nil, err
		}
	}
	if header == "" && footer == "" {
		return msg, nil
	}

	t, params, err := msg.ContentType()
	switch {
	case err != nil:
		return wrap(msg, header, footer)
	case t == "text/plain" && inlineCharset(params["charset"]) && msg.Header.Get("Content-Disposition") == "":
		return decorateText(msg, header, footer)
	case t == "multipart/mixed" && params["boundary"] != "":
		res, err := decorateMixed(msg, params["boundary"], header, footer)
		if err != nil {
			return wrap(msg, header, footer)
		}
		return res, nil
	default:
		return wrap(msg, header, footer)
	}
}

func inlineCharset(cs string) bool {
	switch strings.ToLower(cs) {
	case "", "us-ascii", "utf-8", "utf8":
		return true
	}
	return false
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func decorateText(msg *mailmsg.Message, header, footer string) (*mailmsg.Message, error) {
	body, ok := msg.FirstText()
	if !ok {
		return wrap(msg, header, footer)
	}
	text := withNewline(header) + withNewline(body) + footer

	h := msg.Header.Copy()
	h.Del("Content-Type")
	h.Del("Content-Transfer-Encoding")
	return mailmsg.NewText(h, crlf(text))
}

func writeText(mw *textproto.MultipartWriter, text string) error {
	var h textproto.Header
	if address.IsASCII(text) {
		h.Set("Content-Transfer-Encoding", "7bit")
	} else {
		h.Set("Content-Transfer-Encoding", "8bit")
	}
	h.Set("Content-Disposition", "inline")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, crlf(withNewline(text)))
	return err
}

func mixedHeader(msg *mailmsg.Message, boundary string) textproto.Header {
	h := msg.Header.Copy()
	for _, k := range contentFields {
		h.Del(k)
	}
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": boundary}))
	return h
}

// decorateMixed adds the header and footer as the first and last parts of
// an existing multipart/mixed message. The parts are copied without
// decoding.
func decorateMixed(msg *mailmsg.Message, boundary, header, footer string) (*mailmsg.Message, error) {
	var body bytes.Buffer
	mw := textproto.NewMultipartWriter(&body)
	if header != "" {
		if err := writeText(mw, header); err != nil {
			return nil, err
		}
	}

	mr := textproto.NewMultipartReader(bytes.NewReader(msg.Body), boundary)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		w, err := mw.CreatePart(p.Header)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(w, p); err != nil {
			return nil, err
		}
	}

	if footer != "" {
		if err := writeText(mw, footer); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return mailmsg.New(mixedHeader(msg, mw.Boundary()), body.Bytes()), nil
}

// wrap moves the original content into a part of a new multipart/mixed
// message between the header and the footer.
func wrap(msg *mailmsg.Message, header, footer string) (*mailmsg.Message, error) {
	var body bytes.Buffer
	mw := textproto.NewMultipartWriter(&body)
	if header != "" {
		if err := writeText(mw, header); err != nil {
			return nil, err
		}
	}

	var inner textproto.Header
	for i := len(contentFields) - 1; i >= 0; i-- {
		if v := msg.Header.Get(contentFields[i]); v != "" {
			inner.Set(contentFields[i], v)
		}
	}
	w, err := mw.CreatePart(inner)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(msg.Body); err != nil {
		return nil, err
	}

	if footer != "" {
		if err := writeText(mw, footer); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return mailmsg.New(mixedHeader(msg, mw.Boundary()), body.Bytes()), nil
}
