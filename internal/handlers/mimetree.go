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

package handlers

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/foxcpp/listd/internal/mailmsg"
)

// part is a decoded MIME entity. Leaves hold the decoded content, the
// Content-Transfer-Encoding is applied again when the tree is written.
type part struct {
	header   message.Header
	body     []byte
	children []*part
}

func (p *part) mediaType() (string, map[string]string) {
	t, params, err := p.header.ContentType()
	if err != nil || t == "" {
		return "text/plain", map[string]string{}
	}
	return strings.ToLower(t), params
}

func (p *part) multipart() bool {
	t, _ := p.mediaType()
	return strings.HasPrefix(t, "multipart/")
}

// filename returns the file name from Content-Disposition or the
// Content-Type name parameter.
func (p *part) filename() string {
	if _, params, err := p.header.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	_, params := p.mediaType()
	return params["name"]
}

func isUTF8Charset(cs string) bool {
	switch strings.ToLower(cs) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

func readPart(ent *message.Entity, entErr error) (*part, error) {
	p := &part{header: message.Header{Header: ent.Header.Header.Copy()}}
	if mr := ent.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if child == nil {
				return nil, err
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return nil, err
			}
			cp, err := readPart(child, err)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, cp)
		}
		return p, nil
	}

	body, err := io.ReadAll(ent.Body)
	if err != nil {
		return nil, err
	}
	p.body = body

	// The body is converted to UTF-8 by go-message for known charsets.
	t, params := p.mediaType()
	if isUTF8Charset(params["charset"]) {
		return p, nil
	}
	switch {
	case strings.HasPrefix(t, "text/") && !message.IsUnknownCharset(entErr):
		params["charset"] = "utf-8"
		p.header.SetContentType(t, params)
	default:
		// The writer only accepts UTF-8 bodies, keep the rest opaque.
		delete(params, "charset")
		if p.filename() == "" {
			params["name"] = "part.bin"
		}
		p.header.SetContentType("application/octet-stream", params)
	}
	return p, nil
}

func parseTree(msg *mailmsg.Message) (*part, error) {
	ent, err := msg.Entity()
	if err != nil {
		return nil, err
	}
	return readPart(ent, nil)
}

func writeChildren(w *message.Writer, p *part) error {
	for _, c := range p.children {
		cw, err := w.CreatePart(c.header)
		if err != nil {
			return err
		}
		if err := writeBody(cw, c); err != nil {
			cw.Close()
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeBody(w *message.Writer, p *part) error {
	if p.multipart() {
		return writeChildren(w, p)
	}
	_, err := w.Write(p.body)
	return err
}

// toMessage serializes the tree. The root header is the message header.
func (p *part) toMessage() (*mailmsg.Message, error) {
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, p.header)
	if err != nil {
		return nil, err
	}
	if err := writeBody(w, p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return mailmsg.ParseBytes(buf.Bytes())
}

var contentFields = []string{
	"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Description",
}

// replaceContent makes dst carry the content of src while keeping the
// other dst header fields.
func replaceContent(dst, src *part) {
	for _, k := range contentFields {
		dst.header.Del(k)
		if v := src.header.Get(k); v != "" {
			dst.header.Set(k, v)
		}
	}
	dst.body = src.body
	dst.children = src.children
}

func textLeaf(text string) *part {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if isASCII(text) {
		h.Set("Content-Transfer-Encoding", "7bit")
	} else {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	}
	return &part{header: h, body: []byte(text)}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
