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

// Package mailmsg implements the message representation passed between
// processing stages: a parsed header and the raw body bytes.
//
// The body is never re-encoded unless a handler explicitly rebuilds it, so
// a message survives any number of queue round-trips byte-for-byte.
package mailmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/listd/framework/address"
)

// MaxHeaderBytes is the limit on the header section size.
const MaxHeaderBytes = 1 << 20

// ErrDefect is wrapped by Parse errors caused by malformed input.
var ErrDefect = errors.New("mailmsg: message defect")

type Message struct {
	Header textproto.Header
	Body   []byte
}

func New(h textproto.Header, body []byte) *Message {
	return &Message{Header: h, Body: body}
}

// Parse reads the message from r. Messages with a malformed header or a
// broken MIME structure are rejected with an error wrapping ErrDefect.
func Parse(r io.Reader) (*Message, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxHeaderBytes))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrDefect, err)
	}

	// The limited reader only guards the header, the rest is read in full.
	var body bytes.Buffer
	if _, err := br.WriteTo(&body); err != nil {
		return nil, err
	}
	if _, err := io.Copy(&body, r); err != nil {
		return nil, err
	}

	msg := &Message{Header: hdr, Body: body.Bytes()}
	if err := msg.checkStructure(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefect, err)
	}
	return msg, nil
}

func ParseBytes(b []byte) (*Message, error) {
	return Parse(bytes.NewReader(b))
}

func (m *Message) checkStructure() error {
	if m.Header.Len() == 0 {
		return errors.New("no header fields")
	}
	mediaType, params, err := m.ContentType()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil
	}
	if params["boundary"] == "" {
		return errors.New("multipart entity without a boundary")
	}
	ent, err := m.Entity()
	if err != nil {
		return err
	}
	return ent.Walk(func(_ []int, _ *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		return nil
	})
}

// ContentType returns the media type of the top-level entity, defaulting to
// text/plain.
func (m *Message) ContentType() (string, map[string]string, error) {
	ct := m.Header.Get("Content-Type")
	if ct == "" {
		return "text/plain", map[string]string{}, nil
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", nil, fmt.Errorf("content-type: %w", err)
	}
	return mediaType, params, nil
}

// Entity returns a go-message entity reading from the message body.
// Unknown charsets and encodings are not errors.
func (m *Message) Entity() (*message.Entity, error) {
	ent, err := message.New(message.Header{Header: m.Header.Copy()}, bytes.NewReader(m.Body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return ent, nil
}

// FromEntity serializes ent into a Message.
func FromEntity(ent *message.Entity) (*Message, error) {
	var buf bytes.Buffer
	if err := ent.WriteTo(&buf); err != nil {
		return nil, err
	}
	return ParseBytes(buf.Bytes())
}

func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := countWriter{w: w}
	if err := textproto.WriteHeader(&cw, m.Header); err != nil {
		return cw.n, err
	}
	_, err := cw.Write(m.Body)
	return cw.n, err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(b []byte) (int, error) {
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	return n, err
}

func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = m.WriteTo(&buf)
	return buf.Bytes()
}

func (m *Message) Size() int {
	return len(m.Bytes())
}

func (m *Message) Copy() *Message {
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &Message{Header: m.Header.Copy(), Body: body}
}

// Values returns all values of the header field key, topmost first.
func (m *Message) Values(key string) []string {
	var vals []string
	fields := m.Header.FieldsByKey(key)
	for fields.Next() {
		vals = append(vals, fields.Value())
	}
	return vals
}

func (m *Message) mailHeader() mail.Header {
	return mail.Header{Header: message.Header{Header: m.Header}}
}

// Text returns the RFC 2047-decoded value of the field. Undecodable values
// are returned as is.
func (m *Message) Text(key string) string {
	h := m.mailHeader()
	text, err := h.Text(key)
	if err != nil {
		return m.Header.Get(key)
	}
	return text
}

func (m *Message) Subject() string {
	return m.Text("Subject")
}

// SetText replaces the field with the value, RFC 2047-encoding it if
// it contains non-ASCII characters.
func (m *Message) SetText(key, value string) {
	if !address.IsASCII(value) {
		value = mime.QEncoding.Encode("utf-8", value)
	}
	m.Header.Set(key, value)
}

var naiveAddrRe = regexp.MustCompile(`[^\s<>,;:"()\[\]]+@[^\s<>,;:"()\[\]]+`)

// Addresses returns addresses found in the listed header fields, normalized
// for lookups and without duplicates. Fields that do not parse as address
// lists are scanned for anything looking like an address.
func (m *Message) Addresses(keys ...string) []string {
	var (
		res  []string
		seen = map[string]bool{}
		h    = m.mailHeader()
	)
	add := func(addr string) {
		norm, _ := address.ForLookup(addr)
		if norm == "" || seen[norm] {
			return
		}
		seen[norm] = true
		res = append(res, norm)
	}
	for _, key := range keys {
		list, err := h.AddressList(key)
		if err != nil {
			for _, raw := range m.Values(key) {
				for _, addr := range naiveAddrRe.FindAllString(raw, -1) {
					add(addr)
				}
			}
			continue
		}
		for _, addr := range list {
			add(addr.Address)
		}
	}
	return res
}

// AddressList returns the parsed addresses with display names.
func (m *Message) AddressList(key string) []*mail.Address {
	h := m.mailHeader()
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	return list
}

// Senders returns the candidate author addresses in order of preference:
// From, Sender, then the envelope sender recorded at ingestion.
func (m *Message) Senders() []string {
	return m.Addresses("From", "Sender", "X-MailFrom")
}

// Sender returns the preferred author address or an empty string.
func (m *Message) Sender() string {
	senders := m.Senders()
	if len(senders) == 0 {
		return ""
	}
	return senders[0]
}

// MessageID returns the Message-ID value without angle brackets.
func (m *Message) MessageID() string {
	id := strings.TrimSpace(m.Header.Get("Message-Id"))
	return strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
}
