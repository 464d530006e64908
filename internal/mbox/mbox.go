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

// Package mbox reads and writes mailboxes in the mboxrd format.
//
// Each message starts with a "From <sender> <asctime>" line. Body lines
// matching ">*From " get one more ">" on write and lose one on read, so the
// transformation is reversible.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/foxcpp/listd/internal/mailmsg"
)

var (
	quoteRe   = regexp.MustCompile(`^>*From `)
	unquoteRe = regexp.MustCompile(`^>+From `)
)

// FromLine returns the separator line for the message.
func FromLine(sender string, t time.Time) string {
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	return fmt.Sprintf("From %s %s\n", sender, t.UTC().Format(time.ANSIC))
}

// Write writes one mbox entry for msg.
func Write(w io.Writer, msg *mailmsg.Message, sender string, t time.Time) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(FromLine(sender, t)); err != nil {
		return err
	}

	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return err
	}
	data := raw.Bytes()
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i != -1 {
			line = data[:i+1]
		}
		data = data[len(line):]

		if quoteRe.Match(line) {
			if err := bw.WriteByte('>'); err != nil {
				return err
			}
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	if !bytes.HasSuffix(raw.Bytes(), []byte("\n")) {
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	// Empty line separates entries.
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	return bw.Flush()
}

// Append adds msg to the mailbox file at path creating it if needed and
// returns the resulting file size.
func Append(path string, msg *mailmsg.Message, sender string, t time.Time) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := Write(f, msg, sender, t); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

type Entry struct {
	Sender string
	Raw    []byte
}

var ErrNotMbox = errors.New("mbox: missing From_ separator")

// Reader iterates over mailbox entries.
type Reader struct {
	br      *bufio.Reader
	pending []byte
	eof     bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (r *Reader) readLine() ([]byte, error) {
	if r.pending != nil {
		l := r.pending
		r.pending = nil
		return l, nil
	}
	line, err := r.br.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	return line, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	if r.eof {
		return nil, io.EOF
	}

	sep, err := r.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.eof = true
		}
		return nil, err
	}
	for len(bytes.TrimSpace(sep)) == 0 {
		sep, err = r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
			}
			return nil, err
		}
	}
	if !bytes.HasPrefix(sep, []byte("From ")) {
		return nil, ErrNotMbox
	}
	ent := &Entry{}
	if fields := bytes.Fields(sep); len(fields) > 1 {
		ent.Sender = string(fields[1])
	}

	var buf bytes.Buffer
	for {
		line, err := r.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			r.eof = true
			break
		}
		if bytes.HasPrefix(line, []byte("From ")) {
			r.pending = line
			break
		}
		if unquoteRe.Match(line) {
			line = line[1:]
		}
		buf.Write(line)
	}

	raw := buf.Bytes()
	// Drop the separating empty line added by Write.
	switch {
	case bytes.HasSuffix(raw, []byte("\r\n\n")):
		raw = raw[:len(raw)-1]
	case bytes.HasSuffix(raw, []byte("\n\n")):
		raw = raw[:len(raw)-1]
	}
	ent.Raw = raw
	return ent, nil
}

// ReadAll parses all entries of the mailbox file into messages. Entries
// that fail to parse are skipped and reported via the returned count.
func ReadAll(path string) ([]*mailmsg.Message, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		msgs    []*mailmsg.Message
		skipped int
	)
	r := NewReader(f)
	for {
		ent, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
		msg, err := mailmsg.ParseBytes(ent.Raw)
		if err != nil {
			skipped++
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, skipped, nil
}
