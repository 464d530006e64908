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
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

var errStopWalk = errors.New("stop")

// FirstText returns the decoded content of the first text/plain entity.
func (m *Message) FirstText() (string, bool) {
	ent, err := m.Entity()
	if err != nil {
		return "", false
	}
	var (
		text  string
		found bool
	)
	err = ent.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		if t != "" && !strings.EqualFold(t, "text/plain") {
			return nil
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return nil
		}
		text, found = string(b), true
		return errStopWalk
	})
	if err != nil && err != errStopWalk {
		return "", false
	}
	return text, found
}

// IsPlainText reports whether the message is a single text/plain entity
// without a transfer encoding that would require decoding.
func (m *Message) IsPlainText() bool {
	t, _, err := m.ContentType()
	if err != nil || t != "text/plain" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(m.Header.Get("Content-Transfer-Encoding"))) {
	case "", "7bit", "8bit":
		return true
	}
	return false
}
