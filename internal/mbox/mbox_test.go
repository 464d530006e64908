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

package mbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foxcpp/listd/internal/mailmsg"
)

func TestAppendRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.mbox")

	bodies := []string{
		"line\r\nFrom here\r\n>From there\r\n",
		"no final newline",
	}
	var want []string
	for i, body := range bodies {
		msg, err := mailmsg.ParseBytes([]byte("From: a@example.org\r\nSubject: " + string(rune('a'+i)) + "\r\n\r\n" + body))
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, string(msg.Bytes()))
		if _, err := Append(path, msg, "a@example.org", time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	msgs, skipped, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 {
		t.Fatal("Skipped entries:", skipped)
	}
	if len(msgs) != 2 {
		t.Fatal("Wrong number of messages:", len(msgs))
	}
	if got := string(msgs[0].Bytes()); got != want[0] {
		t.Errorf("Quoting is not reversible:\n%q\n%q", got, want[0])
	}
	if got := msgs[1].Subject(); got != "b" {
		t.Errorf("Wrong second message: %q", got)
	}
}
