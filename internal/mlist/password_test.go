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

package mlist

import (
	"strings"
	"testing"
)

func TestPassword(t *testing.T) {
	l := New("test@example.org")
	if l.CheckPassword("") || l.CheckPassword("x") {
		t.Error("List without a password accepted one")
	}

	if err := l.SetPassword("s3cret"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(l.Password, "bcrypt:") {
		t.Fatal("Password is not hashed:", l.Password)
	}
	if !l.CheckPassword("s3cret") {
		t.Error("Correct password rejected")
	}
	if l.CheckPassword("s3cre") || l.CheckPassword("") {
		t.Error("Wrong password accepted")
	}

	if err := l.SetPassword(""); err != nil {
		t.Fatal(err)
	}
	if l.Password != "" || l.CheckPassword("s3cret") {
		t.Error("Password not cleared")
	}

	l.Password = "plain"
	if !l.CheckPassword("plain") || l.CheckPassword("Plain") {
		t.Error("Plain password comparison is broken")
	}
}
