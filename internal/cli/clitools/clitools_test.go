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

package clitools

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func withInput(t *testing.T, input string) *bytes.Buffer {
	t.Helper()
	oldIn, oldErr := stdin, stderr
	var out bytes.Buffer
	stdin = bufio.NewReader(strings.NewReader(input))
	stderr = &out
	t.Cleanup(func() {
		stdin, stderr = oldIn, oldErr
	})
	return &out
}

func TestConfirmation(t *testing.T) {
	cases := []struct {
		input string
		def   bool
		want  bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\n", true, true},
		{"y", false, true},
		{"", true, false},
	}
	for _, c := range cases {
		out := withInput(t, c.input)
		if got := Confirmation("Remove?", c.def); got != c.want {
			t.Errorf("Confirmation(%q, %v) = %v, want %v", c.input, c.def, got, c.want)
		}
		if !strings.HasPrefix(out.String(), "Remove? [") {
			t.Errorf("Wrong prompt: %q", out.String())
		}
	}
}

func TestReadPassword_NotTerminal(t *testing.T) {
	withInput(t, "hunter2\r\nnext\n")
	pass, err := ReadPassword("Password")
	if err != nil {
		t.Fatal(err)
	}
	if pass != "hunter2" {
		t.Fatalf("Wrong password: %q", pass)
	}
}
