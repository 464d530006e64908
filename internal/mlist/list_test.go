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

import "testing"

func TestListAddresses(t *testing.T) {
	l := New("Test@Lists.Example.org")
	for _, c := range []struct {
		got, want string
	}{
		{l.PostingAddress(), "test@lists.example.org"},
		{l.BouncesAddress(), "test-bounces@lists.example.org"},
		{l.RequestAddress(), "test-request@lists.example.org"},
		{l.OwnerAddress(), "test-owner@lists.example.org"},
		{l.ConfirmAddress("abc"), "test-confirm+abc@lists.example.org"},
		{l.ListID(), "<test.lists.example.org>"},
		{l.RealName(), "Test"},
		{l.SubjectPrefix, "[test] "},
	} {
		if c.got != c.want {
			t.Errorf("Got %q, want %q", c.got, c.want)
		}
	}
}

func TestCopy(t *testing.T) {
	l := New("test@example.org")
	l.BanList = []string{"a@example.org"}
	l.Autoresponses = map[string]AutoresponseRecord{"a@example.org": {Date: "2024-01-01", Count: 1}}

	c := l.Copy()
	c.BanList[0] = "b@example.org"
	c.Autoresponses["a@example.org"] = AutoresponseRecord{}
	if l.BanList[0] != "a@example.org" || l.Autoresponses["a@example.org"].Count != 1 {
		t.Fatal("Copy shares state with the original")
	}

	m := &Member{Address: "a@example.org", Bounce: &BounceInfo{Score: 1}}
	mc := m.Copy()
	mc.Bounce.Score = 2
	if m.Bounce.Score != 1 {
		t.Fatal("Member copy shares bounce info")
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range []Role{RoleMember, RoleOwner, RoleModerator} {
		parsed, err := ParseRole(r.String())
		if err != nil {
			t.Fatal(err)
		}
		if parsed != r {
			t.Errorf("Round-trip of %v gave %v", r, parsed)
		}
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Error("Unknown role accepted")
	}
}
