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

package exterrors

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestTemporary(t *testing.T) {
	plain := errors.New("boom")
	if IsTemporary(plain) {
		t.Error("Plain error is temporary")
	}
	if !IsTemporaryOrUnspec(plain) {
		t.Error("Plain error is not temporary-or-unspecified")
	}

	perm := WithTemporary(plain, false)
	wrapped := fmt.Errorf("deliver: %w", perm)
	if IsTemporary(wrapped) || IsTemporaryOrUnspec(wrapped) {
		t.Error("Permanent error considered temporary")
	}
	if !errors.Is(wrapped, plain) {
		t.Error("Original error lost")
	}

	if !IsTemporary(fmt.Errorf("x: %w", WithTemporary(plain, true))) {
		t.Error("Temporary error considered permanent")
	}
	if WithTemporary(nil, true) != nil {
		t.Error("nil error wrapped")
	}
}

func TestFields(t *testing.T) {
	inner := WithFields(errors.New("inner"), map[string]interface{}{"a": 1, "b": 2})
	outer := WithFields(fmt.Errorf("outer: %w", inner), map[string]interface{}{"b": 3})

	want := map[string]interface{}{"a": 1, "b": 3}
	if got := Fields(outer); !reflect.DeepEqual(got, want) {
		t.Errorf("Wrong fields: %v", got)
	}
	if WithFields(nil, want) != nil {
		t.Error("nil error wrapped")
	}
}
