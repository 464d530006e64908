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
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const hashBcrypt = "bcrypt:"

// SetPassword stores the bcrypt hash of pass as the moderator password.
// An empty pass clears it.
func (l *MailingList) SetPassword(pass string) error {
	if pass == "" {
		l.Password = ""
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	l.Password = hashBcrypt + string(hash)
	return nil
}

// CheckPassword reports whether pass matches the moderator password.
// Values without the hash prefix are compared as is. Nothing matches a
// list without a password.
func (l *MailingList) CheckPassword(pass string) bool {
	if pass == "" || l.Password == "" {
		return false
	}
	if hash, ok := strings.CutPrefix(l.Password, hashBcrypt); ok {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(l.Password)) == 1
}
