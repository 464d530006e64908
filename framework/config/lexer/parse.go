/*
listd - Mailing list manager.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors
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

package lexer

import (
	"io"
)

// Tokenize lexes the entire input without interpreting it. file is recorded
// in every token for error messages.
func Tokenize(input io.Reader, file string) ([]Token, error) {
	l := new(lexer)
	if err := l.load(input); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	var tokens []Token
	for l.next() {
		tok := l.token
		tok.File = file
		tokens = append(tokens, tok)
	}
	if err := l.err(); err != nil {
		return nil, err
	}
	return tokens, nil
}
