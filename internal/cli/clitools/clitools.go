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

// Package clitools contains interactive prompts used by operator commands.
package clitools

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	stdin  = bufio.NewReader(os.Stdin)
	stderr io.Writer = os.Stderr
)

func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Confirmation asks a yes/no question, def is used for an empty or
// unrecognized answer.
func Confirmation(prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}
	fmt.Fprintf(stderr, "%s [%s]: ", prompt, selection)

	answer, err := readLine()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

// ReadPassword reads a line from stdin with terminal echo disabled. If stdin
// is not a terminal the line is read as is.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprintf(stderr, "%s: ", prompt)

	restore, err := disableEcho(os.Stdin)
	if err == nil {
		defer func() {
			restore()
			fmt.Fprintln(stderr)
		}()
	}

	return readLine()
}
