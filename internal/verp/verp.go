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

// Package verp formats and parses Variable Envelope Return Path addresses.
//
// A post to list@host delivered to user@domain uses the envelope sender
// list-bounces+user=domain@host. A bounce to that address identifies the
// failing recipient without parsing the bounce itself. Probe messages use
// list-bounces+<token>@host instead.
package verp

import (
	"regexp"
	"strings"
)

var bounceRe = regexp.MustCompile(`(?i)^(?P<bounces>[^+]+?)\+(?P<mailbox>[^=]+)=(?P<host>[^@]+)@.*$`)

var probeRe = regexp.MustCompile(`(?i)^(?P<bounces>[^+]+?)\+(?P<token>[0-9a-f]{40})@.*$`)

// Encode returns the VERP envelope sender for a message from the list
// bounces address (local-bounces@host) to rcpt.
func Encode(bouncesAddr, rcpt string) string {
	local, host := split(bouncesAddr)
	mailbox, domain := split(rcpt)
	return local + "+" + mailbox + "=" + domain + "@" + host
}

// Decode extracts the original recipient from a VERP address. bounces is
// the address local part before the "+".
func Decode(addr string) (bounces, rcpt string, ok bool) {
	m := bounceRe.FindStringSubmatch(addr)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2] + "@" + m[3], true
}

// EncodeProbe returns the envelope sender for a probe message.
func EncodeProbe(bouncesAddr, token string) string {
	local, host := split(bouncesAddr)
	return local + "+" + token + "@" + host
}

// DecodeProbe extracts the probe token.
func DecodeProbe(addr string) (bounces, token string, ok bool) {
	m := probeRe.FindStringSubmatch(addr)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.ToLower(m[2]), true
}

func split(addr string) (string, string) {
	i := strings.LastIndexByte(addr, '@')
	if i == -1 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
