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
	"fmt"
	"time"
)

type DeliveryStatus int

const (
	Enabled DeliveryStatus = iota
	DisabledByUser
	DisabledByAdmin
	DisabledByBounce
	DisabledUnknown
)

func (s DeliveryStatus) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case DisabledByUser:
		return "by_user"
	case DisabledByAdmin:
		return "by_admin"
	case DisabledByBounce:
		return "by_bounce"
	case DisabledUnknown:
		return "unknown"
	}
	return fmt.Sprintf("DeliveryStatus(%d)", int(s))
}

type DeliveryMode int

const (
	Regular DeliveryMode = iota
	PlainDigest
	MIMEDigest
)

func (m DeliveryMode) String() string {
	switch m {
	case Regular:
		return "regular"
	case PlainDigest:
		return "plaintext_digests"
	case MIMEDigest:
		return "mime_digests"
	}
	return fmt.Sprintf("DeliveryMode(%d)", int(m))
}

func (m DeliveryMode) Digest() bool {
	return m == PlainDigest || m == MIMEDigest
}

type Role int

const (
	RoleMember Role = iota
	RoleOwner
	RoleModerator
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleOwner:
		return "owner"
	case RoleModerator:
		return "moderator"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "member":
		return RoleMember, nil
	case "owner":
		return RoleOwner, nil
	case "moderator":
		return RoleModerator, nil
	}
	return 0, fmt.Errorf("unknown role: %s", s)
}

// BounceInfo is the bounce scoring state of a member.
type BounceInfo struct {
	Score      float64   `json:"score"`
	LastBounce time.Time `json:"last_bounce"`

	// WarningsLeft is the number of "you are disabled" notices to send
	// before the member is removed.
	WarningsLeft int       `json:"warnings_left"`
	LastNotice   time.Time `json:"last_notice"`

	// Cookie is the pending re-enable token.
	Cookie string `json:"cookie,omitempty"`
}

type Member struct {
	Address     string         `json:"address"`
	DisplayName string         `json:"display_name,omitempty"`
	Role        Role           `json:"role"`
	Mode        DeliveryMode   `json:"delivery_mode"`
	Status      DeliveryStatus `json:"delivery_status"`
	Moderated   bool           `json:"moderated,omitempty"`
	Language    string         `json:"language,omitempty"`

	// NotMetoo suppresses delivery of own posts.
	NotMetoo bool `json:"not_metoo,omitempty"`
	// NoDupes suppresses list copies when the member is addressed
	// explicitly.
	NoDupes bool `json:"no_dupes,omitempty"`
	Ack     bool `json:"ack,omitempty"`

	Topics             []string  `json:"topics,omitempty"`
	ReceiveNonmatching bool      `json:"receive_nonmatching_topics,omitempty"`
	DisabledAt         time.Time `json:"disabled_at"`

	Bounce *BounceInfo `json:"bounce,omitempty"`
}

func (m *Member) Copy() *Member {
	c := *m
	c.Topics = cloneStrings(m.Topics)
	if m.Bounce != nil {
		b := *m.Bounce
		c.Bounce = &b
	}
	return &c
}

// Enabled reports whether the member receives messages.
func (m *Member) Enabled() bool {
	return m.Status == Enabled
}
