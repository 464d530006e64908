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

package switchboard

import (
	"strings"
	"time"
)

// Metadata travels with a queued message between processing stages.
//
// Zero values mean "unset" unless noted otherwise. Recips distinguishes nil
// (recipients not calculated yet) from an empty set.
type Metadata struct {
	Version      int     `json:"version"`
	ListName     string  `json:"listname"`
	ReceivedTime float64 `json:"received_time"`

	Recips   []string `json:"recips"`
	IsDigest bool     `json:"isdigest,omitempty"`

	// Set by the LMTP ingester from the envelope recipient.
	ToJoin    bool `json:"tojoin,omitempty"`
	ToLeave   bool `json:"toleave,omitempty"`
	ToConfirm bool `json:"toconfirm,omitempty"`
	ToRequest bool `json:"torequest,omitempty"`
	ToOwner   bool `json:"toowner,omitempty"`
	ToList    bool `json:"tolist,omitempty"`

	// Pipeline overrides the list's pipeline by name.
	Pipeline string `json:"pipeline,omitempty"`
	VERP     *bool  `json:"verp,omitempty"`

	EnvSender  string `json:"envsender,omitempty"`
	ProbeToken string `json:"probe_token,omitempty"`

	DeliverUntil   time.Time `json:"deliver_until"`
	DeliverAfter   time.Time `json:"deliver_after"`
	LastRecipCount int       `json:"last_recip_count,omitempty"`

	RuleHits   []string `json:"rule_hits,omitempty"`
	RuleMisses []string `json:"rule_misses,omitempty"`

	Lang string `json:"lang,omitempty"`

	// WhichQ is the queue the message was shunted from.
	WhichQ string `json:"whichq,omitempty"`

	ModeratorApproved bool     `json:"moderator_approved,omitempty"`
	ModerationAction  string   `json:"moderation_action,omitempty"`
	ModerationSender  string   `json:"moderation_sender,omitempty"`
	ModerationReasons []string `json:"moderation_reasons,omitempty"`

	// BakCount counts crash recoveries of this entry.
	BakCount int `json:"bak_count,omitempty"`

	DigestPath   string `json:"digest_path,omitempty"`
	DigestVolume int    `json:"digest_volume,omitempty"`
	DigestNumber int    `json:"digest_number,omitempty"`

	PostID       int      `json:"post_id,omitempty"`
	OriginalSize int      `json:"original_size,omitempty"`
	Topics       []string `json:"topics,omitempty"`

	// Extra carries handler-specific values. Keys starting with "_" are
	// volatile and never written to disk.
	Extra map[string]string `json:"extra,omitempty"`
}

func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return &Metadata{}
	}
	c := *m
	c.Recips = cloneStrings(m.Recips)
	c.RuleHits = cloneStrings(m.RuleHits)
	c.RuleMisses = cloneStrings(m.RuleMisses)
	c.ModerationReasons = cloneStrings(m.ModerationReasons)
	c.Topics = cloneStrings(m.Topics)
	if m.VERP != nil {
		v := *m.VERP
		c.VERP = &v
	}
	if m.Extra != nil {
		c.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// Received returns ReceivedTime as time.Time.
func (m *Metadata) Received() time.Time {
	return floatTime(m.ReceivedTime)
}

// ExtraRcptTo is the envelope recipient the message was received for.
const ExtraRcptTo = "rcpt_to"

func (m *Metadata) SetExtra(key, value string) {
	if m.Extra == nil {
		m.Extra = map[string]string{}
	}
	m.Extra[key] = value
}

func (m *Metadata) stripVolatile() {
	for k := range m.Extra {
		if strings.HasPrefix(k, "_") {
			delete(m.Extra, k)
		}
	}
	if len(m.Extra) == 0 {
		m.Extra = nil
	}
}

func timeFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func floatTime(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func BoolPtr(b bool) *bool {
	return &b
}
