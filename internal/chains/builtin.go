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

package chains

import (
	"context"
	"strings"

	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/moderation"
	"github.com/foxcpp/listd/internal/rules"
	"github.com/foxcpp/listd/internal/site"
)

// Names of built-in chains.
const (
	BuiltIn     = "built-in"
	HeaderMatch = "header-match"
	Moderation  = "moderation"
	Accept      = "accept"
	Hold        = "hold"
	Discard     = "discard"
	Reject      = "reject"
)

func terminal(name, desc string, f func(ctx context.Context, s *site.Site, j *site.Job) error) *Chain {
	truth, err := rules.Get(rules.Truth)
	if err != nil {
		panic(err)
	}
	links := []Link{
		{Rule: truth, Action: Run, Func: f},
		{Rule: truth, Action: Stop},
	}
	return &Chain{
		Name:        name,
		Description: desc,
		Terminal:    true,
		Links: func(*site.Site, *site.Job) ([]Link, error) {
			return links, nil
		},
	}
}

func init() {
	Register(&Chain{
		Name:        BuiltIn,
		Description: "The built-in moderation chain.",
		Links: Static(
			LinkDesc{rules.Approved, Jump, Accept},
			LinkDesc{rules.Emergency, Jump, Hold},
			LinkDesc{rules.Loop, Jump, Discard},
			LinkDesc{rules.BannedAddress, Jump, Discard},
			LinkDesc{rules.DMARCModeration, Jump, Moderation},
			LinkDesc{rules.Moderation, Jump, Moderation},
			LinkDesc{rules.Administrivia, Defer, ""},
			LinkDesc{rules.ImplicitDest, Defer, ""},
			LinkDesc{rules.MaxRecipients, Defer, ""},
			LinkDesc{rules.MaxSize, Defer, ""},
			LinkDesc{rules.NewsModeration, Defer, ""},
			LinkDesc{rules.NoSubject, Defer, ""},
			LinkDesc{rules.SuspiciousHeader, Defer, ""},
			LinkDesc{rules.Any, Jump, Hold},
			LinkDesc{rules.NonMember, Jump, Moderation},
			LinkDesc{rules.Truth, Detour, HeaderMatch},
			LinkDesc{rules.Truth, Jump, Accept},
		),
	})
	Register(&Chain{
		Name:        HeaderMatch,
		Description: "The header matching chain.",
		Links:       headerMatchLinks,
	})
	Register(&Chain{
		Name:        Moderation,
		Description: "Moderation chain for the action chosen by the moderation rules.",
		Links:       moderationLinks,
	})
	Register(terminal(Accept, "Accept a message.", accept))
	Register(terminal(Hold, "Hold a message and stop processing.", hold))
	Register(terminal(Discard, "Discard a message and stop processing.", discard))
	Register(terminal(Reject, "Reject/bounce a message and stop processing.", reject))
}

// moderationLinks jumps to the terminal chain named by the action the
// moderation rules recorded. Missing actions hold the post.
func moderationLinks(_ *site.Site, j *site.Job) ([]Link, error) {
	truth, err := rules.Get(rules.Truth)
	if err != nil {
		return nil, err
	}
	target := Hold
	switch j.Meta.ModerationAction {
	case mlist.ActionAccept:
		target = Accept
	case mlist.ActionDiscard:
		target = Discard
	case mlist.ActionReject:
		target = Reject
	}
	return []Link{{Rule: truth, Action: Jump, Target: target}}, nil
}

func ruleHeaders(j *site.Job) {
	if len(j.Meta.RuleHits) != 0 {
		j.Msg.Header.Set("X-Listd-Rule-Hits", strings.Join(j.Meta.RuleHits, "; "))
	}
	if len(j.Meta.RuleMisses) != 0 {
		j.Msg.Header.Set("X-Listd-Rule-Misses", strings.Join(j.Meta.RuleMisses, "; "))
	}
}

func accept(_ context.Context, s *site.Site, j *site.Job) error {
	ruleHeaders(j)
	if _, err := s.Enqueue(site.QueuePipeline, j.Msg, j.Meta); err != nil {
		return err
	}
	j.Logger(s.Log).Msg("post accepted", "sender", j.Msg.Sender())
	return nil
}

func hold(ctx context.Context, s *site.Site, j *site.Job) error {
	ruleHeaders(j)
	_, err := moderation.Hold(ctx, s, j)
	return err
}

func discard(_ context.Context, s *site.Site, j *site.Job) error {
	j.Logger(s.Log).Msg("post discarded", "sender", j.Msg.Sender(), "rule_hits", j.Meta.RuleHits)
	return nil
}

func reject(_ context.Context, s *site.Site, j *site.Job) error {
	reasons := j.Meta.ModerationReasons
	if len(reasons) == 0 && len(j.Meta.RuleHits) != 0 {
		reasons = []string{"Matched rules: " + strings.Join(j.Meta.RuleHits, ", ")}
	}
	j.Logger(s.Log).Msg("post rejected", "sender", j.Msg.Sender(), "reasons", reasons)
	return moderation.Reject(s, j.List, j.Msg, j.Meta.ModerationSender, reasons)
}
