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

// Package chains classifies posts by running them through chains of
// rule-action links.
package chains

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/rules"
	"github.com/foxcpp/listd/internal/site"
)

type Action int

const (
	// Defer only records the rule hit.
	Defer Action = iota
	// Jump switches to the target chain.
	Jump
	// Detour runs the target chain and continues with the next link.
	Detour
	// Run calls the link function.
	Run
	// Stop ends processing.
	Stop
)

func (a Action) String() string {
	switch a {
	case Defer:
		return "defer"
	case Jump:
		return "jump"
	case Detour:
		return "detour"
	case Run:
		return "run"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

type Link struct {
	Rule   rules.Rule
	Action Action
	Target string
	Func   func(ctx context.Context, s *site.Site, j *site.Job) error
}

// Chain is a named list of links. The links may depend on the list, which
// is how the header-match and moderation chains work.
type Chain struct {
	Name        string
	Description string

	// Terminal chains set the processing result when reached.
	Terminal bool

	Links func(s *site.Site, j *site.Job) ([]Link, error)
}

var registry = map[string]*Chain{}

// Register adds the chain to the global registry. It panics on duplicate
// names and should be called from init functions.
func Register(c *Chain) {
	if _, ok := registry[c.Name]; ok {
		panic("chains: duplicate chain name: " + c.Name)
	}
	registry[c.Name] = c
}

func Get(name string) (*Chain, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("chains: unknown chain: %s", name)
	}
	return c, nil
}

// Static returns a Links function for a fixed list of (rule, action,
// target) triples. It panics on unknown rule names.
func Static(descs ...LinkDesc) func(*site.Site, *site.Job) ([]Link, error) {
	links := make([]Link, 0, len(descs))
	for _, d := range descs {
		r, err := rules.Get(d.Rule)
		if err != nil {
			panic(err)
		}
		links = append(links, Link{Rule: r, Action: d.Action, Target: d.Target})
	}
	return func(*site.Site, *site.Job) ([]Link, error) {
		return links, nil
	}
}

type LinkDesc struct {
	Rule   string
	Action Action
	Target string
}

type frame struct {
	chain *Chain
	links []Link
	pos   int
}

// maxJumps bounds chain transitions so misconfigured header-match actions
// cannot loop forever.
const maxJumps = 64

// Process runs the message through the chain named start and returns the
// name of the terminal chain that handled it, or an empty string if
// processing ended without reaching one.
func Process(ctx context.Context, s *site.Site, j *site.Job, start string) (string, error) {
	c, err := Get(start)
	if err != nil {
		return "", err
	}
	links, err := c.Links(s, j)
	if err != nil {
		return "", err
	}

	var (
		result string
		stack  []frame
		cur    = frame{chain: c, links: links}
		jumps  int
	)
	if c.Terminal {
		result = c.Name
	}

	enter := func(name string) error {
		jumps++
		if jumps > maxJumps {
			return fmt.Errorf("chains: too many jumps, last target %s", name)
		}
		next, err := Get(name)
		if err != nil {
			return err
		}
		links, err := next.Links(s, j)
		if err != nil {
			return err
		}
		if next.Terminal {
			result = next.Name
		}
		cur = frame{chain: next, links: links}
		return nil
	}

	for {
		if cur.pos >= len(cur.links) {
			if len(stack) == 0 {
				return result, nil
			}
			cur = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			continue
		}
		link := cur.links[cur.pos]
		cur.pos++

		matched, err := link.Rule.Check(ctx, s, j)
		if err != nil {
			return "", exterrors.WithFields(err, map[string]interface{}{
				"chain": cur.chain.Name,
				"rule":  link.Rule.Name(),
			})
		}
		if link.Rule.Record() {
			if matched {
				j.Meta.RuleHits = append(j.Meta.RuleHits, link.Rule.Name())
			} else {
				j.Meta.RuleMisses = append(j.Meta.RuleMisses, link.Rule.Name())
			}
		}
		if !matched {
			continue
		}

		switch link.Action {
		case Defer:
		case Jump:
			if err := enter(link.Target); err != nil {
				return "", err
			}
		case Detour:
			stack = append(stack, cur)
			if err := enter(link.Target); err != nil {
				return "", err
			}
		case Run:
			if err := link.Func(ctx, s, j); err != nil {
				return "", err
			}
		case Stop:
			return result, nil
		}
	}
}

// headerMatchLinks builds links from the site-wide and list header_match
// patterns. Matches without an explicit action jump to hold.
func headerMatchLinks(s *site.Site, j *site.Job) ([]Link, error) {
	var links []Link
	matches := append(append([]mlist.HeaderMatch(nil), s.HeaderMatches...), j.List.HeaderMatches...)
	for i, hm := range matches {
		re, err := regexp.Compile("(?i)" + hm.Pattern)
		if err != nil {
			j.Logger(s.Log).Error("malformed header_match pattern", err, "pattern", hm.Pattern)
			continue
		}
		target := hm.Action
		if target == "" {
			target = Hold
		}
		if _, err := Get(target); err != nil {
			return nil, err
		}
		header := hm.Header
		name := fmt.Sprintf("header-match-%s-%d", strings.ToLower(header), i)
		r := rules.New(name, "Match "+header+" against "+hm.Pattern, true,
			func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
				for _, v := range j.Msg.Values(header) {
					if re.MatchString(v) {
						return true, nil
					}
				}
				return false, nil
			})
		links = append(links, Link{Rule: r, Action: Jump, Target: target})
	}
	return links, nil
}
