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

// Package rules implements named predicates over a queued message that
// chains use to classify incoming posts.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/foxcpp/listd/internal/site"
)

// Rule is a named check of a message.
//
// Check may modify the message and its metadata (for example to remove the
// Approved header), it must not modify the list.
type Rule interface {
	Name() string
	Description() string

	// Record reports whether hits and misses of the rule are appended to
	// the metadata of the message.
	Record() bool

	Check(ctx context.Context, s *site.Site, j *site.Job) (bool, error)
}

type CheckFunc func(ctx context.Context, s *site.Site, j *site.Job) (bool, error)

type funcRule struct {
	name   string
	desc   string
	record bool
	check  CheckFunc
}

func (r funcRule) Name() string        { return r.name }
func (r funcRule) Description() string { return r.desc }
func (r funcRule) Record() bool        { return r.record }

func (r funcRule) Check(ctx context.Context, s *site.Site, j *site.Job) (bool, error) {
	return r.check(ctx, s, j)
}

// New wraps a function into a Rule.
func New(name, desc string, record bool, check CheckFunc) Rule {
	return funcRule{name: name, desc: desc, record: record, check: check}
}

var registry = map[string]Rule{}

// Register adds the rule to the global registry. It panics if the name is
// already taken and should be called from init functions.
func Register(r Rule) {
	if _, ok := registry[r.Name()]; ok {
		panic("rules: duplicate rule name: " + r.Name())
	}
	registry[r.Name()] = r
}

func Get(name string) (Rule, error) {
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("rules: unknown rule: %s", name)
	}
	return r, nil
}

// Names returns the sorted names of registered rules.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
