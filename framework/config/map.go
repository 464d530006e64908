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

package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type matcher struct {
	name       string
	required   bool
	defaultVal func() (interface{}, error)
	mapper     func(*Map, Node) (interface{}, error)
	store      *reflect.Value

	callback func(*Map, Node) error
}

func (m *matcher) assign(val interface{}) {
	valRefl := reflect.ValueOf(val)
	// Untyped nil has no reflect.Value, use typed zero.
	if !valRefl.IsValid() {
		valRefl = reflect.Zero(m.store.Type())
	}
	m.store.Set(valRefl)
}

// Map binds directives of a configuration block to Go variables.
//
// Matchers are declared first using String, Int, Custom and friends, then
// Process walks the block, converts each directive and stores the result.
type Map struct {
	allowUnknown bool

	// Values contains all converted values after Process.
	Values map[string]interface{}

	entries map[string]matcher
	Block   Node
}

func NewMap(block Node) *Map {
	return &Map{Block: block}
}

// AllowUnknown makes Process return unknown directives instead of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

func noBlock(node Node) error {
	if node.Children != nil {
		return NodeErr(node, "can't declare a block here")
	}
	return nil
}

func oneArg(node Node) (string, error) {
	if err := noBlock(node); err != nil {
		return "", err
	}
	if len(node.Args) != 1 {
		return "", NodeErr(node, "expected exactly one argument")
	}
	return node.Args[0], nil
}

// Enum maps a directive with a single argument from the allowed set.
func (m *Map) Enum(name string, required bool, allowed []string, defaultVal string, store *string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := oneArg(node)
		if err != nil {
			return nil, err
		}
		for _, str := range allowed {
			if str == arg {
				return arg, nil
			}
		}
		return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
	}, store)
}

// EnumMapped is like Enum but converts the argument using the mapped table.
func EnumMapped[V any](m *Map, name string, required bool, mapped map[string]V, defaultVal V, store *V) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := oneArg(node)
		if err != nil {
			return nil, err
		}
		val, ok := mapped[arg]
		if !ok {
			valid := make([]string, 0, len(mapped))
			for k := range mapped {
				valid = append(valid, k)
			}
			return nil, NodeErr(node, "invalid argument, valid values are: %v", valid)
		}
		return val, nil
	}, store)
}

// Duration maps a directive to time.Duration. Multiple arguments are
// concatenated, so "1h 30m" works.
func (m *Map) Duration(name string, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "at least one argument is required")
		}
		dur, err := ParseDuration(strings.Join(node.Args, ""))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return dur, nil
	}, store)
}

// ParseDuration is time.ParseDuration extended with the "d" (day) unit.
// Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		idx := strings.Index(s, "d")
		if idx == -1 {
			break
		}
		days, err := strconv.Atoi(s[:idx])
		if err != nil {
			// "d" is not a prefix unit, let time.ParseDuration complain.
			break
		}
		total += time.Duration(days) * 24 * time.Hour
		s = s[idx+1:]
	}
	if s != "" {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		total += dur
	}
	if total < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return total, nil
}

// ParseDataSize converts strings like "10M" or "1G 512M" into a byte count.
// Recognized suffixes are G, M, K (powers of 1024) and B.
func ParseDataSize(s string) (int, error) {
	if len(s) == 0 {
		return 0, errors.New("missing a number")
	}

	var total int
	for _, part := range strings.Fields(s) {
		numEnd := strings.IndexFunc(part, func(r rune) bool { return !unicode.IsDigit(r) })
		if numEnd == -1 {
			numEnd = len(part)
		}
		num, err := strconv.Atoi(part[:numEnd])
		if err != nil {
			return 0, fmt.Errorf("invalid number: %s", part)
		}

		switch suffix := part[numEnd:]; suffix {
		case "G":
			total += num * 1024 * 1024 * 1024
		case "M":
			total += num * 1024 * 1024
		case "K":
			total += num * 1024
		case "B", "b":
			total += num
		default:
			if num != 0 {
				return 0, errors.New("unknown unit suffix: " + suffix)
			}
		}
	}

	return total, nil
}

func (m *Map) DataSize(name string, required bool, defaultVal int64, store *int64) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "at least one argument is required")
		}
		size, err := ParseDataSize(strings.Join(node.Args, " "))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return int64(size), nil
	}, store)
}

func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool argument should be 'yes' or 'no'")
}

// Bool maps a directive to a boolean. A directive without arguments means
// true, "name yes" and "name no" are accepted too.
func (m *Map) Bool(name string, defaultVal bool, store *bool) {
	m.Custom(name, false, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		switch len(node.Args) {
		case 0:
			return true, nil
		case 1:
			b, err := ParseBool(node.Args[0])
			if err != nil {
				return nil, NodeErr(node, "%v", err)
			}
			return b, nil
		default:
			return nil, NodeErr(node, "expected at most one argument")
		}
	}, store)
}

func (m *Map) StringList(name string, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "expected at least one argument")
		}
		return node.Args, nil
	}, store)
}

func (m *Map) String(name string, required bool, defaultVal string, store *string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		return oneArg(node)
	}, store)
}

func (m *Map) Int(name string, required bool, defaultVal int, store *int) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := oneArg(node)
		if err != nil {
			return nil, err
		}
		i, err := strconv.Atoi(arg)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}, store)
}

func (m *Map) Float(name string, required bool, defaultVal float64, store *float64) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := oneArg(node)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, NodeErr(node, "invalid float: %s", arg)
		}
		return f, nil
	}, store)
}

// Regexp maps a directive to a compiled regular expression.
func (m *Map) Regexp(name string, required bool, store **regexp.Regexp) {
	m.Custom(name, required, nil, func(_ *Map, node Node) (interface{}, error) {
		arg, err := oneArg(node)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return re, nil
	}, store)
}

// Custom declares a matcher for the directive name.
//
// If the directive is missing, defaultVal is used, unless required is true,
// in which case Process fails. defaultVal may be nil, the variable is then
// left untouched.
//
// mapper converts the directive into a value, which is stored in the
// variable store points to (if store is not nil) and in Values.
func (m *Map) Custom(name string, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config: duplicate matcher for " + name)
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("config: store argument must be a pointer")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:       name,
		required:   required,
		defaultVal: defaultVal,
		mapper:     mapper,
		store:      target,
	}
}

// Callback calls mapper for every occurrence of the directive. It is used
// for directives that can be repeated, like "archiver".
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config: duplicate matcher for " + name)
	}
	m.entries[name] = matcher{name: name, callback: mapper}
}

// Process maps directives from the block passed to NewMap.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Block)
}

func (m *Map) ProcessWith(block Node) (unknown []Node, err error) {
	matched := make(map[string]bool)
	m.Values = make(map[string]interface{})

	for _, subnode := range block.Children {
		matcher, ok := m.entries[subnode.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(subnode, "unexpected directive: %s", subnode.Name)
			}
			unknown = append(unknown, subnode)
			continue
		}

		if matcher.callback != nil {
			if err := matcher.callback(m, subnode); err != nil {
				return nil, err
			}
			matched[subnode.Name] = true
			continue
		}

		if matched[subnode.Name] {
			return nil, NodeErr(subnode, "duplicate directive: %s", subnode.Name)
		}
		matched[subnode.Name] = true

		val, err := matcher.mapper(m, subnode)
		if err != nil {
			return nil, err
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	for _, matcher := range m.entries {
		if matched[matcher.name] || matcher.callback != nil {
			continue
		}
		if matcher.required {
			return nil, NodeErr(block, "missing required directive: %s", matcher.name)
		}
		if matcher.defaultVal == nil {
			continue
		}

		val, err := matcher.defaultVal()
		if err != nil {
			return nil, err
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	return unknown, nil
}
