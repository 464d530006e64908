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

// Package config implements the configuration language used by listd and
// helpers to map directives onto Go values.
//
// The syntax is line-oriented:
//
//	name arg0 arg1 {
//	    child0 arg
//	    child1
//	}
//
// A trailing backslash continues the directive on the next line, "#" starts
// a comment, {env:NAME} is replaced with the environment variable value and
// "import path" splices another file in place.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/foxcpp/listd/framework/config/lexer"
)

// Node is a parsed directive, possibly with a block of children.
type Node struct {
	Name string
	Args []string

	// Children is nil for plain directives and non-nil (possibly empty) for
	// blocks.
	Children []Node

	File string
	Line int
}

func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

const (
	maxNesting     = 64
	maxImportDepth = 16
)

type parser struct {
	toks    []lexer.Token
	pos     int
	nesting int
	file    string
}

func (p *parser) errAt(tok lexer.Token, f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", tok.File, tok.Line, fmt.Sprintf(f, args...))
}

func isPunct(tok lexer.Token, s string) bool {
	return !tok.Quoted && tok.Text == s
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for _, ch := range s {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '.', '-', '_':
			continue
		}
		return errors.New("character not allowed in directive name: " + string(ch))
	}
	return nil
}

func (p *parser) readBlock(inBraces bool) ([]Node, error) {
	res := []Node{}

	p.nesting++
	defer func() { p.nesting-- }()
	if p.nesting > maxNesting {
		return nil, fmt.Errorf("%s: nesting limit reached", p.file)
	}

	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		if isPunct(tok, "}") {
			if !inBraces {
				return nil, p.errAt(tok, "unexpected }")
			}
			p.pos++
			return res, nil
		}

		node, err := p.readNode()
		if err != nil {
			return nil, err
		}
		res = append(res, node)
	}

	if inBraces {
		return nil, fmt.Errorf("%s: unexpected EOF when looking for }", p.file)
	}
	return res, nil
}

func (p *parser) readNode() (Node, error) {
	start := p.toks[p.pos]
	if isPunct(start, "{") {
		return Node{}, p.errAt(start, "block without a directive name")
	}
	if err := validateNodeName(start.Text); err != nil {
		return Node{}, p.errAt(start, "%v", err)
	}
	node := Node{Name: start.Text, File: start.File, Line: start.Line}
	p.pos++

	line := start.Line
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		if tok.Line != line || isPunct(tok, "}") {
			break
		}
		if isPunct(tok, "{") {
			p.pos++
			children, err := p.readBlock(true)
			if err != nil {
				return node, err
			}
			node.Children = children
			break
		}
		if isPunct(tok, "{}") {
			p.pos++
			node.Children = []Node{}
			break
		}

		arg := tok.Text
		p.pos++
		if !tok.Quoted && strings.HasSuffix(arg, `\`) {
			arg = strings.TrimSuffix(arg, `\`)
			if p.pos < len(p.toks) {
				line = p.toks[p.pos].Line
			}
			if arg == "" {
				continue
			}
		}
		node.Args = append(node.Args, arg)
	}

	return node, nil
}

var envRe = regexp.MustCompile(`{env:([^}]+)}`)

func expandEnv(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[len("{env:") : len(m)-1])
	})
}

func expandEnvNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		node.Name = expandEnv(node.Name)
		if node.Args != nil {
			args := make([]string, 0, len(node.Args))
			for _, arg := range node.Args {
				args = append(args, expandEnv(arg))
			}
			node.Args = args
		}
		node.Children = expandEnvNodes(node.Children)
		out = append(out, node)
	}
	return out
}

func expandImports(nodes []Node, baseDir string, depth int) ([]Node, error) {
	if nodes == nil {
		return nil, nil
	}
	out := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Name != "import" {
			children, err := expandImports(node.Children, baseDir, depth)
			if err != nil {
				return nil, err
			}
			node.Children = children
			out = append(out, node)
			continue
		}

		if len(node.Args) != 1 || node.Children != nil {
			return nil, NodeErr(node, "import requires exactly one argument")
		}
		if depth >= maxImportDepth {
			return nil, NodeErr(node, "import depth limit reached")
		}
		path := expandEnv(node.Args[0])
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		imported, err := readFile(path, depth+1)
		if err != nil {
			return nil, NodeErr(node, "import: %v", err)
		}
		out = append(out, imported...)
	}
	return out, nil
}

func readFile(path string, depth int) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return read(f, path, depth)
}

func read(r io.Reader, location string, depth int) ([]Node, error) {
	toks, err := lexer.Tokenize(r, location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}

	p := parser{toks: toks, file: location}
	nodes, err := p.readBlock(false)
	if err != nil {
		return nil, err
	}

	return expandImports(nodes, filepath.Dir(location), depth)
}

// Read parses configuration from r. location is used in error messages and
// as a base for relative import paths.
func Read(r io.Reader, location string) ([]Node, error) {
	nodes, err := read(r, location, 0)
	if err != nil {
		return nil, err
	}
	return expandEnvNodes(nodes), nil
}

// ReadFile is a convenience wrapper for Read.
func ReadFile(path string) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, path)
}
