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

// Package templates renders text of notifications sent by listd.
//
// Templates are looked up in the per-list directory, then in the site
// directory and finally among the built-in defaults:
//
//	<dir>/lists/<list name>/<lang>/<name>.txt
//	<dir>/site/<lang>/<name>.txt
//	built-in <lang>/<name>.txt
//
// For each location the requested language is tried first, then its base
// language and then the closest built-in language, "en" is the final
// fallback.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"text/template"

	"github.com/foxcpp/listd/internal/mlist"
	"golang.org/x/text/language"
)

//go:embed defaults
var defaults embed.FS

const DefaultLanguage = "en"

var ErrNotFound = errors.New("templates: template not found")

type Renderer struct {
	// Dir is the site templates directory, empty to use built-in templates
	// only.
	Dir string

	matcher language.Matcher
	builtin []string
}

func New(dir string) *Renderer {
	r := &Renderer{Dir: dir}

	entries, err := fs.ReadDir(defaults, "defaults")
	if err != nil {
		panic(err)
	}
	tags := []language.Tag{language.Make(DefaultLanguage)}
	r.builtin = []string{DefaultLanguage}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == DefaultLanguage {
			continue
		}
		tags = append(tags, language.Make(e.Name()))
		r.builtin = append(r.builtin, e.Name())
	}
	r.matcher = language.NewMatcher(tags)
	return r
}

// candidates returns language directories to try in order.
func (r *Renderer) candidates(lang string) []string {
	var res []string
	seen := map[string]bool{}
	add := func(l string) {
		if l == "" || seen[l] {
			return
		}
		seen[l] = true
		res = append(res, l)
	}

	add(lang)
	if tag, err := language.Parse(lang); err == nil {
		base, _ := tag.Base()
		add(base.String())
		_, idx, conf := r.matcher.Match(tag)
		if conf != language.No {
			add(r.builtin[idx])
		}
	}
	add(DefaultLanguage)
	return res
}

// fileName maps a template name to its file, names without an extension
// refer to ".txt" files.
func fileName(name string) string {
	if path.Ext(name) == "" {
		return name + ".txt"
	}
	return name
}

func (r *Renderer) load(name, lang string, l *mlist.MailingList) (string, error) {
	file := fileName(name)
	for _, cand := range r.candidates(lang) {
		if r.Dir != "" {
			var paths []string
			if l != nil {
				paths = append(paths, filepath.Join(r.Dir, "lists", l.Name, cand, file))
			}
			paths = append(paths, filepath.Join(r.Dir, "site", cand, file))
			for _, p := range paths {
				b, err := os.ReadFile(p)
				if err == nil {
					return string(b), nil
				}
				if !errors.Is(err, os.ErrNotExist) {
					return "", err
				}
			}
		}

		b, err := defaults.ReadFile(path.Join("defaults", cand, file))
		if err == nil {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Vars returns the variables available to every template rendered for the
// list.
func Vars(l *mlist.MailingList) map[string]interface{} {
	if l == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"list_name":       l.Name,
		"list_real_name":  l.RealName(),
		"host":            l.Host(),
		"request_address": l.RequestAddress(),
		"owner_address":   l.OwnerAddress(),
		"bounces_address": l.BouncesAddress(),
		"info":            l.Info,
		"description":     l.Description,
	}
}

// Render executes the template with the list variables overridden by data.
// An empty lang selects the list's preferred language.
func (r *Renderer) Render(name, lang string, l *mlist.MailingList, data map[string]interface{}) (string, error) {
	if lang == "" && l != nil {
		lang = l.PreferredLanguage
	}
	text, err := r.load(name, lang, l)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("templates: %s: %w", name, err)
	}

	vars := Vars(l)
	vars["lang"] = lang
	for k, v := range data {
		vars[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("templates: %s: %w", name, err)
	}
	return buf.String(), nil
}

// Expand renders an inline template string such as a list footer with the
// list variables and data.
func Expand(text string, l *mlist.MailingList, data map[string]interface{}) (string, error) {
	tmpl, err := template.New("inline").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	vars := Vars(l)
	for k, v := range data {
		vars[k] = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
