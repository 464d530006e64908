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

package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/oklog/ulid/v2"
)

// Version is reported in X-Listd-Version and X-Content-Filtered-By.
const Version = "listd 0.1"

type contentFilter struct {
	filterTypes []string
	passTypes   []string
	filterExts  []string
	passExts    []string
}

func newContentFilter(l *mlist.MailingList) contentFilter {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	exts := func(in []string) []string {
		out := lower(in)
		for i, e := range out {
			out[i] = strings.TrimPrefix(e, ".")
		}
		return out
	}
	return contentFilter{
		filterTypes: lower(l.FilterMIMETypes),
		passTypes:   lower(l.PassMIMETypes),
		filterExts:  exts(l.FilterExtensions),
		passExts:    exts(l.PassExtensions),
	}
}

// typeMatches matches "type/subtype" against "type" or "type/subtype".
func typeMatches(patterns []string, t string) bool {
	main, _, _ := strings.Cut(t, "/")
	for _, p := range patterns {
		if p == t || (!strings.Contains(p, "/") && p == main) {
			return true
		}
	}
	return false
}

func (cf contentFilter) removes(p *part) bool {
	t, _ := p.mediaType()
	if p.multipart() {
		return typeMatches(cf.filterTypes, t)
	}
	if typeMatches(cf.filterTypes, t) {
		return true
	}
	if len(cf.passTypes) != 0 && !typeMatches(cf.passTypes, t) {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(p.filename())), ".")
	if ext == "" {
		return false
	}
	for _, e := range cf.filterExts {
		if e == ext {
			return true
		}
	}
	if len(cf.passExts) != 0 {
		for _, e := range cf.passExts {
			if e == ext {
				return false
			}
		}
		return true
	}
	return false
}

// filter removes matching parts from the subtree and reports whether p
// itself has to go. changed is set if anything was modified.
func (cf contentFilter) filter(p *part, collapse, html2text bool, changed *bool) bool {
	if cf.removes(p) {
		*changed = true
		return true
	}
	if !p.multipart() {
		t, _ := p.mediaType()
		if html2text && t == "text/html" {
			text := htmlToText(string(p.body))
			replaceContent(p, textLeaf(text))
			*changed = true
		}
		return false
	}

	kept := p.children[:0]
	for _, c := range p.children {
		if !cf.filter(c, collapse, html2text, changed) {
			kept = append(kept, c)
		}
	}
	p.children = kept
	if len(p.children) == 0 {
		*changed = true
		return true
	}

	t, _ := p.mediaType()
	if collapse && t == "multipart/alternative" {
		p.children = p.children[:1]
		*changed = true
	}
	if len(p.children) == 1 {
		replaceContent(p, p.children[0])
		*changed = true
	}
	return false
}

func mimeDelete(ctx context.Context, s *site.Site, j *site.Job) (Outcome, error) {
	l := j.List
	if !l.FilterContent || j.Meta.IsDigest {
		return Continue{}, nil
	}

	root, err := parseTree(j.Msg)
	if err != nil {
		return nil, err
	}
	cf := newContentFilter(l)

	if cf.removes(root) {
		return dispose(ctx, s, j, "The message's content type was explicitly disallowed")
	}
	changed := false
	if cf.filter(root, l.CollapseAlternatives, l.ConvertHTMLToPlaintext, &changed) {
		return dispose(ctx, s, j, "After content filtering, the message was empty")
	}
	if !changed {
		return Continue{}, nil
	}

	root.header.Set("X-Content-Filtered-By", Version)
	msg, err := root.toMessage()
	if err != nil {
		return nil, err
	}
	j.Msg = msg
	return Continue{}, nil
}

// dispose applies the list filter_action to a filtered message.
func dispose(ctx context.Context, s *site.Site, j *site.Job, reason string) (Outcome, error) {
	l := j.List
	switch l.FilterAction {
	case mlist.FilterReject:
		return Reject{Reason: reason}, nil
	case mlist.FilterForward:
		err := s.NotifyOwners(ctx, j.Store, &site.Notice{
			List:    l,
			Subject: "Content filter message notification",
			Text:    fmt.Sprintf("The attached message matched the %s mailing list's content\nfiltering rules and was prevented from being forwarded on to the list\nmembership.  You are receiving the only remaining copy of the\ndiscarded message.\n", l.Name),
			Attach:  j.Msg,
		})
		if err != nil {
			return nil, err
		}
	case mlist.FilterPreserve:
		dir := filepath.Join(s.ListDir(l.Name), "filtered")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, ulid.Make().String()+".eml")
		if err := os.WriteFile(path, j.Msg.Bytes(), 0o600); err != nil {
			return nil, err
		}
		j.Logger(s.Log).Msg("filtered message preserved", "path", path)
	}
	return Discard{Reason: reason}, nil
}
