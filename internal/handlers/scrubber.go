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
	"regexp"
	"strings"

	"github.com/foxcpp/listd/internal/site"
	"github.com/oklog/ulid/v2"
)

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func attachmentName(p *part, n int) string {
	name := unsafeNameRe.ReplaceAllString(filepath.Base(p.filename()), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		t, _ := p.mediaType()
		_, sub, _ := strings.Cut(t, "/")
		name = fmt.Sprintf("attachment-%d.%s", n, unsafeNameRe.ReplaceAllString(sub, "_"))
	}
	return name
}

// scrub moves the non-text parts of a message into the list attachment
// directory and leaves a pointer in their place.
func scrub(_ context.Context, s *site.Site, j *site.Job) error {
	if !j.List.ScrubNonDigest || j.Meta.IsDigest {
		return nil
	}
	root, err := parseTree(j.Msg)
	if err != nil {
		return err
	}
	if !root.multipart() {
		return nil
	}

	dir := filepath.Join(s.ListDir(j.List.Name), "attachments", ulid.Make().String())
	count := 0
	var walk func(p *part) error
	walk = func(p *part) error {
		if p.multipart() {
			for _, c := range p.children {
				if err := walk(c); err != nil {
					return err
				}
			}
			return nil
		}
		t, _ := p.mediaType()
		if t == "text/plain" && p.filename() == "" {
			return nil
		}
		count++
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		name := attachmentName(p, count)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, p.body, 0o600); err != nil {
			return err
		}
		replaceContent(p, textLeaf(fmt.Sprintf(
			"An attachment was scrubbed...\nName: %s\nType: %s\nSize: %d bytes\nStored at: %s\n",
			name, t, len(p.body), path)))
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	msg, err := root.toMessage()
	if err != nil {
		return err
	}
	j.Msg = msg
	j.Logger(s.Log).DebugMsg("attachments scrubbed", "count", count, "dir", dir)
	return nil
}
