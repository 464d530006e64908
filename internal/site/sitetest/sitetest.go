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

// Package sitetest constructs site contexts backed by temporary
// directories and in-memory list storage.
package sitetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
)

// New returns a site with state under t.TempDir() and a fixed clock.
func New(t testing.TB) (*site.Site, *testutils.ListManager) {
	t.Helper()

	cfg := site.DefaultConfig()
	cfg.Hostname = "example.org"
	cfg.SiteOwner = "postmaster@example.org"
	cfg.StateDir = t.TempDir()
	cfg.RuntimeDir = filepath.Join(cfg.StateDir, "run")
	cfg.ListLockTimeout = time.Second

	s := site.New(cfg, testutils.Logger(t, "site"))
	lm := testutils.NewListManager()
	s.Lists = lm
	s.Pending = pending.New(filepath.Join(cfg.StateDir, "pending.db"), 0)
	return s, lm
}

type Entry struct {
	FileBase string
	Msg      *mailmsg.Message
	Meta     *switchboard.Metadata
}

// Queued returns the entries currently in the queue without claiming them.
func Queued(t testing.TB, s *site.Site, queue string) []Entry {
	t.Helper()

	sb, err := s.Queue(queue)
	if err != nil {
		t.Fatal(err)
	}
	files, err := sb.Files(switchboard.ExtPck)
	if err != nil {
		t.Fatal(err)
	}
	res := make([]Entry, 0, len(files))
	for _, fb := range files {
		msg, meta, err := switchboard.ReadFile(filepath.Join(sb.Dir(), fb+switchboard.ExtPck))
		if err != nil {
			t.Fatal(err)
		}
		res = append(res, Entry{FileBase: fb, Msg: msg, Meta: meta})
	}
	return res
}

// Drain removes all entries from the queue and returns them.
func Drain(t testing.TB, s *site.Site, queue string) []Entry {
	t.Helper()

	entries := Queued(t, s, queue)
	sb, _ := s.Queue(queue)
	for _, e := range entries {
		if _, _, err := sb.Dequeue(e.FileBase); err != nil {
			t.Fatal(err)
		}
		if err := sb.Finish(e.FileBase, false); err != nil {
			t.Fatal(err)
		}
	}
	return entries
}

// Message parses a literal message, converting LF line endings to CRLF.
func Message(t testing.TB, text string) *mailmsg.Message {
	t.Helper()
	msg, err := mailmsg.ParseBytes([]byte(testutils.CRLF(text)))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}
