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

package archive

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/oklog/ulid/v2"
)

// Prototype stores each post as a separate file in a maildir-like layout
// (<dir>/<list>/new/<ulid>) and produces permalinks based on the
// Message-ID hash.
type Prototype struct {
	dir     string
	baseURL string
	log     log.Logger
}

func newPrototype(cfg *config.Map, stateDir string, logger log.Logger) (Archiver, error) {
	a := &Prototype{log: logger}
	cfg.String("dir", false, filepath.Join(stateDir, "archives", "prototype"), &a.dir)
	cfg.String("base_url", false, "", &a.baseURL)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Prototype) Name() string {
	return "prototype"
}

func (a *Prototype) ArchiveMessage(_ context.Context, l *mlist.MailingList, msg *mailmsg.Message) error {
	listDir := filepath.Join(a.dir, safeName(l.Name))
	for _, sub := range []string{"tmp", "new"} {
		if err := os.MkdirAll(filepath.Join(listDir, sub), 0o700); err != nil {
			return errorf("prototype", "%v", err)
		}
	}

	name := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	tmp := filepath.Join(listDir, "tmp", name)
	if err := os.WriteFile(tmp, msg.Bytes(), 0o600); err != nil {
		return errorf("prototype", "%v", err)
	}
	if err := os.Rename(tmp, filepath.Join(listDir, "new", name)); err != nil {
		os.Remove(tmp)
		return errorf("prototype", "%v", err)
	}
	a.log.DebugMsg("archived", "list", l.Name, "file", name)
	return nil
}

func (a *Prototype) ListURL(l *mlist.MailingList) string {
	if a.baseURL == "" {
		return ""
	}
	return strings.TrimSuffix(a.baseURL, "/") + "/" + l.Name
}

func (a *Prototype) Permalink(l *mlist.MailingList, msg *mailmsg.Message) string {
	base := a.ListURL(l)
	hash := MessageHash(msg)
	if base == "" || hash == "" {
		return ""
	}
	return base + "/" + hash
}
