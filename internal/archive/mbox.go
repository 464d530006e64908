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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mbox"
	"github.com/foxcpp/listd/internal/mlist"
)

// Mbox appends posts to <dir>/<list>.mbox.
type Mbox struct {
	dir string
	log log.Logger

	mu sync.Mutex
}

func newMbox(cfg *config.Map, stateDir string, logger log.Logger) (Archiver, error) {
	a := &Mbox{log: logger}
	cfg.String("dir", false, filepath.Join(stateDir, "archives", "mbox"), &a.dir)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return nil, errorf("mbox", "%v", err)
	}
	return a, nil
}

func (a *Mbox) Name() string {
	return "mbox"
}

func (a *Mbox) Path(l *mlist.MailingList) string {
	return filepath.Join(a.dir, safeName(l.Name)+".mbox")
}

func (a *Mbox) ArchiveMessage(_ context.Context, l *mlist.MailingList, msg *mailmsg.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := mbox.Append(a.Path(l), msg, msg.Sender(), time.Now()); err != nil {
		return errorf("mbox", "%v", err)
	}
	a.log.DebugMsg("archived", "list", l.Name, "message_id", msg.MessageID())
	return nil
}
