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

package listd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxcpp/listd/framework/hooks"
	"github.com/foxcpp/listd/internal/testutils"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "listd.log")
	cfg, err := readConfig(t, `
hostname lists.example.org
state_dir `+filepath.Join(dir, "state")+`
runtime_dir `+filepath.Join(dir, "run")+`
log `+logPath+`
archiver mbox
`)
	if err != nil {
		t.Fatal(err)
	}

	defer cfg.Log.Close()

	logger := testutils.Logger(t, "listd")
	logger.Out = cfg.Log
	inst, err := Open(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Site.Archivers) != 1 {
		t.Errorf("expected 1 archiver, got %d", len(inst.Site.Archivers))
	}
	if inst.Deliverer == nil {
		t.Error("deliverer is not created")
	}
	if _, err := os.Stat(filepath.Join(dir, "state", "lists.db")); err != nil {
		t.Error("list database is not created:", err)
	}

	// Rotation: the file output is recreated after the old file is moved
	// away.
	if err := os.Rename(logPath, logPath+".1"); err != nil {
		t.Fatal(err)
	}
	inst.Site.Hooks.Run(hooks.EventLogRotate)
	inst.Log.Msg("after rotation")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal("log file is not reopened:", err)
	}
	if !strings.Contains(string(data), "after rotation") {
		t.Errorf("message missing from the reopened log: %q", data)
	}

	if err := inst.Close(); err != nil {
		t.Error("Close:", err)
	}
	if _, err := inst.Site.Lists.ListNames(context.Background()); err == nil {
		t.Error("list store still usable after Close")
	}
}

func TestOpen_DKIMKeyInvalid(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := readConfig(t, `
state_dir `+dir+`
runtime_dir `+filepath.Join(dir, "run")+`
dkim {
    domain example.org
    key `+keyPath+`
}
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(cfg, testutils.Logger(t, "listd")); err == nil {
		t.Fatal("expected an error for an invalid DKIM key")
	}
}
