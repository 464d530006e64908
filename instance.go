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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/foxcpp/listd/framework/hooks"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/archive"
	"github.com/foxcpp/listd/internal/outgoing"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/runners"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/storage/sqllist"
	"github.com/foxcpp/listd/internal/templates"
)

// Instance is the opened site: configuration plus the live context shared
// by runners and operator commands.
type Instance struct {
	Config    *Config
	Site      *site.Site
	Deliverer *outgoing.Deliverer
	Log       log.Logger

	closeErr error
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	testFile, err := os.CreateTemp(path, "writeable-test-*")
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

// Open creates the directories, connects the list database and builds the
// site context.
func Open(cfg *Config, logger log.Logger) (*Instance, error) {
	sc := cfg.Site
	if err := ensureDirectoryWritable(sc.StateDir); err != nil {
		return nil, fmt.Errorf("state_dir: %w", err)
	}
	if err := ensureDirectoryWritable(sc.RuntimeDir); err != nil {
		return nil, fmt.Errorf("runtime_dir: %w", err)
	}

	s := site.New(sc, logger)
	s.Pending = pending.New(filepath.Join(sc.StateDir, "pending.db"), cfg.PendingLifetime)
	s.Templates = templates.New(cfg.TemplatesDir)
	inst := &Instance{Config: cfg, Site: s, Log: logger}

	lists, err := sqllist.Open(cfg.ListsDriver, cfg.ListsDSN, logger.Sub("sqllist"))
	if err != nil {
		return nil, err
	}
	s.Lists = lists
	inst.onShutdown(lists)

	for _, node := range cfg.Archivers {
		a, err := archive.New(node, sc.StateDir, logger)
		if err != nil {
			inst.Close()
			return nil, err
		}
		s.Archivers = append(s.Archivers, a)
		if c, ok := a.(io.Closer); ok {
			inst.onShutdown(c)
		}
	}

	var signer *outgoing.Signer
	if cfg.DKIM.Domain != "" {
		keyPath := cfg.DKIM.Key
		if keyPath == "" {
			keyPath = filepath.Join(sc.StateDir, "dkim_keys", cfg.DKIM.Domain+"_"+cfg.DKIM.Selector+".key")
		}
		signer, err = outgoing.LoadSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, keyPath, logger.Sub("dkim"))
		if err != nil {
			inst.Close()
			return nil, fmt.Errorf("dkim: %w", err)
		}
	}
	inst.Deliverer = outgoing.New(sc.SMTP, signer, logger.Sub("smtp"))

	s.Hooks.Add(hooks.EventLogRotate, func() {
		if err := log.Reopen(logger.Out); err != nil {
			logger.Error("cannot reopen log files", err)
		}
	})
	return inst, nil
}

// onShutdown closes c when the instance is closed. Hooks run in reverse,
// so the list store installed first is closed last.
func (inst *Instance) onShutdown(c io.Closer) {
	inst.Site.Hooks.Add(hooks.EventShutdown, func() {
		inst.closeErr = errors.Join(inst.closeErr, c.Close())
	})
}

// Env returns the runner environment for the instance.
func (inst *Instance) Env() runners.Env {
	return runners.Env{Site: inst.Site, Deliverer: inst.Deliverer, Log: inst.Log}
}

// Close runs the shutdown hooks.
func (inst *Instance) Close() error {
	inst.Site.Hooks.Run(hooks.EventShutdown)
	return inst.closeErr
}
