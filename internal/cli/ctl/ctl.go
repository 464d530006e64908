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

// Package ctl implements the operator subcommands of listd.
package ctl

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxcpp/listd"
	"github.com/foxcpp/listd/internal/lock"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/urfave/cli/v2"
)

func openSite(c *cli.Context) (*listd.Instance, error) {
	inst, err := listd.OpenFromCLI(c)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return cli.Exit(fmt.Sprintf("Error: expected %d arguments, see 'listd help %s'", n, c.Command.FullName()), 2)
	}
	return nil
}

// withList runs f with the list locked and loaded in a store transaction.
// The transaction is committed if f succeeds.
func withList(ctx context.Context, s *site.Site, name string, f func(store mlist.Store, l *mlist.MailingList) error) error {
	lk, err := s.LockList(ctx, name)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return fmt.Errorf("list %s is locked by a running process, try again later", name)
		}
		return err
	}
	defer lk.Release()

	tx, err := s.Lists.Begin(ctx)
	if err != nil {
		return err
	}
	l, err := tx.List(ctx, name)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := f(tx, l); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
