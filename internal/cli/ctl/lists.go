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

package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/foxcpp/listd/framework/address"
	listdcli "github.com/foxcpp/listd/internal/cli"
	"github.com/foxcpp/listd/internal/cli/clitools"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/urfave/cli/v2"
)

func init() {
	listdcli.AddSubcommand(&cli.Command{
		Name:  "lists",
		Usage: "Mailing list management",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a mailing list",
				ArgsUsage: "LIST@DOMAIN",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "owner",
						Aliases: []string{"o"},
						Usage:   "Owner address, can be repeated",
					},
					&cli.BoolFlag{
						Name:  "ask-password",
						Usage: "Prompt for the moderator password",
					},
				},
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					opts := createOpts{owners: c.StringSlice("owner")}
					if c.Bool("ask-password") {
						pass, err := clitools.ReadPassword("Moderator password")
						if err != nil {
							return err
						}
						opts.password = pass
					}
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					return listsCreate(c.Context, inst.Site, c.Args().First(), opts)
				},
			},
			{
				Name:  "list",
				Usage: "List mailing lists",
				Action: func(c *cli.Context) error {
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					return listsList(c.Context, os.Stdout, inst.Site)
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a mailing list with its members",
				ArgsUsage: "LIST@DOMAIN",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Don't ask for confirmation",
					},
				},
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					name := c.Args().First()
					if !c.Bool("yes") && !clitools.Confirmation("Delete list "+name+" and all its members?", false) {
						return errors.New("cancelled")
					}
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					return listsRemove(c.Context, inst.Site, name)
				},
			},
		},
	})

	roleFlag := &cli.StringFlag{
		Name:    "role",
		Aliases: []string{"r"},
		Usage:   "Roster to use: member, owner or moderator",
		Value:   "member",
	}
	listdcli.AddSubcommand(&cli.Command{
		Name:  "members",
		Usage: "List roster management",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Subscribe addresses without confirmation",
				ArgsUsage: "LIST ADDRESS...",
				Flags: []cli.Flag{
					roleFlag,
					&cli.BoolFlag{
						Name:  "digest",
						Usage: "Deliver digests instead of individual posts",
					},
					&cli.BoolFlag{
						Name:  "welcome",
						Usage: "Send the welcome message",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return cli.Exit("Error: list and at least one address required", 2)
					}
					role, err := mlist.ParseRole(c.String("role"))
					if err != nil {
						return cli.Exit("Error: "+err.Error(), 2)
					}
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					opts := addOpts{role: role, digest: c.Bool("digest"), welcome: c.Bool("welcome")}
					return membersAdd(c.Context, inst.Site, c.Args().First(), c.Args().Tail(), opts)
				},
			},
			{
				Name:      "list",
				Usage:     "Print the roster",
				ArgsUsage: "LIST",
				Flags:     []cli.Flag{roleFlag},
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					role, err := mlist.ParseRole(c.String("role"))
					if err != nil {
						return cli.Exit("Error: "+err.Error(), 2)
					}
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					return membersList(c.Context, os.Stdout, inst.Site, c.Args().First(), role)
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove addresses from the roster",
				ArgsUsage: "LIST ADDRESS...",
				Flags:     []cli.Flag{roleFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return cli.Exit("Error: list and at least one address required", 2)
					}
					role, err := mlist.ParseRole(c.String("role"))
					if err != nil {
						return cli.Exit("Error: "+err.Error(), 2)
					}
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					return membersRemove(c.Context, inst.Site, c.Args().First(), c.Args().Tail(), role)
				},
			},
		},
	})
}

type createOpts struct {
	owners   []string
	password string
}

func listsCreate(ctx context.Context, s *site.Site, name string, opts createOpts) error {
	local, domain, err := address.Split(name)
	if err != nil || local == "" || domain == "" {
		return fmt.Errorf("invalid list address: %s", name)
	}
	for _, suffix := range []string{"-bounces", "-confirm", "-join", "-leave", "-owner", "-request", "-subscribe", "-unsubscribe"} {
		if strings.HasSuffix(strings.ToLower(local), suffix) {
			return fmt.Errorf("list name cannot end with %s", suffix)
		}
	}

	l := mlist.New(name)
	if err := l.SetPassword(opts.password); err != nil {
		return err
	}
	if err := os.MkdirAll(s.ListDir(l.Name), 0o755); err != nil {
		return err
	}

	tx, err := s.Lists.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.CreateList(ctx, l); err != nil {
		tx.Rollback()
		return err
	}
	for _, owner := range opts.owners {
		err := tx.AddMember(ctx, l.Name, &mlist.Member{Address: owner, Role: mlist.RoleOwner, Status: mlist.Enabled})
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("owner %s: %w", owner, err)
		}
	}
	return tx.Commit()
}

func listsList(ctx context.Context, w io.Writer, s *site.Site) error {
	names, err := s.Lists.ListNames(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, name := range names {
		members, err := s.Lists.Members(ctx, name, mlist.RoleMember)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d members\n", name, len(members))
	}
	return tw.Flush()
}

func listsRemove(ctx context.Context, s *site.Site, name string) error {
	lk, err := s.LockList(ctx, name)
	if err != nil {
		return err
	}
	defer lk.Release()

	if err := s.Lists.RemoveList(ctx, name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Clean(s.ListDir(name)))
}

type addOpts struct {
	role    mlist.Role
	digest  bool
	welcome bool
}

func membersAdd(ctx context.Context, s *site.Site, list string, addrs []string, opts addOpts) error {
	return withList(ctx, s, list, func(store mlist.Store, l *mlist.MailingList) error {
		for _, raw := range addrs {
			addr, err := address.ForLookup(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", raw, err)
			}
			m := &mlist.Member{Address: addr, Role: opts.role, Status: mlist.Enabled}
			if opts.digest {
				m.Mode = mlist.PlainDigest
				if l.MIMEIsDefaultDigest {
					m.Mode = mlist.MIMEDigest
				}
			}
			if err := store.AddMember(ctx, l.Name, m); err != nil {
				return fmt.Errorf("%s: %w", addr, err)
			}
			if !opts.welcome || opts.role != mlist.RoleMember {
				continue
			}
			err = s.Notify(&site.Notice{
				List:     l,
				To:       []string{addr},
				Subject:  fmt.Sprintf("Welcome to the %q mailing list", l.RealName()),
				Template: "welcome",
				Data:     map[string]interface{}{"address": addr},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func membersList(ctx context.Context, w io.Writer, s *site.Site, list string, role mlist.Role) error {
	members, err := s.Lists.Members(ctx, list, role)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, m := range members {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Address, m.DisplayName, m.Mode, m.Status)
	}
	return tw.Flush()
}

func membersRemove(ctx context.Context, s *site.Site, list string, addrs []string, role mlist.Role) error {
	return withList(ctx, s, list, func(store mlist.Store, l *mlist.MailingList) error {
		for _, raw := range addrs {
			addr, err := address.ForLookup(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", raw, err)
			}
			if err := store.RemoveMember(ctx, l.Name, addr, role); err != nil {
				return fmt.Errorf("%s: %w", addr, err)
			}
		}
		return nil
	})
}
