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
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	listdcli "github.com/foxcpp/listd/internal/cli"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/moderation"
	"github.com/foxcpp/listd/internal/site"
	"github.com/urfave/cli/v2"
)

func init() {
	decision := func(d moderation.Decision, usage string) *cli.Command {
		cmd := &cli.Command{
			Name:      string(d),
			Usage:     usage,
			ArgsUsage: "LIST TOKEN",
			Action: func(c *cli.Context) error {
				if err := requireArgs(c, 2); err != nil {
					return err
				}
				inst, err := openSite(c)
				if err != nil {
					return err
				}
				defer inst.Close()
				return heldDecide(c.Context, inst.Site, c.Args().Get(0), c.Args().Get(1), d, c.String("reason"))
			},
		}
		if d == moderation.Refuse {
			cmd.Flags = []cli.Flag{
				&cli.StringFlag{
					Name:  "reason",
					Usage: "Rejection reason sent to the poster",
				},
			}
		}
		return cmd
	}

	listdcli.AddSubcommand(&cli.Command{
		Name:  "held",
		Usage: "Moderate held posts",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List posts held for moderation",
				ArgsUsage: "LIST",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					inst, err := openSite(c)
					if err != nil {
						return err
					}
					defer inst.Close()
					return heldList(c.Context, os.Stdout, inst.Site, c.Args().First())
				},
			},
			decision(moderation.Accept, "Approve the held post"),
			decision(moderation.Discard, "Drop the held post silently"),
			decision(moderation.Refuse, "Reject the held post, notifying the poster"),
		},
	})
}

func heldList(ctx context.Context, w io.Writer, s *site.Site, list string) error {
	l, err := s.Lists.List(ctx, list)
	if err != nil {
		return err
	}
	entries, err := moderation.Held(s, l)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No held posts.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tHELD AT\tSENDER\tSUBJECT\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Token, e.Record.Created.UTC().Format(time.DateTime), e.Record.Address, e.Record.Subject, e.Record.Reason)
	}
	return tw.Flush()
}

func heldDecide(ctx context.Context, s *site.Site, list, token string, d moderation.Decision, reason string) error {
	return withList(ctx, s, list, func(_ mlist.Store, l *mlist.MailingList) error {
		_, err := moderation.Decide(s, l, token, d, reason)
		return err
	})
}
