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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	listdcli "github.com/foxcpp/listd/internal/cli"
	"github.com/foxcpp/listd/internal/cli/clitools"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/urfave/cli/v2"
)

func init() {
	listdcli.AddSubcommand(&cli.Command{
		Name:      "inject",
		Usage:     "Put a message into a queue",
		ArgsUsage: "[FILE]",
		Description: `Reads the message from FILE or stdin and queues it for the list as if
it was received over LMTP for the posting address.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "list",
				Aliases:  []string{"l"},
				Usage:    "List the message is posted to",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "queue",
				Aliases: []string{"q"},
				Usage:   "Queue to inject into",
				Value:   site.QueueIn,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return cli.Exit("Error: at most one file can be injected", 2)
			}
			inst, err := openSite(c)
			if err != nil {
				return err
			}
			defer inst.Close()

			in := io.Reader(os.Stdin)
			if c.NArg() == 1 {
				f, err := os.Open(c.Args().First())
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			fb, err := inject(c.Context, inst.Site, c.String("list"), c.String("queue"), in)
			if err != nil {
				return err
			}
			fmt.Println(fb)
			return nil
		},
	})
	listdcli.AddSubcommand(&cli.Command{
		Name:  "unshunt",
		Usage: "Move shunted messages back to the queues they failed in",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "discard",
				Usage: "Delete shunted messages instead",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Don't ask for confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			inst, err := openSite(c)
			if err != nil {
				return err
			}
			defer inst.Close()

			discard := c.Bool("discard")
			if discard && !c.Bool("yes") && !clitools.Confirmation("Delete all shunted messages?", false) {
				return errors.New("cancelled")
			}
			n, err := unshunt(inst.Site, discard)
			if discard {
				fmt.Printf("%d messages deleted\n", n)
			} else {
				fmt.Printf("%d messages requeued\n", n)
			}
			return err
		},
	})
	listdcli.AddSubcommand(&cli.Command{
		Name:      "qfile",
		Usage:     "Print the contents of a queue file",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "meta-only",
				Usage: "Do not print the message",
			},
		},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			return qfile(os.Stdout, c.Args().First(), c.Bool("meta-only"))
		},
	})
}

func normalizeCRLF(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}

func inject(ctx context.Context, s *site.Site, list, queue string, r io.Reader) (string, error) {
	if queue == site.QueueShunt || !knownQueue(queue) {
		return "", fmt.Errorf("cannot inject into queue %s", queue)
	}
	if _, err := s.Lists.List(ctx, list); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	msg, err := mailmsg.ParseBytes(normalizeCRLF(raw))
	if err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}
	if msg.MessageID() == "" {
		msg.SetText("Message-Id", mailmsg.NewMessageID(s.Hostname))
	}

	meta := &switchboard.Metadata{ListName: list, ToList: queue == site.QueueIn}
	return s.Enqueue(queue, msg, meta)
}

func knownQueue(name string) bool {
	for _, q := range site.Queues {
		if q == name {
			return true
		}
	}
	return false
}

// unshunt moves each shunted entry back to the queue recorded in it, or to
// the in queue if none is recorded.
func unshunt(s *site.Site, discard bool) (int, error) {
	shunt, err := s.Queue(site.QueueShunt)
	if err != nil {
		return 0, err
	}
	files, err := shunt.Files(switchboard.ExtPck)
	if err != nil {
		return 0, err
	}

	done := 0
	var errs []error
	for _, fb := range files {
		msg, meta, err := shunt.Dequeue(fb)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fb, err))
			if ferr := shunt.Finish(fb, true); ferr != nil {
				errs = append(errs, ferr)
			}
			continue
		}
		if !discard {
			target := meta.WhichQ
			if target == "" || target == site.QueueShunt || !knownQueue(target) {
				target = site.QueueIn
			}
			meta.WhichQ = ""
			if _, err := s.Enqueue(target, msg, meta); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", fb, err))
				if rerr := shunt.Return(fb); rerr != nil {
					errs = append(errs, rerr)
				}
				continue
			}
		}
		if err := shunt.Finish(fb, false); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

func qfile(w io.Writer, path string, metaOnly bool) error {
	msg, meta, err := switchboard.ReadFile(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "File: %s\n", filepath.Base(path))
	fmt.Fprintf(w, "List: %s\n", meta.ListName)
	if meta.WhichQ != "" {
		fmt.Fprintf(w, "Shunted from: %s\n", meta.WhichQ)
	}
	if !meta.Received().IsZero() {
		fmt.Fprintf(w, "Received: %s\n", meta.Received().UTC().Format("2006-01-02 15:04:05"))
	}
	if len(meta.Recips) != 0 {
		fmt.Fprintf(w, "Recipients (%d):\n", len(meta.Recips))
		for _, r := range meta.Recips {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}
	if len(meta.Extra) != 0 {
		keys := make([]string, 0, len(meta.Extra))
		for k := range meta.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Extra:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, meta.Extra[k])
		}
	}
	if metaOnly {
		return nil
	}
	fmt.Fprintln(w)
	_, err = msg.WriteTo(w)
	return err
}
