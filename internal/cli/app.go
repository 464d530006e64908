/*
listd - Mailing list manager.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors
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

package listdcli

import (
	"fmt"
	"os"

	"github.com/foxcpp/listd/framework/log"
	"github.com/urfave/cli/v2"
)

// DefaultConfigPath is used when neither --config nor LISTD_CONFIG is set.
var DefaultConfigPath = "/etc/listd/listd.conf"

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "listd"
	app.Usage = "mailing list manager"
	app.Description = `listd receives list traffic over LMTP, moderates and decorates posts and
delivers them to list members through an SMTP relay.

'run' starts the master process supervising all queue runners, other
subcommands inspect and manipulate the queues and the list database.
`
	app.Authors = []*cli.Author{
		{
			Name: "listd contributors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"LISTD_CONFIG"},
			Value:   DefaultConfigPath,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging early",
		},
		&cli.StringSliceFlag{
			Name:  "log",
			Usage: "Log targets used until the configuration is read (stderr, syslog, off or a file path)",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.DefaultLogger.Debug = c.Bool("debug")
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// SetVersion sets the string printed by --version.
func SetVersion(v string) {
	app.Version = v
}

// Run runs the application with os.Args.
func Run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
		os.Exit(1)
	}
}
