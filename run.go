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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/foxcpp/listd/framework/hooks"
	"github.com/foxcpp/listd/framework/log"
	listdcli "github.com/foxcpp/listd/internal/cli"
	"github.com/foxcpp/listd/internal/lmtp"
	"github.com/foxcpp/listd/internal/master"
	"github.com/foxcpp/listd/internal/metrics"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/runners"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func init() {
	listdcli.SetVersion(BuildInfo())
	listdcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the master process and all queue runners",
		Description: `The master forks one runner process per class and slice as configured
by the 'runners' directive and restarts them when they crash or recycle.

SIGHUP reopens log files and recycles all runners, SIGTERM and SIGINT stop
everything after the messages being processed are done.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Break the master lock left by a master that did not shut down properly",
			},
			&cli.StringSliceFlag{
				Name:  "runner",
				Usage: "Override the slice count for a runner class, as CLASS:SLICES",
			},
		},
		Action: runMaster,
	})
	listdcli.AddSubcommand(&cli.Command{
		Name:   "runner",
		Usage:  "Run a single queue runner (started by the master)",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "class",
				Usage:    "Runner class",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "slice",
				Usage: "Slice of the queue hash space to process",
			},
			&cli.IntFlag{
				Name:  "slices",
				Usage: "Total number of slices",
				Value: 1,
			},
		},
		Action: runRunner,
	})
}

// OpenFromCLI reads the configuration named by the global flags, sets up
// logging and opens the instance.
func OpenFromCLI(c *cli.Context) (*Instance, error) {
	targets := c.StringSlice("log")
	if len(targets) != 0 {
		out, err := LogOutput(targets)
		if err != nil {
			return nil, cli.Exit(err.Error(), 2)
		}
		log.DefaultLogger.Out = out
	}

	cfg, err := ReadConfigFile(c.Path("config"))
	if err != nil {
		return nil, fmt.Errorf("cannot read the configuration: %w", err)
	}
	if cfg.Log != nil && len(targets) == 0 {
		log.DefaultLogger.Out = cfg.Log
	}
	if cfg.Debug {
		log.DefaultLogger.Debug = true
	}

	return Open(cfg, log.DefaultLogger)
}

func slicesFor(cfg *Config, overrides []string) (map[string]int, error) {
	res := make(map[string]int, len(cfg.Runners))
	for class, rc := range cfg.Runners {
		res[class] = rc.Slices
	}
	for _, o := range overrides {
		class, countStr, ok := strings.Cut(o, ":")
		if !ok || !validClass(class) {
			return nil, fmt.Errorf("malformed runner override: %s", o)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil || count < 0 || (class == ClassLMTP && count > 1) {
			return nil, fmt.Errorf("malformed runner override: %s", o)
		}
		res[class] = count
	}
	return res, nil
}

func runnerCommand(c *cli.Context, exe string) func(master.Child) *exec.Cmd {
	base := []string{"--config", c.Path("config")}
	if log.DefaultLogger.Debug {
		base = append(base, "--debug")
	}
	for _, t := range c.StringSlice("log") {
		base = append(base, "--log", t)
	}
	return func(ch master.Child) *exec.Cmd {
		args := append(append([]string{}, base...),
			"runner",
			"--class", ch.Class,
			"--slice", strconv.Itoa(ch.Slice),
			"--slices", strconv.Itoa(ch.Slices))
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

func runMaster(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit("usage: listd run [--force] [--runner CLASS:SLICES]...", 2)
	}
	if _, err := slicesFor(&Config{}, c.StringSlice("runner")); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	inst, err := OpenFromCLI(c)
	if err != nil {
		return err
	}
	defer inst.Close()

	slices, err := slicesFor(inst.Config, c.StringSlice("runner"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logger := inst.Log.Sub("master")
	m := &master.Master{
		Children:     master.Expand(slices),
		Command:      runnerCommand(c, exe),
		MaxRestarts:  inst.Config.MaxRestarts,
		LockPath:     filepath.Join(inst.Site.LockDir(), "master.lck"),
		LockLifetime: inst.Config.MasterLockLifetime,
		PidFile:      filepath.Join(inst.Site.RuntimeDir, "master.pid"),
		Force:        c.Bool("force"),
		Reopen: func() {
			inst.Site.Hooks.Run(hooks.EventLogRotate)
		},
		Log: logger,
	}
	if len(m.Children) == 0 {
		return errors.New("no runners configured")
	}
	if err := os.MkdirAll(inst.Site.LockDir(), 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsDone := make(chan error, 1)
	if len(inst.Config.Metrics) != 0 {
		endp, err := metrics.New(inst.Site, prometheus.NewRegistry(), inst.Log.Sub("metrics"))
		if err != nil {
			return err
		}
		go func() { metricsDone <- endp.Run(ctx, inst.Config.Metrics) }()
	} else {
		metricsDone <- nil
	}

	err = m.Run(ctx, notifySignals())
	cancel()
	if merr := <-metricsDone; merr != nil {
		logger.Error("metrics endpoint failed", merr)
	}
	return err
}

func runRunner(c *cli.Context) error {
	class := c.String("class")
	slice, numSlices := c.Int("slice"), c.Int("slices")
	if !validClass(class) || numSlices <= 0 || slice < 0 || slice >= numSlices {
		return cli.Exit(fmt.Sprintf("invalid runner: %s:%d/%d", class, slice, numSlices), 2)
	}

	inst, err := OpenFromCLI(c)
	if err != nil {
		return err
	}
	defer inst.Close()

	if class == ClassLMTP {
		err = runLMTP(inst, notifySignals())
	} else {
		err = runQueue(inst, class, slice, numSlices, notifySignals())
	}
	if errors.Is(err, runner.ErrRecycle) {
		return cli.Exit("", master.ExitRecycle)
	}
	return err
}

// runQueue processes the queue slice until a signal arrives or the runner
// limits are reached. Both SIGHUP and the limits end with ErrRecycle.
func runQueue(inst *Instance, class string, slice, numSlices int, signals <-chan os.Signal) error {
	r, err := runners.New(class, inst.Env(), slice, numSlices)
	if err != nil {
		return err
	}
	if rc := inst.Config.Runners[class]; rc.Sleep != 0 {
		r.Sleep = rc.Sleep
	}
	r.MaxLifetime = inst.Config.MaxLifetime
	r.MaxMessages = inst.Config.MaxMessages

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var recycle atomic.Bool
	go func() {
		for s := range signals {
			if s == syscall.SIGHUP {
				recycle.Store(true)
			}
			r.Stop()
			cancel()
		}
	}()

	err = r.Run(ctx)
	if err == nil && recycle.Load() {
		return runner.ErrRecycle
	}
	return err
}

// runLMTP serves the LMTP endpoints until a signal arrives.
func runLMTP(inst *Instance, signals <-chan os.Signal) error {
	if len(inst.Config.LMTP.Endpoints) == 0 {
		return errors.New("lmtp: no endpoints configured")
	}
	srv := lmtp.New(inst.Site, inst.Log.Sub("lmtp"))
	srv.SetLimits(inst.Config.LMTP.MaxMessageSize, inst.Config.LMTP.MaxRecipients)
	if err := srv.Listen(inst.Config.LMTP.Endpoints); err != nil {
		return err
	}

	sig := <-signals
	if err := srv.Close(); err != nil {
		inst.Log.Error("lmtp: close failed", err)
	}
	if sig == syscall.SIGHUP {
		return runner.ErrRecycle
	}
	return nil
}
