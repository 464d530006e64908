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

// Package master supervises the runner processes of a listd instance.
package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/lock"
	"github.com/foxcpp/listd/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ExitRecycle is the exit code of a runner that stopped to be replaced by a
// fresh process. Such exits are not counted as restarts.
const ExitRecycle = 75

// ErrAlreadyRunning is returned when another master holds the lock.
var ErrAlreadyRunning = errors.New("master: another master is running")

// Child identifies one supervised runner process.
type Child struct {
	Class  string
	Slice  int
	Slices int
}

func (c Child) String() string {
	return fmt.Sprintf("%s:%d/%d", c.Class, c.Slice, c.Slices)
}

type Master struct {
	Children []Child

	// Command returns the command running the child. It is called for
	// every (re)start.
	Command func(c Child) *exec.Cmd

	// MaxRestarts is the number of crash restarts allowed per child.
	MaxRestarts int

	LockPath     string
	LockLifetime time.Duration
	PidFile      string

	// Force removes the master lock left by another master instead of
	// failing with ErrAlreadyRunning.
	Force bool

	// Reopen is called on SIGHUP before the children are recycled.
	Reopen func()

	// RestartDelay is the pause before a crashed child is started again.
	RestartDelay time.Duration

	Log log.Logger

	mu      sync.Mutex
	running map[Child]*exec.Cmd
}

// exitKind classifies how a child process ended.
type exitKind int

const (
	exitClean exitKind = iota
	exitRecycle
	exitFailed
)

func classify(err error) (exitKind, string) {
	if err == nil {
		return exitClean, "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == ExitRecycle {
			return exitRecycle, exitErr.String()
		}
		return exitFailed, exitErr.String()
	}
	return exitFailed, err.Error()
}

func (m *Master) setRunning(c Child, cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd == nil {
		delete(m.running, c)
		return
	}
	m.running[c] = cmd
}

// Signal sends sig to all running children.
func (m *Master) Signal(sig os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, cmd := range m.running {
		if err := cmd.Process.Signal(sig); err != nil {
			m.Log.Error("cannot signal the runner", err, "runner", c.String())
		}
	}
}

// Running returns the number of running children.
func (m *Master) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Master) acquireLock(ctx context.Context) (*lock.Lock, error) {
	lk := lock.New(m.LockPath, m.LockLifetime)
	err := lk.Acquire(ctx, time.Second)
	if err == nil {
		return lk, nil
	}
	if errors.Is(err, lock.ErrTimeout) && m.Force {
		m.Log.Msg("breaking the master lock", "path", m.LockPath)
		if err := os.Remove(m.LockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("master: %w", err)
		}
		if err := lk.Acquire(ctx, time.Second); err != nil {
			return nil, fmt.Errorf("master: %w", err)
		}
		return lk, nil
	}
	if errors.Is(err, lock.ErrTimeout) {
		if deadline, pid, derr := lock.Deadline(m.LockPath); derr == nil {
			return nil, fmt.Errorf("%w (pid %d, lock expires at %v)", ErrAlreadyRunning, pid, deadline.Format(time.RFC3339))
		}
		return nil, ErrAlreadyRunning
	}
	return nil, err
}

func (m *Master) writePidFile() error {
	if m.PidFile == "" {
		return nil
	}
	return os.WriteFile(m.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// Run starts the children and supervises them until ctx is done or a
// SIGTERM/SIGINT arrives on signals. SIGHUP reopens logs and recycles the
// children.
func (m *Master) Run(ctx context.Context, signals <-chan os.Signal) error {
	if m.LockLifetime == 0 {
		m.LockLifetime = lock.DefaultLifetime
	}
	m.running = map[Child]*exec.Cmd{}

	lk, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer lk.Release()

	if err := m.writePidFile(); err != nil {
		return fmt.Errorf("master: %w", err)
	}
	if m.PidFile != "" {
		defer os.Remove(m.PidFile)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lockErr error
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		if err := m.refreshLock(ctx, lk); err != nil {
			lockErr = err
			cancel()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.Children {
		c := c
		g.Go(func() error {
			return m.supervise(gctx, c)
		})
	}

	m.Log.Msg("master started", "pid", os.Getpid(), "runners", len(m.Children))
	systemdStatus(SDReady, fmt.Sprintf("%d runners", len(m.Children)))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	finish := func(err error) error {
		cancel()
		<-refreshDone
		if err == nil {
			err = lockErr
		}
		m.Log.Msg("master stopped")
		return err
	}

	for {
		select {
		case err := <-done:
			return finish(err)
		case <-ctx.Done():
			systemdStatus(SDStopping, "")
			return finish(<-done)
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				m.Log.Msg("SIGHUP received, reopening logs and recycling runners")
				systemdStatus(SDReloading, "")
				if m.Reopen != nil {
					m.Reopen()
				}
				m.Signal(syscall.SIGHUP)
				systemdStatus(SDReady, "")
			default:
				m.Log.Msg("signal received, stopping runners", "signal", sig.String())
				systemdStatus(SDStopping, "")
				cancel()
				return finish(<-done)
			}
		}
	}
}

func (m *Master) refreshLock(ctx context.Context, lk *lock.Lock) error {
	t := time.NewTicker(m.LockLifetime / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := lk.Refresh(m.LockLifetime); err != nil {
				return fmt.Errorf("master: lost the master lock: %w", err)
			}
		}
	}
}

// supervise keeps the child running until ctx is done. Recycled children
// are started again immediately, crashed ones up to MaxRestarts times.
func (m *Master) supervise(ctx context.Context, c Child) error {
	log := m.Log.With("runner", c.String())
	restarts := 0
	for {
		cmd := m.Command(c)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("master: starting %v: %w", c, err)
		}
		m.setRunning(c, cmd)
		log.DebugMsg("runner started", "pid", cmd.Process.Pid)

		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()

		var err error
		select {
		case <-ctx.Done():
			if serr := cmd.Process.Signal(syscall.SIGTERM); serr != nil && !errors.Is(serr, os.ErrProcessDone) {
				log.Error("cannot stop the runner", serr)
			}
			err = <-waitErr
			m.setRunning(c, nil)
			_, info := classify(err)
			log.Msg("runner stopped", "status", info)
			return nil
		case err = <-waitErr:
			m.setRunning(c, nil)
		}

		kind, info := classify(err)
		switch kind {
		case exitClean:
			log.Msg("runner exited", "status", info)
			return nil
		case exitRecycle:
			log.Msg("runner recycled", "status", info)
			continue
		}

		restarts++
		if restarts > m.MaxRestarts {
			log.Msg("runner keeps failing, giving up", "status", info, "restarts", restarts-1)
			return nil
		}
		metrics.ChildRestarts.WithLabelValues(c.Class).Inc()
		log.Msg("runner failed, restarting", "status", info, "restarts", restarts)

		if m.RestartDelay != 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.RestartDelay):
			}
		}
	}
}

// ParseChild parses the "class:slice/slices" form used in logs and on the
// command line.
func ParseChild(s string) (Child, error) {
	class, rest, ok := strings.Cut(s, ":")
	if !ok || class == "" {
		return Child{}, fmt.Errorf("master: malformed runner spec: %s", s)
	}
	sliceStr, slicesStr, ok := strings.Cut(rest, "/")
	if !ok {
		return Child{}, fmt.Errorf("master: malformed runner spec: %s", s)
	}
	slice, err := strconv.Atoi(sliceStr)
	if err != nil {
		return Child{}, fmt.Errorf("master: malformed runner spec: %s", s)
	}
	slices, err := strconv.Atoi(slicesStr)
	if err != nil || slices <= 0 || slice < 0 || slice >= slices {
		return Child{}, fmt.Errorf("master: malformed runner spec: %s", s)
	}
	return Child{Class: class, Slice: slice, Slices: slices}, nil
}

// Expand returns one Child per slice of each class, ordered by class name.
func Expand(slices map[string]int) []Child {
	classes := make([]string, 0, len(slices))
	for class := range slices {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	var res []Child
	for _, class := range classes {
		n := slices[class]
		for i := 0; i < n; i++ {
			res = append(res, Child{Class: class, Slice: i, Slices: n})
		}
	}
	return res
}
