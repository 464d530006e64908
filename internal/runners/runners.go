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

// Package runners contains the dispositions of the queue runners: what
// happens to an entry of each queue.
package runners

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/lock"
	"github.com/foxcpp/listd/internal/outgoing"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// Env is the shared state runners are created with.
type Env struct {
	Site      *site.Site
	Deliverer *outgoing.Deliverer
	Log       log.Logger
}

type class struct {
	queue       string
	sleep       time.Duration
	allowNoList bool
	disposer    func(env Env) runner.Disposer
}

var classes = map[string]class{
	site.QueueIn:       {site.QueueIn, time.Second, false, newIncoming},
	site.QueuePipeline: {site.QueuePipeline, time.Second, false, newPipeline},
	site.QueueOut:      {site.QueueOut, time.Second, true, newOutgoing},
	site.QueueRetry:    {site.QueueRetry, 15 * time.Minute, true, newRetry},
	site.QueueBounces:  {site.QueueBounces, time.Second, false, newBounces},
	site.QueueCommands: {site.QueueCommands, time.Second, false, newCommands},
	site.QueueVirgin:   {site.QueueVirgin, time.Second, true, newVirgin},
	site.QueueArchive:  {site.QueueArchive, time.Second, false, newArchive},
	site.QueueDigest:   {site.QueueDigest, time.Second, false, newDigest},
	site.QueueNews:     {site.QueueNews, time.Second, false, newNews},
}

// Classes returns the names of the queue runner classes.
func Classes() []string {
	res := make([]string, 0, len(classes))
	for name := range classes {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// New creates the runner for the class and slice.
func New(name string, env Env, slice, numSlices int) (*runner.Runner, error) {
	c, ok := classes[name]
	if !ok {
		return nil, fmt.Errorf("runners: unknown runner class: %s", name)
	}
	logger := env.Log.Sub("runner/" + name)
	sb, err := switchboardFor(env.Site, c.queue, slice, numSlices, logger)
	if err != nil {
		return nil, err
	}

	sleep := c.sleep
	if name == site.QueueRetry && env.Site.Delivery.RetryInterval != 0 {
		sleep = env.Site.Delivery.RetryInterval
	}
	env.Log = logger
	return &runner.Runner{
		Name:        name,
		Site:        env.Site,
		Queue:       sb,
		Disposer:    c.disposer(env),
		AllowNoList: c.allowNoList,
		Sleep:       sleep,
		Log:         logger,
	}, nil
}

func switchboardFor(s *site.Site, queue string, slice, numSlices int, logger log.Logger) (*switchboard.Switchboard, error) {
	return switchboard.New(queue, s.QueueDir(queue), s.BadDir(), slice, numSlices, logger)
}

// forEachList calls f for every list with the list locked and loaded in a
// transaction. Failures are logged and do not stop the iteration.
func forEachList(ctx context.Context, env Env, f func(ctx context.Context, job *site.Job) error) {
	names, err := env.Site.Lists.ListNames(ctx)
	if err != nil {
		env.Log.Error("cannot enumerate lists", err)
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if err := withList(ctx, env.Site, name, f); err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				env.Log.DebugMsg("list is locked, skipping", "list", name)
				continue
			}
			env.Log.Error("periodic task failed", err, "list", name)
		}
	}
}

func withList(ctx context.Context, s *site.Site, name string, f func(ctx context.Context, job *site.Job) error) error {
	lk, err := s.LockList(ctx, name)
	if err != nil {
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
	if err := f(ctx, &site.Job{List: l, Store: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// every limits how often a periodic task runs.
type every struct {
	interval time.Duration
	last     time.Time
}

func (e *every) due(now time.Time) bool {
	if !e.last.IsZero() && now.Sub(e.last) < e.interval {
		return false
	}
	e.last = now
	return true
}
