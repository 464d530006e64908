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

// Package runner implements the loop shared by all queue runners.
//
// A runner drains its switchboard slice, hands each entry to a Disposer
// while holding the list lock and a list store transaction, and then
// sleeps. Entries the Disposer fails on are moved to the shunt queue
// together with the name of the queue they came from.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/lock"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// ErrRecycle is returned by Run when the runner reached its lifetime or
// message limit. The process is expected to exit so it can be replaced.
var ErrRecycle = errors.New("runner: recycle requested")

// Disposer processes one queue entry. Returning keep = true puts the
// (possibly modified) entry back into the queue.
type Disposer interface {
	Dispose(ctx context.Context, job *site.Job) (keep bool, err error)
}

// Periodic is implemented by disposers that need to do work regardless of
// queue activity, such as sending digests on schedule.
type Periodic interface {
	Periodic(ctx context.Context) error
}

type DisposeFunc func(ctx context.Context, job *site.Job) (bool, error)

func (f DisposeFunc) Dispose(ctx context.Context, job *site.Job) (bool, error) {
	return f(ctx, job)
}

type Runner struct {
	Name     string
	Site     *site.Site
	Queue    *switchboard.Switchboard
	Disposer Disposer

	// AllowNoList lets entries without a list name through, Job.List is
	// nil for them.
	AllowNoList bool

	Sleep       time.Duration
	MaxLifetime time.Duration
	MaxMessages int

	Log log.Logger

	started   time.Time
	processed int
	stop      atomic.Bool
}

// Stop makes Run return after the entry being processed.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// Run processes the queue until ctx is cancelled, Stop is called or a
// limit is reached.
func (r *Runner) Run(ctx context.Context) error {
	r.started = time.Now()
	if err := r.Queue.RecoverBackupFiles(); err != nil {
		r.Log.Error("backup files recovery failed", err)
	}

	for {
		n, err := r.Once(ctx)
		if err != nil {
			return err
		}
		if r.stop.Load() || ctx.Err() != nil {
			return nil
		}
		if r.limitReached() {
			r.Log.Msg("runner limits reached, recycling", "processed", r.processed, "uptime", time.Since(r.started).String())
			return ErrRecycle
		}
		if n != 0 {
			continue
		}

		if r.Sleep == 0 {
			return nil
		}
		t := time.NewTimer(r.Sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (r *Runner) limitReached() bool {
	if r.MaxMessages != 0 && r.processed >= r.MaxMessages {
		return true
	}
	return r.MaxLifetime != 0 && !r.started.IsZero() && time.Since(r.started) >= r.MaxLifetime
}

// Once makes a single pass over the queue and returns the number of
// entries that left it. Entries kept queued or deferred are not counted,
// so a queue holding only those does not keep the runner awake.
func (r *Runner) Once(ctx context.Context) (int, error) {
	files, err := r.Queue.Files(switchboard.ExtPck)
	if err != nil {
		return 0, fmt.Errorf("runner %s: %w", r.Name, err)
	}

	done := 0
	for _, fb := range files {
		if ctx.Err() != nil || r.stop.Load() {
			return done, nil
		}
		if r.processOne(ctx, fb) {
			done++
		}
		r.processed++
		r.periodic(ctx)
	}
	if len(files) == 0 {
		r.periodic(ctx)
	}
	return done, nil
}

func (r *Runner) periodic(ctx context.Context) {
	p, ok := r.Disposer.(Periodic)
	if !ok {
		return
	}
	if err := p.Periodic(ctx); err != nil {
		r.Log.Error("periodic task failed", err)
	}
}

func (r *Runner) processOne(ctx context.Context, fb string) bool {
	msg, meta, err := r.Queue.Dequeue(fb)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Claimed by someone else.
			return false
		}
		r.Log.Error("cannot dequeue entry", err, "msg_id", fb)
		if err := r.Queue.Finish(fb, true); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.Log.Error("cannot preserve entry", err, "msg_id", fb)
		}
		processedEntries.WithLabelValues(r.Name, "preserved").Inc()
		return true
	}

	logger := r.Log.With("msg_id", fb, "list", meta.ListName)

	if meta.ListName == "" && !r.AllowNoList {
		logger.Msg("entry without a list name")
		r.shuntEntry(fb, logger)
		return true
	}

	var lk *lock.Lock
	if meta.ListName != "" {
		lk, err = r.Site.LockList(ctx, meta.ListName)
		if err != nil {
			if errors.Is(err, lock.ErrTimeout) || errors.Is(err, context.Canceled) {
				logger.Msg("list is locked, leaving entry in queue")
				if err := r.Queue.Return(fb); err != nil {
					logger.Error("cannot return entry", err)
				}
				processedEntries.WithLabelValues(r.Name, "deferred").Inc()
				return false
			}
			logger.Error("cannot lock list", err)
			r.shuntEntry(fb, logger)
			return true
		}
		defer func() {
			if err := lk.Release(); err != nil {
				logger.Error("cannot release list lock", err)
			}
		}()
	}

	tx, err := r.Site.Lists.Begin(ctx)
	if err != nil {
		logger.Error("cannot start transaction", err)
		if err := r.Queue.Return(fb); err != nil {
			logger.Error("cannot return entry", err)
		}
		return false
	}

	job := &site.Job{Msg: msg, Meta: meta, Store: tx, FileBase: fb}
	if meta.ListName != "" {
		job.List, err = tx.List(ctx, meta.ListName)
		if err != nil {
			tx.Rollback()
			if errors.Is(err, mlist.ErrNoSuchList) {
				logger.Msg("no such list")
			} else {
				logger.Error("cannot load list", err)
			}
			r.shuntEntry(fb, logger)
			return true
		}
	}
	job.Lang = meta.Lang
	if job.Lang == "" && job.List != nil {
		job.Lang = job.List.PreferredLanguage
	}

	keep, err := r.dispose(ctx, job)
	if err != nil {
		tx.Rollback()
		logger.Error("dispose failed", err)
		r.shuntEntry(fb, logger)
		return true
	}
	if err := tx.Commit(); err != nil {
		logger.Error("cannot commit list changes", err)
		r.shuntEntry(fb, logger)
		return true
	}

	if keep {
		if _, err := r.Queue.Enqueue(job.Msg, job.Meta); err != nil {
			logger.Error("cannot requeue entry", err)
			if err := r.Queue.Return(fb); err != nil {
				logger.Error("cannot return entry", err)
			}
			return false
		}
	}
	if err := r.Queue.Finish(fb, false); err != nil {
		logger.Error("cannot remove processed entry", err)
	}
	if keep {
		processedEntries.WithLabelValues(r.Name, "kept").Inc()
		return false
	}
	processedEntries.WithLabelValues(r.Name, "done").Inc()
	return true
}

func (r *Runner) dispose(ctx context.Context, job *site.Job) (keep bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Log.Printf("panic during dispose: %v\n%s", rec, debug.Stack())
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.Disposer.Dispose(ctx, job)
}

// shuntEntry moves the claimed entry to the shunt queue. The stored copy
// is used, not the one the disposer may have modified.
func (r *Runner) shuntEntry(fb string, logger log.Logger) {
	shuntedEntries.WithLabelValues(r.Name).Inc()

	err := r.moveToShunt(fb, logger)
	if err == nil {
		if err := r.Queue.Finish(fb, false); err != nil {
			logger.Error("cannot remove shunted entry", err)
		}
		return
	}

	logger.Error("cannot shunt entry, preserving", err)
	if err := r.Queue.Finish(fb, true); err != nil {
		logger.Error("cannot preserve entry", err)
	}
}

func (r *Runner) moveToShunt(fb string, logger log.Logger) error {
	msg, meta, err := r.Queue.ReadClaimed(fb)
	if err != nil {
		return err
	}
	meta.WhichQ = r.Queue.Name()
	sb, err := r.Site.Queue(site.QueueShunt)
	if err != nil {
		return err
	}
	shuntFB, err := sb.Enqueue(msg, meta)
	if err != nil {
		return err
	}
	logger.Msg("entry shunted", "shunt_id", shuntFB)
	return nil
}
