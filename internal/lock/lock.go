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

// Package lock implements a cross-process advisory lock that works on
// network file systems.
//
// The lock is held by whoever manages to hard-link its own temporary file
// to the lock path such that the link count of the temporary file becomes
// exactly 2. Every lock has a lifetime. A holder that does not refresh
// the lock before the deadline may have the lock stolen from it; it
// discovers that on the next Refresh or Release.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrTimeout     = errors.New("lock: timed out")
	ErrNotHeld     = errors.New("lock: not held")
	ErrAlreadyHeld = errors.New("lock: already held by this caller")
)

// DefaultLifetime is used when New is called with a zero lifetime.
const DefaultLifetime = 15 * time.Second

const (
	minSleep = 10 * time.Millisecond
	maxSleep = 250 * time.Millisecond
)

type Lock struct {
	path     string
	tmpPath  string
	lifetime time.Duration

	mu   sync.Mutex
	held bool
}

// New creates the lock object. It does not touch the file system.
func New(path string, lifetime time.Duration) *Lock {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	// Dots in the host name would confuse operators reading the directory.
	host = strings.ReplaceAll(host, ".", "_")
	return &Lock{
		path:     path,
		tmpPath:  fmt.Sprintf("%s.%s.%d.%d", path, host, os.Getpid(), rand.Int63()),
		lifetime: lifetime,
	}
}

func (l *Lock) Path() string {
	return l.path
}

// record is the lock file contents.
type record struct {
	pid      int
	tmpName  string
	deadline time.Time
}

func (r record) String() string {
	return fmt.Sprintf("%d %s %d\n", r.pid, r.tmpName, r.deadline.UnixNano())
}

func parseRecord(b []byte) (record, error) {
	parts := strings.Fields(string(b))
	if len(parts) != 3 {
		return record{}, errors.New("lock: malformed lock file")
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return record{}, fmt.Errorf("lock: malformed pid: %w", err)
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("lock: malformed deadline: %w", err)
	}
	return record{pid: pid, tmpName: parts[1], deadline: time.Unix(0, nanos)}, nil
}

func (l *Lock) ownRecord(lifetime time.Duration) record {
	return record{
		pid:      os.Getpid(),
		tmpName:  l.tmpPath,
		deadline: time.Now().Add(lifetime),
	}
}

func (l *Lock) writeTmp(lifetime time.Duration) error {
	return os.WriteFile(l.tmpPath, []byte(l.ownRecord(lifetime).String()), 0o644)
}

// Acquire blocks until the lock is held, the timeout elapses or ctx is
// cancelled. A zero timeout means wait forever.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held && l.ownsFile() {
		return ErrAlreadyHeld
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := l.writeTmp(l.lifetime); err != nil {
			return err
		}

		won, err := l.tryLink()
		if err != nil {
			os.Remove(l.tmpPath)
			return err
		}
		if won {
			l.held = true
			return nil
		}

		broken := l.breakIfStale()
		if !broken {
			os.Remove(l.tmpPath)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			os.Remove(l.tmpPath)
			return ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			os.Remove(l.tmpPath)
			return err
		}
		if broken {
			// The stale lock is gone, retry right away.
			continue
		}

		sleep := minSleep + time.Duration(rand.Int63n(int64(maxSleep-minSleep)))
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// breakIfStale checks the current lock file and removes it if it is past
// its deadline or unreadable. It returns true if the lock file was removed.
//
// The previous winner may still have its temporary file around (it crashed
// or it is about to find out about the steal). Its temporary file is
// removed too, so its Refresh and Release fail. ENOENT is fine: it might
// have cleaned up on its own.
func (l *Lock) breakIfStale() bool {
	b, err := os.ReadFile(l.path)
	if err != nil {
		// Released between our link attempt and now.
		return errors.Is(err, os.ErrNotExist)
	}
	rec, err := parseRecord(b)
	if err == nil && time.Now().Before(rec.deadline) {
		return false
	}
	return l.removeStale(b, rec, err == nil)
}

// removeStale removes the lock file if it still has the contents seen as
// stale. Another process breaking the same lock may have won it in the
// meantime.
func (l *Lock) removeStale(stale []byte, rec record, parsed bool) bool {
	cur, err := os.ReadFile(l.path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	if !bytes.Equal(cur, stale) {
		return false
	}

	if parsed && rec.tmpName != l.tmpPath {
		if rmErr := os.Remove(rec.tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return false
		}
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return false
	}
	return true
}

// ownsFile reports whether the lock file is still linked to our temporary
// file.
func (l *Lock) ownsFile() bool {
	n, err := linkCount(l.tmpPath)
	if err != nil || n != 2 {
		return false
	}
	b, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	rec, err := parseRecord(b)
	if err != nil {
		return false
	}
	return rec.tmpName == l.tmpPath
}

// Locked reports whether the caller currently holds the lock.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && l.ownsFile()
}

// Refresh extends the deadline. Zero lifetime means the lifetime passed to
// New. ErrNotHeld is returned if the lock was stolen.
func (l *Lock) Refresh(lifetime time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lifetime <= 0 {
		lifetime = l.lifetime
	}
	if !l.held || !l.ownsFile() {
		l.held = false
		return ErrNotHeld
	}
	// Both names point to the same inode, rewriting in place keeps the
	// link intact.
	f, err := os.OpenFile(l.tmpPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(l.ownRecord(lifetime).String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Release gives up the lock. ErrNotHeld is returned if the lock was
// stolen; the temporary file is removed either way.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	defer os.Remove(l.tmpPath)

	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	if !l.ownsFile() {
		return ErrNotHeld
	}
	return os.Remove(l.path)
}

// Deadline returns the deadline recorded in the lock file, whoever the
// holder is.
func Deadline(path string) (time.Time, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, 0, err
	}
	rec, err := parseRecord(b)
	if err != nil {
		return time.Time{}, 0, err
	}
	return rec.deadline, rec.pid, nil
}
