//go:build unix

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

package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.lck")

	l := New(path, time.Minute)
	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if !l.Locked() {
		t.Fatal("Lock not held after Acquire")
	}
	if err := l.Acquire(context.Background(), time.Second); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatal("Expected ErrAlreadyHeld, got", err)
	}

	other := New(path, time.Minute)
	if err := other.Acquire(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatal("Expected ErrTimeout, got", err)
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("Lock file left after Release:", err)
	}
	if err := l.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatal("Expected ErrNotHeld on double release, got", err)
	}

	if err := other.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := other.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestLock_Steal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.lck")

	old := New(path, 50*time.Millisecond)
	if err := old.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	thief := New(path, time.Minute)
	if err := thief.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if !thief.Locked() {
		t.Fatal("Thief does not hold the lock")
	}

	if err := old.Refresh(0); !errors.Is(err, ErrNotHeld) {
		t.Fatal("Expected ErrNotHeld on refresh of stolen lock, got", err)
	}
	if err := old.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatal("Expected ErrNotHeld on release of stolen lock, got", err)
	}
	if !thief.Locked() {
		t.Fatal("Release of stolen lock affected the new holder")
	}
	if err := thief.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestLock_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.lck")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(path, time.Minute)
	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestLock_LinkError(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "missing", "list.lck"), time.Minute)
	l.tmpPath = filepath.Join(dir, "list.lck.tmp")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Acquire(ctx, time.Second)
	if err == nil {
		t.Fatal("Acquire succeeded without a lock file")
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Link failure treated as contention:", err)
	}
	if _, err := os.Stat(l.tmpPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("Temporary file left behind:", err)
	}
}

func TestLock_RemoveStale_Replaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.lck")
	stale := record{pid: 1, tmpName: path + ".old", deadline: time.Now().Add(-time.Minute)}

	// Someone else broke the stale lock and won before us.
	winner := New(path, time.Minute)
	if err := winner.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}

	thief := New(path, time.Minute)
	if thief.removeStale([]byte(stale.String()), stale, true) {
		t.Fatal("Replaced lock file reported as removed")
	}
	if !winner.Locked() {
		t.Fatal("Lock of the new holder was removed")
	}
	if err := winner.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestLock_Refresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.lck")

	l := New(path, 50*time.Millisecond)
	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := l.Refresh(time.Hour); err != nil {
		t.Fatal(err)
	}
	deadline, pid, err := Deadline(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("Wrong pid: %d", pid)
	}
	if time.Until(deadline) < 50*time.Minute {
		t.Errorf("Deadline not extended: %v", deadline)
	}

	time.Sleep(100 * time.Millisecond)
	other := New(path, time.Minute)
	if err := other.Acquire(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatal("Refreshed lock was stolen:", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
}
