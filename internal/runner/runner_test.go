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

package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
)

const testMsg = "From: alice@example.com\n" +
	"To: test@lists.example.org\n" +
	"Subject: Hi\n" +
	"\n" +
	"Hi!\n"

func setup(t *testing.T, d Disposer) (*Runner, *site.Site) {
	t.Helper()

	s, lm := sitetest.New(t)
	if err := lm.CreateList(context.Background(), mlist.New("test@lists.example.org")); err != nil {
		t.Fatal(err)
	}
	sb, err := s.Queue(site.QueueIn)
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{
		Name:     site.QueueIn,
		Site:     s,
		Queue:    sb,
		Disposer: d,
		Log:      testutils.Logger(t, "runner"),
	}, s
}

func enqueue(t *testing.T, s *site.Site, list string) {
	t.Helper()
	if _, err := s.Enqueue(site.QueueIn, sitetest.Message(t, testMsg), &switchboard.Metadata{ListName: list}); err != nil {
		t.Fatal(err)
	}
}

func TestRunner_Dispose(t *testing.T) {
	var seen []string
	r, s := setup(t, DisposeFunc(func(_ context.Context, job *site.Job) (bool, error) {
		seen = append(seen, job.List.Name+" "+job.Msg.Subject())
		return false, nil
	}))
	enqueue(t, s, "test@lists.example.org")
	enqueue(t, s, "test@lists.example.org")

	n, err := r.Once(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(seen) != 2 || seen[0] != "test@lists.example.org Hi" {
		t.Fatalf("wrong dispositions: %d %v", n, seen)
	}
	if left := sitetest.Queued(t, s, site.QueueIn); len(left) != 0 {
		t.Errorf("%d entries left in the queue", len(left))
	}
}

func TestRunner_Keep(t *testing.T) {
	r, s := setup(t, DisposeFunc(func(_ context.Context, job *site.Job) (bool, error) {
		job.Meta.Lang = "de"
		return true, nil
	}))
	enqueue(t, s, "test@lists.example.org")

	if _, err := r.Once(context.Background()); err != nil {
		t.Fatal(err)
	}
	left := sitetest.Queued(t, s, site.QueueIn)
	if len(left) != 1 {
		t.Fatalf("expected the entry to stay queued, got %d entries", len(left))
	}
	if left[0].Meta.Lang != "de" {
		t.Error("metadata changes were not saved")
	}
}

func TestRunner_Shunt(t *testing.T) {
	r, s := setup(t, DisposeFunc(func(_ context.Context, job *site.Job) (bool, error) {
		job.Msg.Header.Set("Subject", "changed")
		return false, errors.New("boom")
	}))
	enqueue(t, s, "test@lists.example.org")

	if _, err := r.Once(context.Background()); err != nil {
		t.Fatal(err)
	}
	shunted := sitetest.Queued(t, s, site.QueueShunt)
	if len(shunted) != 1 {
		t.Fatalf("expected 1 shunted entry, got %d", len(shunted))
	}
	if shunted[0].Meta.WhichQ != site.QueueIn {
		t.Errorf("wrong whichq: %q", shunted[0].Meta.WhichQ)
	}
	if shunted[0].Msg.Subject() != "Hi" {
		t.Errorf("shunted a modified message: %q", shunted[0].Msg.Subject())
	}
	if left := sitetest.Queued(t, s, site.QueueIn); len(left) != 0 {
		t.Errorf("%d entries left in the queue", len(left))
	}
}

func TestRunner_Panic(t *testing.T) {
	r, s := setup(t, DisposeFunc(func(context.Context, *site.Job) (bool, error) {
		panic("oops")
	}))
	enqueue(t, s, "test@lists.example.org")

	if _, err := r.Once(context.Background()); err != nil {
		t.Fatal(err)
	}
	if shunted := sitetest.Queued(t, s, site.QueueShunt); len(shunted) != 1 {
		t.Fatalf("expected 1 shunted entry, got %d", len(shunted))
	}
}

func TestRunner_NoSuchList(t *testing.T) {
	called := false
	r, s := setup(t, DisposeFunc(func(context.Context, *site.Job) (bool, error) {
		called = true
		return false, nil
	}))
	enqueue(t, s, "missing@lists.example.org")

	if _, err := r.Once(context.Background()); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("disposer called for an unknown list")
	}
	if shunted := sitetest.Queued(t, s, site.QueueShunt); len(shunted) != 1 {
		t.Fatalf("expected 1 shunted entry, got %d", len(shunted))
	}
}

func TestRunner_Locked(t *testing.T) {
	called := false
	r, s := setup(t, DisposeFunc(func(context.Context, *site.Job) (bool, error) {
		called = true
		return false, nil
	}))
	enqueue(t, s, "test@lists.example.org")

	lk, err := s.LockList(context.Background(), "test@lists.example.org")
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Release()

	// A different lock object is a different owner.
	s.ListLockTimeout = 50 * time.Millisecond
	if _, err := r.Once(context.Background()); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("disposer called without the list lock")
	}
	if left := sitetest.Queued(t, s, site.QueueIn); len(left) != 1 {
		t.Errorf("expected the entry to stay queued, got %d", len(left))
	}
}

type periodicDisposer struct {
	DisposeFunc
	calls int
}

func (p *periodicDisposer) Periodic(context.Context) error {
	p.calls++
	return nil
}

func TestRunner_Limits(t *testing.T) {
	p := &periodicDisposer{DisposeFunc: func(context.Context, *site.Job) (bool, error) {
		return false, nil
	}}
	r, s := setup(t, p)
	r.MaxMessages = 2
	for i := 0; i < 3; i++ {
		enqueue(t, s, "test@lists.example.org")
	}

	if err := r.Run(context.Background()); !errors.Is(err, ErrRecycle) {
		t.Fatalf("expected ErrRecycle, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("periodic hook called %d times", p.calls)
	}
}
