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

// Package hooks implements a registry of callbacks run on process-level
// events (shutdown, log rotation).
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the process is about to stop.
	EventShutdown Event = iota

	// EventLogRotate is triggered by SIGHUP (or SIGUSR1) and means log files
	// should be reopened.
	EventLogRotate
)

// Registry holds the hooks of one process. The zero value is ready to use.
type Registry struct {
	lock  sync.Mutex
	hooks map[Event][]func()
}

func (r *Registry) toRun(ev Event) []func() {
	r.lock.Lock()
	defer r.lock.Unlock()

	// Copied so hooks run without the lock held.
	return append([]func(){}, r.hooks[ev]...)
}

// Run runs the hooks installed for ev in the reverse order of installation.
func (r *Registry) Run(ev Event) {
	hooks := r.toRun(ev)
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Add installs f to be run on ev.
func (r *Registry) Add(ev Event, f func()) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.hooks == nil {
		r.hooks = make(map[Event][]func())
	}
	r.hooks[ev] = append(r.hooks[ev], f)
}
