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

package listd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/foxcpp/listd/framework/log"
)

var (
	stopSignals    = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	recycleSignals = []os.Signal{syscall.SIGHUP}
)

// notifySignals delivers the first stop or recycle signal to the returned
// channel. A second stop signal terminates the process immediately.
func notifySignals() <-chan os.Signal {
	raw := make(chan os.Signal, 5)
	signal.Notify(raw, append(append([]os.Signal{}, stopSignals...), recycleSignals...)...)

	out := make(chan os.Signal, 5)
	go func() {
		stopping := false
		for s := range raw {
			if s == syscall.SIGHUP {
				out <- s
				continue
			}
			if stopping {
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}
			stopping = true
			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			out <- s
		}
	}()
	return out
}
