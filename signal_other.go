//go:build !unix

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
)

// notifySignals delivers interrupts to the returned channel. There is no
// recycle signal on this platform.
func notifySignals() <-chan os.Signal {
	out := make(chan os.Signal, 5)
	signal.Notify(out, os.Interrupt)
	return out
}
