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

package testutils

import (
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/listd/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(listd) Turn on debug log messages")
	directLog = flag.Bool("test.directlog", false, "(listd) Log to stderr instead of test log")
)

// Logger returns a logger writing to the test log. Messages written after
// the test completes are dropped.
func Logger(t testing.TB, name string) log.Logger {
	if *directLog {
		return log.Logger{
			Out:   log.WriterOutput(os.Stderr, true),
			Name:  name,
			Debug: *debugLog,
		}
	}

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	return log.Logger{
		Out: log.FuncOutput(func(_ time.Time, debug bool, str string) {
			select {
			case <-done:
				return
			default:
			}
			t.Helper()
			str = strings.TrimSuffix(str, "\n")
			if debug {
				str = "[debug] " + str
			}
			t.Log(str)
		}, nil),
		Name:  name,
		Debug: *debugLog,
	}
}
