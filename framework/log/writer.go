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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

func formatLine(stamp time.Time, timestamps, debug bool, msg string) string {
	b := strings.Builder{}
	if timestamps {
		b.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		b.WriteString("[debug] ")
	}
	b.WriteString(msg)
	b.WriteRune('\n')
	return b.String()
}

type wcOutput struct {
	timestamps bool
	wc         io.WriteCloser
}

func (w wcOutput) Write(stamp time.Time, debug bool, msg string) {
	if _, err := io.WriteString(w.wc, formatLine(stamp, w.timestamps, debug, msg)); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

// WriteCloserOutput returns an Output that writes formatted messages to wc.
// Closing the Output closes wc.
//
// If timestamps is true, every line is prefixed with a UTC timestamp
// with millisecond precision. Debug messages get a "[debug] " prefix.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return wcOutput{timestamps, wc}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// WriterOutput is like WriteCloserOutput but closing the returned Output
// has no effect on w.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return wcOutput{timestamps, nopCloser{w}}
}

// FileOutput is an Output appending to a file. The file is reopened by
// Reopen so external log rotation works with SIGHUP.
type FileOutput struct {
	path string

	lock sync.Mutex
	f    *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	out := &FileOutput{path: path}
	if err := out.Reopen(); err != nil {
		return nil, err
	}
	return out, nil
}

func (out *FileOutput) Reopen() error {
	f, err := os.OpenFile(out.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	out.lock.Lock()
	defer out.lock.Unlock()
	if out.f != nil {
		out.f.Close()
	}
	out.f = f
	return nil
}

func (out *FileOutput) Write(stamp time.Time, debug bool, msg string) {
	out.lock.Lock()
	defer out.lock.Unlock()
	if out.f == nil {
		return
	}
	if _, err := io.WriteString(out.f, formatLine(stamp, true, debug, msg)); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to %s: %v\n", out.path, err)
	}
}

func (out *FileOutput) Close() error {
	out.lock.Lock()
	defer out.lock.Unlock()
	if out.f == nil {
		return nil
	}
	err := out.f.Close()
	out.f = nil
	return err
}
