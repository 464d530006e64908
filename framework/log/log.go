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

// Package log implements the structured logger used by all listd components.
//
// Every message is a single line: "name: text\t{json fields}". Fields are
// sorted by key so lines produced by different processes line up.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/listd/framework/exterrors"
)

// Logger writes formatted messages to the underlying Output.
//
// Logger is a value type and can be copied freely, copies share the Output.
// Serialization of concurrent writes is the responsibility of the Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are added to every message written using Msg, Error and
	// DebugMsg.
	Fields map[string]interface{}
}

// Sub returns a copy of the logger with the name extended by "/name".
func (l Logger) Sub(name string) Logger {
	if l.Name != "" {
		name = l.Name + "/" + name
	}
	l.Name = name
	return l
}

// With returns a copy of the logger that adds the key-value pairs to every
// structured message. Fields of l are inherited.
func (l Logger) With(fields ...interface{}) Logger {
	m := make(map[string]interface{}, len(l.Fields)+len(fields)/2)
	for k, v := range l.Fields {
		m[k] = v
	}
	fieldsToMap(fields, m)
	l.Fields = m
	return l
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event message with key-value fields:
//
//	name: msg\t{"key":"value","key2":"value2"}
//
// fields should contain key strings followed by values. Values implementing
// LogFormatter, fmt.Stringer or error are written using the corresponding
// method. time.Time is written in ISO 8601 format.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event message describing err. Fields attached to err using
// exterrors.WithFields are included, and so is the error text, under the
// "reason" key unless the error already provides one.
//
// msg names the context in which the error is handled, e.g. "dispose failed".
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	all := make(map[string]interface{}, len(fields)/2+len(errFields)+1)
	for k, v := range errFields {
		all[k] = v
	}
	if all["reason"] == nil {
		all["reason"] = err.Error()
	}
	fieldsToMap(fields, all)

	l.log(false, l.formatMsg(msg, all))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				// Misformatted call, still try to keep the value around.
				lastKey = fmt.Sprint("field", i)
				continue
			}
			lastKey = key
			continue
		}
		out[lastKey] = val
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	formatted := strings.Builder{}
	formatted.WriteString(msg)

	if len(l.Fields)+len(fields) == 0 {
		return formatted.String()
	}

	if fields == nil {
		fields = make(map[string]interface{}, len(l.Fields))
	}
	for k, v := range l.Fields {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}

	formatted.WriteRune('\t')
	if err := marshalOrderedJSON(&formatted, fields); err != nil {
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return formatted.String()
}

// LogFormatter is implemented by values that want a custom representation
// in structured log fields.
type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer, each call produces a separate log message.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns an io.Writer that writes debug messages, or discards
// everything if debug logging is disabled.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return debugWriter{l}
}

type debugWriter struct {
	l Logger
}

func (w debugWriter) Write(s []byte) (int, error) {
	w.l.log(true, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		return
	}
	out.Write(time.Now(), debug, s)
}

// DefaultLogger is used by package-level functions and by Loggers without
// an Output.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
