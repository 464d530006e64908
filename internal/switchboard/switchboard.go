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

// Package switchboard implements the durable on-disk queue used to pass
// messages between processing stages.
//
// Every queue entry is a single file named "<time>+<sha1 hex>" with an
// extension telling its state:
//   - .pck: waiting to be processed,
//   - .bak: claimed by a runner,
//   - .psv: preserved for operator inspection, never processed again.
//
// Transitions between states are done using rename only, so at no point
// both .pck and .bak exist for the same entry.
//
// Several runners may share a directory by taking distinct slices of the
// digest space.
package switchboard

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
)

const (
	ExtPck = ".pck"
	ExtBak = ".bak"
	ExtPsv = ".psv"
	extTmp = ".tmp"

	// Version of the queue file format and of Metadata.
	Version = 1

	// MaxBakCount is the number of times an entry may be recovered after a
	// crash before it is preserved for the operator instead.
	MaxBakCount = 3
)

var enqueueSeq atomic.Uint64

var (
	ErrUnknownVersion = errors.New("switchboard: unknown queue file version")
	ErrMalformed      = errors.New("switchboard: malformed queue file")
)

type Switchboard struct {
	name   string
	dir    string
	badDir string

	slice     int
	numSlices int
	shift     uint

	Log log.Logger
}

// New opens the queue directory, creating it if needed. badDir receives
// preserved entries.
//
// numSlices must be a power of two. slice selects the part of the digest
// space this Switchboard lists in Files and RecoverBackupFiles, Enqueue
// is not restricted.
func New(name, dir, badDir string, slice, numSlices int, logger log.Logger) (*Switchboard, error) {
	if numSlices <= 0 {
		numSlices = 1
	}
	if numSlices&(numSlices-1) != 0 {
		return nil, fmt.Errorf("switchboard %s: number of slices must be a power of two, got %d", name, numSlices)
	}
	if slice < 0 || slice >= numSlices {
		return nil, fmt.Errorf("switchboard %s: slice %d out of range [0; %d)", name, slice, numSlices)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &Switchboard{
		name:      name,
		dir:       dir,
		badDir:    badDir,
		slice:     slice,
		numSlices: numSlices,
		shift:     uint(32 - bits.TrailingZeros(uint(numSlices))),
		Log:       logger,
	}, nil
}

func (s *Switchboard) Name() string {
	return s.name
}

func (s *Switchboard) Dir() string {
	return s.dir
}

func (s *Switchboard) path(filebase, ext string) string {
	return filepath.Join(s.dir, filebase+ext)
}

// Enqueue stores the message with a copy of meta and returns the base name
// of the new entry.
func (s *Switchboard) Enqueue(msg *mailmsg.Message, meta *Metadata) (string, error) {
	meta = meta.Clone()
	meta.stripVolatile()
	meta.Version = Version

	now := time.Now()
	if meta.ReceivedTime == 0 {
		meta.ReceivedTime = timeFloat(now)
	}

	raw := msg.Bytes()
	nowStr := strconv.FormatFloat(timeFloat(now), 'f', 6, 64)

	// pid and the counter keep names of identical messages enqueued within
	// the same microsecond distinct.
	h := sha1.New()
	h.Write(raw)
	h.Write([]byte(meta.ListName))
	h.Write([]byte(nowStr))
	fmt.Fprintf(h, "%d.%d", os.Getpid(), enqueueSeq.Add(1))
	filebase := nowStr + "+" + hex.EncodeToString(h.Sum(nil))

	if err := writeFileAtomic(s.path(filebase, ExtPck), raw, meta); err != nil {
		return "", fmt.Errorf("switchboard %s: enqueue: %w", s.name, err)
	}
	s.Log.DebugMsg("enqueued", "msg_id", filebase, "list", meta.ListName)
	return filebase, nil
}

// Dequeue claims the entry by renaming it to .bak and returns its
// contents. On a decoding error, the .bak file is left in place and the
// caller is expected to call Finish with preserve set.
func (s *Switchboard) Dequeue(filebase string) (*mailmsg.Message, *Metadata, error) {
	bak := s.path(filebase, ExtBak)
	if err := os.Rename(s.path(filebase, ExtPck), bak); err != nil {
		return nil, nil, err
	}

	raw, meta, err := readFile(bak)
	if err != nil {
		return nil, nil, fmt.Errorf("switchboard %s: %s: %w", s.name, filebase, err)
	}
	msg, err := mailmsg.ParseBytes(raw)
	if err != nil {
		return nil, meta, fmt.Errorf("switchboard %s: %s: %w", s.name, filebase, err)
	}
	if meta.OriginalSize == 0 {
		meta.OriginalSize = len(raw)
	}
	return msg, meta, nil
}

// Finish removes the claimed entry or, if preserve is set, moves it to the
// bad directory as .psv.
func (s *Switchboard) Finish(filebase string, preserve bool) error {
	bak := s.path(filebase, ExtBak)
	if !preserve {
		return os.Remove(bak)
	}
	return s.preserve(filebase, bak)
}

// ReadClaimed reads the claimed entry as it was stored, ignoring changes
// made after Dequeue.
func (s *Switchboard) ReadClaimed(filebase string) (*mailmsg.Message, *Metadata, error) {
	return ReadFile(s.path(filebase, ExtBak))
}

// Return puts a claimed entry back into the queue unchanged.
func (s *Switchboard) Return(filebase string) error {
	return os.Rename(s.path(filebase, ExtBak), s.path(filebase, ExtPck))
}

func (s *Switchboard) preserve(filebase, from string) error {
	if err := os.MkdirAll(s.badDir, 0o700); err != nil {
		return err
	}
	to := filepath.Join(s.badDir, filebase+ExtPsv)
	if err := os.Rename(from, to); err != nil {
		return err
	}
	s.Log.Msg("preserved queue entry", "msg_id", filebase, "path", to)
	return syncDir(s.badDir)
}

// sliceOf maps the digest part of the base name to a slice number using
// its leading 32 bits.
func (s *Switchboard) sliceOf(filebase string) (int, bool) {
	idx := strings.IndexByte(filebase, '+')
	if idx == -1 || len(filebase)-idx-1 < 8 {
		return 0, false
	}
	prefix, err := strconv.ParseUint(filebase[idx+1:idx+9], 16, 32)
	if err != nil {
		return 0, false
	}
	if s.numSlices == 1 {
		return 0, true
	}
	return int(uint32(prefix) >> s.shift), true
}

type entry struct {
	base string
	when float64
}

// Files returns base names of entries with the given extension owned by
// this slice, oldest first. Entries with equal time are ordered by digest
// so that none of them is skipped or reordered between calls.
func (s *Switchboard) Files(ext string) ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		slice, ok := s.sliceOf(base)
		if !ok {
			continue
		}
		if slice != s.slice {
			continue
		}
		when, err := strconv.ParseFloat(base[:strings.IndexByte(base, '+')], 64)
		if err != nil {
			continue
		}
		entries = append(entries, entry{base: base, when: when})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].when != entries[j].when {
			return entries[i].when < entries[j].when
		}
		return entries[i].base < entries[j].base
	})

	res := make([]string, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.base)
	}
	return res, nil
}

// RecoverBackupFiles returns entries claimed by a crashed runner back to the
// queue. An entry that was recovered more than MaxBakCount times already is
// preserved instead, it most likely crashes the runner.
func (s *Switchboard) RecoverBackupFiles() error {
	baks, err := s.Files(ExtBak)
	if err != nil {
		return err
	}

	for _, filebase := range baks {
		bak := s.path(filebase, ExtBak)

		raw, meta, err := readFile(bak)
		if err != nil {
			s.Log.Error("cannot read backup file, preserving", err, "msg_id", filebase)
			if err := s.preserve(filebase, bak); err != nil {
				s.Log.Error("cannot preserve backup file", err, "msg_id", filebase)
			}
			continue
		}

		meta.BakCount++
		if meta.BakCount > MaxBakCount {
			s.Log.Msg("backup file recovered too many times, preserving", "msg_id", filebase, "bak_count", meta.BakCount)
			if err := s.preserve(filebase, bak); err != nil {
				s.Log.Error("cannot preserve backup file", err, "msg_id", filebase)
			}
			continue
		}

		if err := writeFileAtomic(bak, raw, meta); err != nil {
			s.Log.Error("cannot update backup file", err, "msg_id", filebase)
			continue
		}
		if err := os.Rename(bak, s.path(filebase, ExtPck)); err != nil {
			s.Log.Error("cannot recover backup file", err, "msg_id", filebase)
			continue
		}
		s.Log.Msg("recovered backup file", "msg_id", filebase, "bak_count", meta.BakCount)
	}
	return syncDir(s.dir)
}

// Count returns the number of entries with the given extension in the
// directory regardless of slicing.
func Count(dir, ext string) (int, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, de := range dirents {
		if !de.IsDir() && strings.HasSuffix(de.Name(), ext) {
			n++
		}
	}
	return n, nil
}

// writeFileAtomic writes the queue file to path+".tmp", syncs it and
// renames it into place.
func writeFileAtomic(path string, raw []byte, meta *Metadata) error {
	tmp := path + extTmp
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if err := encode(f, raw, meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(path))
}

// The file starts with the "QF<version> <message length>" line followed
// by the raw message and the JSON-encoded metadata.
func encode(w io.Writer, raw []byte, meta *Metadata) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "QF%d %d\n", Version, len(raw)); err != nil {
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(meta); err != nil {
		return err
	}
	return bw.Flush()
}

func decode(b []byte) ([]byte, *Metadata, error) {
	nl := bytes.IndexByte(b, '\n')
	if nl == -1 {
		return nil, nil, ErrMalformed
	}
	var version, size int
	if _, err := fmt.Sscanf(string(b[:nl]), "QF%d %d", &version, &size); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if version != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	rest := b[nl+1:]
	if size < 0 || size > len(rest) {
		return nil, nil, fmt.Errorf("%w: truncated message", ErrMalformed)
	}

	meta := &Metadata{}
	if err := json.Unmarshal(rest[size:], meta); err != nil {
		return nil, nil, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	if meta.Version != Version {
		return nil, nil, fmt.Errorf("%w: metadata version %d", ErrUnknownVersion, meta.Version)
	}
	return rest[:size], meta, nil
}

func readFile(path string) ([]byte, *Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return decode(b)
}

// ReadFile decodes the queue file at path in any state. It is used by
// operator tools.
func ReadFile(path string) (*mailmsg.Message, *Metadata, error) {
	raw, meta, err := readFile(path)
	if err != nil {
		return nil, nil, err
	}
	msg, err := mailmsg.ParseBytes(raw)
	if err != nil {
		return nil, meta, err
	}
	return msg, meta, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
