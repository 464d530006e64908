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

package switchboard

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/testutils"
)

func testMsg(t *testing.T, body string) *mailmsg.Message {
	t.Helper()
	msg, err := mailmsg.ParseBytes([]byte("From: a@example.org\r\nSubject: test\r\n\r\n" + body))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func testSwitchboard(t *testing.T, dir string, slice, num int) *Switchboard {
	t.Helper()
	s, err := New("in", filepath.Join(dir, "in"), filepath.Join(dir, "bad"), slice, num, testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSwitchboard_RoundTrip(t *testing.T) {
	s := testSwitchboard(t, t.TempDir(), 0, 1)

	meta := &Metadata{
		ListName: "test@lists.example.org",
		ToList:   true,
		Recips:   []string{},
		VERP:     BoolPtr(true),
		Extra:    map[string]string{"_volatile": "1", "kept": "2"},
	}
	msg := testMsg(t, "hello\r\n")
	fb, err := s.Enqueue(msg, meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := meta.Extra["_volatile"]; !ok {
		t.Fatal("Enqueue modified caller's metadata")
	}

	files, err := s.Files(ExtPck)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(files, []string{fb}) {
		t.Fatal("Wrong files list:", files)
	}

	gotMsg, gotMeta, err := s.Dequeue(fb)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.path(fb, ExtPck)); !errors.Is(err, os.ErrNotExist) {
		t.Error(".pck still exists after Dequeue")
	}
	if string(gotMsg.Bytes()) != string(msg.Bytes()) {
		t.Errorf("Message changed:\n%q\n%q", gotMsg.Bytes(), msg.Bytes())
	}
	if gotMeta.Version != Version {
		t.Error("Version not stamped")
	}
	if gotMeta.ReceivedTime == 0 {
		t.Error("received_time not set")
	}
	if gotMeta.Recips == nil || len(gotMeta.Recips) != 0 {
		t.Error("Empty recipients set not preserved:", gotMeta.Recips)
	}
	if gotMeta.VERP == nil || !*gotMeta.VERP {
		t.Error("verp not preserved")
	}
	if !reflect.DeepEqual(gotMeta.Extra, map[string]string{"kept": "2"}) {
		t.Error("Wrong extra keys:", gotMeta.Extra)
	}

	if err := s.Finish(fb, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.path(fb, ExtBak)); !errors.Is(err, os.ErrNotExist) {
		t.Error(".bak still exists after Finish")
	}
}

func TestSwitchboard_Duplicates(t *testing.T) {
	s := testSwitchboard(t, t.TempDir(), 0, 1)
	msg := testMsg(t, "same\r\n")
	meta := &Metadata{ListName: "test@lists.example.org"}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		fb, err := s.Enqueue(msg, meta)
		if err != nil {
			t.Fatal(err)
		}
		if seen[fb] {
			t.Fatal("Duplicate entry name:", fb)
		}
		seen[fb] = true
	}
	files, err := s.Files(ExtPck)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 100 {
		t.Fatalf("Expected 100 entries, got %d", len(files))
	}
}

func TestSwitchboard_Order(t *testing.T) {
	s := testSwitchboard(t, t.TempDir(), 0, 1)

	var bases []string
	for i := 0; i < 5; i++ {
		fb, err := s.Enqueue(testMsg(t, strings.Repeat("x", i)), &Metadata{ListName: "l@example.org"})
		if err != nil {
			t.Fatal(err)
		}
		bases = append(bases, fb)
	}

	files, err := s.Files(ExtPck)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 5 {
		t.Fatal("Wrong amount of files:", len(files))
	}
	seen := map[string]bool{}
	prev := 0.0
	for _, fb := range files {
		seen[fb] = true
		when, err := strconv.ParseFloat(fb[:strings.IndexByte(fb, '+')], 64)
		if err != nil {
			t.Fatal(err)
		}
		if when < prev {
			t.Error("Files are not in FIFO order:", files)
		}
		prev = when
	}
	for _, fb := range bases {
		if !seen[fb] {
			t.Error("Missing file", fb)
		}
	}
}

func TestSwitchboard_Slices(t *testing.T) {
	dir := t.TempDir()
	all := testSwitchboard(t, dir, 0, 1)

	for i := 0; i < 32; i++ {
		if _, err := all.Enqueue(testMsg(t, strings.Repeat("y", i)), &Metadata{}); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]int{}
	total := 0
	for slice := 0; slice < 4; slice++ {
		s := testSwitchboard(t, dir, slice, 4)
		files, err := s.Files(ExtPck)
		if err != nil {
			t.Fatal(err)
		}
		for _, fb := range files {
			seen[fb]++
		}
		total += len(files)
	}
	if total != 32 || len(seen) != 32 {
		t.Fatalf("Slices do not partition the queue: total %d, unique %d", total, len(seen))
	}

	if _, err := New("in", dir, dir, 0, 3, all.Log); err == nil {
		t.Error("Non power of two slice count accepted")
	}
}

func TestSwitchboard_Preserve(t *testing.T) {
	dir := t.TempDir()
	s := testSwitchboard(t, dir, 0, 1)

	fb, err := s.Enqueue(testMsg(t, "body"), &Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Dequeue(fb); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(fb, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bad", fb+ExtPsv)); err != nil {
		t.Fatal("Preserved file missing:", err)
	}

	if _, _, err := ReadFile(filepath.Join(dir, "bad", fb+ExtPsv)); err != nil {
		t.Fatal("Preserved file is not readable:", err)
	}
}

func TestSwitchboard_Corrupt(t *testing.T) {
	s := testSwitchboard(t, t.TempDir(), 0, 1)

	fb := "1700000000.000000+da39a3ee5e6b4b0d3255bfef95601890afd80709"
	if err := os.WriteFile(s.path(fb, ExtPck), []byte("QF9 1\nx{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Dequeue(fb)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatal("Expected ErrUnknownVersion, got", err)
	}
	if _, err := os.Stat(s.path(fb, ExtBak)); err != nil {
		t.Fatal("Claimed file is gone after a decoding error:", err)
	}
}

func TestSwitchboard_RecoverBackupFiles(t *testing.T) {
	dir := t.TempDir()
	s := testSwitchboard(t, dir, 0, 1)

	fb, err := s.Enqueue(testMsg(t, "body"), &Metadata{ListName: "l@example.org"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= MaxBakCount; i++ {
		if _, _, err := s.Dequeue(fb); err != nil {
			t.Fatal(err)
		}
		// Simulate a crash: the .bak is left behind.
		if err := s.RecoverBackupFiles(); err != nil {
			t.Fatal(err)
		}
		_, meta, err := ReadFile(s.path(fb, ExtPck))
		if err != nil {
			t.Fatalf("Recovery %d: %v", i, err)
		}
		if meta.BakCount != i {
			t.Fatalf("Recovery %d: wrong bak_count %d", i, meta.BakCount)
		}
	}

	if _, _, err := s.Dequeue(fb); err != nil {
		t.Fatal(err)
	}
	if err := s.RecoverBackupFiles(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.path(fb, ExtPck)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("Entry recovered too many times was re-queued")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad", fb+ExtPsv)); err != nil {
		t.Fatal("Entry recovered too many times was not preserved:", err)
	}
}

func TestCount(t *testing.T) {
	dir := t.TempDir()
	s := testSwitchboard(t, dir, 0, 1)
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(testMsg(t, "b"), &Metadata{}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := Count(s.Dir(), ExtPck)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatal("Wrong count:", n)
	}
	if n, err := Count(filepath.Join(dir, "missing"), ExtPck); err != nil || n != 0 {
		t.Fatal("Count of a missing directory:", n, err)
	}
}
