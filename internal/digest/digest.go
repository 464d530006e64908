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

// Package digest accumulates accepted posts into the list digest mailbox
// and turns rotated mailboxes into MIME and RFC 1153 digests.
package digest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mbox"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/oklog/ulid/v2"
)

const mboxName = "digest.mbox"

// MboxPath returns the path of the in-progress digest mailbox.
func MboxPath(s *site.Site, l *mlist.MailingList) string {
	return filepath.Join(s.ListDir(l.Name), mboxName)
}

// Append adds the post to the digest mailbox and rotates the mailbox if it
// reached the size threshold. The list record is modified on rotation and
// has to be saved by the caller.
func Append(_ context.Context, s *site.Site, j *site.Job) (bool, error) {
	l := j.List
	if !l.Digestable || j.Meta.IsDigest {
		return false, nil
	}
	if err := os.MkdirAll(s.ListDir(l.Name), 0o700); err != nil {
		return false, err
	}
	size, err := mbox.Append(MboxPath(s, l), j.Msg, j.Msg.Sender(), s.Now())
	if err != nil {
		return false, fmt.Errorf("digest: %w", err)
	}
	if l.DigestSizeThreshold <= 0 || size < int64(l.DigestSizeThreshold)*1024 {
		return false, nil
	}
	_, err = Rotate(s, l)
	return err == nil, err
}

// Rotate moves the digest mailbox aside and enqueues it into the digest
// queue. It returns an empty filebase if there is nothing to send.
func Rotate(s *site.Site, l *mlist.MailingList) (string, error) {
	path := MboxPath(s, l)
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if st.Size() == 0 {
		return "", nil
	}

	now := s.Now()
	BumpVolume(l, now)

	rotated := filepath.Join(s.ListDir(l.Name), "digest."+ulid.Make().String()+".mbox")
	if err := os.Rename(path, rotated); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}

	meta := &switchboard.Metadata{
		ListName:     l.Name,
		DigestPath:   rotated,
		DigestVolume: l.Volume,
		DigestNumber: l.NextDigestNumber,
	}
	l.NextDigestNumber++
	l.DigestLastSentAt = now

	h := mailmsg.Header(l.RequestAddress(), l.PostingAddress(), Subject(l, meta.DigestVolume, meta.DigestNumber), l.Host())
	marker, err := mailmsg.NewText(h, rotated+"\n")
	if err != nil {
		return "", err
	}
	fb, err := s.Enqueue(site.QueueDigest, marker, meta)
	if err != nil {
		return "", err
	}
	s.Log.DebugMsg("digest rotated", "list", l.Name, "volume", meta.DigestVolume, "number", meta.DigestNumber, "path", rotated)
	return fb, nil
}

// Subject returns the digest subject line.
func Subject(l *mlist.MailingList, volume, number int) string {
	return fmt.Sprintf("%s Digest, Vol %d, Issue %d", l.RealName(), volume, number)
}

// BumpVolume starts a new volume if the digest frequency period changed
// since the last digest was sent. It reports whether the volume changed.
func BumpVolume(l *mlist.MailingList, now time.Time) bool {
	last := l.DigestLastSentAt
	if last.IsZero() {
		return false
	}
	last, now = last.UTC(), now.UTC()

	var bump bool
	switch l.DigestVolumeFrequency {
	case mlist.FreqYearly:
		bump = last.Year() != now.Year()
	case mlist.FreqMonthly:
		bump = last.Year() != now.Year() || last.Month() != now.Month()
	case mlist.FreqQuarterly:
		bump = last.Year() != now.Year() || (last.Month()-1)/3 != (now.Month()-1)/3
	case mlist.FreqWeekly:
		ly, lw := last.ISOWeek()
		ny, nw := now.ISOWeek()
		bump = ly != ny || lw != nw
	case mlist.FreqDaily:
		bump = last.YearDay() != now.YearDay() || last.Year() != now.Year()
	}
	if bump {
		l.Volume++
		l.NextDigestNumber = 1
	}
	return bump
}

// Periodic rotates the mailbox of a list sending digests periodically.
func Periodic(s *site.Site, l *mlist.MailingList) (string, error) {
	if !l.Digestable || !l.DigestSendPeriodic {
		return "", nil
	}
	return Rotate(s, l)
}
