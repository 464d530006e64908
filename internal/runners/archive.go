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

package runners

import (
	"context"
	"errors"
	"time"

	"github.com/foxcpp/listd/internal/digest"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
)

type archiveRunner struct {
	env Env
}

func newArchive(env Env) runner.Disposer {
	return &archiveRunner{env: env}
}

// Dispose passes the post to every configured archiver. A failing archiver
// does not block the others, the entry is shunted only if all of them fail.
func (r *archiveRunner) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	archivers := r.env.Site.Archivers
	if len(archivers) == 0 {
		return false, nil
	}
	log := j.Logger(r.env.Log)

	var errs []error
	for _, a := range archivers {
		if err := a.ArchiveMessage(ctx, j.List, j.Msg); err != nil {
			log.Error("archiver failed", err, "archiver", a.Name())
			errs = append(errs, err)
			continue
		}
		log.DebugMsg("message archived", "archiver", a.Name())
	}
	if len(errs) == len(archivers) {
		return false, errors.Join(errs...)
	}
	return false, nil
}

// digestInterval is the minimum time between periodic digests of a list.
const digestInterval = 24 * time.Hour

type digestRunner struct {
	env    Env
	rotate every
}

func newDigest(env Env) runner.Disposer {
	return &digestRunner{env: env, rotate: every{interval: time.Hour}}
}

func (r *digestRunner) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	return false, digest.Send(ctx, r.env.Site, j)
}

// Periodic rotates the digest mailboxes of lists that send digests daily
// regardless of their size.
func (r *digestRunner) Periodic(ctx context.Context) error {
	s := r.env.Site
	now := s.Now()
	if !r.rotate.due(now) {
		return nil
	}
	forEachList(ctx, r.env, func(ctx context.Context, j *site.Job) error {
		l := j.List
		if !l.Digestable || !l.DigestSendPeriodic {
			return nil
		}
		if !l.DigestLastSentAt.IsZero() && now.Sub(l.DigestLastSentAt) < digestInterval {
			return nil
		}
		fb, err := digest.Periodic(s, l)
		if err != nil {
			return err
		}
		if fb == "" {
			return nil
		}
		r.env.Log.Msg("periodic digest rotated", "list", l.Name, "msg_id", fb)
		return j.SaveList(ctx)
	})
	return nil
}
