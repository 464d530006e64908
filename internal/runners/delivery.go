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

	"github.com/foxcpp/listd/internal/bounce"
	"github.com/foxcpp/listd/internal/outgoing"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// connBackoff is the pause after the MTA could not be reached.
const connBackoff = time.Minute

type outgoingRunner struct {
	env Env

	// connFailed is set after the first connection failure is logged and
	// reset by a successful delivery.
	connFailed bool
	// pausedUntil is set after a connection failure, entries stay in the
	// outgoing queue until then.
	pausedUntil time.Time
}

func newOutgoing(env Env) runner.Disposer {
	return &outgoingRunner{env: env}
}

// Dispose delivers the entry. Connection failures keep it in the outgoing
// queue without touching the retry deadline.
func (r *outgoingRunner) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	log := j.Logger(r.env.Log)
	now := r.env.Site.Now()
	if now.Before(r.pausedUntil) || now.Before(j.Meta.DeliverAfter) {
		return true, nil
	}

	err := r.env.Deliverer.Deliver(ctx, j.List, j.Msg, j.Meta)
	if err == nil {
		if r.connFailed {
			log.Msg("connection to the MTA restored")
			r.connFailed = false
		}
		log.DebugMsg("delivered", "rcpts", len(j.Meta.Recips))
		return false, nil
	}

	var (
		connErr outgoing.ConnError
		failed  *outgoing.RecipientsFailed
	)
	switch {
	case errors.As(err, &connErr):
		if !r.connFailed {
			log.Error("cannot connect to the MTA, deliveries are deferred", err)
			r.connFailed = true
		}
		r.pausedUntil = now.Add(connBackoff)
		j.Meta.DeliverAfter = r.pausedUntil
		return true, nil
	case errors.As(err, &failed):
		if len(failed.Perm) != 0 {
			if err := r.bounce(j, failed.Perm); err != nil {
				return false, err
			}
		}
		if len(failed.Temp) != 0 {
			return false, r.retry(j, failed.TempAddresses())
		}
		return false, nil
	default:
		return false, err
	}
}

// bounce feeds permanent failures to the bounce runner as a delivery
// status notification.
func (r *outgoingRunner) bounce(j *site.Job, perm []bounce.Failure) error {
	s := r.env.Site
	log := j.Logger(r.env.Log)
	for _, f := range perm {
		log.Error("recipient rejected", f.Err, "rcpt", f.Address)
	}
	if j.List == nil {
		return nil
	}
	dsn, err := bounce.Synthesize(s.Hostname, "MAILER-DAEMON@"+s.Hostname, j.List.BouncesAddress(), perm, j.Msg, s.Now())
	if err != nil {
		return err
	}
	dsn.Header.Set("X-MailFrom", "<>")
	_, err = s.Enqueue(site.QueueBounces, dsn, &switchboard.Metadata{ListName: j.List.Name})
	return err
}

func (r *outgoingRunner) retry(j *site.Job, rcpts []string) error {
	s := r.env.Site
	now := s.Now()
	next := outgoing.Reschedule(j.Meta, rcpts, s.Delivery, now)
	if outgoing.Expired(next, now) {
		j.Logger(r.env.Log).Msg("delivery deadline passed, giving up", "rcpts", rcpts)
		return nil
	}
	_, err := s.Enqueue(site.QueueRetry, j.Msg, next)
	return err
}

type retryRunner struct {
	env Env
}

func newRetry(env Env) runner.Disposer {
	return &retryRunner{env: env}
}

// Dispose moves due entries back to the outgoing queue and drops entries
// past their delivery deadline.
func (r *retryRunner) Dispose(_ context.Context, j *site.Job) (bool, error) {
	s := r.env.Site
	now := s.Now()
	if outgoing.Expired(j.Meta, now) {
		j.Logger(r.env.Log).Msg("delivery deadline passed, giving up", "rcpts", j.Meta.Recips)
		return false, nil
	}
	if !outgoing.Due(j.Meta, now) {
		return true, nil
	}
	_, err := s.Enqueue(site.QueueOut, j.Msg, j.Meta)
	return false, err
}
