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
	"strings"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/internal/chains"
	"github.com/foxcpp/listd/internal/handlers"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/moderation"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
)

type incoming struct {
	env Env
}

func newIncoming(env Env) runner.Disposer {
	return &incoming{env: env}
}

// nullSender reports whether the envelope sender recorded on ingestion is
// empty or a mailer daemon, i.e. the message is a delivery report.
func nullSender(msg *mailmsg.Message) bool {
	if !msg.Header.Has("X-MailFrom") {
		return false
	}
	from := strings.Trim(strings.TrimSpace(msg.Header.Get("X-MailFrom")), "<>")
	if from == "" {
		return true
	}
	return strings.EqualFold(address.Localpart(from), "mailer-daemon")
}

func (r *incoming) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	s := r.env.Site
	log := j.Logger(r.env.Log)

	if j.Meta.ToOwner {
		// Bounces of owner notifications arrive at -owner as well.
		if nullSender(j.Msg) {
			_, err := s.Enqueue(site.QueueBounces, j.Msg, j.Meta)
			return false, err
		}
		if j.Meta.Pipeline == "" {
			j.Meta.Pipeline = site.OwnerPipeline
		}
		_, err := s.Enqueue(site.QueuePipeline, j.Msg, j.Meta)
		return false, err
	}

	chain := j.List.Chain
	if chain == "" {
		chain = chains.BuiltIn
	}
	terminal, err := chains.Process(ctx, s, j, chain)
	if err != nil {
		return false, err
	}
	if terminal == "" {
		log.Msg("no terminal chain reached, message dropped", "chain", chain)
	}
	return false, nil
}

type pipeline struct {
	env Env
}

func newPipeline(env Env) runner.Disposer {
	return &pipeline{env: env}
}

func (r *pipeline) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	s := r.env.Site
	name := j.Meta.Pipeline
	if name == "" {
		name = j.List.Pipeline
	}
	if name == "" {
		name = site.DefaultPipeline
	}

	out, err := handlers.Run(ctx, s, j, name)
	if err != nil {
		return false, err
	}
	switch o := out.(type) {
	case handlers.Hold:
		j.Meta.ModerationReasons = append(j.Meta.ModerationReasons, o.Reason)
		_, err = moderation.Hold(ctx, s, j)
	case handlers.Reject:
		sender := j.Meta.ModerationSender
		if sender == "" {
			sender = j.Msg.Sender()
		}
		err = moderation.Reject(s, j.List, j.Msg, sender, []string{o.Reason})
	case handlers.Discard:
		j.Logger(r.env.Log).Msg("message discarded by pipeline", "pipeline", name, "reason", o.Reason)
	}
	return false, err
}

type virgin struct {
	env Env
}

func newVirgin(env Env) runner.Disposer {
	return &virgin{env: env}
}

// Dispose runs generated messages through the short virgin pipeline.
// Notices not bound to a list go to the outgoing queue as is.
func (r *virgin) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	s := r.env.Site
	if j.List == nil {
		if j.Meta.EnvSender == "" {
			j.Meta.EnvSender = s.SiteOwner
		}
		_, err := s.Enqueue(site.QueueOut, j.Msg, j.Meta)
		return false, err
	}

	j.Meta.SetExtra(handlers.ExtraFasttrack, "1")
	_, err := handlers.Run(ctx, s, j, site.VirginPipeline)
	return false, err
}
