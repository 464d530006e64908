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

package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/foxcpp/listd/internal/digest"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/moderation"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

func toDigest(ctx context.Context, s *site.Site, j *site.Job) error {
	rotated, err := digest.Append(ctx, s, j)
	if err != nil {
		return err
	}
	if rotated {
		return j.SaveList(ctx)
	}
	return nil
}

// noArchive reports whether the author asked not to archive the post.
func noArchive(j *site.Job) bool {
	if len(j.Msg.Values("X-No-Archive")) != 0 {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(j.Msg.Header.Get("X-Archive")), "no")
}

func toArchive(_ context.Context, s *site.Site, j *site.Job) error {
	if !j.List.Archive || j.Meta.IsDigest || noArchive(j) {
		return nil
	}
	_, err := s.Enqueue(site.QueueArchive, j.Msg.Copy(), &switchboard.Metadata{ListName: j.List.Name})
	return err
}

func toUsenet(_ context.Context, s *site.Site, j *site.Job) error {
	l := j.List
	if !l.GatewayToNews || j.Meta.IsDigest {
		return nil
	}
	if j.Meta.Extra[moderation.ExtraFromUsenet] != "" {
		return nil
	}
	if l.LinkedNewsgroup == "" || s.News.Server == "" {
		j.Logger(s.Log).Msg("news gateway is not configured", "newsgroup", l.LinkedNewsgroup)
		return nil
	}
	_, err := s.Enqueue(site.QueueNews, j.Msg.Copy(), &switchboard.Metadata{ListName: l.Name})
	return err
}

func afterDelivery(ctx context.Context, s *site.Site, j *site.Job) error {
	j.List.PostID++
	j.List.LastPostAt = s.Now()
	return j.SaveList(ctx)
}

func acknowledge(ctx context.Context, s *site.Site, j *site.Job) error {
	sender := j.Msg.Sender()
	if sender == "" {
		return nil
	}
	m, err := j.Store.Member(ctx, j.List.Name, sender, mlist.RoleMember)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return nil
		}
		return err
	}
	if !m.Ack {
		return nil
	}
	subject := j.Msg.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	return s.Notify(&site.Notice{
		List:     j.List,
		To:       []string{m.Address},
		Subject:  j.List.RealName() + " post acknowledgement",
		Template: "postack",
		Lang:     m.Language,
		Data:     map[string]interface{}{"subject": subject},
	})
}

// verpFor decides whether the post is sent with per-recipient envelope
// senders.
func verpFor(s *site.Site, j *site.Job) bool {
	if j.Meta.VERP != nil {
		return *j.Meta.VERP
	}
	if j.List != nil && j.List.Personalized() && s.VERP.Personalized {
		return true
	}
	if n := s.VERP.Interval; n > 0 {
		id := j.Meta.PostID
		if id == 0 && j.List != nil {
			id = j.List.PostID
		}
		return id%n == 0
	}
	return false
}

func toOutgoing(_ context.Context, s *site.Site, j *site.Job) error {
	j.Meta.VERP = switchboard.BoolPtr(verpFor(s, j))
	if j.Meta.EnvSender == "" && j.List != nil {
		j.Meta.EnvSender = j.List.BouncesAddress()
	}
	_, err := s.Enqueue(site.QueueOut, j.Msg, j.Meta)
	return err
}
