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
	"strings"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
)

func normalized(addr string) string {
	norm, err := address.ForLookup(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	return norm
}

func calculateRecipients(ctx context.Context, s *site.Site, j *site.Job) (Outcome, error) {
	if j.Meta.Recips != nil {
		return Continue{}, nil
	}
	l := j.List

	members, err := j.Store.Members(ctx, l.Name, mlist.RoleMember)
	if err != nil {
		return nil, err
	}

	urgent := strings.TrimSpace(j.Msg.Header.Get("Urgent"))
	j.Msg.Header.Del("Urgent")
	if urgent != "" {
		if !l.CheckPassword(urgent) {
			return Reject{Reason: "Your urgent message to the " + l.RealName() +
				" mailing list was not authorized for delivery.  The original message as received by listd is attached."}, nil
		}
		recips := []string{}
		for _, m := range members {
			if m.Enabled() {
				recips = append(recips, m.Address)
			}
		}
		j.Meta.Recips = recips
		return Continue{}, nil
	}

	sender := normalized(j.Msg.Sender())
	topicsOn := l.TopicsEnabled && len(l.Topics) != 0

	recips := []string{}
	for _, m := range members {
		if !m.Enabled() || m.Mode != mlist.Regular {
			continue
		}
		if m.NotMetoo && sender != "" && normalized(m.Address) == sender {
			continue
		}
		if topicsOn && !wantsTopics(m, j.Meta.Topics) {
			continue
		}
		recips = append(recips, m.Address)
	}
	j.Meta.Recips = recips
	return Continue{}, nil
}

// wantsTopics reports whether a member with a topic selection receives a
// message tagged with hits. Members without a selection receive all.
func wantsTopics(m *mlist.Member, hits []string) bool {
	if len(m.Topics) == 0 {
		return true
	}
	if len(hits) == 0 {
		return m.ReceiveNonmatching
	}
	for _, want := range m.Topics {
		for _, hit := range hits {
			if strings.EqualFold(want, hit) {
				return true
			}
		}
	}
	return false
}

// avoidDuplicates drops recipients who asked not to get list copies of
// messages addressed to them explicitly.
func avoidDuplicates(ctx context.Context, _ *site.Site, j *site.Job) error {
	if len(j.Meta.Recips) == 0 {
		return nil
	}
	explicit := map[string]bool{}
	for _, addr := range j.Msg.Addresses("To", "Cc", "Resent-To", "Resent-Cc") {
		explicit[addr] = true
	}
	if len(explicit) == 0 {
		return nil
	}

	members, err := j.Store.Members(ctx, j.List.Name, mlist.RoleMember)
	if err != nil {
		return err
	}
	nodupes := map[string]bool{}
	for _, m := range members {
		if m.NoDupes {
			nodupes[normalized(m.Address)] = true
		}
	}

	kept := make([]string, 0, len(j.Meta.Recips))
	for _, r := range j.Meta.Recips {
		norm := normalized(r)
		if explicit[norm] && nodupes[norm] {
			continue
		}
		kept = append(kept, r)
	}
	j.Meta.Recips = kept
	return nil
}

// ownerRecipients addresses the message to the list owners and
// moderators, or the site owner for lists without any.
func ownerRecipients(ctx context.Context, s *site.Site, j *site.Job) error {
	owners, err := mlist.Moderators(ctx, j.Store, j.List.Name)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		owners = []string{s.SiteOwner}
	}
	j.Meta.Recips = owners
	j.Meta.EnvSender = s.SiteOwner
	j.Meta.VERP = nil
	return nil
}
