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

package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/verp"
)

// Score increments. At most one is applied per member and calendar day.
const (
	PermanentWeight = 1.0
	TransientWeight = 0.5
)

// Event is a failure of one member address.
type Event struct {
	Address   string
	Permanent bool

	// Msg is the bounce, attached to owner notifications when set.
	Msg *mailmsg.Message
}

// Processor applies bounce events to list members. It must be used with
// the list lock held.
type Processor struct {
	Site  *site.Site
	Store mlist.Store
	List  *mlist.MailingList
	Log   log.Logger
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// Register scores the event and disables the member once the list threshold
// is reached.
func (p *Processor) Register(ctx context.Context, ev Event) error {
	l := p.List
	m, err := p.Store.Member(ctx, l.Name, ev.Address, mlist.RoleMember)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchMember) {
			p.Log.Msg("bounce from non-member", "list", l.Name, "rcpt", ev.Address)
			return nil
		}
		return err
	}

	if m.Status == mlist.DisabledByBounce {
		return p.remind(ctx, m, false)
	}

	now := p.Site.Now()
	incr := TransientWeight
	if ev.Permanent {
		incr = PermanentWeight
	}

	info := m.Bounce
	switch {
	case info == nil || now.Sub(info.LastBounce) > l.BounceInfoStaleAfter:
		m.Bounce = &mlist.BounceInfo{Score: incr, LastBounce: now}
		info = m.Bounce
		p.Log.DebugMsg("new bounce info", "list", l.Name, "rcpt", m.Address, "score", info.Score)
	case sameDay(now, info.LastBounce):
		p.Log.Msg("bounce already scored today", "list", l.Name, "rcpt", m.Address, "score", info.Score)
	default:
		info.Score += incr
		info.LastBounce = now
		p.Log.DebugMsg("bounce scored", "list", l.Name, "rcpt", m.Address, "score", info.Score)
	}

	if info.Score < l.BounceScoreThreshold || m.Status != mlist.Enabled {
		return p.Store.UpdateMember(ctx, l.Name, m)
	}

	if p.Site.VERP.Probes {
		if err := p.Store.UpdateMember(ctx, l.Name, m); err != nil {
			return err
		}
		return p.SendProbe(ctx, m)
	}
	return p.disable(ctx, m, ev.Msg)
}

func (p *Processor) disable(ctx context.Context, m *mlist.Member, bounceMsg *mailmsg.Message) error {
	l := p.List
	if m.Bounce == nil {
		m.Bounce = &mlist.BounceInfo{LastBounce: p.Site.Now()}
	}
	m.Status = mlist.DisabledByBounce
	m.DisabledAt = p.Site.Now()
	m.Bounce.WarningsLeft = l.BounceDisabledWarnings
	p.Log.Msg("member disabled by bounces", "list", l.Name, "rcpt", m.Address, "score", m.Bounce.Score)

	if l.BounceNotifyOwnerOnDisable {
		err := p.Site.NotifyOwners(ctx, p.Store, &site.Notice{
			List:     l,
			Subject:  fmt.Sprintf("Bounce action notification for %s", l.Name),
			Template: "owner-disabled",
			Data: map[string]interface{}{
				"address": m.Address,
				"score":   fmt.Sprintf("%.1f", m.Bounce.Score),
			},
			Attach: bounceMsg,
		})
		if err != nil {
			return err
		}
	}
	return p.remind(ctx, m, true)
}

// remind sends the next "you are disabled" notice if the warning interval
// has passed, or removes the member once no warnings are left.
func (p *Processor) remind(ctx context.Context, m *mlist.Member, force bool) error {
	l := p.List
	now := p.Site.Now()
	info := m.Bounce
	if info == nil {
		info = &mlist.BounceInfo{}
		m.Bounce = info
	}
	if !force && now.Sub(info.LastNotice) < l.BounceDisabledWarningInterval {
		return p.Store.UpdateMember(ctx, l.Name, m)
	}
	if info.WarningsLeft <= 0 {
		return p.remove(ctx, m)
	}

	if info.Cookie != "" {
		if _, err := p.Site.Pending.Peek(info.Cookie); err != nil {
			info.Cookie = ""
		}
	}
	if info.Cookie == "" {
		token, err := p.Site.Pending.Add(&pending.Record{
			Kind:    pending.ReEnable,
			List:    l.Name,
			Address: m.Address,
			Lang:    m.Language,
		})
		if err != nil {
			return err
		}
		info.Cookie = token
	}

	info.WarningsLeft--
	info.LastNotice = now
	err := p.Site.Notify(&site.Notice{
		List:     l,
		To:       []string{m.Address},
		Subject:  "confirm " + info.Cookie,
		Template: "disabled",
		Lang:     m.Language,
		ReplyTo:  l.ConfirmAddress(info.Cookie),
		Data: map[string]interface{}{
			"address":         m.Address,
			"warnings_left":   info.WarningsLeft,
			"confirm_address": l.ConfirmAddress(info.Cookie),
		},
	})
	if err != nil {
		return err
	}
	return p.Store.UpdateMember(ctx, l.Name, m)
}

func (p *Processor) remove(ctx context.Context, m *mlist.Member) error {
	l := p.List
	if err := p.Store.RemoveMember(ctx, l.Name, m.Address, mlist.RoleMember); err != nil {
		return err
	}
	if m.Bounce != nil && m.Bounce.Cookie != "" {
		_, _ = p.Site.Pending.Confirm(m.Bounce.Cookie)
	}
	p.Log.Msg("member removed by bounces", "list", l.Name, "rcpt", m.Address)

	err := p.Site.Notify(&site.Notice{
		List:     l,
		To:       []string{m.Address},
		Subject:  fmt.Sprintf("You have been unsubscribed from the %s mailing list", l.RealName()),
		Template: "removed",
		Lang:     m.Language,
		Data:     map[string]interface{}{"address": m.Address},
	})
	if err != nil {
		return err
	}
	if !l.BounceNotifyOwnerOnRemoval {
		return nil
	}
	return p.Site.NotifyOwners(ctx, p.Store, &site.Notice{
		List:     l,
		Subject:  fmt.Sprintf("%s unsubscribed from %s mailing list due to bounces", m.Address, l.Name),
		Template: "owner-removed",
		Data:     map[string]interface{}{"address": m.Address},
	})
}

// Sweep sends due reminders to members disabled by bounces.
func (p *Processor) Sweep(ctx context.Context) error {
	members, err := p.Store.Members(ctx, p.List.Name, mlist.RoleMember)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Status != mlist.DisabledByBounce {
			continue
		}
		if err := p.remind(ctx, m, false); err != nil {
			return err
		}
	}
	return nil
}

// ReEnable clears the bounce state of a member, used when the re-enable
// token is confirmed.
func (p *Processor) ReEnable(ctx context.Context, addr string) error {
	m, err := p.Store.Member(ctx, p.List.Name, addr, mlist.RoleMember)
	if err != nil {
		return err
	}
	if m.Status != mlist.DisabledByBounce {
		return nil
	}
	m.Status = mlist.Enabled
	m.DisabledAt = time.Time{}
	m.Bounce = nil
	p.Log.Msg("member re-enabled", "list", p.List.Name, "rcpt", addr)
	return p.Store.UpdateMember(ctx, p.List.Name, m)
}

// SendProbe mails a probe to the member. The envelope sender carries a
// token, a bounce of the probe disables the member.
func (p *Processor) SendProbe(ctx context.Context, m *mlist.Member) error {
	l := p.List
	token, err := p.Site.Pending.Add(&pending.Record{
		Kind:    pending.Probe,
		List:    l.Name,
		Address: m.Address,
	})
	if err != nil {
		return err
	}
	envSender := verp.EncodeProbe(l.BouncesAddress(), token)
	p.Log.Msg("sending probe", "list", l.Name, "rcpt", m.Address)
	return p.Site.Notify(&site.Notice{
		List:      l,
		To:        []string{m.Address},
		Subject:   fmt.Sprintf("%s mailing list probe message", l.RealName()),
		Template:  "probe",
		Lang:      m.Language,
		EnvSender: envSender,
		Data:      map[string]interface{}{"address": m.Address},
		Meta:      &switchboard.Metadata{ProbeToken: token, VERP: new(bool)},
	})
}

// ProbeBounce handles a bounce of a probe message.
func (p *Processor) ProbeBounce(ctx context.Context, token string, bounceMsg *mailmsg.Message) error {
	rec, err := p.Site.Pending.Confirm(token)
	if err != nil {
		if errors.Is(err, pending.ErrUnknownToken) {
			p.Log.Msg("bounce for unknown probe token", "list", p.List.Name)
			return nil
		}
		return err
	}
	if rec.Kind != pending.Probe || rec.List != p.List.Name {
		p.Log.Msg("probe token for a different action", "list", p.List.Name, "kind", rec.Kind)
		return nil
	}
	m, err := p.Store.Member(ctx, p.List.Name, rec.Address, mlist.RoleMember)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return nil
		}
		return err
	}
	if m.Status != mlist.Enabled {
		return nil
	}
	return p.disable(ctx, m, bounceMsg)
}
