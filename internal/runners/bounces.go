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
	"time"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/internal/bounce"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/verp"
)

type bounces struct {
	env   Env
	sweep every
}

func newBounces(env Env) runner.Disposer {
	return &bounces{env: env, sweep: every{interval: time.Hour}}
}

func (r *bounces) processor(j *site.Job) *bounce.Processor {
	return &bounce.Processor{Site: r.env.Site, Store: j.Store, List: j.List, Log: r.env.Log}
}

// envelopeAddresses returns the addresses the bounce may have been sent to,
// the recorded envelope recipient first.
func envelopeAddresses(msg *mailmsg.Message, meta *switchboard.Metadata) []string {
	var res []string
	if rcpt := meta.Extra[switchboard.ExtraRcptTo]; rcpt != "" {
		res = append(res, rcpt)
	}
	return append(res, msg.Addresses("To", "Delivered-To", "Envelope-To", "Apparently-To")...)
}

func (r *bounces) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	s, l := r.env.Site, j.List
	log := j.Logger(r.env.Log)

	res, detector := bounce.Detect(j.Msg)

	if j.Meta.ToOwner {
		owners, err := mlist.Moderators(ctx, j.Store, l.Name)
		if err != nil {
			return false, err
		}
		for _, addr := range res.Addresses {
			for _, owner := range owners {
				if address.Equal(addr, owner) {
					log.Msg("owner address bounced, forwarding to the site owner", "rcpt", addr)
					return false, s.SendVirgin(nil, j.Msg, []string{s.SiteOwner}, l.LoopAddress(), nil)
				}
			}
		}
	}

	if !l.BounceProcessing {
		return false, r.forwardToOwners(ctx, j)
	}
	if res.Stop {
		log.DebugMsg("delivery warning ignored", "detector", detector)
		return false, nil
	}

	proc := r.processor(j)
	bouncesLocal := address.Localpart(l.BouncesAddress())
	envelope := envelopeAddresses(j.Msg, j.Meta)

	for _, addr := range envelope {
		if local, token, ok := verp.DecodeProbe(addr); ok && strings.EqualFold(local, bouncesLocal) {
			log.Msg("probe bounced", "token", token)
			return false, proc.ProbeBounce(ctx, token, j.Msg)
		}
	}
	for _, addr := range envelope {
		local, rcpt, ok := verp.Decode(addr)
		if !ok || !strings.EqualFold(local, bouncesLocal) {
			continue
		}
		log.Msg("VERP bounce", "rcpt", rcpt)
		return false, proc.Register(ctx, bounce.Event{Address: rcpt, Permanent: !res.Temporary, Msg: j.Msg})
	}

	if res.Empty() {
		if !l.BounceUnrecognizedToOwner {
			log.Msg("unrecognized bounce discarded")
			return false, nil
		}
		log.Msg("unrecognized bounce, forwarding to owners")
		return false, s.NotifyOwners(ctx, j.Store, &site.Notice{
			List:      l,
			Subject:   "Uncaught bounce notification",
			Template:  "unrecognized",
			Attach:    j.Msg,
			EnvSender: l.LoopAddress(),
		})
	}

	log.Msg("bounce detected", "detector", detector, "rcpts", res.Addresses, "temporary", res.Temporary)
	for _, addr := range res.Addresses {
		err := proc.Register(ctx, bounce.Event{Address: addr, Permanent: !res.Temporary, Msg: j.Msg})
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *bounces) forwardToOwners(ctx context.Context, j *site.Job) error {
	owners, err := mlist.Moderators(ctx, j.Store, j.List.Name)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		owners = []string{r.env.Site.SiteOwner}
	}
	return r.env.Site.SendVirgin(j.List, j.Msg, owners, j.List.LoopAddress(), nil)
}

// Periodic sends due notices to members disabled by bounces.
func (r *bounces) Periodic(ctx context.Context) error {
	if !r.sweep.due(r.env.Site.Now()) {
		return nil
	}
	forEachList(ctx, r.env, func(ctx context.Context, j *site.Job) error {
		if !j.List.BounceProcessing {
			return nil
		}
		return r.processor(j).Sweep(ctx)
	})
	return nil
}
