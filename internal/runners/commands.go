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
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/bounce"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/moderation"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/rules"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// maxCommandLines is the number of non-blank body lines inspected for
// commands.
const maxCommandLines = 10

type commands struct {
	env Env
}

func newCommands(env Env) runner.Disposer {
	return &commands{env: env}
}

type cmdResult struct {
	Command string
	Result  string
}

type cmdSession struct {
	r       *commands
	j       *site.Job
	log     log.Logger
	sender  string
	results []cmdResult
	stop    bool

	// confirmed tokens, a reply quoting the token twice runs it once.
	confirmed map[string]bool
}

func (c *cmdSession) reply(cmd, format string, args ...interface{}) {
	c.results = append(c.results, cmdResult{Command: cmd, Result: fmt.Sprintf(format, args...)})
}

var rePrefixRe = regexp.MustCompile(`(?i)^\s*((re|aw|sv|fwd?)\s*:\s*)+`)

// confirmToken extracts the token from a local-confirm+TOKEN@host address.
func confirmToken(l *mlist.MailingList, rcpt string) string {
	local := address.Localpart(rcpt)
	prefix := l.LocalPart() + "-confirm+"
	if len(local) <= len(prefix) || !strings.EqualFold(local[:len(prefix)], prefix) {
		return ""
	}
	return local[len(prefix):]
}

func (r *commands) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	c := &cmdSession{
		r:         r,
		j:         j,
		log:       j.Logger(r.env.Log),
		sender:    j.Msg.Sender(),
		confirmed: map[string]bool{},
	}
	if c.sender == "" {
		c.log.Msg("command message without a sender, discarding")
		return false, nil
	}

	switch {
	case j.Meta.ToConfirm:
		var err error
		if token := confirmToken(j.List, j.Meta.Extra[switchboard.ExtraRcptTo]); token != "" {
			err = c.run(ctx, "confirm", []string{token})
		} else {
			// Replies to the confirmation address carry the token in the
			// Subject.
			err = c.runLine(ctx, j.Msg.Subject(), true)
		}
		if err != nil {
			return false, err
		}
	case j.Meta.ToJoin:
		if err := c.run(ctx, "join", nil); err != nil {
			return false, err
		}
	case j.Meta.ToLeave:
		if err := c.run(ctx, "leave", nil); err != nil {
			return false, err
		}
	default:
		if err := c.runLine(ctx, j.Msg.Subject(), true); err != nil {
			return false, err
		}
		if err := c.runBody(ctx); err != nil {
			return false, err
		}
	}

	return false, c.sendResults(ctx)
}

func (c *cmdSession) runBody(ctx context.Context) error {
	text, ok := c.j.Msg.FirstText()
	if !ok {
		return nil
	}
	seen := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		if line == "--" || line == "-- " || c.stop {
			break
		}
		seen++
		if seen > maxCommandLines {
			c.reply("", "Maximum command lines (%d) encountered, ignoring the rest.", maxCommandLines)
			break
		}
		if err := c.runLine(ctx, line, false); err != nil {
			return err
		}
	}
	return nil
}

// runLine runs a command line. Subject lines that do not parse are
// silently skipped.
func (c *cmdSession) runLine(ctx context.Context, line string, subject bool) error {
	if subject {
		line = rePrefixRe.ReplaceAllString(line, "")
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if !knownCommand(name) {
		if !subject {
			c.reply(line, "Unrecognized command.")
		}
		return nil
	}
	return c.run(ctx, name, fields[1:])
}

func knownCommand(name string) bool {
	switch name {
	case "confirm", "join", "subscribe", "leave", "unsubscribe", "help", "end", "stop":
		return true
	}
	return false
}

func (c *cmdSession) run(ctx context.Context, name string, args []string) error {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	switch name {
	case "confirm":
		if len(args) != 1 {
			c.reply(line, "Usage: confirm <token>")
			return nil
		}
		return c.confirm(ctx, line, args[0])
	case "join", "subscribe":
		return c.join(ctx, line, args)
	case "leave", "unsubscribe":
		return c.leave(ctx, line)
	case "help":
		text, err := c.r.env.Site.Templates.Render("help", c.j.Lang, c.j.List, nil)
		if err != nil {
			return err
		}
		c.reply(line, "%s", strings.TrimRight(text, "\n"))
	case "end", "stop":
		c.stop = true
	}
	return nil
}

func (c *cmdSession) join(ctx context.Context, line string, args []string) error {
	s, l := c.r.env.Site, c.j.List
	digest := l.DigestIsDefault
	for _, a := range args {
		switch strings.ToLower(a) {
		case "digest", "digest=yes", "digest=mime", "digest=plain":
			digest = true
		case "digest=no":
			digest = false
		}
	}

	ok, err := mlist.IsMember(ctx, c.j.Store, l.Name, c.sender)
	if err != nil {
		return err
	}
	if ok {
		c.reply(line, "You are already subscribed to %s.", l.Name)
		return nil
	}

	rec := &pending.Record{
		Kind:        pending.Subscription,
		List:        l.Name,
		Address:     c.sender,
		DisplayName: displayName(c.j),
		Digest:      digest,
		Lang:        c.j.Lang,
	}
	switch l.SubscribePolicy {
	case mlist.SubscribeOpen:
		if err := c.subscribe(ctx, rec); err != nil {
			return err
		}
		c.reply(line, "Subscribed %s.", c.sender)
	case mlist.SubscribeModerate:
		token, err := c.requestApproval(ctx, rec)
		if err != nil {
			return err
		}
		c.log.Msg("subscription held for approval", "rcpt", c.sender, "token", token)
		c.reply(line, "Your subscription request has been forwarded to the list moderator.")
	default:
		token, err := s.Pending.Add(rec)
		if err != nil {
			return err
		}
		err = s.Notify(&site.Notice{
			List:     l,
			To:       []string{c.sender},
			Subject:  "confirm " + token,
			Template: "verify",
			Lang:     c.j.Lang,
			ReplyTo:  l.ConfirmAddress(token),
			Data: map[string]interface{}{
				"address":         c.sender,
				"confirm_address": l.ConfirmAddress(token),
				"token":           token,
			},
		})
		if err != nil {
			return err
		}
		c.reply(line, "Confirmation email sent to %s.", c.sender)
	}
	return nil
}

func displayName(j *site.Job) string {
	for _, addr := range j.Msg.AddressList("From") {
		return addr.Name
	}
	return ""
}

// requestApproval stores the subscription for the moderator decision and
// asks the moderators for it.
func (c *cmdSession) requestApproval(ctx context.Context, rec *pending.Record) (string, error) {
	s, l := c.r.env.Site, c.j.List
	rec.Moderation = true
	token, err := s.Pending.Add(rec)
	if err != nil {
		return "", err
	}
	return token, s.NotifyOwners(ctx, c.j.Store, &site.Notice{
		List:     l,
		Subject:  "confirm " + token,
		Template: "subauth",
		ReplyTo:  l.ConfirmAddress(token),
		Data: map[string]interface{}{
			"address":         rec.Address,
			"confirm_address": l.ConfirmAddress(token),
			"token":           token,
		},
	})
}

func (c *cmdSession) subscribe(ctx context.Context, rec *pending.Record) error {
	s, l := c.r.env.Site, c.j.List
	mode := mlist.Regular
	if rec.Digest {
		mode = mlist.PlainDigest
		if l.MIMEIsDefaultDigest {
			mode = mlist.MIMEDigest
		}
	}
	err := c.j.Store.AddMember(ctx, l.Name, &mlist.Member{
		Address:     rec.Address,
		DisplayName: rec.DisplayName,
		Role:        mlist.RoleMember,
		Mode:        mode,
		Status:      mlist.Enabled,
		Language:    rec.Lang,
	})
	if err != nil {
		if errors.Is(err, mlist.ErrMemberExists) {
			return nil
		}
		return err
	}
	c.log.Msg("member subscribed", "rcpt", rec.Address, "digest", rec.Digest)
	if !l.SendWelcomeMsg {
		return nil
	}
	return s.Notify(&site.Notice{
		List:     l,
		To:       []string{rec.Address},
		Subject:  fmt.Sprintf("Welcome to the %q mailing list", l.RealName()),
		Template: "welcome",
		Lang:     rec.Lang,
		Data:     map[string]interface{}{"address": rec.Address},
	})
}

func (c *cmdSession) leave(ctx context.Context, line string) error {
	s, l := c.r.env.Site, c.j.List
	ok, err := mlist.IsMember(ctx, c.j.Store, l.Name, c.sender)
	if err != nil {
		return err
	}
	if !ok {
		c.reply(line, "%s is not a member of %s.", c.sender, l.Name)
		return nil
	}

	if l.UnsubscribePolicy == mlist.SubscribeOpen || l.UnsubscribePolicy == "" {
		if err := c.unsubscribe(ctx, c.sender, c.j.Lang); err != nil {
			return err
		}
		c.reply(line, "%s has been unsubscribed.", c.sender)
		return nil
	}

	token, err := s.Pending.Add(&pending.Record{
		Kind:    pending.Unsubscription,
		List:    l.Name,
		Address: c.sender,
		Lang:    c.j.Lang,
	})
	if err != nil {
		return err
	}
	err = s.Notify(&site.Notice{
		List:     l,
		To:       []string{c.sender},
		Subject:  "confirm " + token,
		Template: "unsub",
		Lang:     c.j.Lang,
		ReplyTo:  l.ConfirmAddress(token),
		Data: map[string]interface{}{
			"address":         c.sender,
			"confirm_address": l.ConfirmAddress(token),
			"token":           token,
		},
	})
	if err != nil {
		return err
	}
	c.reply(line, "Confirmation email sent to %s.", c.sender)
	return nil
}

func (c *cmdSession) unsubscribe(ctx context.Context, addr, lang string) error {
	s, l := c.r.env.Site, c.j.List
	err := c.j.Store.RemoveMember(ctx, l.Name, addr, mlist.RoleMember)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return nil
		}
		return err
	}
	c.log.Msg("member unsubscribed", "rcpt", addr)
	if !l.SendGoodbyeMsg {
		return nil
	}
	return s.Notify(&site.Notice{
		List:     l,
		To:       []string{addr},
		Subject:  fmt.Sprintf("You have been unsubscribed from the %s mailing list", l.Name),
		Template: "goodbye",
		Lang:     lang,
		Data:     map[string]interface{}{"address": addr},
	})
}

func (c *cmdSession) confirm(ctx context.Context, line, token string) error {
	s, l := c.r.env.Site, c.j.List
	if c.confirmed[token] {
		return nil
	}
	c.confirmed[token] = true

	rec, err := s.Pending.Peek(token)
	if err != nil {
		if errors.Is(err, pending.ErrUnknownToken) {
			c.reply(line, "Confirmation token did not match.")
			return nil
		}
		return err
	}
	if rec.List != l.Name {
		c.reply(line, "Confirmation token did not match.")
		return nil
	}

	switch rec.Kind {
	case pending.Subscription:
		if rec.Moderation {
			approved := rules.CheckPassword(c.j.Msg, l)
			if _, err := s.Pending.Confirm(token); err != nil {
				return err
			}
			if !approved {
				c.log.Msg("subscription rejected by moderator", "rcpt", rec.Address)
				c.reply(line, "Subscription request for %s rejected.", rec.Address)
				return nil
			}
			if err := c.subscribe(ctx, rec); err != nil {
				return err
			}
			c.reply(line, "Subscription request for %s approved.", rec.Address)
			return nil
		}
		if _, err := s.Pending.Confirm(token); err != nil {
			return err
		}
		if l.SubscribePolicy == mlist.SubscribeConfirmModerate {
			if _, err := c.requestApproval(ctx, rec); err != nil {
				return err
			}
			c.reply(line, "Your subscription request has been forwarded to the list moderator.")
			return nil
		}
		if err := c.subscribe(ctx, rec); err != nil {
			return err
		}
		c.reply(line, "Subscribed %s.", rec.Address)
	case pending.Unsubscription:
		if _, err := s.Pending.Confirm(token); err != nil {
			return err
		}
		if err := c.unsubscribe(ctx, rec.Address, rec.Lang); err != nil {
			return err
		}
		c.reply(line, "%s has been unsubscribed.", rec.Address)
	case pending.HeldMessage:
		d := moderation.Discard
		if rules.CheckPassword(c.j.Msg, l) {
			d = moderation.Accept
		}
		if _, err := moderation.Decide(s, l, token, d, ""); err != nil {
			return err
		}
		if d == moderation.Accept {
			c.reply(line, "The held message has been approved.")
		} else {
			c.reply(line, "The held message has been discarded.")
		}
	case pending.ReEnable:
		if _, err := s.Pending.Confirm(token); err != nil {
			return err
		}
		proc := &bounce.Processor{Site: s, Store: c.j.Store, List: l, Log: c.r.env.Log}
		if err := proc.ReEnable(ctx, rec.Address); err != nil && !errors.Is(err, mlist.ErrNoSuchMember) {
			return err
		}
		c.reply(line, "Delivery to %s has been re-enabled.", rec.Address)
	case pending.AddressChange:
		if _, err := s.Pending.Confirm(token); err != nil {
			return err
		}
		if err := c.changeAddress(ctx, rec); err != nil {
			return err
		}
		c.reply(line, "Address changed from %s to %s.", rec.Address, rec.NewAddress)
	default:
		c.reply(line, "Confirmation token did not match.")
	}
	return nil
}

func (c *cmdSession) changeAddress(ctx context.Context, rec *pending.Record) error {
	name := c.j.List.Name
	m, err := c.j.Store.Member(ctx, name, rec.Address, mlist.RoleMember)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return nil
		}
		return err
	}
	if err := c.j.Store.RemoveMember(ctx, name, rec.Address, mlist.RoleMember); err != nil {
		return err
	}
	m.Address = rec.NewAddress
	if err := c.j.Store.AddMember(ctx, name, m); err != nil && !errors.Is(err, mlist.ErrMemberExists) {
		return err
	}
	c.log.Msg("member address changed", "rcpt", rec.Address, "new_rcpt", rec.NewAddress)
	return nil
}

func (c *cmdSession) sendResults(ctx context.Context) error {
	if len(c.results) == 0 {
		return nil
	}
	s, l := c.r.env.Site, c.j.List
	if moderation.Bulk(c.j.Msg) {
		c.log.DebugMsg("not replying to bulk mail", "sender", c.sender)
		return nil
	}
	ok := moderation.AutorespondOK(s, l, c.sender)
	if err := c.j.SaveList(ctx); err != nil {
		return err
	}
	if !ok {
		c.log.Msg("autoresponse limit reached", "sender", c.sender)
		return nil
	}
	return s.Notify(&site.Notice{
		List:     l,
		To:       []string{c.sender},
		Subject:  "The results of your email commands",
		Template: "cmdreply",
		Lang:     c.j.Lang,
		Data:     map[string]interface{}{"results": c.results},
	})
}
