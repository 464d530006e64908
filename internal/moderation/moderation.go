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

// Package moderation implements holding of posts for moderator review,
// moderator decisions on held posts and the rate limit on automatic
// responses sent to posters.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/site"
)

// ExtraFromUsenet marks posts received through the news gateway.
const ExtraFromUsenet = "fromusenet"

var ErrNotHeld = errors.New("moderation: token does not refer to a held message")

// Bulk reports whether the message is bulk or list traffic that must not
// get automatic responses.
func Bulk(msg *mailmsg.Message) bool {
	switch strings.ToLower(strings.TrimSpace(msg.Header.Get("Precedence"))) {
	case "bulk", "junk", "list":
		return true
	}
	if v := strings.ToLower(msg.Header.Get("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	return msg.Header.Has("List-Id") || msg.Header.Has("X-BeenThere")
}

// AutorespondOK checks the daily automatic response limit for addr and
// counts the response. When the limit is reached, addr gets one
// "no more today" notice. The list has to be saved by the caller.
func AutorespondOK(s *site.Site, l *mlist.MailingList, addr string) bool {
	max := s.Autoresponse.MaxPerDay
	if max <= 0 {
		return true
	}
	today := s.Now().Format("2006-01-02")
	for k, rec := range l.Autoresponses {
		if rec.Date != today {
			delete(l.Autoresponses, k)
		}
	}
	if l.Autoresponses == nil {
		l.Autoresponses = map[string]mlist.AutoresponseRecord{}
	}

	rec, ok := l.Autoresponses[addr]
	if !ok {
		l.Autoresponses[addr] = mlist.AutoresponseRecord{Date: today, Count: 1}
		return true
	}
	switch {
	case rec.Count == max:
		rec.Count++
		l.Autoresponses[addr] = rec
		err := s.Notify(&site.Notice{
			List:     l,
			To:       []string{addr},
			Subject:  "Last autoresponse notification for today",
			Template: "nomoretoday",
			Data:     map[string]interface{}{"sender": addr, "count": max},
		})
		if err != nil {
			s.Log.Error("cannot send the autoresponse limit notice", err, "rcpt", addr, "list", l.Name)
		}
		return false
	case rec.Count > max:
		return false
	}
	rec.Count++
	l.Autoresponses[addr] = rec
	return true
}

// Hold places the post into the pending store and notifies the author and
// the moderators. It returns the token identifying the held post.
func Hold(ctx context.Context, s *site.Site, j *site.Job) (string, error) {
	sender := j.Meta.ModerationSender
	if sender == "" {
		sender = j.Msg.Sender()
	}
	subject := j.Msg.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	reasons := j.Meta.ModerationReasons
	if len(reasons) == 0 {
		reasons = reasonsFromHits(j.Meta.RuleHits)
	}
	reason := strings.Join(reasons, "\n    ")

	token, err := s.Pending.Add(&pending.Record{
		Kind:    pending.HeldMessage,
		List:    j.List.Name,
		Address: sender,
		Subject: subject,
		Reason:  reason,
		Message: j.Msg.Bytes(),
		Meta:    j.Meta.Clone(),
	})
	if err != nil {
		return "", exterrors.WithFields(err, map[string]interface{}{"list": j.List.Name})
	}
	log := j.Logger(s.Log)
	log.Msg("post held", "token", token, "sender", sender, "reason", reason)

	if sender != "" &&
		j.List.RespondToPostReqs &&
		j.Meta.Extra[ExtraFromUsenet] == "" &&
		!Bulk(j.Msg) &&
		AutorespondOK(s, j.List, sender) {

		confirm := j.List.ConfirmAddress(token)
		err := s.Notify(&site.Notice{
			List:     j.List,
			To:       []string{sender},
			Subject:  fmt.Sprintf("Your message to %s awaits moderator approval", j.List.Name),
			Template: "postheld",
			Lang:     j.Lang,
			ReplyTo:  confirm,
			Data: map[string]interface{}{
				"subject":         subject,
				"reason":          reason,
				"confirm_address": confirm,
				"token":           token,
			},
		})
		if err != nil {
			return "", err
		}
	}

	if j.List.AdminImmedNotify {
		if err := notifyModerators(ctx, s, j, token, sender, subject, reason); err != nil {
			return "", err
		}
	}
	return token, nil
}

func notifyModerators(ctx context.Context, s *site.Site, j *site.Job, token, sender, subject, reason string) error {
	l := j.List
	data := map[string]interface{}{
		"sender":  sender,
		"subject": subject,
		"reason":  reason,
		"token":   token,
	}
	summary, err := s.Templates.Render("postauth", "", l, data)
	if err != nil {
		return err
	}
	approve, err := s.Templates.Render("approve", "", l, data)
	if err != nil {
		return err
	}

	// Replying to the embedded message sends "confirm <token>" to the
	// request address, which the command processor handles.
	ch := mailmsg.Header(l.RequestAddress(), l.OwnerAddress(), "confirm "+token, l.Host())
	ch.Set("Reply-To", l.RequestAddress())
	confirmMsg, err := mailmsg.NewText(ch, approve)
	if err != nil {
		return err
	}

	owners, err := mlist.Moderators(ctx, j.Store, l.Name)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		owners = []string{s.SiteOwner}
	}
	h := mailmsg.Header(l.OwnerAddress(), strings.Join(owners, ", "),
		fmt.Sprintf("%s post from %s requires approval", l.Name, sender), l.Host())
	h.Set("Precedence", "bulk")
	h.Set("List-Id", l.ListID())
	notice, err := mailmsg.NewMultipart(h, "mixed",
		mailmsg.TextPart(summary),
		mailmsg.MessagePart(j.Msg),
		mailmsg.MessagePart(confirmMsg))
	if err != nil {
		return err
	}
	return s.SendVirgin(l, notice, owners, "", nil)
}

func reasonsFromHits(hits []string) []string {
	if len(hits) == 0 {
		return []string{"N/A"}
	}
	return []string{"Message has implicit destination or matched rules: " + strings.Join(hits, ", ")}
}

// Reject sends the rejection notice with the original post attached to the
// author.
func Reject(s *site.Site, l *mlist.MailingList, msg *mailmsg.Message, sender string, reasons []string) error {
	if sender == "" {
		sender = msg.Sender()
	}
	if sender == "" || Bulk(msg) {
		return nil
	}
	if len(reasons) == 0 {
		reasons = []string{"No reason given"}
	}
	subject := msg.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	return s.Notify(&site.Notice{
		List:     l,
		To:       []string{sender},
		Subject:  "Rejected posting: " + subject,
		Template: "refuse",
		Data:     map[string]interface{}{"reason": strings.Join(reasons, "\n")},
		Attach:   msg,
	})
}

// Decision on a held post.
type Decision string

const (
	Accept  Decision = "accept"
	Discard Decision = "discard"
	Refuse  Decision = "reject"
	Defer   Decision = "defer"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(s)); d {
	case Accept, Discard, Refuse, Defer:
		return d, nil
	}
	return "", fmt.Errorf("moderation: unknown decision: %s", s)
}

// Decide applies the moderator decision to the held post identified by
// token. Accepted posts go to the pipeline queue with the moderator
// approval recorded, so the posting chain is not applied again.
func Decide(s *site.Site, l *mlist.MailingList, token string, d Decision, reason string) (*pending.Record, error) {
	var (
		rec *pending.Record
		err error
	)
	if d == Defer {
		rec, err = s.Pending.Peek(token)
	} else {
		rec, err = s.Pending.Confirm(token)
	}
	if err != nil {
		return nil, err
	}
	if rec.Kind != pending.HeldMessage || rec.List != l.Name {
		return nil, ErrNotHeld
	}
	log := s.Log.With("list", l.Name, "token", token)

	switch d {
	case Defer:
		return rec, nil
	case Discard:
		log.Msg("held post discarded", "sender", rec.Address)
		return rec, nil
	}

	msg, err := mailmsg.ParseBytes(rec.Message)
	if err != nil {
		return nil, err
	}
	switch d {
	case Refuse:
		if reason == "" {
			reason = "Your message was rejected by the list moderator."
		}
		log.Msg("held post rejected", "sender", rec.Address)
		return rec, Reject(s, l, msg, rec.Address, []string{reason})
	case Accept:
		meta := rec.Meta.Clone()
		meta.ListName = l.Name
		meta.ModeratorApproved = true
		meta.ModerationAction = ""
		meta.ReceivedTime = 0
		meta.SetExtra(ExtraApprovedToken, token)
		msg.Header.Add("X-Listd-Approved-At", s.Now().UTC().Format(time.RFC1123Z))
		if _, err := s.Enqueue(site.QueuePipeline, msg, meta); err != nil {
			return nil, err
		}
		log.Msg("held post approved", "sender", rec.Address)
	}
	return rec, nil
}

// ExtraApprovedToken records the pending token of an approved post.
const ExtraApprovedToken = "approved_token"

// Held returns held posts of the list, oldest first.
func Held(s *site.Site, l *mlist.MailingList) ([]pending.Entry, error) {
	return s.Pending.Entries(pending.HeldMessage, l.Name)
}
