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

package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/internal/dmarc"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// Names of built-in rules.
const (
	Approved         = "approved"
	Emergency        = "emergency"
	Loop             = "loop"
	BannedAddress    = "banned-address"
	DMARCModeration  = "dmarc-moderation"
	Administrivia    = "administrivia"
	ImplicitDest     = "implicit-dest"
	MaxRecipients    = "max-recipients"
	MaxSize          = "max-size"
	NewsModeration   = "news-moderation"
	NoSubject        = "no-subject"
	SuspiciousHeader = "suspicious-header"
	Moderation       = "moderation"
	NonMember        = "non-member"
	Truth            = "truth"
	Any              = "any"
)

// ExtraMungeFrom is set in the metadata when the From header has to be
// rewritten because of the author domain DMARC policy.
const ExtraMungeFrom = "dmarc_munge_from"

const dmarcTimeout = 15 * time.Second

func init() {
	Register(New(Approved, "The message has a matching Approve or Approved header.", true, checkApproved))
	Register(New(Emergency, "The mailing list is in emergency hold and this message was not pre-approved by the list administrator.", true,
		func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
			return j.List.EmergencyModeration && !j.Meta.ModeratorApproved, nil
		}))
	Register(New(Loop, "Look for a posting loop.", true, checkLoop))
	Register(New(BannedAddress, "Match messages sent by banned addresses.", true, checkBanned))
	Register(New(DMARCModeration, "Find DMARC policy of From: domain.", true, checkDMARC))
	Register(New(Administrivia, "Catch mis-addressed email commands.", true, checkAdministrivia))
	Register(New(ImplicitDest, "The message did not explicitly name the list as a recipient.", true, checkImplicitDest))
	Register(New(MaxRecipients, "Catch messages with too many explicit recipients.", true,
		func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
			if j.List.MaxNumRecipients <= 0 {
				return false, nil
			}
			return len(j.Msg.Addresses("To", "Cc")) > j.List.MaxNumRecipients, nil
		}))
	Register(New(MaxSize, "Catch messages that are bigger than a specified maximum.", true,
		func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
			if j.List.MaxMessageSize <= 0 {
				return false, nil
			}
			size := j.Meta.OriginalSize
			if size == 0 {
				size = j.Msg.Size()
			}
			return size > j.List.MaxMessageSize*1024, nil
		}))
	Register(New(NewsModeration, "Match all messages posted to a mailing list that gateways to a moderated newsgroup.", true,
		func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
			return j.List.GatewayToNews && j.List.NewsModerated, nil
		}))
	Register(New(NoSubject, "Catch messages with no, or empty, Subject headers.", true,
		func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
			return strings.TrimSpace(j.Msg.Subject()) == "", nil
		}))
	Register(New(SuspiciousHeader, "Catch messages with suspicious headers.", true, checkSuspicious))
	Register(New(Moderation, "Match messages sent by moderated members.", true, checkModeratedMember))
	Register(New(NonMember, "Match messages sent by non-members.", true, checkNonMember))
	Register(New(Truth, "A rule which always matches.", false,
		func(context.Context, *site.Site, *site.Job) (bool, error) { return true, nil }))
	Register(New(Any, "Look for any previous rule hit.", false,
		func(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
			return len(j.Meta.RuleHits) != 0, nil
		}))
}

// ApprovedHeaders are the fields carrying the moderator password.
var ApprovedHeaders = []string{"Approved", "Approve", "X-Approved", "X-Approve"}

func checkApproved(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
	return CheckPassword(j.Msg, j.List), nil
}

// CheckPassword removes the Approved fields (or the body pseudo-header)
// from msg and reports whether they carried the list moderator password.
func CheckPassword(msg *mailmsg.Message, l *mlist.MailingList) bool {
	var password string
	for _, key := range ApprovedHeaders {
		if v := strings.TrimSpace(msg.Header.Get(key)); v != "" && password == "" {
			password = v
		}
		msg.Header.Del(key)
	}
	if password == "" && msg.IsPlainText() {
		password = stripBodyApproved(msg)
	}
	return l.CheckPassword(password)
}

// stripBodyApproved removes the Approved pseudo-header from the first
// non-blank body line of a plain text message and returns its value.
func stripBodyApproved(msg *mailmsg.Message) string {
	body := msg.Body
	start := 0
	for start < len(body) {
		end := bytes.IndexByte(body[start:], '\n')
		if end == -1 {
			end = len(body)
		} else {
			end += start + 1
		}
		line := strings.TrimSpace(string(body[start:end]))
		if line == "" {
			start = end
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return ""
		}
		for _, h := range ApprovedHeaders {
			if !strings.EqualFold(strings.TrimSpace(key), h) {
				continue
			}
			// The blank line separating the pseudo-header goes too.
			rest := body[end:]
			if nl := bytes.IndexByte(rest, '\n'); nl != -1 && len(bytes.TrimSpace(rest[:nl])) == 0 {
				rest = rest[nl+1:]
			}
			msg.Body = append(append([]byte{}, body[:start]...), rest...)
			return strings.TrimSpace(value)
		}
		return ""
	}
	return ""
}

func checkLoop(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
	for _, v := range j.Msg.Values("X-BeenThere") {
		v = strings.Trim(strings.TrimSpace(v), "<>")
		if address.Equal(v, j.List.PostingAddress()) {
			return true, nil
		}
	}
	return false, nil
}

// MatchAddress reports whether addr matches the pattern, which is either a
// literal address or, if it starts with "^", a case-insensitive regexp.
func MatchAddress(pattern, addr string) bool {
	if strings.HasPrefix(pattern, "^") {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return false
		}
		return re.MatchString(addr)
	}
	return address.Equal(pattern, addr)
}

func matchAny(patterns []string, addr string) bool {
	for _, p := range patterns {
		if MatchAddress(p, addr) {
			return true
		}
	}
	return false
}

func checkBanned(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
	for _, sender := range j.Msg.Senders() {
		if matchAny(j.List.BanList, sender) {
			return true, nil
		}
	}
	return false, nil
}

func setModeration(meta *switchboard.Metadata, action, sender, reason string) {
	meta.ModerationAction = action
	meta.ModerationSender = sender
	meta.ModerationReasons = append(meta.ModerationReasons, reason)
}

func checkDMARC(ctx context.Context, s *site.Site, j *site.Job) (bool, error) {
	action := j.List.DMARCModerationAction
	if action == "" || action == mlist.DMARCNone {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dmarcTimeout)
	defer cancel()
	strict, policy, err := dmarc.Strict(ctx, s.Resolver, j.Msg)
	if err != nil {
		if !errors.Is(err, dmarc.ErrNoFrom) {
			j.Logger(s.Log).Error("DMARC policy lookup failed", err)
		}
		return false, nil
	}
	if !strict {
		return false, nil
	}

	if action == mlist.DMARCMungeFrom {
		j.Meta.SetExtra(ExtraMungeFrom, "1")
		return false, nil
	}
	setModeration(j.Meta, action, j.Msg.Sender(),
		fmt.Sprintf("You are not allowed to post to this mailing list From: a domain which publishes a DMARC policy of %s.", policy))
	return true, nil
}

// Minimum and maximum argument counts of commands recognized by the
// administrivia rule.
var emailCommands = map[string][2]int{
	"confirm":     {1, 1},
	"echo":        {0, 100},
	"end":         {0, 0},
	"help":        {0, 0},
	"info":        {0, 0},
	"join":        {0, 3},
	"leave":       {0, 1},
	"lists":       {0, 0},
	"options":     {0, 0},
	"password":    {2, 2},
	"remove":      {0, 0},
	"set":         {3, 3},
	"subscribe":   {0, 3},
	"unsubscribe": {0, 1},
	"who":         {0, 2},
}

const administriviaMaxLines = 10

func isCommandLine(line string) bool {
	words := strings.Fields(strings.ToLower(line))
	if len(words) == 0 {
		return false
	}
	limits, ok := emailCommands[words[0]]
	if !ok {
		return false
	}
	args := len(words) - 1
	return args >= limits[0] && args <= limits[1]
}

func checkAdministrivia(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
	if !j.List.Administrivia {
		return false, nil
	}
	if isCommandLine(j.Msg.Subject()) {
		return true, nil
	}
	text, ok := j.Msg.FirstText()
	if !ok {
		return false, nil
	}
	lines := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines++
		if lines > administriviaMaxLines {
			break
		}
		if isCommandLine(line) {
			return true, nil
		}
	}
	return false, nil
}

func checkImplicitDest(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
	if !j.List.RequireExplicitDestination || j.Meta.ModeratorApproved {
		return false, nil
	}
	rcpts := j.Msg.Addresses("To", "Cc", "Resent-To", "Resent-Cc", "Apparently-To")
	for _, rcpt := range rcpts {
		if address.Equal(rcpt, j.List.PostingAddress()) {
			return false, nil
		}
		for _, alias := range j.List.AcceptableAliases {
			switch {
			case strings.HasPrefix(alias, "^"):
				if MatchAddress(alias, rcpt) {
					return false, nil
				}
			case strings.Contains(alias, "@"):
				if address.Equal(alias, rcpt) {
					return false, nil
				}
			default:
				if strings.EqualFold(address.Localpart(rcpt), alias) {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

type headerPattern struct {
	header string
	re     *regexp.Regexp
}

// parseHeaderPatterns parses "Header: regexp" lines. Lines that do not
// parse are skipped.
func parseHeaderPatterns(lines []string) []headerPattern {
	var res []headerPattern
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, pattern, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		re, err := regexp.Compile("(?i)" + strings.TrimSpace(pattern))
		if err != nil {
			continue
		}
		res = append(res, headerPattern{header: strings.TrimSpace(key), re: re})
	}
	return res
}

func checkSuspicious(_ context.Context, _ *site.Site, j *site.Job) (bool, error) {
	for _, p := range parseHeaderPatterns(j.List.BounceMatchingHeaders) {
		for _, v := range j.Msg.Values(p.header) {
			if p.re.MatchString(v) {
				return true, nil
			}
		}
	}
	return false, nil
}

func checkModeratedMember(ctx context.Context, _ *site.Site, j *site.Job) (bool, error) {
	for _, sender := range j.Msg.Senders() {
		m, err := mlist.FindMember(ctx, j.Store, j.List.Name, sender)
		if err != nil {
			return false, err
		}
		if m == nil {
			continue
		}
		if !m.Moderated {
			return false, nil
		}
		action := j.List.MemberModerationAction
		if action == mlist.ActionDefer {
			return false, nil
		}
		setModeration(j.Meta, action, sender, "The message comes from a moderated member")
		return true, nil
	}
	return false, nil
}

func checkNonMember(ctx context.Context, _ *site.Site, j *site.Job) (bool, error) {
	senders := j.Msg.Senders()
	if len(senders) == 0 {
		setModeration(j.Meta, mlist.ActionHold, "", "No sender was found in the message.")
		return true, nil
	}
	for _, sender := range senders {
		m, err := mlist.FindMember(ctx, j.Store, j.List.Name, sender)
		if err != nil {
			return false, err
		}
		if m != nil {
			return false, nil
		}
	}

	l := j.List
	checks := []struct {
		patterns []string
		action   string
	}{
		{l.AcceptTheseNonmembers, mlist.ActionAccept},
		{l.HoldTheseNonmembers, mlist.ActionHold},
		{l.RejectTheseNonmembers, mlist.ActionReject},
		{l.DiscardTheseNonmembers, mlist.ActionDiscard},
	}
	for _, sender := range senders {
		for _, c := range checks {
			if matchAny(c.patterns, sender) {
				setModeration(j.Meta, c.action, sender, "The sender is in the nonmember "+c.action+" list")
				return true, nil
			}
		}
	}

	action := l.GenericNonmemberAction
	if action == "" || action == mlist.ActionDefer {
		return false, nil
	}
	setModeration(j.Meta, action, senders[0], "The message is not from a list member")
	return true, nil
}
