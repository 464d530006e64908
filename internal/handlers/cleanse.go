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
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/rules"
	"github.com/foxcpp/listd/internal/site"
)

// receiptFields ask for read receipts, nobody on the list should
// acknowledge them.
var receiptFields = []string{
	"Return-Receipt-To", "Disposition-Notification-To", "X-Confirm-Reading-To", "X-PMRQC",
}

// identityFields are removed from anonymous posts.
var identityFields = []string{
	"Sender", "Organization", "Return-Path", "X-MailFrom", "X-Originating-Ip",
	"X-Envelope-From", "X-Envelope-To", "In-Reply-To", "References", "User-Agent", "X-Mailer",
}

func cleanse(_ context.Context, s *site.Site, j *site.Job) error {
	h := &j.Msg.Header
	for _, key := range rules.ApprovedHeaders {
		h.Del(key)
	}
	h.Del("Urgent")
	for _, key := range receiptFields {
		h.Del(key)
	}

	l := j.List
	if !l.Anonymous {
		return nil
	}
	for _, key := range identityFields {
		h.Del(key)
	}
	h.Del("From")
	h.Del("Reply-To")
	h.Set("From", formatAddress(l.RealName(), l.PostingAddress()))
	h.Set("Reply-To", l.PostingAddress())
	h.Set("Message-Id", mailmsg.NewMessageID(l.Host()))
	return nil
}

// formatAddress builds a From-style mailbox, encoding the display name if
// needed.
func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	if isASCII(name) {
		if strings.ContainsAny(name, `()<>[]:;@\,."`) {
			name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
		}
	} else {
		name = mime.QEncoding.Encode("utf-8", name)
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

// mungesFrom reports whether the From field will be rewritten for the
// message, which breaks the author's signatures.
func mungesFrom(j *site.Job) bool {
	return j.Meta.Extra[rules.ExtraMungeFrom] != ""
}

// cleanseDKIM drops signatures the list is going to invalidate. The
// verification result is recorded in a new Authentication-Results field.
func cleanseDKIM(ctx context.Context, s *site.Site, j *site.Job) error {
	l := j.List
	if !l.StripDKIM && !l.Anonymous && !mungesFrom(j) {
		return nil
	}
	if len(j.Msg.Values("DKIM-Signature")) == 0 && len(j.Msg.Values("DomainKey-Signature")) == 0 {
		return nil
	}

	results := verifyDKIM(ctx, s, j)

	h := &j.Msg.Header
	h.Del("DKIM-Signature")
	h.Del("DomainKey-Signature")
	h.Del("Authentication-Results")
	h.Add("Authentication-Results", authres.Format(s.Hostname, results))
	return nil
}

func verifyDKIM(ctx context.Context, s *site.Site, j *site.Job) []authres.Result {
	if s.Resolver == nil {
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultNone}}
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	verifs, err := dkim.VerifyWithOptions(bytes.NewReader(j.Msg.Bytes()), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return s.Resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		j.Logger(s.Log).Error("dkim verification failed", err)
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultTempError}}
	}
	if len(verifs) == 0 {
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultNone}}
	}

	res := make([]authres.Result, 0, len(verifs))
	for _, v := range verifs {
		val := authres.ResultValue(authres.ResultPass)
		reason := ""
		if v.Err != nil {
			val = authres.ResultFail
			reason = strings.TrimPrefix(v.Err.Error(), "dkim: ")
			if dkim.IsPermFail(v.Err) {
				val = authres.ResultPermError
			}
			if dkim.IsTempFail(v.Err) {
				val = authres.ResultTempError
			}
		}
		res = append(res, &authres.DKIMResult{
			Value:      val,
			Reason:     reason,
			Domain:     v.Domain,
			Identifier: v.Identifier,
		})
	}
	return res
}
