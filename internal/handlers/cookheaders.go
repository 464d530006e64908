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
	"mime"
	"regexp"
	"strconv"
	"strings"

	"github.com/foxcpp/listd/internal/archive"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
)

// ExtraFasttrack marks generated messages: their subject and Reply-To are
// left alone.
const ExtraFasttrack = "_fasttrack"

var (
	reRe       = regexp.MustCompile(`(?i)^((re|aw|sv|antw)(\[\d+\])?:\s*)+`)
	wsRe       = regexp.MustCompile(`\s+`)
	listFields = []string{
		"List-Id", "List-Unsubscribe", "List-Subscribe", "List-Post", "List-Help",
		"List-Archive", "List-Owner", "Archived-At",
	}
)

func cookHeaders(_ context.Context, s *site.Site, j *site.Job) error {
	h := &j.Msg.Header
	h.Set("X-Listd-Version", Version)
	if j.List == nil {
		return nil
	}
	l := j.List

	h.Add("X-BeenThere", l.PostingAddress())
	if h.Get("Precedence") == "" {
		h.Set("Precedence", "list")
	}

	fasttrack := j.Meta.Extra[ExtraFasttrack] != ""
	if !fasttrack {
		if j.Meta.PostID == 0 {
			j.Meta.PostID = l.PostID + 1
		}
		if !j.Meta.IsDigest && l.SubjectPrefix != "" {
			j.Msg.SetText("Subject", PrefixSubject(l.SubjectPrefix, j.Msg.Subject(), j.Meta.PostID))
		}
		if mungesFrom(j) {
			mungeFrom(j)
		}
		cookReplyTo(j)
	}

	if l.IncludeRFC2369Headers {
		addListHeaders(s, j)
	}
	return nil
}

func prefixPattern(prefix string) *regexp.Regexp {
	p := strings.TrimSpace(prefix)
	parts := strings.Split(p, "%d")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	return regexp.MustCompile(`(?i)` + strings.Join(parts, `\d+`) + `\s*`)
}

// StripPrefix removes copies of the list prefix from the subject.
func StripPrefix(prefix, subject string) string {
	if strings.TrimSpace(prefix) == "" {
		return subject
	}
	return strings.TrimSpace(prefixPattern(prefix).ReplaceAllString(subject, ""))
}

// PrefixSubject prepends the list prefix to the decoded subject. Existing
// copies of the prefix are removed first so that reposted and replied
// messages carry it exactly once, in front of any "Re:".
func PrefixSubject(prefix, subject string, postID int) string {
	if strings.TrimSpace(prefix) == "" {
		return subject
	}
	subject = wsRe.ReplaceAllString(strings.TrimSpace(subject), " ")
	subject = strings.TrimSpace(prefixPattern(prefix).ReplaceAllString(subject, ""))

	isReply := false
	if loc := reRe.FindStringIndex(subject); loc != nil {
		isReply = true
		subject = strings.TrimSpace(subject[loc[1]:])
	}
	if subject == "" {
		subject = "(no subject)"
	}
	if isReply {
		subject = "Re: " + subject
	}

	p := strings.ReplaceAll(prefix, "%d", strconv.Itoa(postID))
	if !strings.HasSuffix(p, " ") {
		p += " "
	}
	return p + subject
}

// mungeFrom replaces the author with the list address for posts from
// domains publishing a strict DMARC policy.
func mungeFrom(j *site.Job) {
	l := j.List
	h := &j.Msg.Header
	authors := j.Msg.AddressList("From")
	if len(authors) == 0 {
		return
	}
	author := authors[0]
	name := author.Name
	if name == "" {
		name = author.Address
	}

	h.Set("X-Original-From", h.Get("From"))
	h.Set("From", formatAddress(name+" via "+l.RealName(), l.PostingAddress()))
	orig := formatAddress(author.Name, author.Address)
	if l.ReplyGoesToList == mlist.ReplyToPoster && h.Get("Reply-To") == "" {
		h.Set("Reply-To", orig)
		return
	}
	if cc := h.Get("Cc"); cc != "" {
		h.Set("Cc", cc+", "+orig)
	} else {
		h.Set("Cc", orig)
	}
}

func cookReplyTo(j *site.Job) {
	l := j.List
	h := &j.Msg.Header
	if l.Anonymous {
		return
	}
	if l.FirstStripReplyTo {
		h.Del("Reply-To")
	}

	var add string
	switch l.ReplyGoesToList {
	case mlist.ReplyToList:
		add = l.PostingAddress()
	case mlist.ReplyToExplicit:
		add = l.ReplyToAddress
	}
	if add == "" {
		return
	}

	existing := h.Get("Reply-To")
	for _, a := range j.Msg.Addresses("Reply-To") {
		if strings.EqualFold(a, add) {
			return
		}
	}
	if existing == "" {
		h.Set("Reply-To", add)
		return
	}
	h.Set("Reply-To", existing+", "+add)
}

func listID(l *mlist.MailingList) string {
	name := l.Description
	if name == "" {
		name = l.RealName()
	}
	if !isASCII(name) {
		name = mime.QEncoding.Encode("utf-8", name)
	} else if strings.ContainsAny(name, `()<>[]:;@\,."`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name + " " + l.ListID()
}

func addListHeaders(s *site.Site, j *site.Job) {
	l := j.List
	h := &j.Msg.Header
	for _, key := range listFields {
		h.Del(key)
	}

	request := "mailto:" + l.RequestAddress()
	h.Set("List-Id", listID(l))
	h.Set("List-Unsubscribe", "<"+request+"?subject=unsubscribe>")
	h.Set("List-Subscribe", "<"+request+"?subject=subscribe>")
	h.Set("List-Help", "<"+request+"?subject=help>")
	h.Set("List-Owner", "<mailto:"+l.OwnerAddress()+">")
	if l.IncludeListPostHeader && !j.Meta.IsDigest {
		h.Set("List-Post", "<mailto:"+l.PostingAddress()+">")
	}

	if !l.Archive || l.ArchivePrivate {
		return
	}
	for _, a := range s.Archivers {
		linker, ok := a.(archive.Linker)
		if !ok {
			continue
		}
		if u := linker.ListURL(l); u != "" {
			h.Set("List-Archive", "<"+u+">")
		}
		if at := archive.ArchivedAt(a, l, j.Msg); at != "" {
			h.Set("Archived-At", at)
		}
		break
	}
}
