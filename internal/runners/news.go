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
	"time"

	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/handlers"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/nntp"
	"github.com/foxcpp/listd/internal/runner"
	"github.com/foxcpp/listd/internal/site"
)

// Fields added by news servers. An article carrying them is rejected by
// most servers.
var nntpServerFields = []string{
	"NNTP-Posting-Host", "NNTP-Posting-Date", "X-Trace", "X-Complaints-To",
	"Xref", "Date-Received", "Posted", "Posting-Version", "Relay-Version",
	"Received", "Path", "Injection-Info", "Injection-Date",
}

// newsBackoff is the pause after the news server failed temporarily.
const newsBackoff = time.Minute

type newsRunner struct {
	env Env
	// pausedUntil is set after a temporary failure, entries stay queued
	// until then.
	pausedUntil time.Time
}

func newNews(env Env) runner.Disposer {
	return &newsRunner{env: env}
}

// prepareArticle turns the post into a news article for the linked group.
func prepareArticle(l *mlist.MailingList, msg *mailmsg.Message) *mailmsg.Message {
	art := msg.Copy()
	h := &art.Header
	for _, k := range nntpServerFields {
		h.Del(k)
	}
	h.Set("Newsgroups", l.LinkedNewsgroup)
	if art.MessageID() == "" {
		h.Set("Message-Id", mailmsg.NewMessageID(l.Host()))
	}
	if l.NewsModerated {
		h.Set("Approved", l.PostingAddress())
	}
	if !l.NewsPrefixSubject && l.SubjectPrefix != "" {
		art.SetText("Subject", handlers.StripPrefix(l.SubjectPrefix, art.Subject()))
	}
	return art
}

// Dispose posts the article. Temporary failures keep the entry queued.
func (r *newsRunner) Dispose(ctx context.Context, j *site.Job) (bool, error) {
	s, l := r.env.Site, j.List
	log := j.Logger(r.env.Log)
	if !l.GatewayToNews || l.LinkedNewsgroup == "" || s.News.Server == "" {
		log.Msg("news gateway disabled, dropping the article")
		return false, nil
	}

	if s.Now().Before(r.pausedUntil) {
		return true, nil
	}

	err := nntp.Post(ctx, s.News.Server, s.News.Timeout, prepareArticle(l, j.Msg))
	if err != nil {
		if exterrors.IsTemporaryOrUnspec(err) {
			log.Error("news server unavailable, will retry", err, "server", s.News.Server)
			r.pausedUntil = s.Now().Add(newsBackoff)
			return true, nil
		}
		return false, err
	}
	log.Msg("article posted", "newsgroup", l.LinkedNewsgroup)
	return false, nil
}
