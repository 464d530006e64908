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
	"bufio"
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/foxcpp/listd/internal/site"
)

var pseudoHeaderRe = regexp.MustCompile(`(?i)^(subject|keywords):\s*(.*)$`)

// topicCandidates returns the Subject and Keywords values of the message,
// including the ones given as pseudo-headers at the start of the body.
func topicCandidates(j *site.Job, bodyLines int) []string {
	cands := []string{j.Msg.Subject()}
	cands = append(cands, j.Msg.Values("Keywords")...)
	if bodyLines <= 0 {
		return cands
	}
	text, ok := j.Msg.FirstText()
	if !ok {
		return cands
	}
	sc := bufio.NewScanner(bytes.NewReader([]byte(text)))
	for n := 0; n < bodyLines && sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := pseudoHeaderRe.FindStringSubmatch(line)
		if m == nil {
			break
		}
		cands = append(cands, m[2])
	}
	return cands
}

func tag(_ context.Context, s *site.Site, j *site.Job) error {
	l := j.List
	if !l.TopicsEnabled || len(l.Topics) == 0 {
		return nil
	}
	cands := topicCandidates(j, l.TopicsBodyLines)

	var hits []string
	for _, topic := range l.Topics {
		re, err := regexp.Compile("(?i)" + topic.Pattern)
		if err != nil {
			j.Logger(s.Log).Msg("bad topic pattern", "topic", topic.Name, "reason", err.Error())
			continue
		}
		for _, c := range cands {
			if re.MatchString(c) {
				hits = append(hits, topic.Name)
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}
	j.Meta.Topics = hits
	j.Msg.SetText("X-Topics", strings.Join(hits, ","))
	return nil
}
