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

// Package bounce recognizes delivery failure reports and keeps the bounce
// score of list members.
//
// Detectors are tried in a fixed order, the first one that yields a result
// wins. The processor turns detected failures into member state changes:
// score increments, disabling, reminders and, eventually, removal.
package bounce

import (
	"regexp"
	"strings"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/internal/mailmsg"
)

// Result of a detector. The zero value means "not my format".
type Result struct {
	Addresses []string

	// Stop marks a transient warning that is dropped without scoring.
	Stop bool

	// Temporary is set when all reported failures are transient.
	Temporary bool
}

func (r Result) Empty() bool {
	return !r.Stop && len(r.Addresses) == 0
}

type Detector func(msg *mailmsg.Message) Result

type namedDetector struct {
	name string
	fn   Detector
}

var detectors = []namedDetector{
	{"dsn", detectDSN},
	{"qmail", detectQmail},
	{"postfix", detectPostfix},
	{"exim", detectExim},
	{"simple-warning", detectWarning},
	{"simple-match", detectSimple},
}

// Detectors returns detector names in the order they are consulted.
func Detectors() []string {
	names := make([]string, 0, len(detectors))
	for _, d := range detectors {
		names = append(names, d.name)
	}
	return names
}

// Detect runs the detectors and returns the first non-empty result along
// with the name of the detector that produced it.
func Detect(msg *mailmsg.Message) (Result, string) {
	for _, d := range detectors {
		res := d.fn(msg)
		if res.Empty() {
			continue
		}
		res.Addresses = cleanAddresses(res.Addresses)
		if res.Empty() {
			continue
		}
		return res, d.name
	}
	return Result{}, ""
}

func cleanAddresses(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	res := addrs[:0:0]
	for _, a := range addrs {
		a = strings.Trim(strings.TrimSpace(a), "<>.,;:'\"")
		if !strings.Contains(a, "@") || !address.Valid(a) {
			continue
		}
		norm, err := address.ForLookup(a)
		if err != nil {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		res = append(res, norm)
	}
	return res
}

func detectDSN(msg *mailmsg.Message) Result {
	t, params, err := msg.ContentType()
	if err != nil || t != "multipart/report" || !strings.EqualFold(params["report-type"], "delivery-status") {
		return Result{}
	}
	statuses, ok := deliveryStatus(msg)
	if !ok {
		return Result{}
	}

	var (
		res       Result
		delayed   bool
		permanent bool
	)
	for _, rs := range statuses {
		switch rs.Action {
		case ActionFailed:
			res.Addresses = append(res.Addresses, rs.FinalRecipient)
			if rs.Permanent() {
				permanent = true
			}
		case ActionDelayed:
			delayed = true
		}
	}
	if len(res.Addresses) == 0 {
		res.Stop = delayed
		return res
	}
	res.Temporary = !permanent
	return res
}

func bodyLines(msg *mailmsg.Message) []string {
	text, ok := msg.FirstText()
	if !ok {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

var (
	qmailStart = regexp.MustCompile(`(?i)^(hi\. )?this is the qmail-send program`)
	qmailEnd   = regexp.MustCompile(`^--- (below this line|enclosed is)`)
	qmailAddr  = regexp.MustCompile(`^<([^>\s]+@[^>\s]+)>:`)
)

func detectQmail(msg *mailmsg.Message) Result {
	var (
		res     Result
		started bool
	)
	for _, line := range bodyLines(msg) {
		if !started {
			started = qmailStart.MatchString(strings.TrimSpace(line))
			continue
		}
		if qmailEnd.MatchString(strings.ToLower(line)) {
			break
		}
		if m := qmailAddr.FindStringSubmatch(line); m != nil {
			res.Addresses = append(res.Addresses, m[1])
		}
	}
	return res
}

var (
	postfixStart = regexp.MustCompile(`(?i)^\s*(the postfix program|this is the mail system at|the mail system)\b`)
	postfixAddr  = regexp.MustCompile(`^\s*<([^>\s]+@[^>\s]+)>(:|\s|\(|$)`)
)

func detectPostfix(msg *mailmsg.Message) Result {
	t, _, _ := msg.ContentType()
	if t != "multipart/mixed" && t != "multipart/report" && t != "text/plain" {
		return Result{}
	}
	var (
		res     Result
		started bool
	)
	for _, line := range bodyLines(msg) {
		if !started {
			started = postfixStart.MatchString(line)
			continue
		}
		if strings.HasPrefix(line, "--") {
			break
		}
		if m := postfixAddr.FindStringSubmatch(line); m != nil {
			res.Addresses = append(res.Addresses, m[1])
		}
	}
	return res
}

// detectExim uses the X-Failed-Recipients field Exim adds to its bounces.
func detectExim(msg *mailmsg.Message) Result {
	var res Result
	for _, v := range msg.Values("X-Failed-Recipients") {
		for _, a := range strings.Split(v, ",") {
			res.Addresses = append(res.Addresses, a)
		}
	}
	return res
}

var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)this is a warning message only`),
	regexp.MustCompile(`(?i)this is just a warning`),
	regexp.MustCompile(`(?i)delivery to the following recipients? (has|have) been delayed`),
	regexp.MustCompile(`(?i)message (delivery )?has been delayed`),
	regexp.MustCompile(`(?i)no action is required on your part`),
	regexp.MustCompile(`(?i)will (continue to )?(retry|attempt)`),
}

var warningSubjects = regexp.MustCompile(`(?i)^(warning: could not send|delayed mail|delivery (status notification \()?delay|mail delivery delayed)`)

func detectWarning(msg *mailmsg.Message) Result {
	if warningSubjects.MatchString(msg.Subject()) {
		return Result{Stop: true}
	}
	for _, line := range bodyLines(msg) {
		for _, re := range warningPatterns {
			if re.MatchString(line) {
				return Result{Stop: true}
			}
		}
	}
	return Result{}
}

// simplePattern collects addresses from lines following start. The block
// ends at end once at least one non-blank line was seen.
type simplePattern struct {
	start *regexp.Regexp
	end   *regexp.Regexp
	addr  *regexp.Regexp
}

var anyAddr = regexp.MustCompile(`<?([^\s<>"():;,]+@[^\s<>"():;,]+)>?`)

var simplePatterns = []simplePattern{
	{regexp.MustCompile(`(?i)the following addresses had permanent fatal errors`), regexp.MustCompile(`^\s*$`), anyAddr},
	{regexp.MustCompile(`(?i)delivery to the following recipients? failed`), regexp.MustCompile(`^\s*$`), anyAddr},
	{regexp.MustCompile(`(?i)(could not|cannot) be delivered to( the following (recipients?|addresses))?:?\s*$`), regexp.MustCompile(`^\s*$`), anyAddr},
	{regexp.MustCompile(`(?i)-+ ?failed addresses follow`), regexp.MustCompile(`^-+`), anyAddr},
	{regexp.MustCompile(`(?i)^\s*failed recipient`), regexp.MustCompile(`^\s*$`), anyAddr},
}

var singleLine = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<?([^\s<>]+@[^\s<>]+?)>?\.*:?\s*(\.\.\.\s*)?(user unknown|unknown user|no such user|mailbox unavailable|mailbox not found|unknown recipient)`),
	regexp.MustCompile(`(?i)\b55[0-4][ -](5\.\d{1,3}\.\d{1,3} )?<([^\s<>]+@[^\s<>]+)>`),
}

func detectSimple(msg *mailmsg.Message) Result {
	lines := bodyLines(msg)
	var res Result
	for _, p := range simplePatterns {
		inBlock, seen := false, false
		for _, line := range lines {
			if !inBlock {
				inBlock = p.start.MatchString(line)
				continue
			}
			if seen && p.end.MatchString(line) {
				inBlock, seen = false, false
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			seen = true
			for _, m := range p.addr.FindAllStringSubmatch(line, -1) {
				res.Addresses = append(res.Addresses, m[1])
			}
		}
		if len(res.Addresses) != 0 {
			return res
		}
	}
	for _, line := range lines {
		for _, re := range singleLine {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if re == singleLine[1] {
				res.Addresses = append(res.Addresses, m[2])
			} else {
				res.Addresses = append(res.Addresses, m[1])
			}
		}
	}
	return res
}
