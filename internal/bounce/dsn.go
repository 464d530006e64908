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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message"
	mtextproto "github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/mailmsg"
)

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// RecipientStatus is a per-recipient group of a delivery-status report.
type RecipientStatus struct {
	FinalRecipient string
	Action         Action
	Status         smtp.EnhancedCode

	// Diagnostic is the Diagnostic-Code value without the type prefix.
	Diagnostic string
}

// Permanent reports whether the status describes a permanent failure.
func (rs RecipientStatus) Permanent() bool {
	if rs.Status[0] != 0 {
		return rs.Status[0] == 5
	}
	return rs.Action == ActionFailed
}

func (rs RecipientStatus) writeTo(w io.Writer) error {
	h := mtextproto.Header{}
	if rs.FinalRecipient == "" {
		return errors.New("bounce: Final-Recipient is required")
	}
	if rs.Action == "" {
		return errors.New("bounce: Action is required")
	}
	if rs.Status[0] == 0 {
		return errors.New("bounce: Status is required")
	}
	// WriteHeader emits fields in reverse order of Add.
	if rs.Diagnostic != "" {
		h.Add("Diagnostic-Code", "smtp; "+oneLine(rs.Diagnostic))
	}
	h.Add("Status", fmt.Sprintf("%d.%d.%d", rs.Status[0], rs.Status[1], rs.Status[2]))
	h.Add("Action", string(rs.Action))
	h.Add("Final-Recipient", "rfc822; "+rs.FinalRecipient)
	return mtextproto.WriteHeader(w, h)
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
}

// Failure is a recipient the outgoing stage could not deliver to.
type Failure struct {
	Address string
	Err     error
}

func statusOf(err error) (smtp.EnhancedCode, string) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		code := smtpErr.EnhancedCode
		if code[0] == 0 {
			code = smtp.EnhancedCode{smtpErr.Code / 100, 0, 0}
		}
		return code, fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)
	}
	var extErr *exterrors.SMTPError
	if errors.As(err, &extErr) {
		code := smtp.EnhancedCode(extErr.EnhancedCode)
		if code[0] == 0 {
			code = smtp.EnhancedCode{extErr.Code / 100, 0, 0}
		}
		return code, fmt.Sprintf("%d %s", extErr.Code, extErr.Message)
	}
	if err == nil {
		return smtp.EnhancedCode{5, 0, 0}, ""
	}
	if exterrors.IsTemporary(err) {
		return smtp.EnhancedCode{4, 0, 0}, err.Error()
	}
	return smtp.EnhancedCode{5, 0, 0}, err.Error()
}

var humanText = template.Must(template.New("dsn-text").Parse(`
This is the mail delivery system at {{.Host}}.

Your message could not be delivered to one or more recipients.

Message ID: {{.MsgID}}
Last delivery attempt: {{.Date}}

`))

// Synthesize builds a delivery status notification for failures of orig,
// addressed to to. The outgoing stage feeds these into the bounces queue so
// that SMTP-time rejections are scored like any other bounce.
func Synthesize(host, from, to string, failures []Failure, orig *mailmsg.Message, now time.Time) (*mailmsg.Message, error) {
	var body bytes.Buffer
	mw := mtextproto.NewMultipartWriter(&body)

	h := mtextproto.Header{}
	h.Set("Date", now.Format(time.RFC1123Z))
	h.Set("Message-Id", mailmsg.NewMessageID(host))
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "multipart/report; report-type=delivery-status; boundary="+mw.Boundary())
	h.Set("Content-Transfer-Encoding", "8bit")
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", "Undelivered Mail Returned to Sender")

	rcpts := make([]RecipientStatus, 0, len(failures))
	for _, f := range failures {
		code, diag := statusOf(f.Err)
		action := ActionFailed
		if code[0] == 4 {
			action = ActionDelayed
		}
		rcpts = append(rcpts, RecipientStatus{
			FinalRecipient: f.Address,
			Action:         action,
			Status:         code,
			Diagnostic:     diag,
		})
	}

	if err := writeHuman(mw, host, orig, rcpts, now); err != nil {
		return nil, err
	}
	if err := writeMachine(mw, host, rcpts); err != nil {
		return nil, err
	}
	if orig != nil {
		ph := mtextproto.Header{}
		ph.Set("Content-Description", "Undelivered message header")
		ph.Set("Content-Type", "message/rfc822-headers")
		ph.Set("Content-Transfer-Encoding", "8bit")
		w, err := mw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if err := mtextproto.WriteHeader(w, orig.Header); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return mailmsg.New(h, body.Bytes()), nil
}

func writeHuman(mw *mtextproto.MultipartWriter, host string, orig *mailmsg.Message, rcpts []RecipientStatus, now time.Time) error {
	ph := mtextproto.Header{}
	ph.Set("Content-Type", `text/plain; charset="utf-8"`)
	ph.Set("Content-Transfer-Encoding", "8bit")
	ph.Set("Content-Description", "Notification")
	w, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	msgID := ""
	if orig != nil {
		msgID = orig.Header.Get("Message-Id")
	}
	err = humanText.Execute(w, map[string]string{
		"Host":  host,
		"MsgID": msgID,
		"Date":  now.Format(time.RFC1123Z),
	})
	if err != nil {
		return err
	}
	for _, rs := range rcpts {
		if _, err := fmt.Fprintf(w, "Delivery to %s failed: %s\n", rs.FinalRecipient, rs.Diagnostic); err != nil {
			return err
		}
	}
	return nil
}

func writeMachine(mw *mtextproto.MultipartWriter, host string, rcpts []RecipientStatus) error {
	ph := mtextproto.Header{}
	ph.Set("Content-Type", "message/delivery-status")
	ph.Set("Content-Description", "Delivery report")
	w, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	mh := mtextproto.Header{}
	mh.Set("Reporting-MTA", "dns; "+host)
	if err := mtextproto.WriteHeader(w, mh); err != nil {
		return err
	}
	for _, rs := range rcpts {
		if err := rs.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

// ParseStatus reads the machine-readable part of a delivery status
// notification: one per-message group followed by per-recipient groups.
func ParseStatus(r io.Reader) ([]RecipientStatus, error) {
	tr := textproto.NewReader(bufio.NewReader(r))
	if _, err := tr.ReadMIMEHeader(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("bounce: per-message fields: %w", err)
	}

	var res []RecipientStatus
	for {
		fields, err := tr.ReadMIMEHeader()
		if len(fields) == 0 {
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, fmt.Errorf("bounce: per-recipient fields: %w", err)
		}

		rs := RecipientStatus{Action: Action(strings.ToLower(strings.TrimSpace(fields.Get("Action"))))}
		rs.FinalRecipient = typedAddress(fields.Get("Final-Recipient"))
		if rs.FinalRecipient == "" {
			rs.FinalRecipient = typedAddress(fields.Get("Original-Recipient"))
		}
		rs.Status = parseCode(fields.Get("Status"))
		if d := fields.Get("Diagnostic-Code"); d != "" {
			if i := strings.IndexByte(d, ';'); i != -1 {
				d = d[i+1:]
			}
			rs.Diagnostic = strings.TrimSpace(d)
		}
		if rs.FinalRecipient != "" {
			res = append(res, rs)
		}
		if err != nil {
			return res, nil
		}
	}
}

// typedAddress strips the address-type prefix ("rfc822;") and brackets.
func typedAddress(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, ';'); i != -1 {
		v = strings.TrimSpace(v[i+1:])
	}
	return strings.Trim(v, "<>")
}

func parseCode(v string) smtp.EnhancedCode {
	var code smtp.EnhancedCode
	v = strings.TrimSpace(v)
	if i := strings.IndexAny(v, " \t("); i != -1 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return code
	}
	for i, p := range parts {
		n := 0
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return smtp.EnhancedCode{}
			}
			n = n*10 + int(ch-'0')
		}
		code[i] = n
	}
	return code
}

// deliveryStatus finds the delivery-status part of a report.
func deliveryStatus(msg *mailmsg.Message) ([]RecipientStatus, bool) {
	ent, err := msg.Entity()
	if err != nil {
		return nil, false
	}
	var (
		res   []RecipientStatus
		found bool
	)
	err = ent.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		switch strings.ToLower(t) {
		case "message/delivery-status", "message/global-delivery-status":
		default:
			return nil
		}
		rs, err := ParseStatus(part.Body)
		if err != nil && len(rs) == 0 {
			return nil
		}
		res, found = rs, true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, false
	}
	return res, found
}

var errStop = errors.New("stop")
