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

package lmtp

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
)

type session struct {
	srv *Server
	log log.Logger

	mailFrom string
	rcpts    []string
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.mailFrom = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data is only called by go-smtp when LMTPData is not available, the
// first recipient status is returned.
func (s *session) Data(r io.Reader) error {
	var st firstStatus
	if err := s.LMTPData(r, &st); err != nil {
		return err
	}
	return st.err
}

type firstStatus struct {
	set bool
	err error
}

func (st *firstStatus) SetStatus(_ string, err error) {
	if !st.set {
		st.set, st.err = true, err
	}
}

func statusCode(err error) string {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return strconv.Itoa(smtpErr.Code)
	}
	return "250"
}

func (s *session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	ctx := context.Background()

	msg, err := mailmsg.Parse(r)
	if err != nil {
		status := errBadMessage
		if errors.Is(err, smtp.ErrDataTooLarge) {
			status = smtp.ErrDataTooLarge
		} else {
			s.log.Error("malformed message", err, "from", s.mailFrom)
		}
		// Drain the rest so the status lines are not mixed with the body.
		io.Copy(io.Discard, r)
		for _, rcpt := range s.rcpts {
			rcptStatuses.WithLabelValues("", statusCode(status)).Inc()
			sc.SetStatus(rcpt, status)
		}
		return nil
	}

	from := s.mailFrom
	if from == "" {
		from = "<>"
	}
	msg.Header.Set("X-MailFrom", from)

	for _, rcpt := range s.rcpts {
		queue, err := s.deliver(ctx, msg, rcpt)
		rcptStatuses.WithLabelValues(queue, statusCode(err)).Inc()
		sc.SetStatus(rcpt, err)
	}
	return nil
}

func (s *session) deliver(ctx context.Context, msg *mailmsg.Message, rcpt string) (string, error) {
	route, err := s.srv.Resolve(ctx, rcpt)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			s.log.Msg("recipient rejected", "rcpt", rcpt, "from", s.mailFrom, "reason", smtpErr.Message)
			return "", err
		}
		s.log.Error("cannot resolve the recipient", err, "rcpt", rcpt)
		return "", errInternal
	}

	fb, err := s.srv.Site.Enqueue(route.Queue, msg, route.Meta)
	if err != nil {
		s.log.Error("cannot enqueue the message", err, "rcpt", rcpt, "queue", route.Queue)
		return route.Queue, errInternal
	}
	s.log.Msg("accepted", "rcpt", rcpt, "from", s.mailFrom, "list", route.List,
		"queue", route.Queue, "msg_id", fb, "message_id", msg.MessageID())
	return route.Queue, nil
}
