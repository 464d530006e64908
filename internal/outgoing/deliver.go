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

// Package outgoing hands list traffic over to the local MTA using SMTP.
//
// Bulk deliveries send one copy per batch of at most MaxRecipients
// recipients. VERP and personalized deliveries send one copy per recipient
// with a recipient-specific envelope sender or decoration.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/bounce"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/verp"
)

// RecipientsFailed is returned by Deliver when some recipients were not
// accepted by the MTA. Recipients not listed in it were delivered.
type RecipientsFailed struct {
	Perm []bounce.Failure
	Temp []bounce.Failure
}

func (rf *RecipientsFailed) Error() string {
	return fmt.Sprintf("outgoing: %d recipients failed permanently, %d temporarily", len(rf.Perm), len(rf.Temp))
}

func (rf *RecipientsFailed) add(rcpt string, err error) {
	if exterrors.IsTemporary(err) {
		rf.Temp = append(rf.Temp, bounce.Failure{Address: rcpt, Err: err})
	} else {
		rf.Perm = append(rf.Perm, bounce.Failure{Address: rcpt, Err: err})
	}
}

func (rf *RecipientsFailed) empty() bool {
	return len(rf.Perm) == 0 && len(rf.Temp) == 0
}

// TempAddresses returns the addresses to retry.
func (rf *RecipientsFailed) TempAddresses() []string {
	res := make([]string, 0, len(rf.Temp))
	for _, f := range rf.Temp {
		res = append(res, f.Address)
	}
	return res
}

type Deliverer struct {
	Addr          string
	Hello         string
	MaxRecipients int
	Timeout       time.Duration

	// Signer is optional.
	Signer *Signer
	Log    log.Logger
	Now    func() time.Time
}

func New(cfg site.SMTPConfig, signer *Signer, logger log.Logger) *Deliverer {
	hello := cfg.Hello
	if hello == "" {
		hello = "localhost"
	}
	return &Deliverer{
		Addr:          net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Hello:         hello,
		MaxRecipients: cfg.MaxRecipients,
		Timeout:       cfg.Timeout,
		Signer:        signer,
		Log:           logger,
		Now:           time.Now,
	}
}

// Deliver sends msg to meta.Recips. It returns *RecipientsFailed if some
// recipients were rejected and ConnError if the MTA could not be reached
// before anything was delivered.
func (d *Deliverer) Deliver(ctx context.Context, l *mlist.MailingList, msg *mailmsg.Message, meta *switchboard.Metadata) error {
	if len(meta.Recips) == 0 {
		return nil
	}
	useVERP := meta.VERP != nil && *meta.VERP && l != nil
	if useVERP || (l != nil && l.Personalized() && meta.ToList) {
		return d.personalized(ctx, l, msg, meta, useVERP)
	}
	return d.bulk(ctx, l, msg, meta)
}

func decorates(l *mlist.MailingList, meta *switchboard.Metadata) bool {
	return l != nil && meta.ToList && !meta.IsDigest
}

func needsUTF8(from string, rcpts []string) bool {
	if !address.IsASCII(from) {
		return true
	}
	for _, r := range rcpts {
		if !address.IsASCII(r) {
			return true
		}
	}
	return false
}

func (d *Deliverer) bulk(ctx context.Context, l *mlist.MailingList, msg *mailmsg.Message, meta *switchboard.Metadata) error {
	if decorates(l, meta) {
		var err error
		msg, err = Decorate(msg, l, nil)
		if err != nil {
			return err
		}
	}
	msg, err := d.Signer.signed(msg, d.Now())
	if err != nil {
		return err
	}
	data := msg.Bytes()

	batchSize := d.MaxRecipients
	if batchSize <= 0 {
		batchSize = len(meta.Recips)
	}

	failed := &RecipientsFailed{}
	delivered := 0
	for start := 0; start < len(meta.Recips); start += batchSize {
		end := start + batchSize
		if end > len(meta.Recips) {
			end = len(meta.Recips)
		}
		batch := meta.Recips[start:end]

		n, err := d.sendBatch(ctx, meta.EnvSender, batch, data, failed)
		delivered += n
		var connErr ConnError
		if errors.As(err, &connErr) {
			if delivered == 0 && start == 0 {
				return err
			}
			// Part of the message is out, keep going through the retry
			// queue for the rest.
			for _, rcpt := range meta.Recips[start:] {
				failed.add(rcpt, connErr)
			}
			break
		}
		if err != nil {
			return err
		}
	}

	d.Log.DebugMsg("bulk delivery", "rcpts", len(meta.Recips), "delivered", delivered)
	if failed.empty() {
		return nil
	}
	return failed
}

// sendBatch runs one SMTP transaction. It returns the count of accepted
// recipients, rejections are collected into failed.
func (d *Deliverer) sendBatch(ctx context.Context, from string, rcpts []string, data []byte, failed *RecipientsFailed) (int, error) {
	c, err := dial(ctx, d.Addr, d.Hello, d.Timeout, d.Log)
	if err != nil {
		return 0, err
	}
	defer c.close()
	return transaction(c, from, rcpts, data, failed)
}

func transaction(c *conn, from string, rcpts []string, data []byte, failed *RecipientsFailed) (int, error) {
	var connErr ConnError
	if err := c.mail(from, needsUTF8(from, rcpts)); err != nil {
		if errors.As(err, &connErr) {
			return 0, err
		}
		for _, rcpt := range rcpts {
			failed.add(rcpt, err)
		}
		return 0, c.reset()
	}

	accepted := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if err := c.rcpt(rcpt); err != nil {
			if errors.As(err, &connErr) {
				return 0, err
			}
			failed.add(rcpt, err)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return 0, c.reset()
	}

	if err := c.data(data); err != nil {
		if errors.As(err, &connErr) {
			return 0, err
		}
		for _, rcpt := range accepted {
			failed.add(rcpt, err)
		}
		return 0, nil
	}
	return len(accepted), nil
}

func (d *Deliverer) personalized(ctx context.Context, l *mlist.MailingList, msg *mailmsg.Message, meta *switchboard.Metadata, useVERP bool) error {
	c, err := dial(ctx, d.Addr, d.Hello, d.Timeout, d.Log)
	if err != nil {
		return err
	}
	defer c.close()

	failed := &RecipientsFailed{}
	delivered := 0
	for i, rcpt := range meta.Recips {
		if err := ctx.Err(); err != nil {
			for _, rest := range meta.Recips[i:] {
				failed.add(rest, exterrors.WithTemporary(err, true))
			}
			break
		}

		copyMsg := msg
		if l.Personalize == mlist.PersonalizeFull && meta.ToList {
			copyMsg = msg.Copy()
			copyMsg.Header.Set("To", rcpt)
		}
		if decorates(l, meta) {
			copyMsg, err = Decorate(copyMsg, l, map[string]interface{}{
				"user_address":      rcpt,
				"user_delivered_to": rcpt,
			})
			if err != nil {
				return err
			}
		}
		copyMsg, err = d.Signer.signed(copyMsg, d.Now())
		if err != nil {
			return err
		}

		from := meta.EnvSender
		if useVERP {
			from = verp.Encode(l.BouncesAddress(), rcpt)
		}

		n, err := transaction(c, from, []string{rcpt}, copyMsg.Bytes(), failed)
		var connErr ConnError
		if errors.As(err, &connErr) {
			if delivered == 0 && i == 0 {
				return err
			}
			for _, rest := range meta.Recips[i:] {
				failed.add(rest, connErr)
			}
			break
		}
		if err != nil {
			return err
		}
		delivered += n
	}

	d.Log.DebugMsg("personalized delivery", "rcpts", len(meta.Recips), "delivered", delivered, "verp", useVERP)
	if failed.empty() {
		return nil
	}
	return failed
}
