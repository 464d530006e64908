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

package outgoing

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/framework/log"
)

// conn wraps a go-smtp client session with the local MTA. Errors returned
// by its methods are wrapped using exterrors.
type conn struct {
	addr string
	cl   *smtp.Client
	log  log.Logger
}

// ConnError is a failure to talk to the MTA at all, as opposed to a
// rejection of a particular recipient.
type ConnError struct {
	Err error
}

func (ce ConnError) Error() string {
	return "outgoing: " + ce.Err.Error()
}

func (ce ConnError) Unwrap() error {
	return ce.Err
}

func (ce ConnError) Temporary() bool {
	return true
}

func wrapClientErr(err error, server string) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	var opErr *net.OpError
	switch {
	case errors.As(err, &smtpErr):
		code, ench := smtpErr.Code, smtpErr.EnhancedCode
		// RFC 5321 Section 4.5.3.1.10: 552 on RCPT means too many
		// recipients and is temporary.
		if code == 552 {
			code = 452
			ench[0] = 4
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: exterrors.EnhancedCode(ench),
			Message:      server + " said: " + smtpErr.Message,
			Component:    "outgoing",
			Err:          smtpErr,
			Misc:         map[string]interface{}{"remote_server": server},
		}
	case errors.As(err, &opErr):
		return ConnError{Err: &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Component:    "outgoing",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": opErr.Addr,
				"io_op":       opErr.Op,
			},
		}}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ConnError{Err: err}
	default:
		return exterrors.WithFields(err, map[string]interface{}{"remote_server": server})
	}
}

func dial(ctx context.Context, addr, hello string, timeout time.Duration, logger log.Logger) (*conn, error) {
	type result struct {
		cl  *smtp.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cl, err := smtp.Dial(addr)
		ch <- result{cl, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cl != nil {
				r.cl.Close()
			}
		}()
		return nil, ConnError{Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, ConnError{Err: res.err}
	}

	cl := res.cl
	if timeout != 0 {
		cl.CommandTimeout = timeout
		cl.SubmissionTimeout = timeout
	}
	if err := cl.Hello(hello); err != nil {
		cl.Close()
		return nil, ConnError{Err: err}
	}
	return &conn{addr: addr, cl: cl, log: logger}, nil
}

func (c *conn) mail(from string, utf8 bool) error {
	opts := &smtp.MailOptions{}
	if utf8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					Component:    "outgoing",
					Err:          err,
				}
			}
		}
	}
	return wrapClientErr(c.cl.Mail(from, opts), c.addr)
}

func (c *conn) rcpt(to string) error {
	if ok, _ := c.cl.Extension("SMTPUTF8"); !address.IsASCII(to) && !ok {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Component:    "outgoing",
				Err:          err,
			}
		}
	}
	return wrapClientErr(c.cl.Rcpt(to, nil), c.addr)
}

// data sends the message. If it fails, the connection may be in the middle
// of the data stream and must not be reused.
func (c *conn) data(msg []byte) error {
	wc, err := c.cl.Data()
	if err != nil {
		return wrapClientErr(err, c.addr)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return wrapClientErr(err, c.addr)
	}
	return wrapClientErr(wc.Close(), c.addr)
}

func (c *conn) reset() error {
	return wrapClientErr(c.cl.Reset(), c.addr)
}

// close sends QUIT, closing the connection directly if that fails.
func (c *conn) close() {
	if err := c.cl.Quit(); err != nil {
		c.log.Error("QUIT error", wrapClientErr(err, c.addr))
		c.cl.Close()
	}
}
