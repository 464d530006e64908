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

// Package nntp implements the subset of the NNTP client protocol (RFC 3977)
// needed to post articles.
package nntp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/mailmsg"
)

const (
	codePostingAllowed    = 200
	codeSendArticle       = 340
	codeArticleReceived   = 240
	codePostingNotAllowed = 440
)

// Post sends the article to the server at addr using the POST command.
// Errors for conditions that may go away are marked temporary.
func Post(ctx context.Context, addr string, timeout time.Duration, article *mailmsg.Message) error {
	if timeout == 0 {
		timeout = time.Minute
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("nntp: %w", err), true)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	tp := textproto.NewConn(conn)
	code, msg, err := tp.ReadCodeLine(2)
	if err != nil {
		return wrapErr(err)
	}
	if code != codePostingAllowed {
		return exterrors.WithTemporary(fmt.Errorf("nntp: posting not allowed: %d %s", code, msg), false)
	}

	id, err := tp.Cmd("POST")
	if err != nil {
		return wrapErr(err)
	}
	tp.StartResponse(id)
	_, _, err = tp.ReadCodeLine(codeSendArticle)
	tp.EndResponse(id)
	if err != nil {
		return wrapErr(err)
	}

	w := tp.DotWriter()
	if _, err := article.WriteTo(w); err != nil {
		w.Close()
		return wrapErr(err)
	}
	if err := w.Close(); err != nil {
		return wrapErr(err)
	}
	if _, _, err := tp.ReadCodeLine(codeArticleReceived); err != nil {
		return wrapErr(err)
	}

	if id, err := tp.Cmd("QUIT"); err == nil {
		tp.StartResponse(id)
		tp.ReadCodeLine(2)
		tp.EndResponse(id)
	}
	return nil
}

func wrapErr(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		temp := protoErr.Code/100 == 4 && protoErr.Code != codePostingNotAllowed
		return exterrors.WithTemporary(fmt.Errorf("nntp: %d %s", protoErr.Code, protoErr.Msg), temp)
	}
	return exterrors.WithTemporary(fmt.Errorf("nntp: %w", err), true)
}
