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

// Package lmtp implements the ingestion endpoint: an LMTP server that
// classifies envelope recipients into processing queues.
//
// HELO and EHLO are answered with 500 rather than 502. go-smtp handles
// them itself in LMTP mode and does not let the backend pick the code.
package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// Route describes where a message for one envelope recipient goes.
type Route struct {
	List  string
	Queue string
	Meta  *switchboard.Metadata
}

// Sub-address suffixes and the queue each maps to.
var suffixQueues = map[string]string{
	"bounces":     site.QueueBounces,
	"admin":       site.QueueBounces,
	"confirm":     site.QueueCommands,
	"join":        site.QueueCommands,
	"subscribe":   site.QueueCommands,
	"leave":       site.QueueCommands,
	"unsubscribe": site.QueueCommands,
	"owner":       site.QueueIn,
	"request":     site.QueueCommands,
}

var (
	errNoSuchList = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such list",
	}
	errBadMessage = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Cannot parse the message",
	}
	errInternal = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Internal error, try again later",
	}
)

// Server is the LMTP endpoint.
type Server struct {
	Site *site.Site
	Log  log.Logger

	serv        *smtp.Server
	listeners   []net.Listener
	listenersWg sync.WaitGroup
}

// New creates the server. Limits use the go-smtp server fields and can be
// changed before Listen.
func New(s *site.Site, logger log.Logger) *Server {
	srv := &Server{Site: s, Log: logger}
	srv.serv = smtp.NewServer(srv)
	srv.serv.LMTP = true
	srv.serv.Domain = s.Hostname
	srv.serv.EnableSMTPUTF8 = true
	srv.serv.ReadTimeout = 10 * time.Minute
	srv.serv.WriteTimeout = time.Minute
	srv.serv.MaxMessageBytes = 32 * 1024 * 1024
	srv.serv.MaxRecipients = 100
	srv.serv.ErrorLog = logger
	if logger.Debug {
		srv.serv.Debug = logger.DebugWriter()
	}
	return srv
}

// SetLimits overrides the message size and recipient count limits.
func (srv *Server) SetLimits(maxBytes int64, maxRcpts int) {
	if maxBytes > 0 {
		srv.serv.MaxMessageBytes = maxBytes
	}
	if maxRcpts > 0 {
		srv.serv.MaxRecipients = maxRcpts
	}
}

func (srv *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	startedTransactions.Inc()
	return &session{srv: srv, log: srv.Log}, nil
}

// Listen binds the endpoints and serves connections in the background.
func (srv *Server) Listen(endpoints []config.Endpoint) error {
	for _, endp := range endpoints {
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			srv.Close()
			return fmt.Errorf("lmtp: %w", err)
		}
		srv.Log.Printf("listening on %v", endp)
		srv.Serve(l)
	}
	return nil
}

// Serve accepts connections from l in the background.
func (srv *Server) Serve(l net.Listener) {
	srv.listeners = append(srv.listeners, l)
	srv.listenersWg.Add(1)
	go func() {
		defer srv.listenersWg.Done()
		if err := srv.serv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			srv.Log.Printf("failed to serve %s: %s", l.Addr(), err)
		}
	}()
}

// Addrs returns the addresses of the bound listeners.
func (srv *Server) Addrs() []net.Addr {
	res := make([]net.Addr, 0, len(srv.listeners))
	for _, l := range srv.listeners {
		res = append(res, l.Addr())
	}
	return res
}

func (srv *Server) Close() error {
	srv.serv.Close()
	srv.listenersWg.Wait()
	return nil
}

// splitLocal removes the VERP part of the local part and splits off the
// sub-address suffix.
func splitLocal(local, delim string) (base, suffix string) {
	if delim != "" {
		if i := strings.Index(local, delim); i > 0 {
			local = local[:i]
		}
	}
	base = local
	if i := strings.LastIndexByte(local, '-'); i > 0 {
		suffix = strings.ToLower(local[i+1:])
		if _, ok := suffixQueues[suffix]; ok {
			return local[:i], suffix
		}
	}
	return base, ""
}

// Resolve classifies the envelope recipient. The list part of the address
// is matched against existing lists, the posting address takes precedence
// over sub-addresses, so a list named "x-request" keeps working.
func (srv *Server) Resolve(ctx context.Context, rcpt string) (*Route, error) {
	norm, err := address.ForLookup(rcpt)
	if err != nil {
		return nil, errNoSuchList
	}
	local, domain, err := address.Split(norm)
	if err != nil || domain == "" {
		return nil, errNoSuchList
	}

	delim := srv.Site.VERP.Delimiter
	if delim == "" {
		delim = "+"
	}
	whole := local
	if i := strings.Index(whole, delim); i > 0 {
		whole = whole[:i]
	}
	exists := func(name string) (bool, error) {
		_, err := srv.Site.Lists.List(ctx, name)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, mlist.ErrNoSuchList) {
			return false, nil
		}
		return false, err
	}

	meta := &switchboard.Metadata{ReceivedTime: float64(srv.Site.Now().UnixNano()) / 1e9}
	meta.SetExtra(switchboard.ExtraRcptTo, rcpt)

	ok, err := exists(whole + "@" + domain)
	if err != nil {
		return nil, err
	}
	if ok {
		meta.ListName = whole + "@" + domain
		meta.ToList = true
		return &Route{List: meta.ListName, Queue: site.QueueIn, Meta: meta}, nil
	}

	base, suffix := splitLocal(local, delim)
	if suffix == "" {
		return nil, errNoSuchList
	}
	name := base + "@" + domain
	ok, err = exists(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoSuchList
	}
	meta.ListName = name

	switch suffix {
	case "confirm":
		meta.ToConfirm = true
	case "join", "subscribe":
		meta.ToJoin = true
	case "leave", "unsubscribe":
		meta.ToLeave = true
	case "request":
		meta.ToRequest = true
	case "owner":
		meta.ToOwner = true
		meta.EnvSender = srv.Site.SiteOwner
		meta.Pipeline = site.OwnerPipeline
	}
	return &Route{List: name, Queue: suffixQueues[suffix], Meta: meta}, nil
}
