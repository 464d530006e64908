/*
listd - Mailing list manager.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors
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

package testutils

import (
	"io"
	"net"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/listd/framework/exterrors"
)

type SMTPMessage struct {
	From string
	Opts smtp.MailOptions
	To   []string
	Data []byte
}

// SMTPBackend records every message accepted by the server. RcptErr,
// MailErr and DataErr inject failures.
type SMTPBackend struct {
	mu sync.Mutex

	Messages        []*SMTPMessage
	MailFromCounter int
	SessionCounter  int

	MailErr     error
	RcptErr     map[string]error
	DataErr     error
	LMTPDataErr []error
}

func (be *SMTPBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.SessionCounter++
	return &session{backend: be}, nil
}

// Received returns a snapshot of accepted messages.
func (be *SMTPBackend) Received() []*SMTPMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*SMTPMessage(nil), be.Messages...)
}

// CheckMsg checks the envelope of the indx-th accepted message.
func (be *SMTPBackend) CheckMsg(t *testing.T, indx int, from string, rcptTo []string) {
	t.Helper()

	msgs := be.Received()
	if len(msgs) <= indx {
		t.Errorf("Expected at least %d messages in mailbox, got %d", indx+1, len(msgs))
		return
	}

	msg := msgs[indx]
	if msg.From != from {
		t.Errorf("Wrong MAIL FROM: %v", msg.From)
	}

	to := append([]string(nil), msg.To...)
	sort.Strings(to)
	want := append([]string(nil), rcptTo...)
	sort.Strings(want)

	if !reflect.DeepEqual(to, want) {
		t.Errorf("Wrong RCPT TO: %v", msg.To)
	}
}

type session struct {
	backend *SMTPBackend
	msg     *SMTPMessage
}

func (s *session) Reset() {
	s.msg = &SMTPMessage{}
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.mu.Lock()
	s.backend.MailFromCounter++
	mailErr := s.backend.MailErr
	s.backend.mu.Unlock()

	if mailErr != nil {
		return mailErr
	}

	s.Reset()
	s.msg.From = from
	if opts != nil {
		s.msg.Opts = *opts
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	err := s.backend.RcptErr[to]
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}

	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) read(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.Messages = append(s.backend.Messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}
	return s.read(r)
}

func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}
	if err := s.read(r); err != nil {
		return err
	}
	for i, rcpt := range s.msg.To {
		var err error
		if i < len(s.backend.LMTPDataErr) {
			err = s.backend.LMTPDataErr[i]
		}
		status.SetStatus(rcpt, err)
	}
	return nil
}

type SMTPServerConfigureFunc func(*smtp.Server)

// SMTPServer starts a capturing go-smtp server on addr. The server is
// closed when the test completes. Pass port 0 to pick a free port, the
// address in use is stored in Server.Addr.
func SMTPServer(t *testing.T, addr string, fn ...SMTPServerConfigureFunc) (*SMTPBackend, *smtp.Server) {
	t.Helper()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	be := new(SMTPBackend)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.Addr = l.Addr().String()
	for _, f := range fn {
		f(s)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(l)
	}()
	t.Cleanup(func() {
		s.Close()
		<-done
	})

	// Make sure Serve has set up the listener before the test can close it.
	testConn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		t.Fatal(err)
	}
	testConn.Close()

	return be, s
}

// FailOnConn fails the test if attempt is made to connect the
// specified endpoint.
func FailOnConn(t *testing.T, addr string) net.Listener {
	t.Helper()

	tarpit, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tarpit.Close() })
	go func() {
		_, err := tarpit.Accept()
		if err == nil {
			t.Error("No connection expected")
		}
	}()
	return tarpit
}

func CheckSMTPErr(t *testing.T, err error, code int, enchCode exterrors.EnhancedCode, msg string) {
	t.Helper()

	if err == nil {
		t.Error("Expected an error, got none")
		return
	}

	fields := exterrors.Fields(err)
	if val, _ := fields["smtp_code"].(int); val != code {
		t.Errorf("Wrong smtp_code: %v", val)
	}
	if val, _ := fields["smtp_enchcode"].(exterrors.EnhancedCode); val != enchCode {
		t.Errorf("Wrong smtp_enchcode: %v", val)
	}
	if val, _ := fields["smtp_msg"].(string); val != msg {
		t.Errorf("Wrong smtp_msg: %v", val)
	}
}
