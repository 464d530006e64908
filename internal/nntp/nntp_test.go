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

package nntp

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/mailmsg"
)

// fakeServer accepts one connection, replies with greeting and the POST
// response and stores the received article.
func fakeServer(t *testing.T, greeting, postReply, doneReply string) (string, <-chan string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	articles := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		tp.PrintfLine("%s", greeting)
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch strings.ToUpper(line) {
			case "POST":
				tp.PrintfLine("%s", postReply)
				if !strings.HasPrefix(postReply, "340") {
					continue
				}
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				articles <- strings.Join(lines, "\n")
				tp.PrintfLine("%s", doneReply)
			case "QUIT":
				tp.PrintfLine("205 bye")
				return
			default:
				tp.PrintfLine("500 unknown command")
			}
		}
	}()
	return l.Addr().String(), articles
}

func article(t *testing.T) *mailmsg.Message {
	t.Helper()
	msg, err := mailmsg.ParseBytes([]byte("From: alice@example.com\r\nNewsgroups: comp.test\r\nSubject: Hi\r\n\r\n.hidden\r\nHello\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestPost(t *testing.T) {
	addr, articles := fakeServer(t, "200 news.example.org ready", "340 send article", "240 article received")

	if err := Post(context.Background(), addr, 5*time.Second, article(t)); err != nil {
		t.Fatal(err)
	}
	select {
	case art := <-articles:
		if !strings.Contains(art, "Newsgroups: comp.test") || !strings.Contains(art, "\n.hidden\n") {
			t.Errorf("wrong article:\n%s", art)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no article received")
	}
}

func TestPost_NotAllowed(t *testing.T) {
	addr, _ := fakeServer(t, "201 read only", "440 posting not permitted", "")

	err := Post(context.Background(), addr, 5*time.Second, article(t))
	if err == nil {
		t.Fatal("expected an error")
	}
	if exterrors.IsTemporary(err) {
		t.Error("read only server reported as a temporary failure")
	}
}

func TestPost_Failed(t *testing.T) {
	addr, _ := fakeServer(t, "200 ready", "340 send article", "441 posting failed")

	err := Post(context.Background(), addr, 5*time.Second, article(t))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporary(err) {
		t.Error("441 should be temporary")
	}
}

func TestPost_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	err = Post(context.Background(), addr, time.Second, article(t))
	if !exterrors.IsTemporary(err) {
		t.Errorf("connection failure should be temporary: %v", err)
	}
}
