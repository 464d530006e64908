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

package metrics

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/site/sitetest"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
)

func TestEndpoint(t *testing.T) {
	s, _ := sitetest.New(t)
	for i := 0; i < 2; i++ {
		msg := sitetest.Message(t, "From: a@example.com\nSubject: x\n\nbody\n")
		if _, err := s.Enqueue(site.QueueOut, msg, &switchboard.Metadata{}); err != nil {
			t.Fatal(err)
		}
	}

	e, err := New(s, prometheus.NewRegistry(), testutils.Logger(t, "metrics"))
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e.Serve(l)
	defer e.Close()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`listd_queue_entries{queue="out"} 2`,
		`listd_queue_entries{queue="in"} 0`,
		"listd_queue_bad_entries 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("%q not found in the output:\n%s", want, body)
		}
	}
}
