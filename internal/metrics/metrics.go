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

// Package metrics exports the master's Prometheus collectors over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChildRestarts counts runner processes restarted by the master after a
// failure.
var ChildRestarts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "listd",
		Subsystem: "master",
		Name:      "child_restarts",
		Help:      "Runner processes restarted after a crash",
	},
	[]string{"class"},
)

func init() {
	prometheus.MustRegister(ChildRestarts)
}

// QueueCollector reports the number of entries waiting in each queue and
// the number of preserved (bad) entries.
type QueueCollector struct {
	Site *site.Site
	Log  log.Logger

	depth *prometheus.Desc
	bad   *prometheus.Desc
}

func NewQueueCollector(s *site.Site, logger log.Logger) *QueueCollector {
	return &QueueCollector{
		Site: s,
		Log:  logger,
		depth: prometheus.NewDesc("listd_queue_entries",
			"Entries waiting in the queue", []string{"queue"}, nil),
		bad: prometheus.NewDesc("listd_queue_bad_entries",
			"Entries preserved after unrecoverable errors", nil, nil),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.bad
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range site.Queues {
		n, err := switchboard.Count(c.Site.QueueDir(q), switchboard.ExtPck)
		if err != nil {
			c.Log.Error("cannot count queue entries", err, "queue", q)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), q)
	}
	n, err := switchboard.Count(c.Site.BadDir(), switchboard.ExtPsv)
	if err != nil {
		c.Log.Error("cannot count bad entries", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.bad, prometheus.GaugeValue, float64(n))
}

// Endpoint serves /metrics.
type Endpoint struct {
	Log log.Logger

	serv        http.Server
	listenersWg sync.WaitGroup
}

// New creates the endpoint for the registry, the queue collector is
// registered in it.
func New(s *site.Site, reg *prometheus.Registry, logger log.Logger) (*Endpoint, error) {
	if err := reg.Register(NewQueueCollector(s, logger)); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{}))
	e := &Endpoint{Log: logger}
	e.serv.Handler = mux
	e.serv.ReadHeaderTimeout = 10 * time.Second
	return e, nil
}

// Run listens on the endpoints until ctx is done.
func (e *Endpoint) Run(ctx context.Context, endpoints []config.Endpoint) error {
	for _, endp := range endpoints {
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			e.serv.Close()
			e.listenersWg.Wait()
			return fmt.Errorf("metrics: %w", err)
		}
		e.Serve(l)
		e.Log.Println("listening on", endp.String())
	}
	<-ctx.Done()
	return e.Close()
}

func (e *Endpoint) Serve(l net.Listener) {
	e.listenersWg.Add(1)
	go func() {
		defer e.listenersWg.Done()
		if err := e.serv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Log.Error("serve failed", err, "endpoint", l.Addr().String())
		}
	}()
}

func (e *Endpoint) Close() error {
	err := e.serv.Close()
	e.listenersWg.Wait()
	return err
}
