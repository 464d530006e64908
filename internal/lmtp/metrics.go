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

package lmtp

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "listd",
			Subsystem: "lmtp",
			Name:      "started_transactions",
			Help:      "Amount of LMTP transactions started",
		},
	)
	rcptStatuses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listd",
			Subsystem: "lmtp",
			Name:      "recipient_statuses",
			Help:      "Per-recipient statuses returned after DATA",
		},
		[]string{"queue", "smtp_code"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(rcptStatuses)
}
