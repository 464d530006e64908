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
	"time"

	"github.com/foxcpp/listd/internal/site"
	"github.com/foxcpp/listd/internal/switchboard"
)

// Reschedule returns the metadata for the retry queue entry that carries
// the temporarily failed recipients. The deadline is extended only when
// the last attempt delivered to at least one more recipient than before.
func Reschedule(meta *switchboard.Metadata, temp []string, cfg site.DeliveryConfig, now time.Time) *switchboard.Metadata {
	next := meta.Clone()

	prevCount := meta.LastRecipCount
	if prevCount == 0 {
		prevCount = len(meta.Recips)
	}
	progress := len(temp) < prevCount || meta.DeliverUntil.IsZero()

	if progress {
		until := now.Add(cfg.RetryPeriod)
		if until.After(meta.DeliverUntil) {
			next.DeliverUntil = until
		}
	}
	next.Recips = append([]string(nil), temp...)
	next.LastRecipCount = len(temp)
	next.DeliverAfter = now.Add(cfg.RetryDelay)
	return next
}

// Due reports whether a retry queue entry should go back to the outgoing
// queue.
func Due(meta *switchboard.Metadata, now time.Time) bool {
	return !now.Before(meta.DeliverAfter)
}

// Expired reports whether delivery of the entry should be abandoned.
func Expired(meta *switchboard.Metadata, now time.Time) bool {
	return !meta.DeliverUntil.IsZero() && now.After(meta.DeliverUntil)
}
