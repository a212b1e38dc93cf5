/**
 * SIP conference focus with client-side state mirroring.
 * Copyright (C) 2026 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package conference

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	statsEktRekeysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "ekt",
		Name:      "rekeys_total",
		Help:      "The total number of key context replacements",
	})
	statsEktConfirmationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "ekt",
		Name:      "confirmations_total",
		Help:      "The total number of key confirmations received from devices",
	})

	ektStats = []prometheus.Collector{
		statsEktRekeysTotal,
		statsEktConfirmationsTotal,
	}
)

func RegisterEktStats() {
	registerAll(ektStats...)
}

func UnregisterEktStats() {
	unregisterAll(ektStats...)
}
