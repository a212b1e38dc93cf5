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
	statsConferencesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "conferences",
		Help:      "The current number of conferences",
	})
	statsDevicesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "devices",
		Help:      "The current number of joined participant devices",
	})
	statsNotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "notifications_total",
		Help:      "The total number of sent state notifications",
	}, []string{"type"})
	statsAdmissionsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "admissions_rejected_total",
		Help:      "The total number of rejected dial-in attempts",
	})

	conferenceStats = []prometheus.Collector{
		statsConferencesCurrent,
		statsDevicesCurrent,
		statsNotificationsTotal,
		statsAdmissionsRejectedTotal,
	}
)

func RegisterConferenceStats() {
	registerAll(conferenceStats...)
}

func UnregisterConferenceStats() {
	unregisterAll(conferenceStats...)
}
