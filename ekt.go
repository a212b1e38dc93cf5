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
	"bytes"
	"crypto/rand"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	ektCSpiLength = 16
	ektKeyLength  = 32
)

// EktDistributor manages the shared ephemeral key context of one end-to-end
// encrypted conference. The context is distributed on a notification dialog
// of its own, independent of the membership dialog, and is replaced whenever
// the membership changes.
type EktDistributor struct {
	log        *zap.Logger
	conference string
	events     AsyncEvents

	mu sync.Mutex
	// +checklocks:mu
	current EktPayload
	// +checklocks:mu
	subscribers map[IncomingSubscription]bool
	// +checklocks:mu
	confirmed map[string]bool
}

func NewEktDistributor(log *zap.Logger, conference string, events AsyncEvents) *EktDistributor {
	d := &EktDistributor{
		log: log.With(
			zap.String("conference", conference),
		),
		conference: conference,
		events:     events,

		subscribers: make(map[IncomingSubscription]bool),
		confirmed:   make(map[string]bool),
	}
	d.mu.Lock()
	d.rotateLocked()
	d.mu.Unlock()
	return d
}

// +checklocks:d.mu
func (d *EktDistributor) rotateLocked() {
	if len(d.current.CSpi) == 0 {
		// The crypto session identifier is allocated once per conference and
		// survives rekeying.
		cspi := make([]byte, ektCSpiLength)
		if _, err := rand.Read(cspi); err != nil {
			d.log.Error("Could not generate crypto session identifier",
				zap.Error(err),
			)
		}
		d.current.CSpi = cspi
	}

	ekt := make([]byte, ektKeyLength)
	if _, err := rand.Read(ekt); err != nil {
		d.log.Error("Could not generate key material",
			zap.Error(err),
		)
	}
	d.current.SSpi++
	d.current.Ekt = ekt
	clear(d.confirmed)
}

func (d *EktDistributor) Current() EktPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// HandleSubscribe adds a device to the key distribution and immediately
// notifies it of the current context.
func (d *EktDistributor) HandleSubscribe(sub IncomingSubscription) {
	d.mu.Lock()
	d.subscribers[sub] = true
	payload := d.current
	d.mu.Unlock()

	sub.OnTerminated(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subscribers, sub)
		delete(d.confirmed, sub.From())
	})

	d.notify(sub, payload)
}

// Rekey replaces the key material and notifies all subscribed devices. Must
// be called on every membership change so removed devices cannot decrypt
// future media.
func (d *EktDistributor) Rekey() {
	statsEktRekeysTotal.Inc()
	d.mu.Lock()
	d.rotateLocked()
	payload := d.current
	subs := make([]IncomingSubscription, 0, len(d.subscribers))
	for sub := range d.subscribers {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	d.publishEvent(EventEktUpdated, payload.SSpi, "")
	for _, sub := range subs {
		d.notify(sub, payload)
	}
}

// notify sends the key context to one subscriber. Runs without the lock
// held, the confirmation may arrive synchronously on a loopback transport.
func (d *EktDistributor) notify(sub IncomingSubscription, payload EktPayload) {
	body, err := json.Marshal(&payload)
	if err != nil {
		d.log.Error("Could not marshal key context",
			zap.Error(err),
		)
		return
	}

	if err := sub.Notify(body); err != nil {
		d.log.Warn("Could not notify key context",
			zap.String("device", sub.From()),
			zap.Error(err),
		)
	}
}

// HandleConfirm processes a key confirmation published by a device. Once
// every subscribed device confirmed the current context, the completed
// rekeying is announced on the event bus.
func (d *EktDistributor) HandleConfirm(from string, body []byte) {
	var confirm EktConfirm
	if err := json.Unmarshal(body, &confirm); err != nil {
		d.log.Error("Could not decode key confirmation",
			zap.String("device", from),
			zap.Error(err),
		)
		return
	}

	d.mu.Lock()
	if confirm.SSpi != d.current.SSpi {
		// Stale confirmation of an already replaced context.
		d.mu.Unlock()
		return
	}

	statsEktConfirmationsTotal.Inc()
	d.confirmed[from] = true
	complete := len(d.confirmed) >= len(d.subscribers)
	sspi := d.current.SSpi
	d.mu.Unlock()

	d.publishEvent(EventEktPublishOk, sspi, from)
	if complete {
		d.log.Debug("Key context confirmed by all devices",
			zap.Uint16("sspi", sspi),
		)
	}
}

func (d *EktDistributor) publishEvent(eventType EktEventType, sspi uint16, from string) {
	message := &AsyncMessage{
		Type: "ekt",
		Ekt: &EktEvent{
			Type:       eventType,
			Conference: d.conference,
			SSpi:       sspi,
			From:       from,
		},
	}
	if err := d.events.PublishEktEvent(d.conference, message); err != nil {
		d.log.Error("Could not publish key event",
			zap.Error(err),
		)
	}
}

// EktCache is the client-side replica of the key context, fed by the EKT
// notification dialog.
type EktCache struct {
	mu sync.Mutex
	// +checklocks:mu
	current EktPayload
	// +checklocks:mu
	populated bool
}

// Update applies a received key context. A payload carrying the SSPI of the
// cached context is a retransmission and leaves the cache untouched; the
// update is reported otherwise.
func (c *EktCache) Update(payload EktPayload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.populated && payload.SSpi == c.current.SSpi {
		return false
	}

	c.current = payload
	c.populated = true
	return true
}

// SelectedEkt returns the active key context or false while the cache has
// not been populated yet.
func (c *EktCache) SelectedEkt() (EktPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.populated
}

func (c *EktCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = EktPayload{}
	c.populated = false
}

// Matches checks if two cached contexts carry the same key material.
func (c *EktCache) Matches(other *EktCache) bool {
	mine, ok := c.SelectedEkt()
	if !ok {
		return false
	}
	theirs, ok := other.SelectedEkt()
	if !ok {
		return false
	}

	return mine.SSpi == theirs.SSpi &&
		bytes.Equal(mine.CSpi, theirs.CSpi) &&
		bytes.Equal(mine.Ekt, theirs.Ekt)
}
