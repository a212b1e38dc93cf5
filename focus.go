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
	"errors"

	"go.uber.org/zap"
)

// Focus hosts the conferences of one SIP domain and routes incoming
// subscription dialogs and publications to them.
type Focus struct {
	log       *zap.Logger
	config    *FocusConfig
	events    AsyncEvents
	transport EventTransport

	conferences ConcurrentMap[string, *Conference]
}

func NewFocus(log *zap.Logger, config *FocusConfig, events AsyncEvents, transport EventTransport) *Focus {
	f := &Focus{
		log:       log,
		config:    config,
		events:    events,
		transport: transport,
	}
	transport.HandleSubscribe(f.handleSubscribe)
	transport.HandlePublish(f.handlePublish)
	return f
}

func (f *Focus) Config() *FocusConfig {
	return f.config
}

func (f *Focus) Events() AsyncEvents {
	return f.events
}

func (f *Focus) Transport() EventTransport {
	return f.transport
}

// CreateConference allocates the conference object for a committed
// descriptor. The conference is dropped from the focus automatically once it
// has been deleted.
func (f *Focus) CreateConference(description ConferenceDescription) *Conference {
	c := NewConference(f.log, f.config, f.events, description)
	address := CanonicalAddress(description.Address)
	c.OnDeleted(func(c *Conference) {
		f.conferences.Del(address)
	})
	f.conferences.Set(address, c)
	return c
}

func (f *Focus) GetConference(address string) *Conference {
	c, _ := f.conferences.Get(CanonicalAddress(address))
	return c
}

func (f *Focus) ConferenceCount() int {
	return f.conferences.Len()
}

func (f *Focus) handleSubscribe(sub IncomingSubscription) {
	c := f.GetConference(sub.Conference())
	if c == nil {
		f.log.Info("Subscription for unknown conference",
			zap.String("conference", sub.Conference()),
			zap.String("device", sub.From()),
		)
		if err := sub.Terminate(); err != nil && !errors.Is(err, ErrSubscriptionClosed) {
			f.log.Warn("Could not terminate subscription",
				zap.Error(err),
			)
		}
		return
	}

	c.HandleSubscribe(sub)
}

func (f *Focus) handlePublish(from string, conference string, channel EventChannel, body []byte) {
	c := f.GetConference(conference)
	if c == nil {
		f.log.Info("Publication for unknown conference",
			zap.String("conference", conference),
			zap.String("device", from),
		)
		return
	}

	c.HandlePublish(from, channel, body)
}

// Close drops all hosted conferences. The transport and the event bus are
// owned by the caller and stay open.
func (f *Focus) Close() {
	for _, c := range f.conferences.Snapshot() {
		c.Close()
	}
	f.conferences.Clear()
}
