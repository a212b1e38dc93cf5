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

var (
	ErrAlreadyRegistered = errors.New("already registered") // +checklocksignore: Global readonly variable.
)

type AsyncConferenceEventListener interface {
	ProcessConferenceEvent(message *AsyncMessage)
}

type AsyncEktEventListener interface {
	ProcessEktEvent(message *AsyncMessage)
}

// AsyncEvents distributes typed conference events between the focus and any
// observers. State changes are pushed to registered listeners instead of
// being polled from shared counters.
type AsyncEvents interface {
	Close()

	RegisterConferenceListener(conference string, listener AsyncConferenceEventListener) error
	UnregisterConferenceListener(conference string, listener AsyncConferenceEventListener)

	RegisterEktListener(conference string, listener AsyncEktEventListener) error
	UnregisterEktListener(conference string, listener AsyncEktEventListener)

	PublishConferenceEvent(conference string, message *AsyncMessage) error
	PublishEktEvent(conference string, message *AsyncMessage) error
}

func NewAsyncEvents(log *zap.Logger, url string) (AsyncEvents, error) {
	client, err := NewNatsClient(log, url)
	if err != nil {
		return nil, err
	}

	return NewAsyncEventsNats(log, client)
}
