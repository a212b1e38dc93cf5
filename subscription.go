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
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// EventChannel identifies one of the two notification dialogs of a
// conference. The membership channel carries the participant / device state,
// the EKT channel carries the shared key context of end-to-end encrypted
// conferences. There are no ordering guarantees between the two channels.
type EventChannel string

const (
	ChannelConference EventChannel = "conference"
	ChannelEkt        EventChannel = "ekt"
)

type SubscriptionState string

const (
	SubscriptionStateNone             SubscriptionState = "none"
	SubscriptionStateOutgoingProgress SubscriptionState = "outgoing_progress"
	SubscriptionStateActive           SubscriptionState = "active"
	SubscriptionStateTerminated       SubscriptionState = "terminated"
)

const (
	subscriptionEventSubscribe = "subscribe"
	subscriptionEventActivate  = "activate"
	subscriptionEventTerminate = "terminate"
)

var (
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrTransportClosed      = errors.New("transport closed")
	ErrNoSuchConference     = errors.New("no such conference")
	ErrSubscriptionClosed   = errors.New("subscription closed")
)

// newSubscriptionFSM returns the state machine of one subscription dialog.
// A terminated subscription can be re-subscribed, which requires a fresh
// full state before any delta is trusted again.
func newSubscriptionFSM(onChanged func(state SubscriptionState)) *fsm.FSM {
	return fsm.NewFSM(
		string(SubscriptionStateNone),
		fsm.Events{
			{Name: subscriptionEventSubscribe, Src: []string{
				string(SubscriptionStateNone),
				string(SubscriptionStateTerminated),
			}, Dst: string(SubscriptionStateOutgoingProgress)},
			{Name: subscriptionEventActivate, Src: []string{
				string(SubscriptionStateOutgoingProgress),
			}, Dst: string(SubscriptionStateActive)},
			{Name: subscriptionEventTerminate, Src: []string{
				string(SubscriptionStateOutgoingProgress),
				string(SubscriptionStateActive),
			}, Dst: string(SubscriptionStateTerminated)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if onChanged != nil && e.Src != e.Dst {
					onChanged(SubscriptionState(e.Dst))
				}
			},
		},
	)
}

// SubscriptionListener receives the notifications and state changes of one
// client-side subscription dialog. Notifications of a single dialog are
// delivered in transmission order.
type SubscriptionListener interface {
	OnNotify(channel EventChannel, body []byte)
	OnSubscriptionStateChanged(channel EventChannel, state SubscriptionState)
}

// EventSubscription is the client-side handle of an established
// subscription.
type EventSubscription interface {
	State() SubscriptionState
	Terminate() error
}

// IncomingSubscription is the focus-side handle of a subscription dialog of
// one remote device.
type IncomingSubscription interface {
	From() string
	Conference() string
	Channel() EventChannel

	Notify(body []byte) error
	Terminate() error
	OnTerminated(f func())
}

// EventTransport connects focus and clients through SUBSCRIBE / NOTIFY
// dialogs. Implementations must preserve the notification order within a
// single dialog.
type EventTransport interface {
	Close()

	Address() string

	// Client side.
	Subscribe(ctx context.Context, conference string, channel EventChannel, listener SubscriptionListener) (EventSubscription, error)
	Publish(ctx context.Context, conference string, channel EventChannel, body []byte) error

	// Focus side.
	HandleSubscribe(handler func(sub IncomingSubscription))
	HandlePublish(handler func(from string, conference string, channel EventChannel, body []byte))
}
