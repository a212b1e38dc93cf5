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
	"strings"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// hostOf returns the host part of a SIP address, ignoring any scheme prefix
// and URI parameters.
func hostOf(address string) string {
	address = strings.TrimPrefix(address, "sips:")
	address = strings.TrimPrefix(address, "sip:")
	if idx := strings.IndexByte(address, '@'); idx != -1 {
		address = address[idx+1:]
	}
	if idx := strings.IndexByte(address, ';'); idx != -1 {
		address = address[:idx]
	}
	return address
}

// LoopbackNetwork connects loopback transports in-process. Deliveries are
// synchronous, so the per-dialog notification order is preserved.
type LoopbackNetwork struct {
	mu sync.Mutex
	// +checklocks:mu
	nodes map[string]*LoopbackEventTransport
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		nodes: make(map[string]*LoopbackEventTransport),
	}
}

func (n *LoopbackNetwork) CreateTransport(log *zap.Logger, address string) *LoopbackEventTransport {
	t := &LoopbackEventTransport{
		log: log.With(
			zap.String("address", address),
		),
		network:   n,
		address:   address,
		reachable: true,

		outgoing: make(map[*loopbackSubscription]bool),
		incoming: make(map[*loopbackSubscription]bool),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[address] = t
	return t
}

func (n *LoopbackNetwork) lookup(conference string) *LoopbackEventTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, found := n.nodes[conference]; found {
		return node
	}
	if node, found := n.nodes["sip:"+hostOf(conference)]; found {
		return node
	}
	return n.nodes[hostOf(conference)]
}

func (n *LoopbackNetwork) remove(t *LoopbackEventTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[t.address] == t {
		delete(n.nodes, t.address)
	}
}

type LoopbackEventTransport struct {
	log     *zap.Logger
	network *LoopbackNetwork
	address string

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	reachable bool
	// +checklocks:mu
	subscribeHandler func(sub IncomingSubscription)
	// +checklocks:mu
	publishHandler func(from string, conference string, channel EventChannel, body []byte)
	// +checklocks:mu
	outgoing map[*loopbackSubscription]bool
	// +checklocks:mu
	incoming map[*loopbackSubscription]bool
}

func (t *LoopbackEventTransport) Address() string {
	return t.address
}

func (t *LoopbackEventTransport) HandleSubscribe(handler func(sub IncomingSubscription)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeHandler = handler
}

func (t *LoopbackEventTransport) HandlePublish(handler func(from string, conference string, channel EventChannel, body []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishHandler = handler
}

// SetReachable simulates the transport network becoming unavailable. Going
// unreachable terminates all client-side subscription dialogs; the
// subscriber has to re-subscribe and wait for a fresh full state after the
// network is restored.
func (t *LoopbackEventTransport) SetReachable(reachable bool) {
	t.mu.Lock()
	if t.reachable == reachable {
		t.mu.Unlock()
		return
	}
	t.reachable = reachable
	var subs []*loopbackSubscription
	if !reachable {
		for sub := range t.outgoing {
			subs = append(subs, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.terminate()
	}
}

func (t *LoopbackEventTransport) isReachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reachable && !t.closed
}

func (t *LoopbackEventTransport) Subscribe(ctx context.Context, conference string, channel EventChannel, listener SubscriptionListener) (EventSubscription, error) {
	if !t.isReachable() {
		return nil, ErrTransportUnreachable
	}

	server := t.network.lookup(conference)
	if server == nil {
		return nil, ErrNoSuchConference
	}
	if !server.isReachable() {
		return nil, ErrTransportUnreachable
	}

	server.mu.Lock()
	handler := server.subscribeHandler
	server.mu.Unlock()
	if handler == nil {
		return nil, ErrNoSuchConference
	}

	sub := &loopbackSubscription{
		client:     t,
		server:     server,
		from:       t.address,
		conference: conference,
		channel:    channel,
		listener:   listener,
	}
	sub.fsm = newSubscriptionFSM(func(state SubscriptionState) {
		listener.OnSubscriptionStateChanged(channel, state)
	})

	t.mu.Lock()
	t.outgoing[sub] = true
	t.mu.Unlock()
	server.mu.Lock()
	server.incoming[sub] = true
	server.mu.Unlock()

	// The dialog is established before the initial full-state notification
	// is sent, mirroring the SUBSCRIBE 200 OK / NOTIFY order on the wire.
	_ = sub.fsm.Event(ctx, subscriptionEventSubscribe)
	_ = sub.fsm.Event(ctx, subscriptionEventActivate)

	handler(sub)
	return sub, nil
}

func (t *LoopbackEventTransport) Publish(ctx context.Context, conference string, channel EventChannel, body []byte) error {
	if !t.isReachable() {
		return ErrTransportUnreachable
	}

	server := t.network.lookup(conference)
	if server == nil {
		return ErrNoSuchConference
	}
	if !server.isReachable() {
		return ErrTransportUnreachable
	}

	server.mu.Lock()
	handler := server.publishHandler
	server.mu.Unlock()
	if handler == nil {
		return ErrNoSuchConference
	}

	handler(t.address, conference, channel, body)
	return nil
}

func (t *LoopbackEventTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var subs []*loopbackSubscription
	for sub := range t.outgoing {
		subs = append(subs, sub)
	}
	for sub := range t.incoming {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.terminate()
	}
	t.network.remove(t)
}

func (t *LoopbackEventTransport) removeSubscription(sub *loopbackSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outgoing, sub)
	delete(t.incoming, sub)
}

// loopbackSubscription is one subscription dialog; it is the
// "EventSubscription" of the subscribing client and the
// "IncomingSubscription" of the focus at the same time.
type loopbackSubscription struct {
	client *LoopbackEventTransport
	server *LoopbackEventTransport

	from       string
	conference string
	channel    EventChannel
	listener   SubscriptionListener
	fsm        *fsm.FSM

	mu sync.Mutex
	// +checklocks:mu
	terminatedCbs []func()
}

func (s *loopbackSubscription) From() string {
	return s.from
}

func (s *loopbackSubscription) Conference() string {
	return s.conference
}

func (s *loopbackSubscription) Channel() EventChannel {
	return s.channel
}

func (s *loopbackSubscription) State() SubscriptionState {
	return SubscriptionState(s.fsm.Current())
}

func (s *loopbackSubscription) OnTerminated(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminatedCbs = append(s.terminatedCbs, f)
}

func (s *loopbackSubscription) Notify(body []byte) error {
	if s.State() != SubscriptionStateActive {
		return ErrSubscriptionClosed
	}
	if !s.client.isReachable() {
		return ErrTransportUnreachable
	}

	s.listener.OnNotify(s.channel, body)
	return nil
}

func (s *loopbackSubscription) Terminate() error {
	s.terminate()
	return nil
}

func (s *loopbackSubscription) terminate() {
	if err := s.fsm.Event(context.Background(), subscriptionEventTerminate); err != nil {
		// Already terminated.
		return
	}

	s.client.removeSubscription(s)
	s.server.removeSubscription(s)

	s.mu.Lock()
	cbs := s.terminatedCbs
	s.terminatedCbs = nil
	s.mu.Unlock()
	for _, f := range cbs {
		f()
	}
}
