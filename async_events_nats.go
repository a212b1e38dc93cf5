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
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func GetSubjectForConference(conference string) string {
	return GetEncodedSubject("conference", conference)
}

func GetSubjectForConferenceEkt(conference string) string {
	return GetEncodedSubject("ekt", conference)
}

type asyncSubscriberNats struct {
	log    *zap.Logger
	key    string
	client NatsClient

	receiver     chan *nats.Msg
	closeChan    chan struct{}
	subscription NatsSubscription

	processMessage func(*nats.Msg)
}

func newAsyncSubscriberNats(log *zap.Logger, key string, client NatsClient) (*asyncSubscriberNats, error) {
	receiver := make(chan *nats.Msg, 64)
	sub, err := client.Subscribe(key, receiver)
	if err != nil {
		return nil, err
	}

	result := &asyncSubscriberNats{
		log: log.With(
			zap.String("key", key),
		),
		key:    key,
		client: client,

		receiver:     receiver,
		closeChan:    make(chan struct{}),
		subscription: sub,
	}
	return result, nil
}

func (s *asyncSubscriberNats) run() {
	defer func() {
		if err := s.subscription.Unsubscribe(); err != nil {
			s.log.Error("Error unsubscribing",
				zap.Error(err),
			)
		}
	}()

	for {
		select {
		case msg := <-s.receiver:
			s.processMessage(msg)
			for count := len(s.receiver); count > 0; count-- {
				s.processMessage(<-s.receiver)
			}
		case <-s.closeChan:
			return
		}
	}
}

func (s *asyncSubscriberNats) close() {
	close(s.closeChan)
}

type asyncConferenceSubscriberNats struct {
	*asyncSubscriberNats

	mu sync.Mutex
	// +checklocks:mu
	listeners map[AsyncConferenceEventListener]bool
}

func newAsyncConferenceSubscriberNats(log *zap.Logger, key string, client NatsClient) (*asyncConferenceSubscriberNats, error) {
	sub, err := newAsyncSubscriberNats(log, key, client)
	if err != nil {
		return nil, err
	}

	result := &asyncConferenceSubscriberNats{
		asyncSubscriberNats: sub,

		listeners: make(map[AsyncConferenceEventListener]bool),
	}
	result.processMessage = result.doProcessMessage
	go result.run()
	return result, nil
}

func (s *asyncConferenceSubscriberNats) doProcessMessage(msg *nats.Msg) {
	var message AsyncMessage
	if err := s.client.Decode(msg, &message); err != nil {
		s.log.Error("Could not decode NATS message",
			zap.Any("message", msg),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for listener := range s.listeners {
		listener.ProcessConferenceEvent(&message)
	}
}

func (s *asyncConferenceSubscriberNats) addListener(listener AsyncConferenceEventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[listener] = true
}

// removeListener reports if any listeners are remaining.
func (s *asyncConferenceSubscriberNats) removeListener(listener AsyncConferenceEventListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, listener)
	return len(s.listeners) > 0
}

type asyncEktSubscriberNats struct {
	*asyncSubscriberNats

	mu sync.Mutex
	// +checklocks:mu
	listeners map[AsyncEktEventListener]bool
}

func newAsyncEktSubscriberNats(log *zap.Logger, key string, client NatsClient) (*asyncEktSubscriberNats, error) {
	sub, err := newAsyncSubscriberNats(log, key, client)
	if err != nil {
		return nil, err
	}

	result := &asyncEktSubscriberNats{
		asyncSubscriberNats: sub,

		listeners: make(map[AsyncEktEventListener]bool),
	}
	result.processMessage = result.doProcessMessage
	go result.run()
	return result, nil
}

func (s *asyncEktSubscriberNats) doProcessMessage(msg *nats.Msg) {
	var message AsyncMessage
	if err := s.client.Decode(msg, &message); err != nil {
		s.log.Error("Could not decode NATS message",
			zap.Any("message", msg),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for listener := range s.listeners {
		listener.ProcessEktEvent(&message)
	}
}

func (s *asyncEktSubscriberNats) addListener(listener AsyncEktEventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[listener] = true
}

// removeListener reports if any listeners are remaining.
func (s *asyncEktSubscriberNats) removeListener(listener AsyncEktEventListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, listener)
	return len(s.listeners) > 0
}

type asyncEventsNats struct {
	log    *zap.Logger
	mu     sync.Mutex
	client NatsClient

	// +checklocks:mu
	conferenceSubscriptions map[string]*asyncConferenceSubscriberNats
	// +checklocks:mu
	ektSubscriptions map[string]*asyncEktSubscriberNats
}

func NewAsyncEventsNats(log *zap.Logger, client NatsClient) (AsyncEvents, error) {
	events := &asyncEventsNats{
		log:    log,
		client: client,

		conferenceSubscriptions: make(map[string]*asyncConferenceSubscriberNats),
		ektSubscriptions:        make(map[string]*asyncEktSubscriberNats),
	}
	return events, nil
}

func (e *asyncEventsNats) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var wg sync.WaitGroup
	wg.Add(1)
	go func(subscriptions map[string]*asyncConferenceSubscriberNats) {
		defer wg.Done()
		for _, sub := range subscriptions {
			sub.close()
		}
	}(e.conferenceSubscriptions)
	wg.Add(1)
	go func(subscriptions map[string]*asyncEktSubscriberNats) {
		defer wg.Done()
		for _, sub := range subscriptions {
			sub.close()
		}
	}(e.ektSubscriptions)
	// Can't use clear(...) here as the maps are processed asynchronously by the
	// goroutines above.
	e.conferenceSubscriptions = make(map[string]*asyncConferenceSubscriberNats)
	e.ektSubscriptions = make(map[string]*asyncEktSubscriberNats)
	wg.Wait()
	e.client.Close()
}

func (e *asyncEventsNats) RegisterConferenceListener(conference string, listener AsyncConferenceEventListener) error {
	key := GetSubjectForConference(conference)

	e.mu.Lock()
	defer e.mu.Unlock()
	sub, found := e.conferenceSubscriptions[key]
	if !found {
		var err error
		if sub, err = newAsyncConferenceSubscriberNats(e.log, key, e.client); err != nil {
			return err
		}

		e.conferenceSubscriptions[key] = sub
	}
	sub.addListener(listener)
	return nil
}

func (e *asyncEventsNats) UnregisterConferenceListener(conference string, listener AsyncConferenceEventListener) {
	key := GetSubjectForConference(conference)

	e.mu.Lock()
	defer e.mu.Unlock()
	sub, found := e.conferenceSubscriptions[key]
	if !found {
		return
	}

	if !sub.removeListener(listener) {
		delete(e.conferenceSubscriptions, key)
		sub.close()
	}
}

func (e *asyncEventsNats) RegisterEktListener(conference string, listener AsyncEktEventListener) error {
	key := GetSubjectForConferenceEkt(conference)

	e.mu.Lock()
	defer e.mu.Unlock()
	sub, found := e.ektSubscriptions[key]
	if !found {
		var err error
		if sub, err = newAsyncEktSubscriberNats(e.log, key, e.client); err != nil {
			return err
		}

		e.ektSubscriptions[key] = sub
	}
	sub.addListener(listener)
	return nil
}

func (e *asyncEventsNats) UnregisterEktListener(conference string, listener AsyncEktEventListener) {
	key := GetSubjectForConferenceEkt(conference)

	e.mu.Lock()
	defer e.mu.Unlock()
	sub, found := e.ektSubscriptions[key]
	if !found {
		return
	}

	if !sub.removeListener(listener) {
		delete(e.ektSubscriptions, key)
		sub.close()
	}
}

func (e *asyncEventsNats) publish(subject string, message *AsyncMessage) error {
	message.SendTime = time.Now()
	return e.client.Publish(subject, message)
}

func (e *asyncEventsNats) PublishConferenceEvent(conference string, message *AsyncMessage) error {
	subject := GetSubjectForConference(conference)
	return e.publish(subject, message)
}

func (e *asyncEventsNats) PublishEktEvent(conference string, message *AsyncMessage) error {
	subject := GetSubjectForConferenceEkt(conference)
	return e.publish(subject, message)
}
