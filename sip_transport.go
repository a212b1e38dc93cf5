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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	sipSubscribeExpires = "3600"
	sipContentType      = "application/conference-state+json"
)

// SipEventTransport implements the notification dialogs over real SIP
// SUBSCRIBE / NOTIFY / PUBLISH transactions.
type SipEventTransport struct {
	log     *zap.Logger
	config  *FocusConfig
	address string
	contact sip.Uri

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	closer *Closer

	mu sync.Mutex
	// +checklocks:mu
	subscribeHandler func(sub IncomingSubscription)
	// +checklocks:mu
	publishHandler func(from string, conference string, channel EventChannel, body []byte)

	outgoing ConcurrentMap[string, *sipOutgoingSubscription]
	incoming ConcurrentMap[string, *sipIncomingSubscription]
}

func NewSipEventTransport(log *zap.Logger, config *FocusConfig, address string) (*SipEventTransport, error) {
	var contact sip.Uri
	if err := sip.ParseUri(address, &contact); err != nil {
		return nil, fmt.Errorf("invalid transport address %s: %w", address, err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgentHostname(contact.Host),
	)
	if err != nil {
		return nil, err
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(contact.Host),
	)
	if err != nil {
		return nil, err
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}

	t := &SipEventTransport{
		log: log.With(
			zap.String("address", address),
		),
		config:  config,
		address: address,
		contact: contact,

		ua:     ua,
		client: client,
		server: server,
		closer: NewCloser(),
	}
	server.OnSubscribe(t.onSubscribe)
	server.OnNotify(t.onNotify)
	server.OnPublish(t.onPublish)
	return t, nil
}

func (t *SipEventTransport) Address() string {
	return t.address
}

// Listen serves incoming SIP traffic until the context is cancelled.
func (t *SipEventTransport) Listen(ctx context.Context) error {
	return t.server.ListenAndServe(ctx, "udp", t.config.ListenAddress)
}

func (t *SipEventTransport) HandleSubscribe(handler func(sub IncomingSubscription)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeHandler = handler
}

func (t *SipEventTransport) HandlePublish(handler func(from string, conference string, channel EventChannel, body []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishHandler = handler
}

func (t *SipEventTransport) Close() {
	if t.closer.IsClosed() {
		return
	}
	t.closer.Close()

	for _, sub := range t.outgoing.Snapshot() {
		if err := sub.Terminate(); err != nil {
			t.log.Warn("Could not terminate subscription",
				zap.Error(err),
			)
		}
	}
	for _, sub := range t.incoming.Snapshot() {
		if err := sub.Terminate(); err != nil {
			t.log.Warn("Could not terminate subscription",
				zap.Error(err),
			)
		}
	}
	t.ua.Close() // nolint
}

// request performs one client transaction and returns the final response.
func (t *SipEventTransport) request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				// Provisional.
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, ErrTransportClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newDialogRequest(method sip.RequestMethod, target sip.Uri, callID string, from sip.Uri, fromTag string, to sip.Uri, toTag string, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, target)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	fromHeader := &sip.FromHeader{
		Address: from,
		Params:  sip.HeaderParams{"tag": fromTag},
	}
	req.AppendHeader(fromHeader)

	toHeader := &sip.ToHeader{
		Address: to,
		Params:  sip.HeaderParams{},
	}
	if toTag != "" {
		toHeader.Params["tag"] = toTag
	}
	req.AppendHeader(toHeader)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      cseq,
		MethodName: method,
	})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// Subscribe opens a notification dialog toward the conference. The dialog is
// active once the focus accepted the SUBSCRIBE; the initial full state
// arrives as the first NOTIFY of the dialog.
func (t *SipEventTransport) Subscribe(ctx context.Context, conference string, channel EventChannel, listener SubscriptionListener) (EventSubscription, error) {
	if t.closer.IsClosed() {
		return nil, ErrTransportClosed
	}

	var target sip.Uri
	if err := sip.ParseUri(conference, &target); err != nil {
		return nil, fmt.Errorf("invalid conference address %s: %w", conference, err)
	}

	sub := &sipOutgoingSubscription{
		transport:  t,
		callID:     uuid.NewString(),
		localTag:   uuid.NewString(),
		conference: conference,
		target:     target,
		channel:    channel,
		listener:   listener,
	}
	sub.fsm = newSubscriptionFSM(func(state SubscriptionState) {
		listener.OnSubscriptionStateChanged(channel, state)
	})
	sub.cseq.Store(1)

	req := sub.newRequest(sip.SUBSCRIBE)
	req.AppendHeader(sip.NewHeader("Event", string(channel)))
	req.AppendHeader(sip.NewHeader("Expires", sipSubscribeExpires))
	req.AppendHeader(&sip.ContactHeader{Address: t.contact})

	_ = sub.fsm.Event(ctx, subscriptionEventSubscribe)
	res, err := t.request(ctx, req)
	if err != nil {
		_ = sub.fsm.Event(ctx, subscriptionEventTerminate)
		return nil, fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
	}
	if res.StatusCode != sip.StatusOK {
		_ = sub.fsm.Event(ctx, subscriptionEventTerminate)
		if res.StatusCode == sip.StatusNotFound {
			return nil, ErrNoSuchConference
		}
		return nil, fmt.Errorf("subscribe rejected: %s", res.Short())
	}

	if to := res.To(); to != nil {
		sub.remoteTag, _ = to.Params.Get("tag")
	}
	t.outgoing.Set(sub.callID, sub)
	_ = sub.fsm.Event(ctx, subscriptionEventActivate)
	return sub, nil
}

// Publish sends one publication to the conference, used for key
// confirmations on the EKT channel.
func (t *SipEventTransport) Publish(ctx context.Context, conference string, channel EventChannel, body []byte) error {
	if t.closer.IsClosed() {
		return ErrTransportClosed
	}

	var target sip.Uri
	if err := sip.ParseUri(conference, &target); err != nil {
		return fmt.Errorf("invalid conference address %s: %w", conference, err)
	}
	var from sip.Uri
	if err := sip.ParseUri(t.address, &from); err != nil {
		return err
	}

	req := newDialogRequest(sip.PUBLISH, target, uuid.NewString(), from, uuid.NewString(), target, "", 1)
	req.AppendHeader(sip.NewHeader("Event", string(channel)))
	req.AppendHeader(sip.NewHeader("Content-Type", sipContentType))
	req.SetBody(body)

	res, err := t.request(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("publish rejected: %s", res.Short())
	}
	return nil
}

// onSubscribe accepts an incoming subscription dialog and hands it to the
// focus. A SUBSCRIBE with "Expires: 0" terminates the matching dialog.
func (t *SipEventTransport) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	t.mu.Lock()
	handler := t.subscribeHandler
	t.mu.Unlock()
	if handler == nil {
		t.respond(req, tx, sip.StatusNotFound, "Not Found")
		return
	}

	callID := req.CallID().Value()
	if expires := req.GetHeader("Expires"); expires != nil && expires.Value() == "0" {
		if sub, found := t.incoming.Get(callID); found {
			sub.terminate(false)
		}
		t.respond(req, tx, sip.StatusOK, "OK")
		return
	}

	channel := ChannelConference
	if event := req.GetHeader("Event"); event != nil {
		channel = EventChannel(event.Value())
	}

	from := req.From()
	if from == nil {
		t.respond(req, tx, sip.StatusBadRequest, "Missing From")
		return
	}
	remoteTag, _ := from.Params.Get("tag")

	remoteTarget := from.Address
	if contact := req.Contact(); contact != nil {
		remoteTarget = contact.Address
	}

	sub := &sipIncomingSubscription{
		transport:    t,
		callID:       callID,
		localTag:     uuid.NewString(),
		remoteTag:    remoteTag,
		from:         from.Address.String(),
		conference:   req.Recipient.String(),
		channel:      channel,
		remoteTarget: remoteTarget,
	}
	sub.fsm = newSubscriptionFSM(nil)
	sub.cseq.Store(1)
	t.incoming.Set(callID, sub)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if to := res.To(); to != nil && !to.Params.Has("tag") {
		to.Params["tag"] = sub.localTag
	}
	if err := tx.Respond(res); err != nil {
		t.log.Warn("Could not respond to subscribe",
			zap.Error(err),
		)
		t.incoming.Del(callID)
		return
	}

	_ = sub.fsm.Event(context.Background(), subscriptionEventSubscribe)
	_ = sub.fsm.Event(context.Background(), subscriptionEventActivate)
	handler(sub)
}

// onNotify dispatches a notification to the matching client-side dialog.
func (t *SipEventTransport) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	sub, found := t.outgoing.Get(callID)
	if !found {
		t.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Subscription does not exist")
		return
	}

	t.respond(req, tx, sip.StatusOK, "OK")

	terminated := false
	if state := req.GetHeader("Subscription-State"); state != nil {
		terminated = strings.HasPrefix(state.Value(), "terminated")
	}

	if !terminated || len(req.Body()) > 0 {
		sub.listener.OnNotify(sub.channel, req.Body())
	}
	if terminated {
		sub.terminate(false)
	}
}

func (t *SipEventTransport) onPublish(req *sip.Request, tx sip.ServerTransaction) {
	t.mu.Lock()
	handler := t.publishHandler
	t.mu.Unlock()
	if handler == nil {
		t.respond(req, tx, sip.StatusNotFound, "Not Found")
		return
	}

	channel := ChannelConference
	if event := req.GetHeader("Event"); event != nil {
		channel = EventChannel(event.Value())
	}

	from := req.From()
	if from == nil {
		t.respond(req, tx, sip.StatusBadRequest, "Missing From")
		return
	}

	t.respond(req, tx, sip.StatusOK, "OK")
	handler(from.Address.String(), req.Recipient.String(), channel, req.Body())
}

func (t *SipEventTransport) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		t.log.Warn("Could not send response",
			zap.Error(err),
		)
	}
}

// sipOutgoingSubscription is the client side of one SUBSCRIBE dialog.
type sipOutgoingSubscription struct {
	transport *SipEventTransport

	callID     string
	localTag   string
	remoteTag  string
	conference string
	target     sip.Uri
	channel    EventChannel
	listener   SubscriptionListener
	fsm        *fsm.FSM
	cseq       atomic.Uint32
}

func (s *sipOutgoingSubscription) newRequest(method sip.RequestMethod) *sip.Request {
	var from sip.Uri
	// The transport address was validated in the constructor.
	_ = sip.ParseUri(s.transport.address, &from)
	return newDialogRequest(method, s.target, s.callID, from, s.localTag, s.target, s.remoteTag, s.cseq.Add(1))
}

func (s *sipOutgoingSubscription) State() SubscriptionState {
	return SubscriptionState(s.fsm.Current())
}

func (s *sipOutgoingSubscription) Terminate() error {
	s.terminate(true)
	return nil
}

func (s *sipOutgoingSubscription) terminate(unsubscribe bool) {
	if err := s.fsm.Event(context.Background(), subscriptionEventTerminate); err != nil {
		// Already terminated.
		return
	}

	s.transport.outgoing.Del(s.callID)
	if !unsubscribe {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.transport.config.SipTimeout)
	defer cancel()

	req := s.newRequest(sip.SUBSCRIBE)
	req.AppendHeader(sip.NewHeader("Event", string(s.channel)))
	req.AppendHeader(sip.NewHeader("Expires", "0"))
	if _, err := s.transport.request(ctx, req); err != nil {
		s.transport.log.Warn("Could not unsubscribe",
			zap.String("conference", s.conference),
			zap.Error(err),
		)
	}
}

// sipIncomingSubscription is the focus side of one SUBSCRIBE dialog.
type sipIncomingSubscription struct {
	transport *SipEventTransport

	callID       string
	localTag     string
	remoteTag    string
	from         string
	conference   string
	channel      EventChannel
	remoteTarget sip.Uri
	fsm          *fsm.FSM
	cseq         atomic.Uint32

	mu sync.Mutex
	// +checklocks:mu
	terminatedCbs []func()
}

func (s *sipIncomingSubscription) From() string {
	return s.from
}

func (s *sipIncomingSubscription) Conference() string {
	return s.conference
}

func (s *sipIncomingSubscription) Channel() EventChannel {
	return s.channel
}

func (s *sipIncomingSubscription) OnTerminated(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminatedCbs = append(s.terminatedCbs, f)
}

func (s *sipIncomingSubscription) newNotify(subscriptionState string, body []byte) *sip.Request {
	var from sip.Uri
	// Conference addresses are allocated by the scheduler and always valid.
	_ = sip.ParseUri(s.conference, &from)

	var to sip.Uri
	_ = sip.ParseUri(s.from, &to)

	req := newDialogRequest(sip.NOTIFY, s.remoteTarget, s.callID, from, s.localTag, to, s.remoteTag, s.cseq.Add(1))
	req.AppendHeader(sip.NewHeader("Event", string(s.channel)))
	req.AppendHeader(sip.NewHeader("Subscription-State", subscriptionState))
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", sipContentType))
		req.SetBody(body)
	}
	return req
}

func (s *sipIncomingSubscription) Notify(body []byte) error {
	if s.State() != SubscriptionStateActive {
		return ErrSubscriptionClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.transport.config.SipTimeout)
	defer cancel()

	req := s.newNotify("active;expires="+sipSubscribeExpires, body)
	res, err := s.transport.request(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("notify rejected: %s", res.Short())
	}
	return nil
}

func (s *sipIncomingSubscription) State() SubscriptionState {
	return SubscriptionState(s.fsm.Current())
}

func (s *sipIncomingSubscription) Terminate() error {
	s.terminate(true)
	return nil
}

func (s *sipIncomingSubscription) terminate(notify bool) {
	if err := s.fsm.Event(context.Background(), subscriptionEventTerminate); err != nil {
		// Already terminated.
		return
	}

	s.transport.incoming.Del(s.callID)
	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), s.transport.config.SipTimeout)
		defer cancel()

		req := s.newNotify("terminated;reason=noresource", nil)
		if _, err := s.transport.request(ctx, req); err != nil {
			s.transport.log.Warn("Could not notify termination",
				zap.String("device", s.from),
				zap.Error(err),
			)
		}
	}

	s.mu.Lock()
	cbs := s.terminatedCbs
	s.terminatedCbs = nil
	s.mu.Unlock()
	for _, f := range cbs {
		f()
	}
}
