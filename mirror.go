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
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ClientMirror keeps a local, read-mostly replica of the focus-side
// conference state, synchronized through the notification dialogs. Deltas
// are only applied after the full state of the current dialog has been
// received; a delta arriving earlier is a protocol error and dropped.
type ClientMirror struct {
	log        *zap.Logger
	address    string
	conference string
	security   SecurityLevel
	transport  EventTransport

	ektCache EktCache

	mu sync.Mutex
	// +checklocks:mu
	subscription EventSubscription
	// +checklocks:mu
	ektSubscription EventSubscription
	// +checklocks:mu
	gotFullState bool
	// +checklocks:mu
	version uint64
	// +checklocks:mu
	description ConferenceDescription
	// +checklocks:mu
	state string
	// +checklocks:mu
	participants map[string]*ParticipantSnapshot
	// +checklocks:mu
	fullStatesReceived int
	// +checklocks:mu
	protocolErrors int
	// +checklocks:mu
	stateCounts map[EventChannel]map[SubscriptionState]int
}

func NewClientMirror(log *zap.Logger, address string, conference string, security SecurityLevel, transport EventTransport) *ClientMirror {
	return &ClientMirror{
		log: log.With(
			zap.String("address", address),
			zap.String("conference", conference),
		),
		address:    address,
		conference: conference,
		security:   security,
		transport:  transport,

		participants: make(map[string]*ParticipantSnapshot),
		stateCounts:  make(map[EventChannel]map[SubscriptionState]int),
	}
}

func (m *ClientMirror) Address() string {
	return m.address
}

// Connect subscribes to the notification dialogs of the conference. For
// end-to-end encrypted conferences the key dialog is opened in parallel;
// there are no ordering guarantees between the two dialogs.
func (m *ClientMirror) Connect(ctx context.Context) error {
	sub, err := m.transport.Subscribe(ctx, m.conference, ChannelConference, m)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.subscription = sub
	m.mu.Unlock()

	if m.security == SecurityEndToEnd {
		ektSub, err := m.transport.Subscribe(ctx, m.conference, ChannelEkt, m)
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.ektSubscription = ektSub
		m.mu.Unlock()
	}
	return nil
}

// Reconnect issues fresh subscriptions after the previous dialogs have been
// terminated, typically after a network flap. The mirror stays inconsistent
// until a new full state has been received; there is no incremental
// catch-up across the gap.
func (m *ClientMirror) Reconnect(ctx context.Context) error {
	return m.Connect(ctx)
}

func (m *ClientMirror) Disconnect() {
	m.mu.Lock()
	sub := m.subscription
	ektSub := m.ektSubscription
	m.subscription = nil
	m.ektSubscription = nil
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Terminate(); err != nil {
			m.log.Warn("Could not terminate subscription",
				zap.Error(err),
			)
		}
	}
	if ektSub != nil {
		if err := ektSub.Terminate(); err != nil {
			m.log.Warn("Could not terminate key subscription",
				zap.Error(err),
			)
		}
	}
}

func (m *ClientMirror) OnNotify(channel EventChannel, body []byte) {
	switch channel {
	case ChannelConference:
		m.processConferenceNotify(body)
	case ChannelEkt:
		m.processEktNotify(body)
	}
}

func (m *ClientMirror) OnSubscriptionStateChanged(channel EventChannel, state SubscriptionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts, found := m.stateCounts[channel]
	if !found {
		counts = make(map[SubscriptionState]int)
		m.stateCounts[channel] = counts
	}
	counts[state]++

	if channel == ChannelConference && state == SubscriptionStateTerminated {
		// The next dialog starts with a full resync.
		m.gotFullState = false
	}
}

// SubscriptionStateCount returns how often a dialog entered the given state.
func (m *ClientMirror) SubscriptionStateCount(channel EventChannel, state SubscriptionState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateCounts[channel][state]
}

func (m *ClientMirror) processConferenceNotify(body []byte) {
	var payload NotifyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		m.log.Error("Could not decode notification",
			zap.Error(err),
		)
		m.mu.Lock()
		m.protocolErrors++
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case payload.FullState != nil:
		m.applyFullStateLocked(payload.Version, payload.FullState)
	case payload.Delta != nil:
		if !m.gotFullState {
			// Deltas are not trusted before the full state of the dialog.
			m.protocolErrors++
			return
		}

		m.applyDeltaLocked(payload.Version, payload.Delta)
	default:
		m.protocolErrors++
	}
}

// +checklocks:m.mu
func (m *ClientMirror) applyFullStateLocked(version uint64, state *ConferenceFullState) {
	m.version = version
	m.description = state.Description
	m.state = state.State
	m.participants = make(map[string]*ParticipantSnapshot)
	for _, p := range state.Participants {
		snapshot := p
		m.participants[CanonicalAddress(p.Info.Address)] = &snapshot
	}
	m.gotFullState = true
	m.fullStatesReceived++
}

// +checklocks:m.mu
func (m *ClientMirror) applyDeltaLocked(version uint64, delta *ConferenceDelta) {
	m.version = version
	switch delta.Type {
	case DeltaParticipantAdded:
		key := CanonicalAddress(delta.Participant.Address)
		if _, found := m.participants[key]; !found {
			m.participants[key] = &ParticipantSnapshot{
				Info: *delta.Participant,
			}
		}
	case DeltaParticipantRemoved:
		delete(m.participants, CanonicalAddress(delta.Participant.Address))
	case DeltaParticipantRoleChanged:
		if p, found := m.participants[CanonicalAddress(delta.Participant.Address)]; found {
			p.Info = *delta.Participant
		}
	case DeltaSubjectChanged:
		m.description.Subject = delta.Subject
	case DeltaDeviceAdded, DeltaDeviceStateChanged, DeltaDeviceMediaChanged, DeltaDeviceMuteChanged, DeltaScreenSharingChanged:
		m.upsertDeviceLocked(delta.Device)
	case DeltaDeviceRemoved:
		m.removeDeviceLocked(delta.Device)
	default:
		m.protocolErrors++
	}
}

// +checklocks:m.mu
func (m *ClientMirror) upsertDeviceLocked(device *DeviceInfo) {
	key := CanonicalAddress(device.Address)
	p, found := m.participants[key]
	if !found {
		// Device notifications may describe a participant added in the same
		// change; create the record on demand.
		p = &ParticipantSnapshot{
			Info: ParticipantInfo{
				Address:        key,
				Role:           RoleUnknown,
				SequenceNumber: SequenceNotSent,
			},
		}
		m.participants[key] = p
	}
	for i := range p.Devices {
		if p.Devices[i].Address == device.Address {
			p.Devices[i] = *device
			return
		}
	}
	p.Devices = append(p.Devices, *device)
	sort.Slice(p.Devices, func(i, j int) bool {
		return p.Devices[i].Address < p.Devices[j].Address
	})
}

// +checklocks:m.mu
func (m *ClientMirror) removeDeviceLocked(device *DeviceInfo) {
	p, found := m.participants[CanonicalAddress(device.Address)]
	if !found {
		return
	}
	for i := range p.Devices {
		if p.Devices[i].Address == device.Address {
			p.Devices = append(p.Devices[:i], p.Devices[i+1:]...)
			break
		}
	}
}

func (m *ClientMirror) processEktNotify(body []byte) {
	var payload EktPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		m.log.Error("Could not decode key context",
			zap.Error(err),
		)
		return
	}

	if !m.ektCache.Update(payload) {
		// Retransmission of the cached context.
		return
	}

	confirm, err := json.Marshal(&EktConfirm{
		SSpi: payload.SSpi,
	})
	if err != nil {
		m.log.Error("Could not marshal key confirmation",
			zap.Error(err),
		)
		return
	}

	if err := m.transport.Publish(context.Background(), m.conference, ChannelEkt, confirm); err != nil {
		m.log.Warn("Could not confirm key context",
			zap.Error(err),
		)
	}
}

// Consistent checks if the mirror received the full state of its current
// dialog and may serve reads.
func (m *ClientMirror) Consistent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gotFullState
}

func (m *ClientMirror) FullStatesReceived() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fullStatesReceived
}

func (m *ClientMirror) ProtocolErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protocolErrors
}

func (m *ClientMirror) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *ClientMirror) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.description.Subject
}

func (m *ClientMirror) ConferenceState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ParticipantCount returns the number of other participants in the
// conference; the client's own view never includes itself.
func (m *ClientMirror) ParticipantCount() int {
	self := CanonicalAddress(m.address)

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key := range m.participants {
		if key == self {
			continue
		}
		count++
	}
	return count
}

func (m *ClientMirror) GetParticipant(address string) (ParticipantSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.participants[CanonicalAddress(address)]
	if !found {
		return ParticipantSnapshot{}, false
	}
	return *p, true
}

func (m *ClientMirror) Participants() []ParticipantSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ParticipantSnapshot, 0, len(m.participants))
	for _, p := range m.participants {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Info.Address < result[j].Info.Address
	})
	return result
}

// ScreenSharingDevice returns the device currently sharing its screen as
// seen by this mirror, or nil.
func (m *ClientMirror) ScreenSharingDevice() *DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		for i := range p.Devices {
			if p.Devices[i].ScreenSharing {
				device := p.Devices[i]
				return &device
			}
		}
	}
	return nil
}

// SelectedEkt returns the cached key context, or false while the key
// distribution cycle has not completed yet.
func (m *ClientMirror) SelectedEkt() (EktPayload, bool) {
	return m.ektCache.SelectedEkt()
}

// SecurityCheck reports if the security requirements of the conference are
// currently satisfied. An end-to-end encrypted conference fails the check
// until the key context has been populated; this is a transient condition,
// never fatal.
func (m *ClientMirror) SecurityCheck() bool {
	if m.security != SecurityEndToEnd {
		return true
	}

	_, ok := m.ektCache.SelectedEkt()
	return ok
}

// EktMatches checks if this mirror and the other one cached the same key
// material.
func (m *ClientMirror) EktMatches(other *ClientMirror) bool {
	return m.ektCache.Matches(&other.ektCache)
}
