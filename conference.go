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
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

type ConferenceState string

const (
	StateAllocationPending  ConferenceState = "allocation_pending"
	StateReady              ConferenceState = "ready"
	StateTerminationPending ConferenceState = "termination_pending"
	StateTerminated         ConferenceState = "terminated"
	StateDeleted            ConferenceState = "deleted"
)

const (
	conferenceEventAllocate         = "allocate"
	conferenceEventBeginTermination = "begin_termination"
	conferenceEventTerminate        = "terminate"
	conferenceEventDelete           = "delete"
)

var (
	ErrConferenceNotActive = errors.New("conference not active")
	ErrScreenSharingBusy   = errors.New("another device is sharing its screen")
	ErrNotAdmin            = errors.New("not an admin of this conference")
)

// Conference is the authoritative membership and media ledger of one hosted
// conference. It is the single writer of its state; clients only observe it
// through notifications and request changes that the focus applies and
// re-broadcasts.
type Conference struct {
	log    *zap.Logger
	config *FocusConfig
	events AsyncEvents
	fsm    *fsm.FSM
	closer *Closer

	registry *ParticipantRegistry
	ekt      *EktDistributor

	onDeleted func(*Conference)

	mu sync.Mutex
	// +checklocks:mu
	description ConferenceDescription
	// +checklocks:mu
	listType ParticipantListType
	// +checklocks:mu
	layout ConferenceLayout
	// +checklocks:mu
	version uint64
	// +checklocks:mu
	participants map[string]*Participant
	// +checklocks:mu
	subscribers map[IncomingSubscription]bool
	// +checklocks:mu
	screenSharingDevice *ParticipantDevice
	// +checklocks:mu
	deleteTimer *time.Timer
}

func NewConference(log *zap.Logger, config *FocusConfig, events AsyncEvents, description ConferenceDescription) *Conference {
	c := &Conference{
		log: log.With(
			zap.String("conference", description.Address),
		),
		config: config,
		events: events,
		closer: NewCloser(),

		registry: NewParticipantRegistry(),

		description: description,
		listType:    config.DefaultListType,
		layout:      config.DefaultLayout,

		participants: make(map[string]*Participant),
		subscribers:  make(map[IncomingSubscription]bool),
	}
	c.fsm = fsm.NewFSM(
		string(StateAllocationPending),
		fsm.Events{
			{Name: conferenceEventAllocate, Src: []string{
				string(StateAllocationPending),
			}, Dst: string(StateReady)},
			{Name: conferenceEventBeginTermination, Src: []string{
				string(StateAllocationPending),
				string(StateReady),
			}, Dst: string(StateTerminationPending)},
			{Name: conferenceEventTerminate, Src: []string{
				string(StateTerminationPending),
			}, Dst: string(StateTerminated)},
			{Name: conferenceEventDelete, Src: []string{
				string(StateTerminated),
			}, Dst: string(StateDeleted)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.publishStateEvent(ConferenceState(e.Dst))
			},
		},
	)
	if description.Security == SecurityEndToEnd {
		c.ekt = NewEktDistributor(log, description.Address, events)
	}
	statsConferencesCurrent.Inc()
	return c
}

// OnDeleted registers the callback invoked after the conference reached its
// final state and may be dropped by the owning focus.
func (c *Conference) OnDeleted(f func(*Conference)) {
	c.onDeleted = f
}

func (c *Conference) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.description.Address
}

func (c *Conference) Description() ConferenceDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.description
}

func (c *Conference) State() ConferenceState {
	return ConferenceState(c.fsm.Current())
}

func (c *Conference) Layout() ConferenceLayout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

func (c *Conference) SetLayout(layout ConferenceLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layout = layout
}

func (c *Conference) ListType() ParticipantListType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listType
}

func (c *Conference) SetListType(listType ParticipantListType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listType = listType
}

func (c *Conference) EktDistributor() *EktDistributor {
	return c.ekt
}

// Allocate commits the conference resource and makes it ready to accept
// devices.
func (c *Conference) Allocate() error {
	return c.fsm.Event(context.Background(), conferenceEventAllocate)
}

func (c *Conference) publishStateEvent(state ConferenceState) {
	message := &AsyncMessage{
		Type: "conference",
		Conference: &ConferenceEvent{
			Type:       EventConferenceStateChanged,
			Conference: c.Address(),
			State:      string(state),
		},
	}
	if err := c.events.PublishConferenceEvent(c.Address(), message); err != nil {
		c.log.Error("Could not publish state event",
			zap.Error(err),
		)
	}
}

func (c *Conference) publishEvent(event *ConferenceEvent) {
	event.Conference = c.Address()
	message := &AsyncMessage{
		Type:       "conference",
		Conference: event,
	}
	if err := c.events.PublishConferenceEvent(event.Conference, message); err != nil {
		c.log.Error("Could not publish conference event",
			zap.Error(err),
		)
	}
}

// broadcastLocked sends one delta notification to all subscribed devices and
// mirrors it as a typed event on the event bus.
// +checklocks:c.mu
func (c *Conference) broadcastLocked(delta *ConferenceDelta) {
	c.version++
	payload := &NotifyPayload{
		Version: c.version,
		Delta:   delta,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("Could not marshal notification",
			zap.Error(err),
		)
		return
	}

	statsNotificationsTotal.WithLabelValues(string(delta.Type)).Inc()
	for sub := range c.subscribers {
		if err := sub.Notify(body); err != nil {
			c.log.Warn("Could not notify device",
				zap.String("device", sub.From()),
				zap.Error(err),
			)
		}
	}
}

func deltaToEvent(delta *ConferenceDelta) *ConferenceEvent {
	eventTypes := map[DeltaType]ConferenceEventType{
		DeltaParticipantAdded:       EventParticipantAdded,
		DeltaParticipantRemoved:     EventParticipantRemoved,
		DeltaParticipantRoleChanged: EventParticipantRoleChanged,
		DeltaSubjectChanged:         EventSubjectChanged,
		DeltaDeviceAdded:            EventDeviceAdded,
		DeltaDeviceRemoved:          EventDeviceRemoved,
		DeltaDeviceStateChanged:     EventDeviceStateChanged,
		DeltaDeviceMediaChanged:     EventDeviceMediaChanged,
		DeltaDeviceMuteChanged:      EventDeviceMuteChanged,
		DeltaScreenSharingChanged:   EventScreenSharingChanged,
	}
	return &ConferenceEvent{
		Type:        eventTypes[delta.Type],
		Participant: delta.Participant,
		Device:      delta.Device,
		Subject:     delta.Subject,
	}
}

func (c *Conference) broadcast(delta *ConferenceDelta) {
	c.mu.Lock()
	c.broadcastLocked(delta)
	c.mu.Unlock()
	c.publishEvent(deltaToEvent(delta))
}

// Invite registers a participant on the list of the conference. Inviting an
// already known address keeps the existing entry.
func (c *Conference) Invite(info ParticipantInfo) ParticipantInfo {
	if info.Role == "" {
		info.Role = RoleUnknown
	}
	return c.registry.Add(info)
}

func (c *Conference) InvitedParticipants() []ParticipantInfo {
	return c.registry.All()
}

// +checklocks:c.mu
func (c *Conference) isAdminLocked(address string) bool {
	return CanonicalAddress(address) == CanonicalAddress(c.description.Organizer)
}

func (c *Conference) isAdmin(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAdminLocked(address)
}

// JoinDevice admits one device into the conference. For closed conferences
// the canonical address must be on the participant list; open conferences
// register uninvited callers on the fly. The device starts in the "joining"
// state until its media session has been negotiated.
func (c *Conference) JoinDevice(address string, capabilities map[StreamType]MediaDirection) (*ParticipantDevice, error) {
	if c.State() != StateReady {
		return nil, ErrConferenceNotActive
	}

	canonical := CanonicalAddress(address)
	info, invited := c.registry.Get(canonical)
	if !invited {
		if c.ListType() == ListClosed {
			statsAdmissionsRejectedTotal.Inc()
			c.log.Info("Rejecting uninvited device",
				zap.String("device", address),
			)
			return nil, ErrNotInvited
		}

		info = c.registry.Add(ParticipantInfo{
			Address:        canonical,
			Role:           RoleUnknown,
			SequenceNumber: SequenceNotSent,
		})
	}
	if info.Role == RoleUnknown {
		// A device that actively joins without an assigned role gets to
		// speak.
		info.Role = RoleSpeaker
		c.registry.SetRole(canonical, RoleSpeaker)
	}

	c.mu.Lock()
	participant, found := c.participants[canonical]
	if !found {
		participant = NewParticipant(info, c.isAdminLocked(canonical))
		c.participants[canonical] = participant
	}
	if participant.GetDevice(address) != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyPresent
	}

	device := NewParticipantDevice(participant, address, capabilities)
	participant.AddDevice(device)
	statsDevicesCurrent.Inc()

	if !found {
		addedInfo := participant.Info()
		c.broadcastLocked(&ConferenceDelta{
			Type:        DeltaParticipantAdded,
			Participant: &addedInfo,
		})
	}
	deviceInfo := device.Snapshot()
	c.broadcastLocked(&ConferenceDelta{
		Type:   DeltaDeviceAdded,
		Device: &deviceInfo,
	})
	c.mu.Unlock()

	if !found {
		addedInfo := participant.Info()
		c.publishEvent(&ConferenceEvent{
			Type:        EventParticipantAdded,
			Participant: &addedInfo,
		})
		c.rekey()
	}
	c.publishEvent(&ConferenceEvent{
		Type:   EventDeviceAdded,
		Device: &deviceInfo,
	})
	return device, nil
}

// DeviceNegotiated moves a device from "joining" to "present" after its
// media session has been established.
func (c *Conference) DeviceNegotiated(device *ParticipantDevice) error {
	if err := device.MarkNegotiated(); err != nil {
		return err
	}

	c.broadcastDeviceState(device)
	c.recomputeMedia()
	return nil
}

// HoldDevice pauses a device; its streams stop contributing to the
// conference until it resumes.
func (c *Conference) HoldDevice(device *ParticipantDevice) error {
	if err := device.Hold(); err != nil {
		return err
	}

	c.broadcastDeviceState(device)
	c.recomputeMedia()
	return nil
}

func (c *Conference) ResumeDevice(device *ParticipantDevice) error {
	if err := device.Resume(); err != nil {
		return err
	}

	c.broadcastDeviceState(device)
	c.recomputeMedia()
	return nil
}

func (c *Conference) broadcastDeviceState(device *ParticipantDevice) {
	info := device.Snapshot()
	c.broadcast(&ConferenceDelta{
		Type:   DeltaDeviceStateChanged,
		Device: &info,
	})
}

// LeaveDevice removes a device whose call has terminated. The participant
// record is purged together with its last device and the conference starts
// its termination once no devices remain.
func (c *Conference) LeaveDevice(device *ParticipantDevice) error {
	if err := device.Leave(); err != nil {
		return err
	}

	participant := device.Participant()
	canonical := CanonicalAddress(participant.Address())

	c.mu.Lock()
	participant.RemoveDevice(device.Address())
	statsDevicesCurrent.Dec()
	if c.screenSharingDevice == device {
		c.screenSharingDevice = nil
	}
	lastDevice := participant.DeviceCount() == 0
	if lastDevice {
		delete(c.participants, canonical)
	}
	empty := len(c.participants) == 0

	deviceInfo := device.Snapshot()
	c.broadcastLocked(&ConferenceDelta{
		Type:   DeltaDeviceRemoved,
		Device: &deviceInfo,
	})
	var removedInfo ParticipantInfo
	if lastDevice {
		removedInfo = participant.Info()
		c.broadcastLocked(&ConferenceDelta{
			Type:        DeltaParticipantRemoved,
			Participant: &removedInfo,
		})
	}
	c.mu.Unlock()

	c.publishEvent(&ConferenceEvent{
		Type:   EventDeviceRemoved,
		Device: &deviceInfo,
	})
	if lastDevice {
		c.publishEvent(&ConferenceEvent{
			Type:        EventParticipantRemoved,
			Participant: &removedInfo,
		})
		c.rekey()
	}
	c.recomputeMedia()

	if empty {
		c.beginTermination()
	}
	return nil
}

// RemoveParticipant kicks a participant out of the conference, terminating
// all of its devices server side.
func (c *Conference) RemoveParticipant(address string) error {
	canonical := CanonicalAddress(address)

	c.mu.Lock()
	participant, found := c.participants[canonical]
	c.mu.Unlock()
	if !found {
		return ErrNotInvited
	}

	for _, device := range participant.Devices() {
		if err := c.LeaveDevice(device); err != nil {
			c.log.Warn("Could not remove device",
				zap.String("device", device.Address()),
				zap.Error(err),
			)
		}
	}
	c.registry.Remove(canonical)
	return nil
}

// SetSubject updates the conference subject; unchanged subjects are not
// re-broadcast.
func (c *Conference) SetSubject(subject string) {
	c.mu.Lock()
	if c.description.Subject == subject {
		c.mu.Unlock()
		return
	}

	c.description.Subject = subject
	c.broadcastLocked(&ConferenceDelta{
		Type:    DeltaSubjectChanged,
		Subject: subject,
	})
	c.mu.Unlock()

	c.publishEvent(&ConferenceEvent{
		Type:    EventSubjectChanged,
		Subject: subject,
	})
}

// SetDescriptionText updates the free-form description of the conference.
// It is not broadcast; clients pick it up with the next full state.
func (c *Conference) SetDescriptionText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.description.Description = text
}

// SetParticipantRole changes the role of a joined participant. The role
// controls the audio direction and the thumbnail eligibility of all devices
// of the participant, so the media state is recomputed.
func (c *Conference) SetParticipantRole(address string, role ParticipantRole) error {
	canonical := CanonicalAddress(address)

	c.mu.Lock()
	participant, found := c.participants[canonical]
	c.mu.Unlock()
	if !found {
		return ErrNotInvited
	}
	if !participant.SetRole(role) {
		return nil
	}
	c.registry.SetRole(canonical, role)

	changedInfo := participant.Info()
	c.broadcast(&ConferenceDelta{
		Type:        DeltaParticipantRoleChanged,
		Participant: &changedInfo,
	})
	c.recomputeMedia()
	return nil
}

// SetDeviceMuted toggles the audio mute flag of a device.
func (c *Conference) SetDeviceMuted(device *ParticipantDevice, muted bool) {
	if !device.SetMuted(muted) {
		return
	}

	info := device.Snapshot()
	c.broadcast(&ConferenceDelta{
		Type:   DeltaDeviceMuteChanged,
		Device: &info,
	})
}

// SetCameraEnabled toggles the camera of a device and recomputes its stream
// availability.
func (c *Conference) SetCameraEnabled(device *ParticipantDevice, enabled bool) {
	if !device.SetCameraEnabled(enabled) {
		return
	}

	c.recomputeMedia()
}

// SetScreenSharing starts or stops screen sharing of a device. At most one
// device of the whole conference may share its screen; a second device
// trying to share is rejected while the first one is still active.
func (c *Conference) SetScreenSharing(device *ParticipantDevice, active bool) error {
	c.mu.Lock()
	if active && c.screenSharingDevice != nil && c.screenSharingDevice != device {
		c.mu.Unlock()
		return ErrScreenSharingBusy
	}
	if !device.SetScreenSharing(active) {
		c.mu.Unlock()
		return nil
	}
	if active {
		c.screenSharingDevice = device
	} else {
		c.screenSharingDevice = nil
	}

	info := device.Snapshot()
	c.broadcastLocked(&ConferenceDelta{
		Type:   DeltaScreenSharingChanged,
		Device: &info,
	})
	c.mu.Unlock()

	c.publishEvent(&ConferenceEvent{
		Type:   EventScreenSharingChanged,
		Device: &info,
	})
	c.recomputeMedia()
	return nil
}

// ScreenSharingDevice returns the device currently sharing its screen, if
// any.
func (c *Conference) ScreenSharingDevice() *ParticipantDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenSharingDevice
}

// UpdateDeviceMedia applies a renegotiated stream direction of one device,
// as reported by the call layer.
func (c *Conference) UpdateDeviceMedia(device *ParticipantDevice, stream StreamType, direction MediaDirection) {
	if !device.SetCapability(stream, direction) {
		return
	}

	c.recomputeMedia()
}

// recomputeMedia refreshes the stream availability of all devices and
// broadcasts a media change for every device that was affected.
func (c *Conference) recomputeMedia() {
	description := c.Description()

	var changed []*ParticipantDevice
	for _, device := range c.Devices() {
		if device.UpdateAvailability(&description) {
			changed = append(changed, device)
		}
	}

	for _, device := range changed {
		info := device.Snapshot()
		c.broadcast(&ConferenceDelta{
			Type:   DeltaDeviceMediaChanged,
			Device: &info,
		})
	}
}

// AnyOtherVideoSender checks if a device other than the given one currently
// contributes video content. Used by the direction negotiation to detect
// receive-only participants with nobody to receive from.
func (c *Conference) AnyOtherVideoSender(device *ParticipantDevice) bool {
	for _, other := range c.Devices() {
		if other == device {
			continue
		}
		if other.StreamAvailable(StreamVideo) {
			return true
		}
	}
	return false
}

// StreamPlanFor computes the negotiated media plan of one device.
func (c *Conference) StreamPlanFor(device *ParticipantDevice) StreamPlan {
	description := c.Description()
	return ExpectedStreams(&description, c.Layout(), device.Snapshot(), device.Participant().Role(), c.AnyOtherVideoSender(device))
}

func (c *Conference) Participants() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]*Participant, 0, len(c.participants))
	for _, participant := range c.participants {
		result = append(result, participant)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address() < result[j].Address()
	})
	return result
}

func (c *Conference) Devices() []*ParticipantDevice {
	var result []*ParticipantDevice
	for _, participant := range c.Participants() {
		result = append(result, participant.Devices()...)
	}
	return result
}

// ParticipantCount returns the number of joined participants as seen by the
// focus. The focus itself is never counted as a participant.
func (c *Conference) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

func (c *Conference) DeviceCount() int {
	count := 0
	for _, participant := range c.Participants() {
		count += participant.DeviceCount()
	}
	return count
}

// FullState builds the complete snapshot sent as the first notification of
// every new subscription.
func (c *Conference) FullState() ConferenceFullState {
	state := ConferenceFullState{
		Description: c.Description(),
		State:       string(c.State()),
	}
	for _, participant := range c.Participants() {
		state.Participants = append(state.Participants, participant.Snapshot())
	}
	return state
}

// HandleSubscribe processes an incoming subscription dialog. Conference
// channel subscribers receive the full state before any delta; EKT channel
// subscriptions are handed to the key distributor.
func (c *Conference) HandleSubscribe(sub IncomingSubscription) {
	switch sub.Channel() {
	case ChannelEkt:
		if c.ekt == nil {
			c.log.Warn("Key subscription on conference without end-to-end encryption",
				zap.String("device", sub.From()),
			)
			if err := sub.Terminate(); err != nil && !errors.Is(err, ErrSubscriptionClosed) {
				c.log.Warn("Could not terminate subscription",
					zap.Error(err),
				)
			}
			return
		}

		c.ekt.HandleSubscribe(sub)
	default:
		c.mu.Lock()
		fullState := ConferenceFullState{
			Description: c.description,
			State:       string(c.State()),
		}
		for _, participant := range c.participants {
			fullState.Participants = append(fullState.Participants, participant.Snapshot())
		}
		sort.Slice(fullState.Participants, func(i, j int) bool {
			return fullState.Participants[i].Info.Address < fullState.Participants[j].Info.Address
		})
		payload := &NotifyPayload{
			Version:   c.version,
			FullState: &fullState,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			c.mu.Unlock()
			c.log.Error("Could not marshal full state",
				zap.Error(err),
			)
			return
		}

		c.subscribers[sub] = true
		statsNotificationsTotal.WithLabelValues("full-state").Inc()
		if err := sub.Notify(body); err != nil {
			c.log.Warn("Could not send full state",
				zap.String("device", sub.From()),
				zap.Error(err),
			)
		}
		c.mu.Unlock()

		sub.OnTerminated(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subscribers, sub)
		})
	}
}

// HandlePublish processes a publication of one device, currently only key
// confirmations on the EKT channel.
func (c *Conference) HandlePublish(from string, channel EventChannel, body []byte) {
	switch channel {
	case ChannelEkt:
		if c.ekt == nil {
			return
		}

		c.ekt.HandleConfirm(from, body)
	default:
		c.log.Warn("Unsupported publication",
			zap.String("device", from),
			zap.String("channel", string(channel)),
		)
	}
}

func (c *Conference) rekey() {
	if c.ekt == nil {
		return
	}

	c.ekt.Rekey()
}

// Terminate ends the conference on behalf of an admin, dropping all joined
// devices.
func (c *Conference) Terminate(by string) error {
	if !c.isAdmin(by) {
		return ErrNotAdmin
	}

	for _, device := range c.Devices() {
		if err := c.LeaveDevice(device); err != nil {
			c.log.Warn("Could not drop device",
				zap.String("device", device.Address()),
				zap.Error(err),
			)
		}
	}
	// Dropping the last device already started the termination; handle the
	// conference that never had any members.
	if c.State() == StateReady {
		c.beginTermination()
	}
	return nil
}

func (c *Conference) beginTermination() {
	ctx := context.Background()
	if err := c.fsm.Event(ctx, conferenceEventBeginTermination); err != nil {
		return
	}
	if err := c.fsm.Event(ctx, conferenceEventTerminate); err != nil {
		return
	}

	c.scheduleDeletion()
}

// scheduleDeletion arranges for the terminated conference to be deleted
// after the cleanup grace period has elapsed past the scheduled end, or
// immediately for open-ended and already expired conferences.
func (c *Conference) scheduleDeletion() {
	description := c.Description()

	var delay time.Duration
	if description.EndTime > 0 {
		deadline := time.Unix(description.EndTime, 0).Add(c.config.CleanupPeriod)
		delay = time.Until(deadline)
	}
	if delay <= 0 {
		c.delete()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteTimer = time.AfterFunc(delay, c.delete)
}

func (c *Conference) delete() {
	if err := c.fsm.Event(context.Background(), conferenceEventDelete); err != nil {
		return
	}

	c.mu.Lock()
	subs := make([]IncomingSubscription, 0, len(c.subscribers))
	for sub := range c.subscribers {
		subs = append(subs, sub)
	}
	clear(c.subscribers)
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Terminate(); err != nil && !errors.Is(err, ErrSubscriptionClosed) {
			c.log.Warn("Could not terminate subscription",
				zap.String("device", sub.From()),
				zap.Error(err),
			)
		}
	}

	statsConferencesCurrent.Dec()
	if c.onDeleted != nil {
		c.onDeleted(c)
	}
	c.closer.Close()
}

// Close releases the conference immediately, skipping the cleanup grace
// period. Used during focus shutdown and scheduler rollback.
func (c *Conference) Close() {
	c.mu.Lock()
	if c.deleteTimer != nil {
		c.deleteTimer.Stop()
		c.deleteTimer = nil
	}
	c.mu.Unlock()
	if c.closer.IsClosed() {
		return
	}

	ctx := context.Background()
	_ = c.fsm.Event(ctx, conferenceEventBeginTermination)
	_ = c.fsm.Event(ctx, conferenceEventTerminate)
	c.delete()
}

// WaitClosed returns a channel that is closed once the conference has been
// deleted.
func (c *Conference) WaitClosed() <-chan struct{} {
	return c.closer.C
}
