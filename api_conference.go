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
	"time"
)

type ParticipantRole string

const (
	RoleSpeaker  ParticipantRole = "speaker"
	RoleListener ParticipantRole = "listener"
	RoleUnknown  ParticipantRole = "unknown"
)

type MediaDirection string

const (
	DirectionSendRecv MediaDirection = "sendrecv"
	DirectionSendOnly MediaDirection = "sendonly"
	DirectionRecvOnly MediaDirection = "recvonly"
	DirectionInactive MediaDirection = "inactive"
	DirectionInvalid  MediaDirection = "invalid"
)

// CanSend checks if the direction includes a send component.
func (d MediaDirection) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive checks if the direction includes a receive component.
func (d MediaDirection) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

type StreamType string

const (
	StreamAudio StreamType = "audio"
	StreamVideo StreamType = "video"
	StreamText  StreamType = "text"
)

type DeviceState string

const (
	DeviceJoining DeviceState = "joining"
	DevicePresent DeviceState = "present"
	DeviceOnHold  DeviceState = "onhold"
	DeviceLeft    DeviceState = "left"
)

type SecurityLevel string

const (
	SecurityNone         SecurityLevel = "none"
	SecurityPointToPoint SecurityLevel = "point-to-point"
	SecurityEndToEnd     SecurityLevel = "end-to-end"
)

type ConferenceLayout string

const (
	LayoutGrid          ConferenceLayout = "grid"
	LayoutActiveSpeaker ConferenceLayout = "active-speaker"
)

type ParticipantListType string

const (
	ListOpen   ParticipantListType = "open"
	ListClosed ParticipantListType = "closed"
)

const (
	// SequenceNotSent marks participants that have not received an
	// invitation yet.
	SequenceNotSent = -1

	// EndTimeOpenEnded marks conferences without a scheduled end.
	EndTimeOpenEnded = -1
)

// ParticipantInfo describes one invited participant of a conference. The
// sequence number tracks the version of the sent invitation and stays at
// "SequenceNotSent" if no invitations were requested.
type ParticipantInfo struct {
	Address        string          `json:"address"`
	Role           ParticipantRole `json:"role"`
	SequenceNumber int             `json:"sequenceNumber"`
}

// ConferenceDescription holds the metadata of a conference as created by the
// scheduler. It is immutable after allocation except through the explicit
// update-and-resend flow.
type ConferenceDescription struct {
	Address      string        `json:"address"`
	Organizer    string        `json:"organizer"`
	Subject      string        `json:"subject,omitempty"`
	Description  string        `json:"description,omitempty"`
	StartTime    int64         `json:"startTime"`
	EndTime      int64         `json:"endTime"`
	Security     SecurityLevel `json:"security"`
	VideoEnabled bool          `json:"videoEnabled"`
	ChatEnabled  bool          `json:"chatEnabled"`
}

// IsDialOut checks if the focus should call the participants instead of
// waiting for them to dial in.
func (d *ConferenceDescription) IsDialOut() bool {
	return d.StartTime <= 0 && d.EndTime <= 0
}

// DeviceInfo is the wire representation of one participant device as
// contained in full-state and delta notifications.
type DeviceInfo struct {
	Address string      `json:"address"`
	State   DeviceState `json:"state"`
	Muted   bool        `json:"muted,omitempty"`

	ScreenSharing bool `json:"screenSharing,omitempty"`

	Capabilities map[StreamType]MediaDirection `json:"capabilities"`
	Availability map[StreamType]bool           `json:"availability"`

	ThumbnailCapability MediaDirection `json:"thumbnailCapability"`
	ThumbnailAvailable  bool           `json:"thumbnailAvailable"`

	VideoLabel     string `json:"videoLabel,omitempty"`
	ThumbnailLabel string `json:"thumbnailLabel,omitempty"`
}

// ParticipantSnapshot combines the participant information with the state of
// all its devices.
type ParticipantSnapshot struct {
	Info    ParticipantInfo `json:"info"`
	IsAdmin bool            `json:"isAdmin,omitempty"`
	Devices []DeviceInfo    `json:"devices,omitempty"`
}

// ConferenceFullState is the complete conference snapshot sent as the first
// notification on every new subscription.
type ConferenceFullState struct {
	Description  ConferenceDescription `json:"description"`
	State        string                `json:"state"`
	Participants []ParticipantSnapshot `json:"participants,omitempty"`
}

type DeltaType string

const (
	DeltaParticipantAdded       DeltaType = "participant-added"
	DeltaParticipantRemoved     DeltaType = "participant-removed"
	DeltaParticipantRoleChanged DeltaType = "participant-role-changed"
	DeltaSubjectChanged         DeltaType = "subject-changed"
	DeltaDeviceAdded            DeltaType = "device-added"
	DeltaDeviceRemoved          DeltaType = "device-removed"
	DeltaDeviceStateChanged     DeltaType = "device-state-changed"
	DeltaDeviceMediaChanged     DeltaType = "device-media-changed"
	DeltaDeviceMuteChanged      DeltaType = "device-mute-changed"
	DeltaScreenSharingChanged   DeltaType = "screen-sharing-changed"
)

// ConferenceDelta is one incremental membership / media update. Deltas are
// only valid after the full state of the same dialog has been received.
type ConferenceDelta struct {
	Type DeltaType `json:"type"`

	Participant *ParticipantInfo `json:"participant,omitempty"`
	Device      *DeviceInfo      `json:"device,omitempty"`
	Subject     string           `json:"subject,omitempty"`
}

// NotifyPayload is the body of a notification on the conference event
// channel. Exactly one of "FullState" and "Delta" is set.
type NotifyPayload struct {
	Version   uint64               `json:"version"`
	FullState *ConferenceFullState `json:"fullState,omitempty"`
	Delta     *ConferenceDelta     `json:"delta,omitempty"`
}

// EktPayload is the body of a notification on the EKT event channel of
// end-to-end encrypted conferences.
type EktPayload struct {
	SSpi uint16 `json:"sspi"`
	CSpi []byte `json:"cspi"`
	Ekt  []byte `json:"ekt"`
}

// EktConfirm is published by clients after they applied a new key context.
type EktConfirm struct {
	SSpi uint16 `json:"sspi"`
}

type ConferenceEventType string

const (
	EventConferenceStateChanged ConferenceEventType = "conference_state"
	EventParticipantAdded       ConferenceEventType = "participant_added"
	EventParticipantRemoved     ConferenceEventType = "participant_removed"
	EventParticipantRoleChanged ConferenceEventType = "participant_role_changed"
	EventSubjectChanged         ConferenceEventType = "subject_changed"
	EventDeviceAdded            ConferenceEventType = "device_added"
	EventDeviceRemoved          ConferenceEventType = "device_removed"
	EventDeviceStateChanged     ConferenceEventType = "device_state_changed"
	EventDeviceMediaChanged     ConferenceEventType = "device_media_changed"
	EventDeviceMuteChanged      ConferenceEventType = "device_mute_changed"
	EventScreenSharingChanged   ConferenceEventType = "screen_sharing_changed"
)

type EktEventType string

const (
	EventEktUpdated   EktEventType = "ekt_updated"
	EventEktPublishOk EktEventType = "ekt_publish_ok"
)

// ConferenceEvent is the typed replacement for the polled statistics counters
// of older deployments: every state change of a conference is published on
// the event bus.
type ConferenceEvent struct {
	Type       ConferenceEventType `json:"type"`
	Conference string              `json:"conference"`
	State      string              `json:"state,omitempty"`

	Participant *ParticipantInfo `json:"participant,omitempty"`
	Device      *DeviceInfo      `json:"device,omitempty"`
	Subject     string           `json:"subject,omitempty"`
}

type EktEvent struct {
	Type       EktEventType `json:"type"`
	Conference string       `json:"conference"`
	SSpi       uint16       `json:"sspi"`
	From       string       `json:"from,omitempty"`
}

type AsyncMessage struct {
	SendTime time.Time `json:"sendtime"`
	Type     string    `json:"type"`

	Conference *ConferenceEvent `json:"conference,omitempty"`
	Ekt        *EktEvent        `json:"ekt,omitempty"`
}
