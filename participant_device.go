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
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

const (
	deviceEventNegotiated = "negotiated"
	deviceEventHold       = "hold"
	deviceEventResume     = "resume"
	deviceEventLeave      = "leave"
)

// ParticipantDevice is one endpoint of a participant inside a conference. A
// device starts in the "joining" state and becomes "present" once its media
// session has been negotiated.
type ParticipantDevice struct {
	address     string
	participant *Participant
	fsm         *fsm.FSM

	mu sync.RWMutex
	// +checklocks:mu
	muted bool
	// +checklocks:mu
	screenSharing bool
	// +checklocks:mu
	cameraEnabled bool
	// +checklocks:mu
	capabilities map[StreamType]MediaDirection
	// +checklocks:mu
	availability map[StreamType]bool
	// +checklocks:mu
	thumbnailAvailable bool
	// +checklocks:mu
	videoLabel string
	// +checklocks:mu
	thumbnailLabel string
}

func NewParticipantDevice(participant *Participant, address string, capabilities map[StreamType]MediaDirection) *ParticipantDevice {
	label := uuid.NewString()
	device := &ParticipantDevice{
		address:     address,
		participant: participant,

		cameraEnabled: true,
		capabilities:  maps.Clone(capabilities),
		availability:  make(map[StreamType]bool),

		videoLabel:     label,
		thumbnailLabel: label,
	}
	if device.capabilities == nil {
		device.capabilities = make(map[StreamType]MediaDirection)
	}
	device.fsm = fsm.NewFSM(
		string(DeviceJoining),
		fsm.Events{
			{Name: deviceEventNegotiated, Src: []string{
				string(DeviceJoining),
			}, Dst: string(DevicePresent)},
			{Name: deviceEventHold, Src: []string{
				string(DevicePresent),
			}, Dst: string(DeviceOnHold)},
			{Name: deviceEventResume, Src: []string{
				string(DeviceOnHold),
			}, Dst: string(DevicePresent)},
			{Name: deviceEventLeave, Src: []string{
				string(DeviceJoining),
				string(DevicePresent),
				string(DeviceOnHold),
			}, Dst: string(DeviceLeft)},
		},
		nil,
	)
	return device
}

func (d *ParticipantDevice) Address() string {
	return d.address
}

func (d *ParticipantDevice) Participant() *Participant {
	return d.participant
}

func (d *ParticipantDevice) State() DeviceState {
	return DeviceState(d.fsm.Current())
}

func (d *ParticipantDevice) MarkNegotiated() error {
	return d.fsm.Event(context.Background(), deviceEventNegotiated)
}

func (d *ParticipantDevice) Hold() error {
	return d.fsm.Event(context.Background(), deviceEventHold)
}

func (d *ParticipantDevice) Resume() error {
	return d.fsm.Event(context.Background(), deviceEventResume)
}

func (d *ParticipantDevice) Leave() error {
	return d.fsm.Event(context.Background(), deviceEventLeave)
}

func (d *ParticipantDevice) IsMuted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.muted
}

// SetMuted reports if the mute state was changed.
func (d *ParticipantDevice) SetMuted(muted bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.muted == muted {
		return false
	}

	d.muted = muted
	return true
}

func (d *ParticipantDevice) IsScreenSharing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.screenSharing
}

// SetScreenSharing reports if the screen sharing state was changed. While a
// device shares its screen, the main video stream carries the screen content
// and the camera is demoted to the thumbnail stream, so the thumbnail gets a
// label of its own. Without screen sharing both streams show the same camera
// content and share a single label.
func (d *ParticipantDevice) SetScreenSharing(active bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenSharing == active {
		return false
	}

	d.screenSharing = active
	if active {
		d.thumbnailLabel = uuid.NewString()
	} else {
		d.thumbnailLabel = d.videoLabel
	}
	return true
}

func (d *ParticipantDevice) IsCameraEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cameraEnabled
}

// SetCameraEnabled reports if the camera state was changed.
func (d *ParticipantDevice) SetCameraEnabled(enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cameraEnabled == enabled {
		return false
	}

	d.cameraEnabled = enabled
	return true
}

func (d *ParticipantDevice) Capability(stream StreamType) MediaDirection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if dir, found := d.capabilities[stream]; found {
		return dir
	}
	return DirectionInactive
}

// SetCapability updates the direction a device offered for one of its
// streams and reports if it was changed.
func (d *ParticipantDevice) SetCapability(stream StreamType, direction MediaDirection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capabilities[stream] == direction {
		return false
	}

	d.capabilities[stream] = direction
	return true
}

func (d *ParticipantDevice) StreamAvailable(stream StreamType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.availability[stream]
}

func (d *ParticipantDevice) VideoLabel() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.videoLabel
}

func (d *ParticipantDevice) ThumbnailLabel() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thumbnailLabel
}

// UpdateAvailability recomputes which streams the device currently
// contributes to the conference and reports if anything changed. A stream is
// available if the conference allows it, the device can send it and the
// device is actually producing content for it. Only present devices
// contribute media.
func (d *ParticipantDevice) UpdateAvailability(description *ConferenceDescription) bool {
	state := d.State()
	// Participant.Snapshot takes the participant lock before each device
	// lock, so the role must be read before taking d.mu.
	role := d.participant.Role()

	d.mu.Lock()
	defer d.mu.Unlock()

	available := make(map[StreamType]bool)
	if state == DevicePresent {
		if d.capabilities[StreamAudio].CanSend() {
			available[StreamAudio] = true
		}
		if description.VideoEnabled && d.capabilities[StreamVideo].CanSend() && (d.cameraEnabled || d.screenSharing) {
			available[StreamVideo] = true
		}
		if description.ChatEnabled && d.capabilities[StreamText].CanSend() {
			available[StreamText] = true
		}
	}

	thumbnail := available[StreamVideo] && d.cameraEnabled && role != RoleListener

	changed := !maps.Equal(d.availability, available) || d.thumbnailAvailable != thumbnail
	d.availability = available
	d.thumbnailAvailable = thumbnail
	return changed
}

func (d *ParticipantDevice) Snapshot() DeviceInfo {
	state := d.State()

	d.mu.RLock()
	defer d.mu.RUnlock()

	info := DeviceInfo{
		Address: d.address,
		State:   state,
		Muted:   d.muted,

		ScreenSharing: d.screenSharing,

		Capabilities: maps.Clone(d.capabilities),
		Availability: maps.Clone(d.availability),

		ThumbnailCapability: DirectionInactive,
		ThumbnailAvailable:  d.thumbnailAvailable,

		VideoLabel:     d.videoLabel,
		ThumbnailLabel: d.thumbnailLabel,
	}
	if d.capabilities[StreamVideo].CanSend() {
		info.ThumbnailCapability = DirectionSendOnly
	}
	return info
}
