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

	"github.com/pion/sdp/v3"
)

// ExpectedAudioDirection returns the audio direction a call leg of the given
// role negotiates with the focus. There is exactly one audio stream per
// active leg.
func ExpectedAudioDirection(role ParticipantRole) MediaDirection {
	if role == RoleListener {
		return DirectionRecvOnly
	}
	return DirectionSendRecv
}

// NegotiateVideoDirection computes the video direction the focus answers for
// a call leg that requested "requested". Listeners never get to send. A grid
// participant that only wants to receive while nobody else is sending ends
// up with inactive video, as there is no content to deliver.
func NegotiateVideoDirection(layout ConferenceLayout, role ParticipantRole, requested MediaDirection, anyOtherSender bool) MediaDirection {
	if requested == DirectionInactive || requested == DirectionInvalid {
		return DirectionInactive
	}

	result := requested
	if role == RoleListener {
		switch requested {
		case DirectionSendRecv:
			result = DirectionRecvOnly
		case DirectionSendOnly:
			result = DirectionInactive
		}
	}

	if layout == LayoutGrid && result == DirectionRecvOnly && !anyOtherSender {
		result = DirectionInactive
	}
	return result
}

// ThumbnailActive checks if the camera thumbnail of a device is expected to
// be streamed in addition to its main video.
func ThumbnailActive(role ParticipantRole, cameraEnabled bool, videoAvailable bool) bool {
	return role != RoleListener && cameraEnabled && videoAvailable
}

// StreamPlan describes the expected media sections of one call leg after
// negotiation with the focus.
type StreamPlan struct {
	Audio MediaDirection
	Video MediaDirection
	Text  bool

	// Thumbnail is set when the camera feed is streamed next to the main
	// video, which happens while the device shares its screen. Without a
	// screen share the camera is the main video itself, both labels are
	// equal and no separate thumbnail section is negotiated even when the
	// thumbnail is available.
	Thumbnail bool

	VideoLabel     string
	ThumbnailLabel string
}

// ActiveStreamCount returns the number of media streams that actually carry
// content.
func (p *StreamPlan) ActiveStreamCount() int {
	count := 0
	if p.Audio != DirectionInactive {
		count++
	}
	if p.Video != DirectionInactive {
		count++
	}
	if p.Thumbnail {
		count++
	}
	if p.Text {
		count++
	}
	return count
}

// ExpectedStreams computes the media plan of one device. The same function
// runs on the focus and inside the client mirror so both sides can assert
// they agree on the negotiated session.
func ExpectedStreams(description *ConferenceDescription, layout ConferenceLayout, device DeviceInfo, role ParticipantRole, anyOtherSender bool) StreamPlan {
	plan := StreamPlan{
		Audio: ExpectedAudioDirection(role),
		Video: DirectionInactive,
		Text:  description.ChatEnabled && device.Capabilities[StreamText] != DirectionInactive,
	}
	if device.State != DevicePresent {
		plan.Audio = DirectionInactive
		plan.Text = false
		return plan
	}

	if description.VideoEnabled {
		plan.Video = NegotiateVideoDirection(layout, role, device.Capabilities[StreamVideo], anyOtherSender)
	}
	if plan.Video != DirectionInactive {
		plan.VideoLabel = device.VideoLabel
		if device.ScreenSharing && device.ThumbnailAvailable {
			plan.Thumbnail = true
			plan.ThumbnailLabel = device.ThumbnailLabel
		}
	}
	return plan
}

func directionAttribute(direction MediaDirection) sdp.Attribute {
	switch direction {
	case DirectionSendOnly:
		return sdp.NewPropertyAttribute("sendonly")
	case DirectionRecvOnly:
		return sdp.NewPropertyAttribute("recvonly")
	case DirectionInactive:
		return sdp.NewPropertyAttribute("inactive")
	default:
		return sdp.NewPropertyAttribute("sendrecv")
	}
}

func videoMediaDescription(direction MediaDirection, label string) *sdp.MediaDescription {
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"96"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", "96 VP8/90000"),
			directionAttribute(direction),
		},
	}
	if label != "" {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("label", label))
	}
	return media
}

// RenderSessionDescription builds the SDP answer of the focus for one call
// leg. Inactive sections are still rendered with a direction attribute so
// the media line count stays stable across renegotiations.
func RenderSessionDescription(origin string, plan *StreamPlan) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: origin,
		},
		SessionName: "conference",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: origin},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"111"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", "111 opus/48000/2"),
			directionAttribute(plan.Audio),
		},
	}
	session.MediaDescriptions = append(session.MediaDescriptions, audio)

	session.MediaDescriptions = append(session.MediaDescriptions, videoMediaDescription(plan.Video, plan.VideoLabel))
	if plan.Thumbnail {
		session.MediaDescriptions = append(session.MediaDescriptions, videoMediaDescription(DirectionSendOnly, plan.ThumbnailLabel))
	}

	if plan.Text {
		text := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "text",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"98"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", "98 t140/1000"),
				directionAttribute(DirectionSendRecv),
			},
		}
		session.MediaDescriptions = append(session.MediaDescriptions, text)
	}
	return session
}
