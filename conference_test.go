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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConference_JoinDevices(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{
		VideoEnabled: true,
	})
	assert.Equal(StateReady, c.State())

	marie := joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())
	joinPresentDevice(t, c, "sip:john@example.org;gr=b", speakerCapabilities())
	listener := joinPresentDevice(t, c, "sip:paul@example.org;gr=c", listenerCapabilities())
	require.NoError(t, c.SetParticipantRole("sip:paul@example.org", RoleListener))

	assert.Equal(3, c.ParticipantCount())
	assert.Equal(3, c.DeviceCount())

	// The organizer is an admin, other participants are not.
	assert.True(marie.Participant().IsAdmin())
	assert.False(listener.Participant().IsAdmin())

	// Devices joining without an assigned role get to speak.
	assert.Equal(RoleSpeaker, marie.Participant().Role())

	plan := c.StreamPlanFor(listener)
	assert.Equal(DirectionRecvOnly, plan.Audio)
	assert.Equal(DirectionRecvOnly, plan.Video)

	plan = c.StreamPlanFor(marie)
	assert.Equal(DirectionSendRecv, plan.Audio)
	assert.Equal(DirectionSendRecv, plan.Video)

	state := c.FullState()
	assert.Equal(string(StateReady), state.State)
	assert.Len(state.Participants, 3)
}

func TestConference_GridWithoutSenders(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{
		VideoEnabled: true,
	})
	first := joinPresentDevice(t, c, "sip:paul@example.org;gr=a", listenerCapabilities())
	joinPresentDevice(t, c, "sip:ringo@example.org;gr=b", listenerCapabilities())
	require.NoError(t, c.SetParticipantRole("sip:paul@example.org", RoleListener))
	require.NoError(t, c.SetParticipantRole("sip:ringo@example.org", RoleListener))

	// Nobody sends video, so there is nothing to receive in a grid.
	assert.False(c.AnyOtherVideoSender(first))
	plan := c.StreamPlanFor(first)
	assert.Equal(DirectionInactive, plan.Video)
	assert.Equal(1, plan.ActiveStreamCount())

	// A speaker joining with a camera brings the receivers back to life.
	joinPresentDevice(t, c, "sip:marie@example.org;gr=c", speakerCapabilities())
	assert.True(c.AnyOtherVideoSender(first))
	plan = c.StreamPlanFor(first)
	assert.Equal(DirectionRecvOnly, plan.Video)
}

func TestConference_Admission(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{})
	c.SetListType(ListClosed)

	_, err := c.JoinDevice("sip:eve@example.org;gr=a", speakerCapabilities())
	assert.ErrorIs(err, ErrNotInvited)

	c.Invite(ParticipantInfo{
		Address:        "sip:john@example.org",
		Role:           RoleSpeaker,
		SequenceNumber: SequenceNotSent,
	})
	device, err := c.JoinDevice("sip:john@example.org;gr=a", speakerCapabilities())
	require.NoError(t, err)
	require.NotNil(t, device)

	// The same device cannot join twice, but a second device of the same
	// participant can.
	_, err = c.JoinDevice("sip:john@example.org;gr=a", speakerCapabilities())
	assert.ErrorIs(err, ErrAlreadyPresent)
	_, err = c.JoinDevice("sip:john@example.org;gr=b", speakerCapabilities())
	assert.NoError(err)

	assert.Equal(1, c.ParticipantCount())
	assert.Equal(2, c.DeviceCount())

	// Open conferences register uninvited callers on the fly.
	c.SetListType(ListOpen)
	_, err = c.JoinDevice("sip:eve@example.org;gr=a", speakerCapabilities())
	assert.NoError(err)
	info, found := c.registry.Get("sip:eve@example.org")
	require.True(t, found)
	assert.Equal(RoleSpeaker, info.Role)
}

func TestConference_JoinRequiresReady(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.focus.CreateConference(ConferenceDescription{
		Address:   "sip:conf-pending@" + testDomain,
		Organizer: "sip:marie@example.org",
	})
	assert.Equal(StateAllocationPending, c.State())

	_, err := c.JoinDevice("sip:john@example.org;gr=a", speakerCapabilities())
	assert.ErrorIs(err, ErrConferenceNotActive)
	c.Close()
}

func TestConference_ScreenSharingExclusive(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{
		VideoEnabled: true,
	})
	first := joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())
	second := joinPresentDevice(t, c, "sip:john@example.org;gr=b", speakerCapabilities())

	require.NoError(t, c.SetScreenSharing(first, true))
	assert.Same(first, c.ScreenSharingDevice())
	assert.NotEqual(first.VideoLabel(), first.ThumbnailLabel())

	// Only one device of the whole conference may share at a time.
	assert.ErrorIs(c.SetScreenSharing(second, true), ErrScreenSharingBusy)

	// Restarting the active share is a no-op, not an error.
	assert.NoError(c.SetScreenSharing(first, true))

	require.NoError(t, c.SetScreenSharing(first, false))
	assert.Nil(c.ScreenSharingDevice())
	assert.Equal(first.VideoLabel(), first.ThumbnailLabel())

	// The next device may take over now.
	assert.NoError(c.SetScreenSharing(second, true))
	assert.Same(second, c.ScreenSharingDevice())
}

func TestConference_ScreenSharingConcurrentClaims(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{
		VideoEnabled: true,
	})
	first := joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())
	second := joinPresentDevice(t, c, "sip:john@example.org;gr=b", speakerCapabilities())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, device := range []*ParticipantDevice{first, second} {
		wg.Add(1)
		go func(device *ParticipantDevice) {
			defer wg.Done()
			errs <- c.SetScreenSharing(device, true)
		}(device)
	}
	wg.Wait()
	close(errs)

	// Exactly one of the concurrent claims may win.
	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(err, ErrScreenSharingBusy)
		}
	}
	assert.Equal(1, succeeded)
	require.NotNil(t, c.ScreenSharingDevice())
}

func TestConference_HoldResume(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{
		VideoEnabled: true,
	})
	device := joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())
	assert.True(device.StreamAvailable(StreamAudio))

	require.NoError(t, c.HoldDevice(device))
	assert.Equal(DeviceOnHold, device.State())
	assert.False(device.StreamAvailable(StreamAudio))
	assert.False(device.StreamAvailable(StreamVideo))
	assert.Error(c.HoldDevice(device))

	require.NoError(t, c.ResumeDevice(device))
	assert.Equal(DevicePresent, device.State())
	assert.True(device.StreamAvailable(StreamAudio))
}

func TestConference_SubjectIdempotent(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{})
	mirror := env.connectMirror(t, c, "sip:observer@example.org")

	c.SetSubject("Standup")
	assert.Equal("Standup", mirror.Subject())
	version := mirror.Version()

	// Setting the same subject again is not re-broadcast.
	c.SetSubject("Standup")
	assert.Equal(version, mirror.Version())

	c.SetSubject("Retro")
	assert.Equal("Retro", mirror.Subject())
	assert.Greater(mirror.Version(), version)
}

func TestConference_RemoveParticipant(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{})
	joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())
	joinPresentDevice(t, c, "sip:john@example.org;gr=a", speakerCapabilities())
	joinPresentDevice(t, c, "sip:john@example.org;gr=b", speakerCapabilities())
	assert.Equal(2, c.ParticipantCount())

	assert.ErrorIs(c.RemoveParticipant("sip:eve@example.org"), ErrNotInvited)

	require.NoError(t, c.RemoveParticipant("sip:john@example.org;gr=a"))
	assert.Equal(1, c.ParticipantCount())
	assert.Equal(1, c.DeviceCount())
	_, found := c.registry.Get("sip:john@example.org")
	assert.False(found)
}

func TestConference_LastDeviceTerminates(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{})
	device := joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())

	// An open-ended conference is deleted right after its termination.
	require.NoError(t, c.LeaveDevice(device))
	assert.Equal(StateDeleted, c.State())
	assert.Nil(env.focus.GetConference(c.Address()))

	select {
	case <-c.WaitClosed():
	default:
		assert.Fail("conference should have been closed")
	}
}

func TestConference_TerminateByAdmin(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{})
	joinPresentDevice(t, c, "sip:marie@example.org;gr=a", speakerCapabilities())
	joinPresentDevice(t, c, "sip:john@example.org;gr=a", speakerCapabilities())

	assert.ErrorIs(c.Terminate("sip:john@example.org"), ErrNotAdmin)
	assert.Equal(StateReady, c.State())

	require.NoError(t, c.Terminate("sip:marie@example.org;gr=home"))
	assert.Equal(StateDeleted, c.State())
	assert.Equal(0, env.focus.ConferenceCount())
}

func TestConference_MuteAndRoleChanges(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	c := env.createConference(t, ConferenceDescription{
		VideoEnabled: true,
	})
	mirror := env.connectMirror(t, c, "sip:observer@example.org")

	device := joinPresentDevice(t, c, "sip:john@example.org;gr=a", speakerCapabilities())

	c.SetDeviceMuted(device, true)
	snapshot, found := mirror.GetParticipant("sip:john@example.org")
	require.True(t, found)
	require.Len(t, snapshot.Devices, 1)
	assert.True(snapshot.Devices[0].Muted)

	require.NoError(t, c.SetParticipantRole("sip:john@example.org", RoleListener))
	snapshot, found = mirror.GetParticipant("sip:john@example.org")
	require.True(t, found)
	assert.Equal(RoleListener, snapshot.Info.Role)

	plan := c.StreamPlanFor(device)
	assert.Equal(DirectionRecvOnly, plan.Audio)
}
