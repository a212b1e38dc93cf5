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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOrganizer = "sip:marie@example.org"
)

func dialOutParams() *ConferenceParams {
	return &ConferenceParams{
		Organizer: testOrganizer,
		Participants: []ParticipantInfo{
			{Address: "sip:john@example.org", Role: RoleSpeaker},
			{Address: "sip:paul@example.org", Role: RoleListener},
		},
		Subject:      "Quartet",
		VideoEnabled: true,
	}
}

func TestScheduler_DialOut(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	placer := newTestCallPlacer()
	scheduler := NewConferenceScheduler(testLogger(t), env.focus, placer)
	assert.Equal(SchedulerIdle, scheduler.State())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	address, err := scheduler.CreateConference(ctx, dialOutParams())
	require.NoError(t, err)
	assert.NotEmpty(address)
	assert.Equal(SchedulerReady, scheduler.State())
	assert.Equal(0, scheduler.DialFailures())

	c := scheduler.Conference()
	require.NotNil(t, c)
	assert.Equal(address, c.Address())
	assert.Equal("Quartet", c.Description().Subject)
	assert.Equal(StateReady, c.State())

	// The organizer is always called first.
	require.NotEmpty(t, placer.placed)
	assert.Equal(testOrganizer, placer.placed[0])
	assert.Len(placer.placed, 3)
	assert.Equal(3, c.ParticipantCount())
	assert.Equal(3, c.DeviceCount())

	// A second conference needs a new scheduler.
	_, err = scheduler.CreateConference(ctx, dialOutParams())
	assert.Error(err)
}

func TestScheduler_DialOutParticipantFailure(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	placer := newTestCallPlacer()
	placer.failing["sip:paul@example.org"] = true
	scheduler := NewConferenceScheduler(testLogger(t), env.focus, placer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	params := dialOutParams()
	params.Participants[1].Role = ""
	_, err := scheduler.CreateConference(ctx, params)
	require.NoError(t, err)

	// An unreachable participant is skipped, not fatal.
	assert.Equal(SchedulerReady, scheduler.State())
	assert.Equal(1, scheduler.DialFailures())

	c := scheduler.Conference()
	require.NotNil(t, c)
	assert.Equal(2, c.ParticipantCount())

	// The failed participant stays on the invitation list with its role
	// unresolved.
	var paul *ParticipantInfo
	for _, info := range c.InvitedParticipants() {
		if info.Address == "sip:paul@example.org" {
			found := info
			paul = &found
		}
	}
	require.NotNil(t, paul)
	assert.Equal(RoleUnknown, paul.Role)
}

func TestScheduler_DialOutOrganizerFailure(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	placer := newTestCallPlacer()
	placer.failing[testOrganizer] = true
	scheduler := NewConferenceScheduler(testLogger(t), env.focus, placer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := scheduler.CreateConference(ctx, dialOutParams())
	assert.ErrorIs(err, ErrAllocationFailed)
	assert.ErrorIs(err, ErrNoCommonCodec)
	assert.Equal(SchedulerError, scheduler.State())

	// Nothing is left behind; the other participants were never called.
	assert.Nil(scheduler.Conference())
	assert.Equal(0, env.focus.ConferenceCount())
	assert.Len(placer.placed, 1)
}

func TestScheduler_ScheduledConference(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	placer := newTestCallPlacer()
	scheduler := NewConferenceScheduler(testLogger(t), env.focus, placer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	params := dialOutParams()
	params.StartTime = time.Now().Add(time.Hour).Unix()
	params.EndTime = time.Now().Add(2 * time.Hour).Unix()
	params.SendInvitations = true

	_, err := scheduler.CreateConference(ctx, params)
	require.NoError(t, err)
	assert.Equal(SchedulerReady, scheduler.State())

	// A future start time means nobody is dialed.
	assert.Empty(placer.placed)

	c := scheduler.Conference()
	require.NotNil(t, c)
	for _, info := range c.InvitedParticipants() {
		assert.Equal(0, info.SequenceNumber, "unexpected sequence number for %s", info.Address)
	}

	// Updating re-sends the invitations with bumped sequence numbers.
	require.NoError(t, scheduler.UpdateConference(ctx, "Quartet (moved)", "Moved by one hour"))
	assert.Equal(SchedulerReady, scheduler.State())
	assert.Equal("Quartet (moved)", c.Description().Subject)
	assert.Equal("Moved by one hour", c.Description().Description)
	for _, info := range c.InvitedParticipants() {
		assert.Equal(1, info.SequenceNumber, "unexpected sequence number for %s", info.Address)
	}

	require.NoError(t, scheduler.CancelConference(ctx))
	assert.Equal(SchedulerIdle, scheduler.State())
	assert.Nil(scheduler.Conference())
	assert.NotEqual(StateReady, c.State())
	c.Close()
}

func TestScheduler_UpdateWithoutConference(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)
	scheduler := NewConferenceScheduler(testLogger(t), env.focus, newTestCallPlacer())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.ErrorIs(scheduler.UpdateConference(ctx, "subject", "description"), ErrNoConference)
	assert.ErrorIs(scheduler.CancelConference(ctx), ErrNoConference)
}
