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

func TestCanonicalAddress(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	assert.Equal("sip:alice@example.org", CanonicalAddress("sip:alice@example.org"))
	assert.Equal("sip:alice@example.org", CanonicalAddress("sip:alice@example.org;gr=urn:uuid:1234"))
	assert.Equal("sip:alice@example.org", CanonicalAddress("sip:alice@example.org;transport=tcp;gr=abc"))
	assert.Equal("", CanonicalAddress(""))
}

func TestParticipantRegistry(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	registry := NewParticipantRegistry()
	assert.Equal(0, registry.Len())

	info := registry.Add(ParticipantInfo{
		Address:        "sip:alice@example.org;gr=device-1",
		Role:           RoleSpeaker,
		SequenceNumber: SequenceNotSent,
	})
	assert.Equal("sip:alice@example.org", info.Address)

	// Adding a known address keeps the existing entry.
	again := registry.Add(ParticipantInfo{
		Address: "sip:alice@example.org",
		Role:    RoleListener,
	})
	assert.Equal(RoleSpeaker, again.Role)
	assert.Equal(1, registry.Len())

	registry.Add(ParticipantInfo{
		Address:        "sip:bob@example.org",
		Role:           RoleListener,
		SequenceNumber: SequenceNotSent,
	})

	found, ok := registry.Get("sip:alice@example.org;gr=device-2")
	require.True(t, ok)
	assert.Equal(info, found)

	all := registry.All()
	require.Len(t, all, 2)
	assert.Equal("sip:alice@example.org", all[0].Address)
	assert.Equal("sip:bob@example.org", all[1].Address)

	registry.Remove("sip:bob@example.org;gr=x")
	assert.Equal(1, registry.Len())
}

func TestParticipantRegistry_SequenceNumbers(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	registry := NewParticipantRegistry()
	registry.Add(ParticipantInfo{
		Address:        "sip:alice@example.org",
		Role:           RoleSpeaker,
		SequenceNumber: SequenceNotSent,
	})
	registry.Add(ParticipantInfo{
		Address:        "sip:bob@example.org",
		Role:           RoleListener,
		SequenceNumber: SequenceNotSent,
	})

	seq := func(address string) int {
		info, found := registry.Get(address)
		require.True(t, found)
		return info.SequenceNumber
	}

	// Nothing to bump while no invitations have been sent.
	registry.BumpSequenceNumbers()
	assert.Equal(SequenceNotSent, seq("sip:alice@example.org"))
	assert.Equal(SequenceNotSent, seq("sip:bob@example.org"))

	registry.MarkInvitationsSent()
	assert.Equal(0, seq("sip:alice@example.org"))
	assert.Equal(0, seq("sip:bob@example.org"))

	registry.BumpSequenceNumbers()
	assert.Equal(1, seq("sip:alice@example.org"))
	assert.Equal(1, seq("sip:bob@example.org"))

	// Late invitees start at zero while the others move on.
	registry.Add(ParticipantInfo{
		Address:        "sip:carol@example.org",
		Role:           RoleListener,
		SequenceNumber: SequenceNotSent,
	})
	registry.MarkInvitationsSent()
	assert.Equal(0, seq("sip:carol@example.org"))
	assert.Equal(1, seq("sip:alice@example.org"))
}

func TestParticipantRegistry_SetRole(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	registry := NewParticipantRegistry()
	registry.Add(ParticipantInfo{
		Address:        "sip:alice@example.org",
		Role:           RoleUnknown,
		SequenceNumber: SequenceNotSent,
	})

	// Unknown addresses are ignored.
	registry.SetRole("sip:bob@example.org", RoleSpeaker)
	assert.Equal(1, registry.Len())

	registry.SetRole("sip:alice@example.org;gr=device-1", RoleSpeaker)
	info, found := registry.Get("sip:alice@example.org")
	require.True(t, found)
	assert.Equal(RoleSpeaker, info.Role)
}

func TestParticipantRegistry_ConcurrentRoleUpdates(t *testing.T) {
	t.Parallel()

	registry := NewParticipantRegistry()
	registry.Add(ParticipantInfo{
		Address:        "sip:alice@example.org",
		Role:           RoleUnknown,
		SequenceNumber: SequenceNotSent,
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.SetRole("sip:alice@example.org", RoleSpeaker)
				registry.All()
				registry.SetRole("sip:alice@example.org", RoleListener)
				registry.Get("sip:alice@example.org")
			}
		}()
	}
	wg.Wait()

	info, found := registry.Get("sip:alice@example.org")
	require.True(t, found)
	assert.Contains(t, []ParticipantRole{RoleSpeaker, RoleListener}, info.Role)
}

func TestParticipant_Devices(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	participant := NewParticipant(ParticipantInfo{
		Address: "sip:alice@example.org",
		Role:    RoleSpeaker,
	}, true)
	assert.True(participant.IsAdmin())
	assert.Equal(0, participant.DeviceCount())

	first := NewParticipantDevice(participant, "sip:alice@example.org;gr=a", speakerCapabilities())
	second := NewParticipantDevice(participant, "sip:alice@example.org;gr=b", speakerCapabilities())
	participant.AddDevice(second)
	participant.AddDevice(first)
	assert.Equal(2, participant.DeviceCount())

	devices := participant.Devices()
	require.Len(t, devices, 2)
	assert.Same(first, devices[0])
	assert.Same(second, devices[1])

	assert.Same(first, participant.GetDevice("sip:alice@example.org;gr=a"))
	assert.Nil(participant.GetDevice("sip:alice@example.org;gr=c"))

	snapshot := participant.Snapshot()
	assert.Equal("sip:alice@example.org", snapshot.Info.Address)
	assert.Len(snapshot.Devices, 2)

	participant.RemoveDevice(first.Address())
	assert.Equal(1, participant.DeviceCount())
}

func TestParticipant_SetRole(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	participant := NewParticipant(ParticipantInfo{
		Address: "sip:alice@example.org",
		Role:    RoleListener,
	}, false)
	assert.True(participant.SetRole(RoleSpeaker))
	assert.False(participant.SetRole(RoleSpeaker))
	assert.Equal(RoleSpeaker, participant.Role())
}
