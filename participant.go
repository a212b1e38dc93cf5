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
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrAlreadyPresent = errors.New("participant already present")
	ErrNotInvited     = errors.New("participant not invited")
	ErrNoSuchDevice   = errors.New("no such device")
)

// CanonicalAddress strips the URI parameters from a SIP address. Devices of
// the same participant share the canonical address and are distinguished by
// their "gr" parameter.
func CanonicalAddress(address string) string {
	if idx := strings.IndexByte(address, ';'); idx != -1 {
		address = address[:idx]
	}
	return address
}

// Participant is one joined member of a conference with all of its devices.
type Participant struct {
	mu sync.RWMutex
	// +checklocks:mu
	info ParticipantInfo
	// +checklocks:mu
	admin bool
	// +checklocks:mu
	devices map[string]*ParticipantDevice
}

func NewParticipant(info ParticipantInfo, admin bool) *Participant {
	return &Participant{
		info:    info,
		admin:   admin,
		devices: make(map[string]*ParticipantDevice),
	}
}

func (p *Participant) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Address
}

func (p *Participant) Info() ParticipantInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

func (p *Participant) IsAdmin() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin
}

func (p *Participant) Role() ParticipantRole {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Role
}

// SetRole reports if the role was changed.
func (p *Participant) SetRole(role ParticipantRole) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info.Role == role {
		return false
	}

	p.info.Role = role
	return true
}

func (p *Participant) AddDevice(device *ParticipantDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[device.Address()] = device
}

func (p *Participant) RemoveDevice(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, address)
}

func (p *Participant) GetDevice(address string) *ParticipantDevice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.devices[address]
}

func (p *Participant) DeviceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.devices)
}

func (p *Participant) Devices() []*ParticipantDevice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]*ParticipantDevice, 0, len(p.devices))
	for _, device := range p.devices {
		result = append(result, device)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address() < result[j].Address()
	})
	return result
}

func (p *Participant) Snapshot() ParticipantSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := ParticipantSnapshot{
		Info:    p.info,
		IsAdmin: p.admin,
	}
	for _, device := range p.devices {
		result.Devices = append(result.Devices, device.Snapshot())
	}
	sort.Slice(result.Devices, func(i, j int) bool {
		return result.Devices[i].Address < result.Devices[j].Address
	})
	return result
}

// ParticipantRegistry tracks the invited participants of a conference and
// the sequence numbers of their invitations.
type ParticipantRegistry struct {
	mu sync.RWMutex
	// +checklocks:mu
	infos map[string]*ParticipantInfo
}

func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{
		infos: make(map[string]*ParticipantInfo),
	}
}

// Add registers an invited participant. Adding an already known address is
// not an error but keeps the existing entry. The registry owns its entries,
// so callers get a copy.
func (r *ParticipantRegistry) Add(info ParticipantInfo) ParticipantInfo {
	address := CanonicalAddress(info.Address)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, found := r.infos[address]; found {
		return *existing
	}

	info.Address = address
	r.infos[address] = &info
	return info
}

func (r *ParticipantRegistry) Get(address string) (ParticipantInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, found := r.infos[CanonicalAddress(address)]
	if !found {
		return ParticipantInfo{}, false
	}
	return *info, true
}

// SetRole updates the role of an invited participant. Unknown addresses are
// ignored.
func (r *ParticipantRegistry) SetRole(address string, role ParticipantRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, found := r.infos[CanonicalAddress(address)]; found {
		info.Role = role
	}
}

func (r *ParticipantRegistry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.infos, CanonicalAddress(address))
}

func (r *ParticipantRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.infos)
}

func (r *ParticipantRegistry) All() []ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ParticipantInfo, 0, len(r.infos))
	for _, info := range r.infos {
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result
}

// BumpSequenceNumbers increments the invitation sequence number of every
// participant that already received one; used by the update-and-resend and
// cancellation flows.
func (r *ParticipantRegistry) BumpSequenceNumbers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.infos {
		if info.SequenceNumber >= 0 {
			info.SequenceNumber++
		}
	}
}

// MarkInvitationsSent assigns the initial sequence number to participants
// that are invited for the first time.
func (r *ParticipantRegistry) MarkInvitationsSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.infos {
		if info.SequenceNumber == SequenceNotSent {
			info.SequenceNumber = 0
		}
	}
}
