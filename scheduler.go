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
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

type SchedulerState string

const (
	SchedulerIdle              SchedulerState = "idle"
	SchedulerAllocationPending SchedulerState = "allocation_pending"
	SchedulerUpdating          SchedulerState = "updating"
	SchedulerReady             SchedulerState = "ready"
	SchedulerError             SchedulerState = "error"
)

const (
	schedulerEventCreate = "create"
	schedulerEventReady  = "ready"
	schedulerEventFail   = "fail"
	schedulerEventUpdate = "update"
	schedulerEventCancel = "cancel"
)

var (
	ErrNoCommonCodec     = errors.New("no common codec")
	ErrAllocationFailed  = errors.New("conference allocation failed")
	ErrNoConference      = errors.New("no conference scheduled")
	ErrSchedulerNotReady = errors.New("scheduler not ready")
)

// CallPlacer performs the outbound call legs of a dial-out conference. It
// returns the stream capabilities the callee negotiated, or an error such as
// "ErrNoCommonCodec" if no session could be established.
type CallPlacer interface {
	PlaceCall(ctx context.Context, conference string, participant string) (map[StreamType]MediaDirection, error)
}

// ConferenceParams describes a conference to be scheduled.
type ConferenceParams struct {
	Organizer    string
	Participants []ParticipantInfo

	Subject     string
	Description string

	// StartTime and EndTime are unix timestamps; an end time of
	// "EndTimeOpenEnded" leaves the conference open-ended. If neither is
	// set, the focus dials out to all participants immediately.
	StartTime int64
	EndTime   int64

	// SendInvitations assigns invitation sequence numbers to all
	// participants; without it roles stay unresolved until a device joins.
	SendInvitations bool

	Security     SecurityLevel
	VideoEnabled bool
	ChatEnabled  bool
}

// ConferenceScheduler drives the creation lifecycle of one conference on
// behalf of its organizer.
type ConferenceScheduler struct {
	log    *zap.Logger
	focus  *Focus
	placer CallPlacer
	fsm    *fsm.FSM

	mu sync.Mutex
	// +checklocks:mu
	conference *Conference
	// +checklocks:mu
	dialFailures int
}

func NewConferenceScheduler(log *zap.Logger, focus *Focus, placer CallPlacer) *ConferenceScheduler {
	s := &ConferenceScheduler{
		log:    log,
		focus:  focus,
		placer: placer,
	}
	s.fsm = fsm.NewFSM(
		string(SchedulerIdle),
		fsm.Events{
			{Name: schedulerEventCreate, Src: []string{
				string(SchedulerIdle),
			}, Dst: string(SchedulerAllocationPending)},
			{Name: schedulerEventReady, Src: []string{
				string(SchedulerAllocationPending),
				string(SchedulerUpdating),
			}, Dst: string(SchedulerReady)},
			{Name: schedulerEventFail, Src: []string{
				string(SchedulerAllocationPending),
				string(SchedulerUpdating),
			}, Dst: string(SchedulerError)},
			{Name: schedulerEventUpdate, Src: []string{
				string(SchedulerReady),
			}, Dst: string(SchedulerUpdating)},
			{Name: schedulerEventCancel, Src: []string{
				string(SchedulerReady),
				string(SchedulerError),
			}, Dst: string(SchedulerIdle)},
		},
		nil,
	)
	return s
}

func (s *ConferenceScheduler) State() SchedulerState {
	return SchedulerState(s.fsm.Current())
}

func (s *ConferenceScheduler) Conference() *Conference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conference
}

// DialFailures returns the number of participants that could not be called
// during dial-out. Failed participants are excluded from the member set but
// do not abort the conference creation.
func (s *ConferenceScheduler) DialFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialFailures
}

// CreateConference allocates a conference for the given parameters and
// returns its address. A dial-out conference calls the organizer first;
// failing to reach the organizer fails the whole creation and leaves no
// partial state behind.
func (s *ConferenceScheduler) CreateConference(ctx context.Context, params *ConferenceParams) (string, error) {
	if err := s.fsm.Event(ctx, schedulerEventCreate); err != nil {
		return "", err
	}

	config := s.focus.Config()
	description := ConferenceDescription{
		Address:      fmt.Sprintf("sip:conf-%s@%s", uuid.NewString(), config.Domain),
		Organizer:    CanonicalAddress(params.Organizer),
		Subject:      params.Subject,
		Description:  params.Description,
		StartTime:    params.StartTime,
		EndTime:      params.EndTime,
		Security:     params.Security,
		VideoEnabled: params.VideoEnabled,
		ChatEnabled:  params.ChatEnabled,
	}

	c := s.focus.CreateConference(description)
	c.Invite(ParticipantInfo{
		Address:        description.Organizer,
		Role:           RoleSpeaker,
		SequenceNumber: SequenceNotSent,
	})
	for _, info := range params.Participants {
		if info.SequenceNumber == 0 {
			info.SequenceNumber = SequenceNotSent
		}
		c.Invite(info)
	}
	if params.SendInvitations {
		c.registry.MarkInvitationsSent()
	}

	if err := c.Allocate(); err != nil {
		s.rollback(c)
		return "", err
	}

	s.mu.Lock()
	s.conference = c
	s.dialFailures = 0
	s.mu.Unlock()

	if description.IsDialOut() {
		if err := s.dialOut(ctx, c, &description); err != nil {
			s.rollback(c)
			return "", err
		}
	}

	if err := s.fsm.Event(ctx, schedulerEventReady); err != nil {
		return "", err
	}
	return description.Address, nil
}

// dialOut places outbound calls toward all listed participants, the
// organizer first. Individual call errors are tallied and the failed
// participant is skipped, its role left unresolved.
func (s *ConferenceScheduler) dialOut(ctx context.Context, c *Conference, description *ConferenceDescription) error {
	if err := s.dialParticipant(ctx, c, description.Organizer); err != nil {
		s.log.Error("Could not reach organizer",
			zap.String("organizer", description.Organizer),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	for _, info := range c.InvitedParticipants() {
		if info.Address == description.Organizer {
			continue
		}

		if err := s.dialParticipant(ctx, c, info.Address); err != nil {
			s.log.Warn("Could not reach participant",
				zap.String("participant", info.Address),
				zap.Error(err),
			)
			s.mu.Lock()
			s.dialFailures++
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *ConferenceScheduler) dialParticipant(ctx context.Context, c *Conference, address string) error {
	capabilities, err := s.placer.PlaceCall(ctx, c.Address(), address)
	if err != nil {
		return err
	}

	device, err := c.JoinDevice(address, capabilities)
	if err != nil {
		return err
	}
	return c.DeviceNegotiated(device)
}

func (s *ConferenceScheduler) rollback(c *Conference) {
	c.Close()
	s.mu.Lock()
	s.conference = nil
	s.mu.Unlock()
	if err := s.fsm.Event(context.Background(), schedulerEventFail); err != nil {
		s.log.Warn("Could not record allocation failure",
			zap.Error(err),
		)
	}
}

// UpdateConference applies changed metadata to the scheduled conference and
// re-sends the invitations with incremented sequence numbers.
func (s *ConferenceScheduler) UpdateConference(ctx context.Context, subject string, description string) error {
	s.mu.Lock()
	c := s.conference
	s.mu.Unlock()
	if c == nil {
		return ErrNoConference
	}

	if err := s.fsm.Event(ctx, schedulerEventUpdate); err != nil {
		return ErrSchedulerNotReady
	}

	c.SetSubject(subject)
	c.SetDescriptionText(description)
	c.registry.BumpSequenceNumbers()

	return s.fsm.Event(ctx, schedulerEventReady)
}

// CancelConference terminates the scheduled conference. The invitation
// sequence numbers are incremented once more for the cancellation notices.
func (s *ConferenceScheduler) CancelConference(ctx context.Context) error {
	s.mu.Lock()
	c := s.conference
	s.conference = nil
	s.mu.Unlock()
	if c == nil {
		return ErrNoConference
	}

	c.registry.BumpSequenceNumbers()
	if err := c.Terminate(c.Description().Organizer); err != nil {
		return err
	}
	return s.fsm.Event(ctx, schedulerEventCancel)
}
