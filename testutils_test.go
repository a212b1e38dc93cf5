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

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	testTimeout = 10 * time.Second

	testDomain = "conference.local"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

func startLocalNatsServer(t *testing.T) string {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.Cluster.Name = "testing"
	srv := natsserver.RunServer(&opts)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv.ClientURL()
}

func CreateLocalNatsClientForTest(t *testing.T) NatsClient {
	url := startLocalNatsServer(t)
	result, err := NewNatsClient(testLogger(t), url)
	require.NoError(t, err)
	t.Cleanup(func() {
		result.Close()
	})
	return result
}

func createAsyncEventsForTest(t *testing.T, url string) AsyncEvents {
	events, err := NewAsyncEvents(testLogger(t), url)
	require.NoError(t, err)
	t.Cleanup(func() {
		events.Close()
	})
	return events
}

type testEnv struct {
	config  *FocusConfig
	events  AsyncEvents
	network *LoopbackNetwork
	focus   *Focus
}

func newTestEnv(t *testing.T) *testEnv {
	log := testLogger(t)
	config := DefaultFocusConfig()
	config.Domain = testDomain

	events := createAsyncEventsForTest(t, NatsLoopbackUrl)

	network := NewLoopbackNetwork()
	transport := network.CreateTransport(log, "sip:"+config.Domain)
	t.Cleanup(transport.Close)

	focus := NewFocus(log, config, events, transport)
	t.Cleanup(focus.Close)

	return &testEnv{
		config:  config,
		events:  events,
		network: network,
		focus:   focus,
	}
}

func (e *testEnv) createConference(t *testing.T, description ConferenceDescription) *Conference {
	if description.Address == "" {
		description.Address = "sip:conf-test@" + testDomain
	}
	if description.Organizer == "" {
		description.Organizer = "sip:marie@example.org"
	}

	c := e.focus.CreateConference(description)
	require.NoError(t, c.Allocate())
	return c
}

func (e *testEnv) connectMirror(t *testing.T, c *Conference, address string) *ClientMirror {
	transport := e.network.CreateTransport(testLogger(t), address)
	t.Cleanup(transport.Close)

	mirror := NewClientMirror(testLogger(t), address, c.Address(), c.Description().Security, transport)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, mirror.Connect(ctx))
	t.Cleanup(mirror.Disconnect)
	return mirror
}

func speakerCapabilities() map[StreamType]MediaDirection {
	return map[StreamType]MediaDirection{
		StreamAudio: DirectionSendRecv,
		StreamVideo: DirectionSendRecv,
	}
}

func listenerCapabilities() map[StreamType]MediaDirection {
	return map[StreamType]MediaDirection{
		StreamAudio: DirectionRecvOnly,
		StreamVideo: DirectionRecvOnly,
	}
}

func joinPresentDevice(t *testing.T, c *Conference, address string, capabilities map[StreamType]MediaDirection) *ParticipantDevice {
	device, err := c.JoinDevice(address, capabilities)
	require.NoError(t, err)
	require.NoError(t, c.DeviceNegotiated(device))
	return device
}

// testCallPlacer simulates the call layer during dial-out. Addresses listed
// in "failing" have no common codec with the focus.
type testCallPlacer struct {
	capabilities map[string]map[StreamType]MediaDirection
	failing      map[string]bool

	placed []string
}

func newTestCallPlacer() *testCallPlacer {
	return &testCallPlacer{
		capabilities: make(map[string]map[StreamType]MediaDirection),
		failing:      make(map[string]bool),
	}
}

func (p *testCallPlacer) PlaceCall(ctx context.Context, conference string, participant string) (map[StreamType]MediaDirection, error) {
	p.placed = append(p.placed, participant)
	if p.failing[participant] {
		return nil, ErrNoCommonCodec
	}

	if capabilities, found := p.capabilities[participant]; found {
		return capabilities, nil
	}
	return speakerCapabilities(), nil
}
