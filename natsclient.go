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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	initialConnectInterval = time.Second
	maxConnectInterval     = 8 * time.Second

	NatsLoopbackUrl = "nats://loopback"
)

type NatsSubscription interface {
	Unsubscribe() error
}

type NatsClient interface {
	Close()

	Subscribe(subject string, ch chan *nats.Msg) (NatsSubscription, error)
	Publish(subject string, message any) error

	Decode(msg *nats.Msg, v any) error
}

// The NATS client doesn't work if a subject contains spaces. As the
// conference address can have an arbitrary format, we need to make sure the
// subject is valid.
func GetEncodedSubject(prefix string, suffix string) string {
	return prefix + "." + base64.StdEncoding.EncodeToString([]byte(suffix))
}

type natsClient struct {
	log *zap.Logger

	nc *nats.Conn
}

func NewNatsClient(log *zap.Logger, url string) (NatsClient, error) {
	if url == NatsLoopbackUrl {
		log.Info("Using internal NATS loopback client")
		return NewLoopbackNatsClient(log)
	}

	backoff, err := NewExponentialBackoff(log, initialConnectInterval, maxConnectInterval)
	if err != nil {
		return nil, err
	}

	client := &natsClient{
		log: log,
	}

	client.nc, err = nats.Connect(url,
		nats.ClosedHandler(client.onClosed),
		nats.DisconnectHandler(client.onDisconnected),
		nats.ReconnectHandler(client.onReconnected))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// The initial connect must succeed, so we retry in the case of an error.
	for err != nil {
		log.Warn("Could not create connection, will retry",
			zap.Duration("wait", backoff.NextWait()),
			zap.Error(err),
		)
		backoff.Wait(ctx)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("interrupted")
		}

		client.nc, err = nats.Connect(url)
	}
	log.Info("Connection established",
		zap.String("url", client.nc.ConnectedUrl()),
		zap.String("server", client.nc.ConnectedServerId()),
	)

	return client, nil
}

func (c *natsClient) Close() {
	c.nc.Close()
}

func (c *natsClient) onClosed(conn *nats.Conn) {
	c.log.Info("NATS client closed",
		zap.Error(conn.LastError()),
	)
}

func (c *natsClient) onDisconnected(conn *nats.Conn) {
	c.log.Info("NATS client disconnected")
}

func (c *natsClient) onReconnected(conn *nats.Conn) {
	c.log.Info("NATS client reconnected",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server", conn.ConnectedServerId()),
	)
}

func (c *natsClient) Subscribe(subject string, ch chan *nats.Msg) (NatsSubscription, error) {
	return c.nc.ChanSubscribe(subject, ch)
}

// All communication is JSON based.
func (c *natsClient) Publish(subject string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	return c.nc.Publish(subject, data)
}

func (c *natsClient) Decode(msg *nats.Msg, v any) error {
	return json.Unmarshal(msg.Data, v)
}
