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
	"testing"
	"time"

	"github.com/dlintw/goconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringOptionWithEnv(t *testing.T) {
	t.Setenv("FOO", "foo")
	t.Setenv("BAR", "")
	t.Setenv("BA_R", "bar")

	config := goconf.NewConfigFile()
	config.AddOption("test", "foo", "http://$(FOO)/1")
	config.AddOption("test", "bar", "http://$(BAR)/2")
	config.AddOption("test", "bar2", "http://$(BA_R)/3")
	config.AddOption("test", "baz", "http://$(BAZ)/4")
	config.AddOption("test", "inv1", "http://$(FOO")
	config.AddOption("test", "inv2", "http://$FOO)")
	config.AddOption("test", "inv3", "http://$(F.OO)")

	expected := map[string]string{
		"foo":  "http://foo/1",
		"bar":  "http:///2",
		"bar2": "http://bar/3",
		"baz":  "http://BAZ/4",
		"inv1": "http://$(FOO",
		"inv2": "http://$FOO)",
		"inv3": "http://$(F.OO)",
	}
	for k, v := range expected {
		value, err := GetStringOptionWithEnv(config, "test", k)
		if assert.NoError(t, err, "expected value for %s", k) {
			assert.Equal(t, v, value, "unexpected value for %s", k)
		}
	}
}

func TestFocusConfig_Defaults(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	config, err := NewFocusConfig(goconf.NewConfigFile())
	require.NoError(t, err)

	assert.Equal("conference.local", config.Domain)
	assert.Equal("127.0.0.1:5060", config.ListenAddress)
	assert.Equal(NatsLoopbackUrl, config.EventsUrl)
	assert.Equal(defaultCleanupPeriod, config.CleanupPeriod)
	assert.Equal(defaultSipTimeout, config.SipTimeout)
	assert.Equal(LayoutGrid, config.DefaultLayout)
	assert.Equal(ListOpen, config.DefaultListType)
}

func TestFocusConfig(t *testing.T) {
	t.Setenv("CONFERENCE_DOMAIN", "conf.example.org")
	assert := assert.New(t)

	cfg := goconf.NewConfigFile()
	cfg.AddOption("focus", "domain", "$(CONFERENCE_DOMAIN)")
	cfg.AddOption("focus", "listen", "0.0.0.0:5080")
	cfg.AddOption("focus", "cleanup-period", "60")
	cfg.AddOption("focus", "sip-timeout", "5")
	cfg.AddOption("events", "url", "nats://localhost:4222")
	cfg.AddOption("conference", "default-layout", "active-speaker")
	cfg.AddOption("conference", "participant-list", "closed")

	config, err := NewFocusConfig(cfg)
	require.NoError(t, err)

	assert.Equal("conf.example.org", config.Domain)
	assert.Equal("0.0.0.0:5080", config.ListenAddress)
	assert.Equal("nats://localhost:4222", config.EventsUrl)
	assert.Equal(60*time.Second, config.CleanupPeriod)
	assert.Equal(5*time.Second, config.SipTimeout)
	assert.Equal(LayoutActiveSpeaker, config.DefaultLayout)
	assert.Equal(ListClosed, config.DefaultListType)
}

func TestFocusConfig_InvalidValues(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	cfg := goconf.NewConfigFile()
	cfg.AddOption("conference", "default-layout", "mosaic")
	cfg.AddOption("conference", "participant-list", "whatever")
	cfg.AddOption("focus", "sip-timeout", "0")

	config, err := NewFocusConfig(cfg)
	require.NoError(t, err)

	// Unknown values keep the defaults.
	assert.Equal(LayoutGrid, config.DefaultLayout)
	assert.Equal(ListOpen, config.DefaultListType)
	assert.Equal(defaultSipTimeout, config.SipTimeout)
}
