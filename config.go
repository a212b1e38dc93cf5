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
	"os"
	"regexp"
	"time"

	"github.com/dlintw/goconf"
)

const (
	defaultCleanupPeriod = 30 * time.Second
	defaultSipTimeout    = 10 * time.Second
)

var (
	searchVarsRegexp = regexp.MustCompile(`\$\([A-Za-z][A-Za-z0-9_]*\)`)
)

func replaceEnvVars(s string) string {
	return searchVarsRegexp.ReplaceAllStringFunc(s, func(name string) string {
		name = name[2 : len(name)-1]
		value, found := os.LookupEnv(name)
		if !found {
			return name
		}

		return value
	})
}

// GetStringOptionWithEnv will get the string option and resolve any
// environment variable references in the form "$(VAR)".
func GetStringOptionWithEnv(config *goconf.ConfigFile, section string, option string) (string, error) {
	value, err := config.GetString(section, option)
	if err != nil {
		return "", err
	}

	value = replaceEnvVars(value)
	return value, nil
}

// FocusConfig contains the settings of the conference focus.
type FocusConfig struct {
	// Domain is the SIP domain conference addresses are allocated in.
	Domain string

	// ListenAddress is the transport address of the SIP endpoint.
	ListenAddress string

	// EventsUrl is the url of the NATS server distributing typed events,
	// or "nats://loopback" for the builtin loopback bus.
	EventsUrl string

	// CleanupPeriod is the grace period after the scheduled end of a
	// terminated conference before it is deleted.
	CleanupPeriod time.Duration

	// SipTimeout bounds all asynchronous SIP expectations.
	SipTimeout time.Duration

	// DefaultLayout is used for devices that join without requesting one.
	DefaultLayout ConferenceLayout

	// DefaultListType controls whether uninvited participants may dial in.
	DefaultListType ParticipantListType
}

func DefaultFocusConfig() *FocusConfig {
	return &FocusConfig{
		Domain:        "conference.local",
		ListenAddress: "127.0.0.1:5060",
		EventsUrl:     NatsLoopbackUrl,

		CleanupPeriod: defaultCleanupPeriod,
		SipTimeout:    defaultSipTimeout,

		DefaultLayout:   LayoutGrid,
		DefaultListType: ListOpen,
	}
}

func NewFocusConfig(config *goconf.ConfigFile) (*FocusConfig, error) {
	result := DefaultFocusConfig()

	if domain, err := GetStringOptionWithEnv(config, "focus", "domain"); err == nil && domain != "" {
		result.Domain = domain
	}
	if listen, err := GetStringOptionWithEnv(config, "focus", "listen"); err == nil && listen != "" {
		result.ListenAddress = listen
	}
	if url, err := GetStringOptionWithEnv(config, "events", "url"); err == nil && url != "" {
		result.EventsUrl = url
	}

	if seconds, err := config.GetInt("focus", "cleanup-period"); err == nil && seconds >= 0 {
		result.CleanupPeriod = time.Duration(seconds) * time.Second
	}
	if seconds, err := config.GetInt("focus", "sip-timeout"); err == nil && seconds > 0 {
		result.SipTimeout = time.Duration(seconds) * time.Second
	}

	if layout, err := config.GetString("conference", "default-layout"); err == nil {
		switch ConferenceLayout(layout) {
		case LayoutGrid, LayoutActiveSpeaker:
			result.DefaultLayout = ConferenceLayout(layout)
		}
	}
	if listType, err := config.GetString("conference", "participant-list"); err == nil {
		switch ParticipantListType(listType) {
		case ListOpen, ListClosed:
			result.DefaultListType = ParticipantListType(listType)
		}
	}

	return result, nil
}
