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

	"github.com/stretchr/testify/assert"
)

func TestConcurrentMap(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	var m ConcurrentMap[string, int]
	assert.Equal(0, m.Len())

	_, found := m.Get("foo")
	assert.False(found)

	m.Set("foo", 1)
	m.Set("bar", 2)
	assert.Equal(2, m.Len())

	value, found := m.Get("foo")
	if assert.True(found) {
		assert.Equal(1, value)
	}

	m.Set("foo", 3)
	value, found = m.Get("foo")
	if assert.True(found) {
		assert.Equal(3, value)
	}

	snapshot := m.Snapshot()
	assert.Equal(map[string]int{"foo": 3, "bar": 2}, snapshot)

	// The snapshot is decoupled from the map.
	snapshot["baz"] = 4
	_, found = m.Get("baz")
	assert.False(found)

	m.Del("foo")
	assert.Equal(1, m.Len())
	_, found = m.Get("foo")
	assert.False(found)

	m.Clear()
	assert.Equal(0, m.Len())
}
