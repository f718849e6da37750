// Copyright 2024 The Portico Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package attribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValues(t *testing.T) {
	t.Parallel()
	zone := NewKey[string]()
	canary := NewKey[bool]()
	weightHint := NewKey[int]()

	values := NewValues(
		zone.Value("rack-3"),
		canary.Value(true),
	)
	assert.Equal(t, 2, values.Len())

	gotZone, ok := GetValue(values, zone)
	require.True(t, ok)
	assert.Equal(t, "rack-3", gotZone)

	gotCanary, ok := GetValue(values, canary)
	require.True(t, ok)
	assert.True(t, gotCanary)

	_, ok = GetValue(values, weightHint)
	assert.False(t, ok)
}

func TestKeysAreDistinct(t *testing.T) {
	t.Parallel()
	first := NewKey[string]()
	second := NewKey[string]()
	values := NewValues(first.Value("one"), second.Value("two"))

	got, ok := GetValue(values, first)
	require.True(t, ok)
	assert.Equal(t, "one", got)
	got, ok = GetValue(values, second)
	require.True(t, ok)
	assert.Equal(t, "two", got)
}

func TestLastValueWins(t *testing.T) {
	t.Parallel()
	zone := NewKey[string]()
	values := NewValues(zone.Value("rack-1"), zone.Value("rack-2"))
	assert.Equal(t, 1, values.Len())
	got, ok := GetValue(values, zone)
	require.True(t, ok)
	assert.Equal(t, "rack-2", got)
}

func TestZeroValues(t *testing.T) {
	t.Parallel()
	var values Values
	assert.Equal(t, 0, values.Len())
	_, ok := GetValue(values, NewKey[string]())
	assert.False(t, ok)
}
