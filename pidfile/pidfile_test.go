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

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "portico.pid")

	lock, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, path, lock.Path())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(contents))

	locked, err := IsLocked(path)
	require.NoError(t, err)
	assert.True(t, locked)

	lock.Release()
	locked, err = IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "portico.pid")

	lock, err := New(path)
	require.NoError(t, err)
	defer lock.Release()

	// The file records this test process, which is very much alive.
	_, err = New(path)
	require.ErrorIs(t, err, ErrInUse)
}

func TestStaleFileIsTakenOver(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "portico.pid")

	// A PID far beyond pid_max never names a live process.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	locked, err := IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)

	lock, err := New(path)
	require.NoError(t, err)
	defer lock.Release()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(contents))
}

func TestInvalidFileIsTakenOver(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "portico.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	// A probe does not disturb the invalid file.
	locked, err := IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Acquisition replaces it.
	lock, err := New(path)
	require.NoError(t, err)

	locked, err = IsLocked(path)
	require.NoError(t, err)
	assert.True(t, locked)

	lock.Release()
	locked, err = IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestMissingFileIsUnlocked(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "absent.pid")
	locked, err := IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)
}
