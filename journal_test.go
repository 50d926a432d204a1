// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rugby

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*BackupJournal, string) {
	t.Helper()
	working := t.TempDir()
	backupRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(working, "project.json"), []byte("v1"), 0644))
	return &BackupJournal{
		Root:       backupRoot,
		Files:      []string{"project.json"},
		WorkingDir: working,
	}, working
}

func TestBackupJournal_SnapshotThenRestore(t *testing.T) {
	j, working := newTestJournal(t)
	require.NoError(t, j.Snapshot(SlotTmp))

	require.NoError(t, os.WriteFile(filepath.Join(working, "project.json"), []byte("v2-mutated"), 0644))

	require.NoError(t, j.Restore(SlotTmp))
	got, err := os.ReadFile(filepath.Join(working, "project.json"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

// A tracked file that did not exist at Snapshot time but was created
// afterward must be removed on Restore, not left behind.
func TestBackupJournal_RestoreRemovesFileAbsentAtSnapshotTime(t *testing.T) {
	working := t.TempDir()
	backupRoot := t.TempDir()
	j := &BackupJournal{
		Root:       backupRoot,
		Files:      []string{"project.json", "new-file.json"},
		WorkingDir: working,
	}
	require.NoError(t, os.WriteFile(filepath.Join(working, "project.json"), []byte("v1"), 0644))
	require.NoError(t, j.Snapshot(SlotTmp))

	require.NoError(t, os.WriteFile(filepath.Join(working, "new-file.json"), []byte("created-mid-run"), 0644))

	require.NoError(t, j.Restore(SlotTmp))
	require.NoFileExists(t, filepath.Join(working, "new-file.json"))
}

// Restoring a slot that was never snapshotted must fail with
// ErrNoSnapshot, not silently succeed (spec.md §4.4 crash safety).
func TestBackupJournal_RestoreMissingSlot(t *testing.T) {
	j, _ := newTestJournal(t)
	err := j.Restore(SlotOriginal)
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestBackupJournal_ExistsReflectsSnapshotState(t *testing.T) {
	j, _ := newTestJournal(t)
	exists, err := j.Exists(SlotTmp)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, j.Snapshot(SlotTmp))
	exists, err = j.Exists(SlotTmp)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestBackupJournal_DiscardIsIdempotent(t *testing.T) {
	j, _ := newTestJournal(t)
	require.NoError(t, j.Snapshot(SlotOriginal))
	require.NoError(t, j.Discard(SlotOriginal))
	require.NoError(t, j.Discard(SlotOriginal)) // discarding twice is a no-op

	exists, err := j.Exists(SlotOriginal)
	require.NoError(t, err)
	require.False(t, exists)
}

// The two slots are independent: snapshotting tmp must not disturb a
// pre-existing original snapshot.
func TestBackupJournal_SlotsAreIndependent(t *testing.T) {
	j, working := newTestJournal(t)
	require.NoError(t, j.Snapshot(SlotOriginal))

	require.NoError(t, os.WriteFile(filepath.Join(working, "project.json"), []byte("v2"), 0644))
	require.NoError(t, j.Snapshot(SlotTmp))

	require.NoError(t, j.Restore(SlotOriginal))
	got, err := os.ReadFile(filepath.Join(working, "project.json"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}
