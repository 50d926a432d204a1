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

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeSizedEntry(t *testing.T, root, product, group, fp string, size int, mtime time.Time) string {
	t.Helper()
	dir := entryPath(root, product, group, fp)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload"), make([]byte, size), 0644))
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "payload"), mtime, mtime))
	return dir
}

func TestUsage_SumsEntrySizes(t *testing.T) {
	root := t.TempDir()
	makeSizedEntry(t, root, "Alpha", "Debug-sim-arm64", "aaaaaaaa", 1024, time.Now())
	makeSizedEntry(t, root, "Alpha", "Debug-sim-arm64", "bbbbbbbb", 2048, time.Now())

	s := NewStore(root, fixedClock{t: time.Now()})
	usage, err := s.Usage()
	require.NoError(t, err)
	require.Equal(t, uint64(3072), usage.UsedBytes)
}

// Reclaim at limit=0 must evict every entry not named in keep, oldest
// first, and never touch a kept entry (spec.md §4.2 reclaim invariant:
// "never delete an entry referenced by the current run's plan").
func TestReclaim_NeverEvictsKeptEntries(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := makeSizedEntry(t, root, "Alpha", "Debug-sim-arm64", "aaaaaaaa", 100, now.Add(-2*time.Hour))
	kept := makeSizedEntry(t, root, "Alpha", "Debug-sim-arm64", "bbbbbbbb", 100, now.Add(-time.Hour))
	newest := makeSizedEntry(t, root, "Alpha", "Debug-sim-arm64", "cccccccc", 100, now)

	s := NewStore(root, fixedClock{t: now})
	_, err := s.Reclaim(0, map[string]bool{kept: true})
	require.NoError(t, err)

	require.NoDirExists(t, old)
	require.DirExists(t, kept)
	require.NoDirExists(t, newest)
}

func TestReclaim_NoOpBelowLimit(t *testing.T) {
	root := t.TempDir()
	entry := makeSizedEntry(t, root, "Alpha", "Debug-sim-arm64", "aaaaaaaa", 100, time.Now())

	s := NewStore(root, fixedClock{t: time.Now()})
	freed, err := s.Reclaim(1.0, nil)
	require.NoError(t, err)
	require.Zero(t, freed)
	require.DirExists(t, entry)
}
