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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"shanhu.io/rugby"
)

func makeEntry(t *testing.T, root, product, group, fingerprint string, mtime time.Time) string {
	t.Helper()
	dir := entryPath(root, product, group, fingerprint)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0644))
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
	return dir
}

// RefreshLatest must pick the entry with the newest mtime within each
// (product, group) bucket, and a separate line per bucket.
func TestRefreshLatest_PicksNewestPerGroup(t *testing.T) {
	root := t.TempDir()
	base := time.Now()
	older := makeEntry(t, root, "Alpha", "Debug-sim-arm64", "aaaaaaaa", base.Add(-time.Hour))
	newer := makeEntry(t, root, "Alpha", "Debug-sim-arm64", "bbbbbbbb", base)
	_ = older

	s := NewStore(root, fixedClock{t: base})
	n, err := s.RefreshLatest()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lines, err := s.ReadLatest()
	require.NoError(t, err)
	require.Equal(t, []string{newer}, lines)
}

// RefreshLatest must write one line per distinct group, even within the
// same product.
func TestRefreshLatest_OneLinePerGroup(t *testing.T) {
	root := t.TempDir()
	base := time.Now()
	a := makeEntry(t, root, "Alpha", "Debug-sim-arm64", "aaaaaaaa", base)
	b := makeEntry(t, root, "Alpha", "Release-device-arm64", "bbbbbbbb", base)

	s := NewStore(root, fixedClock{t: base})
	n, err := s.RefreshLatest()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	lines, err := s.ReadLatest()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a, b}, lines)
}

// A second RefreshLatest call must back up the previous +latest rather
// than clobber it silently.
func TestRefreshLatest_BacksUpPreviousLatest(t *testing.T) {
	root := t.TempDir()
	base := time.Now()
	makeEntry(t, root, "Alpha", "Debug-sim-arm64", "aaaaaaaa", base)

	s := NewStore(root, fixedClock{t: base})
	_, err := s.RefreshLatest()
	require.NoError(t, err)

	makeEntry(t, root, "Alpha", "Debug-sim-arm64", "cccccccc", base.Add(time.Minute))
	_, err = s.RefreshLatest()
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(binRoot(root), "+latest.backup.*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestReadLatest_MissingFileIsNotFound(t *testing.T) {
	s := NewStore(t.TempDir(), fixedClock{t: time.Now()})
	_, err := s.ReadLatest()
	require.True(t, errors.Is(err, rugby.ErrNoLatestFile))
}
