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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

// Usage is the report returned by Store.Usage (spec.md §4.2 usage()).
type Usage struct {
	UsedBytes    uint64
	TotalBytes   uint64
	FractionUsed float64
}

// Usage walks the cache tree to compute UsedBytes, and statfs's the
// volume hosting the cache for TotalBytes.
func (s *Store) Usage() (*Usage, error) {
	root := binRoot(s.Root)
	exists, err := osutil.IsDir(root)
	if err != nil {
		return nil, errcode.Annotate(err, "stat bin root")
	}

	var used uint64
	if exists {
		walk := func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			used += uint64(info.Size())
			return nil
		}
		if err := filepath.WalkDir(root, walk); err != nil {
			return nil, errcode.Annotate(err, "walk cache tree")
		}
	}

	total, err := statfsTotal(s.Root)
	if err != nil {
		return nil, err
	}
	return &Usage{UsedBytes: used, TotalBytes: total, FractionUsed: fractionUsed(used, total)}, nil
}

func statfsTotal(root string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return 0, errcode.Annotate(err, "statfs cache volume")
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}

func fractionUsed(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}

// entryRecord is one reclaim candidate: a fingerprint leaf directory
// plus the timestamp reclamation orders by.
type entryRecord struct {
	path     string
	lastUsed int64 // unix nano; atime if available, else createdAt
	size     uint64
}

const reclaimHysteresis = 0.1

// Reclaim implements spec.md §4.2 reclaim(limit): if usage is at or
// above limit, delete entries in least-recently-used order until
// strictly below limit - hysteresis. Entries are sorted by last use and
// queued in a hashicorp/golang-lru cache whose GetOldest picks the next
// candidate; each evicted entry's directory is removed with
// os.RemoveAll (the cache has no eviction callback). Entries in keep are
// never evicted (the
// current run's plan, per spec.md "never delete an entry referenced by
// the current run's plan").
func (s *Store) Reclaim(limit float64, keep map[string]bool) (uint64, error) {
	// Usage() walks every byte under bin/, including stray files
	// listEntries ignores (orphaned import tmp dirs, +latest backups);
	// fractionUsed must reflect the volume's true occupancy, not just
	// the canonical fingerprint entries, so this does not try to derive
	// it from listEntries' per-entry sizes instead.
	usage, err := s.Usage()
	if err != nil {
		return 0, err
	}
	if usage.FractionUsed < limit {
		return 0, nil
	}

	records, err := s.listEntries()
	if err != nil {
		return 0, errcode.Annotate(err, "list cache entries")
	}
	used, total := usage.UsedBytes, usage.TotalBytes
	sort.Slice(records, func(i, j int) bool { return records[i].lastUsed < records[j].lastUsed })

	var freed uint64
	cache, err := lru.New[string, *entryRecord](len(records) + 1)
	if err != nil {
		return 0, errcode.Annotate(err, "create lru bookkeeping")
	}
	for _, r := range records {
		cache.Add(r.path, r)
	}

	target := limit - reclaimHysteresis
	if target < 0 {
		target = 0
	}

	for fractionUsed(used, total) >= target {
		key, rec, ok := cache.GetOldest()
		if !ok {
			break
		}
		if keep[key] {
			cache.Remove(key) // can't evict; stop considering it, but keep scanning
			if cache.Len() == 0 {
				break
			}
			continue
		}
		if err := os.RemoveAll(rec.path); err != nil {
			return freed, errcode.Annotatef(err, "remove cache entry %q", rec.path)
		}
		cache.Remove(key)
		freed += rec.size
		used -= rec.size
	}
	return freed, nil
}

func (s *Store) listEntries() ([]*entryRecord, error) {
	root := binRoot(s.Root)
	exists, err := osutil.IsDir(root)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var out []*entryRecord
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		depth := len(filepathSplit(rel))
		if depth != 3 {
			return nil
		}
		if !fingerprintDirRe.MatchString(filepath.Base(p)) {
			return nil
		}
		size, lastUsed, serr := entryStat(p)
		if serr != nil {
			return serr
		}
		out = append(out, &entryRecord{path: p, lastUsed: lastUsed, size: size})
		return fs.SkipDir
	}
	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, err
	}
	return out, nil
}

func filepathSplit(rel string) []string {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == "." || clean == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(clean); i++ {
		if clean[i] == '/' {
			parts = append(parts, clean[start:i])
			start = i + 1
		}
	}
	parts = append(parts, clean[start:])
	return parts
}

// entryStat sums file sizes under an entry directory and returns its
// last-access time if the filesystem records atime, else falls back to
// the directory's own mod time (spec.md §4.2's documented fallback).
func entryStat(dir string) (size uint64, lastUsed int64, err error) {
	walk := func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		size += uint64(info.Size())
		return nil
	}
	if err = filepath.WalkDir(dir, walk); err != nil {
		return 0, 0, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return 0, 0, err
	}
	if atime, ok := atimeOf(info); ok {
		return size, atime, nil
	}
	return size, info.ModTime().UnixNano(), nil
}
