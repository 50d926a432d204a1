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
	"bufio"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
	"shanhu.io/rugby"
)

// groupEntries is one (product, config-sdk-arch) bucket discovered while
// scanning bin/ for RefreshLatest.
type groupEntries struct {
	product string
	group   string
	entries []scannedEntry
}

type scannedEntry struct {
	path    string
	modTime time.Time
}

// RefreshLatest implements rugby.BinaryStoreClient.RefreshLatest /
// spec.md §4.2 refreshLatest(): walk the store, group entries by
// (product, config-sdk-arch), pick the newest per group, write the
// result to +latest atomically.
func (s *Store) RefreshLatest() (int, error) {
	groups, err := s.scanGroups()
	if err != nil {
		return 0, errcode.Annotate(err, "scan cache entries")
	}

	var lines []string
	var products []string
	byProduct := make(map[string][]groupEntries)
	for _, g := range groups {
		byProduct[g.product] = append(byProduct[g.product], g)
		found := false
		for _, p := range products {
			if p == g.product {
				found = true
				break
			}
		}
		if !found {
			products = append(products, g.product)
		}
	}
	sort.Strings(products)

	for _, product := range products {
		gs := byProduct[product]
		sort.Slice(gs, func(i, j int) bool { return gs[i].group < gs[j].group })
		for _, g := range gs {
			newest := g.entries[0]
			for _, e := range g.entries[1:] {
				if e.modTime.After(newest.modTime) {
					newest = e
				}
			}
			lines = append(lines, newest.path)
		}
	}

	if err := s.backupLatest(); err != nil {
		// Best-effort per spec.md §4.2: "on failure to back up, log
		// and proceed".
		log.Printf("rugby: backup +latest failed: %v", err)
	}

	return len(lines), s.writeLatestAtomic(lines)
}

func (s *Store) scanGroups() ([]groupEntries, error) {
	root := binRoot(s.Root)
	exists, err := osutil.IsDir(root)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	byKey := make(map[string]*groupEntries)
	var order []string

	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		product, group, fp := parts[0], parts[1], parts[2]
		if !fingerprintDirRe.MatchString(fp) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		key := product + "\x00" + group
		g, ok := byKey[key]
		if !ok {
			g = &groupEntries{product: product, group: group}
			byKey[key] = g
			order = append(order, key)
		}
		g.entries = append(g.entries, scannedEntry{path: p, modTime: info.ModTime()})
		return fs.SkipDir // don't descend into the fingerprint dir itself
	}
	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, err
	}

	out := make([]groupEntries, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

// backupLatest copies any existing +latest to
// +latest.backup.<microsecond-timestamp>, falling back to a
// uuid-suffixed name when the timestamped name already exists
// (spec.md §4.2).
func (s *Store) backupLatest() error {
	path := latestPath(s.Root)
	isFile, err := osutil.IsRegular(path)
	if err != nil {
		return err
	}
	if !isFile {
		return nil
	}

	ts := s.now().UnixMicro()
	backup := path + ".backup." + strconv.FormatInt(ts, 10)
	if _, err := os.Lstat(backup); err == nil {
		// Collision on the timestamped name: append a random suffix.
		backup = backup + "-" + uuid.NewString()
	}
	return copyFileMode(path, backup, 0644)
}

// writeLatestAtomic writes lines to +latest via a sibling temp file
// and rename, so readers always see either the old or new content in
// full (spec.md §5 "+latest rewrite guarantees").
func (s *Store) writeLatestAtomic(lines []string) error {
	root := binRoot(s.Root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return errcode.Annotate(err, "create bin root")
	}
	tmp := filepath.Join(root, "+latest.tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return errcode.Annotate(err, "create temp latest file")
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return errcode.Annotate(err, "write latest line")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errcode.Annotate(err, "flush latest file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errcode.Annotate(err, "sync latest file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errcode.Annotate(err, "close latest file")
	}
	if err := os.Rename(tmp, latestPath(s.Root)); err != nil {
		os.Remove(tmp)
		return errcode.Annotate(err, "rename latest file into place")
	}
	return nil
}

// ReadLatest returns the absolute paths currently listed in +latest.
func (s *Store) ReadLatest() ([]string, error) {
	f, err := os.Open(latestPath(s.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rugby.ErrNoLatestFile
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
