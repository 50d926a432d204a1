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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonutil"
	"shanhu.io/misc/osutil"
	"shanhu.io/rugby"
)

// Metadata is the metadata.json sidecar written alongside each cache
// entry (spec.md §6.1).
type Metadata struct {
	Fingerprint string `json:"fingerprint"`
	Product     string `json:"product"`
	Config      string `json:"config"`
	SDK         string `json:"sdk"`
	Arch        string `json:"arch"`
	CreatedAt   string `json:"createdAt"`
}

const metadataFile = "metadata.json"

// Store is the reference BinaryStore (C2) implementation: a
// content-addressed directory tree under Root, the same
// rename-into-place discipline the teacher's jsonutil.WriteFile /
// osutil helpers are built for, generalized from "one build cache
// directory" (build_cache.go, stubbed in the teacher) to the full
// product/group/fingerprint layout spec.md §4.2 requires.
type Store struct {
	// Root is "<rugbyRoot>"; the cache tree lives at Root/bin.
	Root string

	Clock rugby.Clock
}

// NewStore returns a Store rooted at root.
func NewStore(root string, clock rugby.Clock) *Store {
	return &Store{Root: root, Clock: clock}
}

// BinRoot returns the on-disk cache tree root, "<Root>/bin".
func (s *Store) BinRoot() string { return binRoot(s.Root) }

// Lookup implements rugby.BinaryStoreClient.
func (s *Store) Lookup(t *rugby.Target, flags *rugby.BuildFlags) (*rugby.CacheEntryRef, bool, error) {
	if t.Fingerprint() == "" {
		return nil, false, errcode.InvalidArgf("target %q has no fingerprint", t.Name)
	}
	k := keyFor(t, flags)
	dir := entryPath(s.Root, k.product, k.group, k.fingerprint)

	isDir, err := osutil.IsDir(dir)
	if err != nil {
		return nil, false, errcode.Annotatef(err, "stat cache entry %q", dir)
	}
	if !isDir {
		return nil, false, nil
	}

	var meta Metadata
	metaPath := filepath.Join(dir, metadataFile)
	if err := jsonutil.ReadFile(metaPath, &meta); err != nil {
		// Corrupt or missing sidecar: treat as a miss and remove the
		// entry (spec.md §7 CorruptCacheEntry).
		_ = os.RemoveAll(dir)
		return nil, false, nil
	}

	moduleName := ""
	if t.Product != nil {
		moduleName = t.Product.ModuleName
	}
	return &rugby.CacheEntryRef{Path: dir, ModuleName: moduleName}, true, nil
}

// Import implements rugby.BinaryStoreClient: copies the artifacts staged
// for t under sourceDir/<t.Name>.rugby-out/ into the store under its
// canonical key, atomically via a temp-dir-then-rename. It fails with a
// not-found error when that directory is absent; adapters/nativebuild
// does not create it.
func (s *Store) Import(t *rugby.Target, flags *rugby.BuildFlags, sourceDir string) (*rugby.CacheEntryRef, error) {
	if t.Fingerprint() == "" {
		return nil, errcode.InvalidArgf("target %q has no fingerprint", t.Name)
	}
	k := keyFor(t, flags)
	dst := entryPath(s.Root, k.product, k.group, k.fingerprint)

	staged := filepath.Join(sourceDir, t.Name+".rugby-out")
	isDir, err := osutil.IsDir(staged)
	if err != nil {
		return nil, errcode.Annotatef(err, "stat staged output %q", staged)
	}
	if !isDir {
		return nil, errcode.NotFoundf("no staged output for %q at %q", t.Name, staged)
	}

	tmp := dst + ".tmp-" + uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return nil, errcode.Annotate(err, "create parent dir")
	}
	if err := copyTree(staged, tmp); err != nil {
		os.RemoveAll(tmp)
		return nil, errcode.Annotate(err, "copy staged artifacts")
	}

	meta := &Metadata{
		Fingerprint: k.fingerprint,
		Product:     k.product,
		Config:      flags.NormalizedConfig(),
		SDK:         normalizeSDK(flags.SDK),
		Arch:        normalizeArch(flags.Arch),
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}
	if err := jsonutil.WriteFile(filepath.Join(tmp, metadataFile), meta); err != nil {
		os.RemoveAll(tmp)
		return nil, errcode.Annotate(err, "write metadata")
	}

	if err := os.RemoveAll(dst); err != nil {
		os.RemoveAll(tmp)
		return nil, errcode.Annotate(err, "clear destination")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return nil, errcode.Annotate(err, "rename into place")
	}

	moduleName := ""
	if t.Product != nil {
		moduleName = t.Product.ModuleName
	}
	return &rugby.CacheEntryRef{Path: dst, ModuleName: moduleName}, nil
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFileMode(p, target, info.Mode())
	})
}

func copyFileMode(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
