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

// Package store implements the content-addressed local binary cache
// (spec.md §4.2): on-disk layout under a shared root, a per-group
// "+latest" pointer registry, usage accounting and LRU-style
// reclamation.
package store

import (
	"path/filepath"
	"regexp"

	"shanhu.io/rugby"
)

// fingerprintDirRe matches the leaf fingerprint directory name; the
// depth-three-from-bin/ invariant (spec.md §4.2) is what scans rely on.
var fingerprintDirRe = regexp.MustCompile(`^[a-f0-9]+$`)

// groupDir is "<build-config>-<sdk>-<arch>", e.g. "Debug-sim-arm64".
func groupDir(config, sdk, arch string) string {
	return config + "-" + sdk + "-" + arch
}

// entryPath returns "<root>/bin/<product>/<group>/<fingerprint>".
func entryPath(root, product, group, fingerprint string) string {
	return filepath.Join(root, "bin", product, group, fingerprint)
}

// binRoot returns "<root>/bin".
func binRoot(root string) string { return filepath.Join(root, "bin") }

// latestPath returns "<root>/bin/+latest".
func latestPath(root string) string { return filepath.Join(binRoot(root), "+latest") }

// key identifies one cache entry group and member.
type key struct {
	product     string
	group       string
	fingerprint string
}

func keyFor(t *rugby.Target, flags *rugby.BuildFlags) key {
	product := ""
	if t.Product != nil {
		product = t.Product.Name
	}
	return key{
		product:     product,
		group:       groupDir(flags.NormalizedConfig(), normalizeSDK(flags.SDK), normalizeArch(flags.Arch)),
		fingerprint: t.Fingerprint(),
	}
}

func normalizeSDK(sdk string) string {
	if sdk == "" {
		return "sim"
	}
	return sdk
}

func normalizeArch(arch string) string {
	if arch == "" || arch == "auto" {
		return "auto"
	}
	return arch
}
