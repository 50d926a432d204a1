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
	"fmt"
	"strings"
)

// patchedMarkerTarget is the sentinel synthetic target ProjectMutator
// adds to a graph to record "already using Rugby", mirroring the
// teacher's own pattern of representing workspace-level facts as a
// plain node in the same namespace as build targets (build_node.go).
const patchedMarkerTarget = TargetId("__rugby_patched__")

// These are the configuration keys PatchLinkage rewrites to
// point at a cached binary instead of the target's own sources.
const (
	settingFrameworkSearchPaths = "FRAMEWORK_SEARCH_PATHS"
	settingLibrarySearchPaths   = "LIBRARY_SEARCH_PATHS"
	settingHeaderSearchPaths    = "HEADER_SEARCH_PATHS"
	settingOtherLDFlags         = "OTHER_LDFLAGS"
)

// CachePlanEntry pairs a target with the cache location that should
// satisfy it.
type CachePlanEntry struct {
	Target     TargetId
	EntryPath  string // absolute path to the cache entry directory
	ModuleName string // for OTHER_LDFLAGS' -framework/-l flag
}

// ProjectMutator rewrites the in-memory ProjectGraph to consume
// binaries in place of compiling targets, and creates the synthetic
// aggregate target the NativeBuilder drives for cache misses (spec.md
// §4.3). All methods are synchronous value-level manipulations; nothing
// here touches disk -- persistence is the caller's job via a
// ProjectWriter.
type ProjectMutator struct{}

// NewProjectMutator returns a ready-to-use ProjectMutator. It carries no
// state: every method takes the graph it operates on explicitly.
func NewProjectMutator() *ProjectMutator { return &ProjectMutator{} }

// MarkPatched stamps the sentinel a later run detects via IsPatched.
func (*ProjectMutator) MarkPatched(g *ProjectGraph) {
	g.patched = true
	if _, ok := g.Targets[patchedMarkerTarget]; !ok {
		if g.Targets == nil {
			g.Targets = make(map[TargetId]*Target)
		}
		g.Targets[patchedMarkerTarget] = &Target{
			ID:   patchedMarkerTarget,
			Name: string(patchedMarkerTarget),
			Kind: KindOther,
		}
	}
}

// IsPatched is the inverse of MarkPatched.
func (*ProjectMutator) IsPatched(g *ProjectGraph) bool {
	if g.patched {
		return true
	}
	_, ok := g.Targets[patchedMarkerTarget]
	return ok
}

// IsPatchedMarker reports whether id is the sentinel MarkPatched adds.
// A ProjectWriter that already persists IsPatched as its own field
// (e.g. projectjson's doc.Patched) should skip serializing this
// synthetic target, since otherwise the same fact is recorded twice.
func (*ProjectMutator) IsPatchedMarker(id TargetId) bool {
	return id == patchedMarkerTarget
}

// SetPatchedFlag sets g's patched bit directly, without adding the
// sentinel target MarkPatched would. A ProjectReader that persists
// IsPatched as its own field (e.g. projectjson's doc.Patched) should
// call this when reconstructing the graph rather than MarkPatched,
// since the sentinel was deliberately left out of the serialized
// targets and re-adding it here would resurrect it as a phantom entry.
func (*ProjectMutator) SetPatchedFlag(g *ProjectGraph, patched bool) {
	g.patched = patched
}

// PatchLinkage rewrites each plan entry's target to link against its
// cache entry instead of compiling, and drops its compile-only build
// phases. It is idempotent: applying the same plan twice leaves the
// graph in the same state as applying it once (spec.md §8.2).
func (*ProjectMutator) PatchLinkage(g *ProjectGraph, plan []CachePlanEntry) error {
	for _, entry := range plan {
		t := g.Target(entry.Target)
		if t == nil {
			return fmt.Errorf("patchLinkage: target %q not found", entry.Target)
		}
		patchTargetLinkage(t, entry)
	}
	return nil
}

func patchTargetLinkage(t *Target, entry CachePlanEntry) {
	if t.Configurations == nil {
		t.Configurations = make(map[string]map[string]string)
	}
	for name, settings := range t.Configurations {
		if settings == nil {
			settings = make(map[string]string)
		}
		settings[settingFrameworkSearchPaths] = appendUniquePath(
			settings[settingFrameworkSearchPaths], entry.EntryPath)
		settings[settingLibrarySearchPaths] = appendUniquePath(
			settings[settingLibrarySearchPaths], entry.EntryPath)
		settings[settingHeaderSearchPaths] = appendUniquePath(
			settings[settingHeaderSearchPaths], entry.EntryPath)
		if entry.ModuleName != "" {
			flag := "-framework " + entry.ModuleName
			if !containsWord(settings[settingOtherLDFlags], flag) {
				if cur := settings[settingOtherLDFlags]; cur == "" {
					settings[settingOtherLDFlags] = flag
				} else {
					settings[settingOtherLDFlags] = cur + " " + flag
				}
			}
		}
		t.Configurations[name] = settings
	}

	// Drop compile-only phases; everything else (resource copy, embed
	// frameworks, script phases the target still needs) is preserved.
	kept := t.BuildPhases[:0:0]
	for _, p := range t.BuildPhases {
		if p.Kind == PhaseCompileSources {
			continue
		}
		kept = append(kept, p)
	}
	t.BuildPhases = kept
}

func appendUniquePath(existing, path string) string {
	if existing == "" {
		return path
	}
	if containsWord(existing, path) {
		return existing
	}
	return existing + " " + path
}

// containsWord reports whether word appears in haystack as a
// space-delimited token -- word may itself contain internal spaces
// (e.g. a whole "-framework Foo" flag), so this checks for word as a
// substring bounded by either a space or a string edge, not by
// splitting haystack into single-space-free fields first.
func containsWord(haystack, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(haystack[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(word)
		if (idx == 0 || haystack[idx-1] == ' ') && (end == len(haystack) || haystack[end] == ' ') {
			return true
		}
		start = idx + 1
	}
}

// CreateAggregateTarget creates a synthetic target depending on every
// member of deps, named name. This is the single entry point the
// NativeBuilder drives to compile all cache-miss residue in one
// invocation (spec.md §4.3), the same role the teacher's Bundle rule
// plays for grouping rules with no build action of its own (rules.go).
func (*ProjectMutator) CreateAggregateTarget(g *ProjectGraph, name string, deps []TargetId) TargetId {
	id := aggregateTargetId(name)
	sorted := sortedTargetIds(deps)
	if g.Targets == nil {
		g.Targets = make(map[TargetId]*Target)
	}
	g.Targets[id] = &Target{
		ID:                   id,
		Name:                 name,
		Kind:                 KindAggregate,
		ExplicitDependencies: sorted,
	}
	return id
}

// RemoveAggregateTarget deletes the synthetic target CreateAggregateTarget
// created under name, if present. finalize calls this after restoring
// the tmp journal slot so the in-memory graph it writes back matches
// what Restore just put on disk -- the user's on-disk project must
// never retain the synthetic build target (spec.md §4.5.1 Finalize).
func (*ProjectMutator) RemoveAggregateTarget(g *ProjectGraph, name string) {
	delete(g.Targets, aggregateTargetId(name))
}

func aggregateTargetId(name string) TargetId {
	return TargetId("__rugby_aggregate_" + name + "__")
}

// RemoveGroups drops source-group references for the listed targets
// from the graph (spec.md §4.3). It is optional, requested by a
// "delete sources" workflow that also wants to scrub the project
// navigator; none of the five core workflows call it.
func (*ProjectMutator) RemoveGroups(g *ProjectGraph, targets []TargetId) {
	for _, id := range targets {
		t := g.Target(id)
		if t == nil {
			continue
		}
		t.Groups = nil
	}
}

// ResetCache drops memoized graph state (the lazily materialized
// transitive closure cached on each Target) so a subsequent read
// recomputes from the current ExplicitDependencies.
func (*ProjectMutator) ResetCache(g *ProjectGraph) {
	for _, t := range g.Targets {
		t.resolvedDependencies = nil
		t.resolvedSet = nil
	}
}
