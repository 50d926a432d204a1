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
	"testing"

	"github.com/stretchr/testify/require"
)

func patchableGraph() *ProjectGraph {
	return &ProjectGraph{Targets: map[TargetId]*Target{
		"A": {
			ID:   "A",
			Name: "A",
			Kind: KindFramework,
			Configurations: map[string]map[string]string{
				"Debug":   {},
				"Release": {},
			},
			BuildPhases: []*BuildPhase{
				{Kind: PhaseCompileSources, Raw: "main.swift"},
				{Kind: PhaseResources, Raw: "Assets.xcassets"},
			},
		},
	}}
}

// PatchLinkage applied twice with the same plan must leave the graph in
// the same state as applying it once (spec.md §8.2 idempotence).
func TestPatchLinkage_Idempotent(t *testing.T) {
	m := NewProjectMutator()
	plan := []CachePlanEntry{{Target: "A", EntryPath: "/cache/A/deadbeef", ModuleName: "A"}}

	g1 := patchableGraph()
	require.NoError(t, m.PatchLinkage(g1, plan))
	require.NoError(t, m.PatchLinkage(g1, plan))

	g2 := patchableGraph()
	require.NoError(t, m.PatchLinkage(g2, plan))

	require.Equal(t, g2.Target("A").Configurations, g1.Target("A").Configurations)
	require.Equal(t, len(g2.Target("A").BuildPhases), len(g1.Target("A").BuildPhases))
}

// PatchLinkage must strip compile-sources phases but keep everything
// else (spec.md §4.3).
func TestPatchLinkage_DropsOnlyCompilePhases(t *testing.T) {
	m := NewProjectMutator()
	g := patchableGraph()
	require.NoError(t, m.PatchLinkage(g, []CachePlanEntry{{Target: "A", EntryPath: "/cache/A/fp"}}))

	phases := g.Target("A").BuildPhases
	require.Len(t, phases, 1)
	require.Equal(t, PhaseResources, phases[0].Kind)
}

// PatchLinkage must append the cache path to every configuration's
// search-path settings, not just one.
func TestPatchLinkage_UpdatesEveryConfiguration(t *testing.T) {
	m := NewProjectMutator()
	g := patchableGraph()
	require.NoError(t, m.PatchLinkage(g, []CachePlanEntry{
		{Target: "A", EntryPath: "/cache/A/fp", ModuleName: "A"},
	}))

	for _, name := range []string{"Debug", "Release"} {
		settings := g.Target("A").Configurations[name]
		require.Contains(t, settings[settingFrameworkSearchPaths], "/cache/A/fp")
		require.Contains(t, settings[settingOtherLDFlags], "-framework A")
	}
}

// MarkPatched/IsPatched round-trip.
func TestMarkPatched_RoundTrip(t *testing.T) {
	m := NewProjectMutator()
	g := &ProjectGraph{}
	require.False(t, m.IsPatched(g))
	m.MarkPatched(g)
	require.True(t, m.IsPatched(g))
}

// CreateAggregateTarget must produce a deterministic id independent of
// the input dependency order, since that id is the cache key namespace
// for the miss-residue build.
func TestCreateAggregateTarget_DeterministicAcrossDepOrder(t *testing.T) {
	m := NewProjectMutator()
	g1 := &ProjectGraph{Targets: map[TargetId]*Target{}}
	g2 := &ProjectGraph{Targets: map[TargetId]*Target{}}

	id1 := m.CreateAggregateTarget(g1, "RugbyPods", []TargetId{"B", "A", "C"})
	id2 := m.CreateAggregateTarget(g2, "RugbyPods", []TargetId{"C", "B", "A"})

	require.Equal(t, id1, id2)
	require.Equal(t, g1.Target(id1).ExplicitDependencies, g2.Target(id2).ExplicitDependencies)
	require.Equal(t, []TargetId{"A", "B", "C"}, g1.Target(id1).ExplicitDependencies)
}

func TestCreateAggregateTarget_DedupesDuplicateDeps(t *testing.T) {
	m := NewProjectMutator()
	g := &ProjectGraph{Targets: map[TargetId]*Target{}}
	id := m.CreateAggregateTarget(g, "RugbyPods", []TargetId{"A", "B", "A"})
	require.Equal(t, []TargetId{"A", "B"}, g.Target(id).ExplicitDependencies)
}

func TestRemoveGroups_ClearsOnlyListedTargets(t *testing.T) {
	m := NewProjectMutator()
	g := &ProjectGraph{Targets: map[TargetId]*Target{
		"A": {ID: "A", Groups: []string{"Sources/A"}},
		"B": {ID: "B", Groups: []string{"Sources/B"}},
	}}
	m.RemoveGroups(g, []TargetId{"A"})
	require.Nil(t, g.Target("A").Groups)
	require.Equal(t, []string{"Sources/B"}, g.Target("B").Groups)
}

func TestResetCache_ClearsMemoizedClosure(t *testing.T) {
	m := NewProjectMutator()
	g := diamondGraph()
	resolvedDeps(g, "Top") // populate resolvedDependencies/resolvedSet
	require.NotNil(t, g.Target("Top").resolvedSet)

	m.ResetCache(g)
	for _, t2 := range g.Targets {
		require.Nil(t, t2.resolvedSet)
		require.Nil(t, t2.resolvedDependencies)
	}
}
