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

type fixedToolchain struct{ info ToolchainInfo }

func (f fixedToolchain) Toolchain() (*ToolchainInfo, error) { return &f.info, nil }

func leafGraph() *ProjectGraph {
	return &ProjectGraph{Targets: map[TargetId]*Target{
		"A": {
			ID:   "A",
			Name: "A",
			Kind: KindFramework,
			Configurations: map[string]map[string]string{
				"Debug": {"SWIFT_VERSION": "5", "SRCROOT": "/Users/ci-42/checkout"},
			},
			BuildPhases: []*BuildPhase{{Kind: PhaseCompileSources, Raw: "main.swift"}},
		},
	}}
}

func engine() *FingerprintEngine {
	return NewFingerprintEngine(fixedToolchain{info: ToolchainInfo{
		SwiftToolchainVersion: "5.9",
		NativeToolchainBase:   "15.0",
		NativeToolchainBuild:  "15A240d",
	}})
}

// Same structural inputs hashed twice produce the same fingerprint
// (spec.md P1: determinism).
func TestHash_Deterministic(t *testing.T) {
	g1, g2 := leafGraph(), leafGraph()
	require.NoError(t, engine().Hash(g1, []TargetId{"A"}, &BuildFlags{}, false))
	require.NoError(t, engine().Hash(g2, []TargetId{"A"}, &BuildFlags{}, false))
	require.Equal(t, g1.Target("A").Fingerprint(), g2.Target("A").Fingerprint())
}

// A path-valued setting (SRCROOT) differing only in an absolute checkout
// path must not change the fingerprint (spec.md §8.3 scenario 3: cross-CI
// stability).
func TestHash_IgnoresPathValuedSettings(t *testing.T) {
	g1 := leafGraph()
	g2 := leafGraph()
	g2.Targets["A"].Configurations["Debug"]["SRCROOT"] = "/var/jenkins/workspace/other-worker"

	require.NoError(t, engine().Hash(g1, []TargetId{"A"}, &BuildFlags{}, false))
	require.NoError(t, engine().Hash(g2, []TargetId{"A"}, &BuildFlags{}, false))
	require.Equal(t, g1.Target("A").Fingerprint(), g2.Target("A").Fingerprint())
}

// Changing a non-path setting must change the fingerprint.
func TestHash_ChangesOnRealSettingChange(t *testing.T) {
	g1 := leafGraph()
	g2 := leafGraph()
	g2.Targets["A"].Configurations["Debug"]["SWIFT_VERSION"] = "6"

	require.NoError(t, engine().Hash(g1, []TargetId{"A"}, &BuildFlags{}, false))
	require.NoError(t, engine().Hash(g2, []TargetId{"A"}, &BuildFlags{}, false))
	require.NotEqual(t, g1.Target("A").Fingerprint(), g2.Target("A").Fingerprint())
}

// Only a target's direct dependency's fingerprint, not the grandchild's
// own structural content, should propagate (spec.md P2/P3: direct-only
// propagation through a diamond).
func TestHash_DirectDependencyPropagationOnly(t *testing.T) {
	build := func(leafPhase string) *ProjectGraph {
		return &ProjectGraph{Targets: map[TargetId]*Target{
			"Leaf": {ID: "Leaf", Name: "Leaf", Kind: KindFramework,
				BuildPhases: []*BuildPhase{{Kind: PhaseCompileSources, Raw: leafPhase}}},
			"Mid": {ID: "Mid", Name: "Mid", Kind: KindFramework,
				ExplicitDependencies: []TargetId{"Leaf"}},
			"Left":  {ID: "Left", Name: "Left", Kind: KindFramework, ExplicitDependencies: []TargetId{"Mid"}},
			"Right": {ID: "Right", Name: "Right", Kind: KindFramework, ExplicitDependencies: []TargetId{"Mid"}},
			"Top": {ID: "Top", Name: "Top", Kind: KindApplication,
				ExplicitDependencies: []TargetId{"Left", "Right"}},
		}}
	}

	g1 := build("v1")
	g2 := build("v2")
	require.NoError(t, engine().Hash(g1, []TargetId{"Top"}, &BuildFlags{}, false))
	require.NoError(t, engine().Hash(g2, []TargetId{"Top"}, &BuildFlags{}, false))

	// Leaf's own fingerprint differs...
	require.NotEqual(t, g1.Target("Leaf").Fingerprint(), g2.Target("Leaf").Fingerprint())
	// ...and that difference propagates all the way up through the
	// diamond to Top, since each level only depends on its direct child.
	require.NotEqual(t, g1.Target("Mid").Fingerprint(), g2.Target("Mid").Fingerprint())
	require.NotEqual(t, g1.Target("Left").Fingerprint(), g2.Target("Left").Fingerprint())
	require.NotEqual(t, g1.Target("Right").Fingerprint(), g2.Target("Right").Fingerprint())
	require.NotEqual(t, g1.Target("Top").Fingerprint(), g2.Target("Top").Fingerprint())
}

// A dependency cycle must not hang Hash, and must contribute the fixed
// cycleSentinel rather than erroring (spec.md §4.1.1, scenario: cycle).
func TestHash_CycleContributesSentinel(t *testing.T) {
	g := &ProjectGraph{Targets: map[TargetId]*Target{
		"A": {ID: "A", Name: "A", Kind: KindFramework, ExplicitDependencies: []TargetId{"B"}},
		"B": {ID: "B", Name: "B", Kind: KindFramework, ExplicitDependencies: []TargetId{"A"}},
	}}
	err := engine().Hash(g, []TargetId{"A"}, &BuildFlags{}, false)
	require.NoError(t, err)
	require.NotEmpty(t, g.Target("A").Fingerprint())
	require.NotEmpty(t, g.Target("B").Fingerprint())
}

// Without rehash=true, a target with an already-set fingerprint is left
// untouched even if its structural fields are mutated afterward.
func TestHash_NoRehashLeavesExistingFingerprintAlone(t *testing.T) {
	g := leafGraph()
	require.NoError(t, engine().Hash(g, []TargetId{"A"}, &BuildFlags{}, false))
	first := g.Target("A").Fingerprint()

	g.Target("A").Configurations["Debug"]["SWIFT_VERSION"] = "6"
	require.NoError(t, engine().Hash(g, []TargetId{"A"}, &BuildFlags{}, false))
	require.Equal(t, first, g.Target("A").Fingerprint())

	require.NoError(t, engine().Hash(g, []TargetId{"A"}, &BuildFlags{}, true))
	require.NotEqual(t, first, g.Target("A").Fingerprint())
}
