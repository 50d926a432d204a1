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

// HashConfigurations must drop path-valued settings so the same build on
// two different checkout roots hashes identically (spec.md §8.3 scenario 3).
func TestHashConfigurations_DropsPathValuedSettings(t *testing.T) {
	h := NewConfigurationsHasher()

	t1 := &Target{Configurations: map[string]map[string]string{
		"Debug": {
			"SWIFT_VERSION":          "5.9",
			"HEADER_SEARCH_PATHS":    "/Users/alice/checkout/Pods/Headers",
			"FRAMEWORK_SEARCH_PATHS": "/Users/alice/checkout/Pods",
		},
	}}
	t2 := &Target{Configurations: map[string]map[string]string{
		"Debug": {
			"SWIFT_VERSION":          "5.9",
			"HEADER_SEARCH_PATHS":    "/home/ci/worker-7/checkout/Pods/Headers",
			"FRAMEWORK_SEARCH_PATHS": "/home/ci/worker-7/checkout/Pods",
		},
	}}

	r1, err := h.HashConfigurations(t1)
	require.NoError(t, err)
	r2, err := h.HashConfigurations(t2)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
}

func TestHashConfigurations_SortedByName(t *testing.T) {
	h := NewConfigurationsHasher()
	tgt := &Target{Configurations: map[string]map[string]string{
		"Release": {"X": "1"},
		"Debug":   {"X": "2"},
	}}
	recs, err := h.HashConfigurations(tgt)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "Debug", recs[0].Name)
	require.Equal(t, "Release", recs[1].Name)
}

func TestHashConfigurations_RealSettingChangeProducesDifferentHash(t *testing.T) {
	h := NewConfigurationsHasher()
	a := &Target{Configurations: map[string]map[string]string{"Debug": {"SWIFT_VERSION": "5.9"}}}
	b := &Target{Configurations: map[string]map[string]string{"Debug": {"SWIFT_VERSION": "6.0"}}}

	ra, err := h.HashConfigurations(a)
	require.NoError(t, err)
	rb, err := h.HashConfigurations(b)
	require.NoError(t, err)
	require.NotEqual(t, ra[0].Hash, rb[0].Hash)
}

func TestHashBuildPhase_DistinguishesKindFromContent(t *testing.T) {
	h := NewBuildPhaseHasher()
	compile, err := h.HashBuildPhase(nil, &BuildPhase{Kind: PhaseCompileSources, Raw: "main.swift"})
	require.NoError(t, err)
	resources, err := h.HashBuildPhase(nil, &BuildPhase{Kind: PhaseResources, Raw: "main.swift"})
	require.NoError(t, err)
	require.NotEqual(t, compile, resources)
}

func TestHashBuildRuleAndScriptPhase_AreDistinctNamespaces(t *testing.T) {
	rules := NewBuildRulesHasher()
	scripts := NewScriptsHasher()

	ruleHash, err := rules.HashBuildRule(nil, "echo hi")
	require.NoError(t, err)
	scriptHash, err := scripts.HashScriptPhase(nil, "echo hi")
	require.NoError(t, err)

	// Same raw text must not collide across hasher kinds, since
	// sha256Hex namespaces its input with a kind-specific first part.
	require.NotEqual(t, ruleHash, scriptHash)
}
