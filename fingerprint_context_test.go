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

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"
)

func samplePreimage() *fingerprintPreimage {
	return &fingerprintPreimage{
		Name:       "Alpha",
		Product:    &Product{Name: "Alpha", ModuleName: "Alpha", Type: "framework"},
		Swift:      "5.9",
		XcodeBase:  "15.0",
		XcodeBuild: "15A240d",
		XCArgs:     []string{"OTHER_SWIFT_FLAGS=-DFOO"},
		Phases:     []string{"phase-hash-1"},
		Rules:      []string{"rule-hash-1"},
		Scripts:    nil,
		Configs:    []ConfigurationRecord{{Name: "Debug", Hash: "config-hash-1"}},
		Deps:       []depFingerprint{{Name: "Core", Fingerprint: "dep-hash-1"}},
	}
}

// encode must be byte-stable across repeated calls on equivalent input
// (spec.md P1), which golden-diffing makes easy to see at a glance when
// it ever regresses.
func TestEncode_StableAndHumanDiffable(t *testing.T) {
	want := samplePreimage().encode()
	got := samplePreimage().encode()

	if want != got {
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(want),
			B:        difflib.SplitLines(got),
			FromFile: "want",
			ToFile:   "got",
			Context:  2,
		})
		require.NoError(t, err)
		t.Fatalf("fingerprint context is not stable across equivalent input:\n%s", diff)
	}
}

// Key order is fixed regardless of map iteration order: Configs/Deps are
// supplied out of alphabetical order here, and encode must still emit
// them sorted (spec.md §4.1).
func TestEncode_SortsConfigsAndDepsRegardlessOfInputOrder(t *testing.T) {
	p := samplePreimage()
	p.Configs = []ConfigurationRecord{
		{Name: "Release", Hash: "r"},
		{Name: "Debug", Hash: "d"},
	}
	p.Deps = []depFingerprint{
		{Name: "Zeta", Fingerprint: "z"},
		{Name: "Core", Fingerprint: "c"},
	}

	out := p.encode()
	debugIdx := indexOf(out, "Debug:")
	releaseIdx := indexOf(out, "Release:")
	coreIdx := indexOf(out, "Core:")
	zetaIdx := indexOf(out, "Zeta:")

	require.True(t, debugIdx < releaseIdx, "Debug must sort before Release")
	require.True(t, coreIdx < zetaIdx, "Core must sort before Zeta")
}

// A nil Product must encode as a literal null, not panic or omit the
// key entirely (an aggregate target has no Product).
func TestEncode_NilProduct(t *testing.T) {
	p := samplePreimage()
	p.Product = nil
	require.Contains(t, p.encode(), "product: null")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
