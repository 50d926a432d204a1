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
	"time"

	"shanhu.io/text/lexing"
)

// ProjectReader is the external collaborator that parses whatever the
// underlying project file format is and yields a ProjectGraph value.
// Parsing/serialization of the real project format (pbxproj, Podfile.lock,
// etc.) is explicitly out of scope for this spec (spec.md §1); Rugby only
// depends on this interface, plus ships one concrete JSON-backed adapter
// (adapters/projectjson) for tests and for projects that keep their graph
// as a plain document.
type ProjectReader interface {
	ReadProject(root string) (*ProjectGraph, []*lexing.Error)
}

// ProjectWriter is the external collaborator that persists a mutated
// ProjectGraph back to disk in whatever the underlying format is.
type ProjectWriter interface {
	WriteProject(g *ProjectGraph) error
}

// VCS is the minimal version-control capability Rugby needs: changed
// paths since a ref, and whether the working tree is dirty.
type VCS interface {
	ChangedPaths(baseRef string) ([]string, error)
	UncommittedPaths() ([]string, error)
	IsDirty() (bool, error)
}

// NativeBuilder invokes the platform's real compiler/build tool against
// an aggregate target and reports success or failure. It is an external
// collaborator; this spec never drives the Apple toolchain itself.
type NativeBuilder interface {
	Build(req *NativeBuildRequest) error
}

// NativeBuildRequest is everything a NativeBuilder needs to drive one
// build invocation.
type NativeBuildRequest struct {
	ProjectRoot string
	Target      TargetId
	Flags       *BuildFlags
}

// Clock is the time source, so tests can fake it. fingerprintContext
// never depends on Clock (P1); only CacheEntry/JournalSlot timestamps do.
type Clock interface {
	Now() time.Time
}

// HashPrimitive is a hex-digest hash capability; adapters/sha256hash
// implements it with crypto/sha256. FingerprintEngine does not take a
// HashPrimitive: fingerprints and subhasher digests call crypto/sha256
// directly, and no other part of the module calls a HashPrimitive.
type HashPrimitive interface {
	Sum(data []byte) string // returns a hex digest
}

// BuildPhaseHasher, BuildRulesHasher and ScriptsHasher are the
// subhasher collaborators referenced by spec.md §4.1: each produces one
// opaque, already-canonical hash string per build phase / build rule /
// script phase, in declared order. The FingerprintEngine never looks
// inside their output.
type BuildPhaseHasher interface {
	HashBuildPhase(t *Target, phase *BuildPhase) (string, error)
}

// BuildRulesHasher hashes one build rule at a time.
type BuildRulesHasher interface {
	HashBuildRule(t *Target, rule RawHashable) (string, error)
}

// ScriptsHasher hashes one script phase at a time.
type ScriptsHasher interface {
	HashScriptPhase(t *Target, phase RawHashable) (string, error)
}

// ConfigurationRecord is one opaque, canonicalized configuration hash
// record, keyed by configuration name.
type ConfigurationRecord struct {
	Name string
	Hash string
}

// ConfigurationsHasher produces the configurations ingredient of a
// target's fingerprint context. Implementations MUST exclude settings
// whose value is known to carry absolute filesystem paths (spec.md
// §4.1 item 9) so that identical builds on different CI workers
// fingerprint identically.
type ConfigurationsHasher interface {
	HashConfigurations(t *Target) ([]ConfigurationRecord, error)
}

// ToolchainInfo is the environment collaborator's report of the two
// toolchain-version ingredients folded into every fingerprint.
type ToolchainInfo struct {
	SwiftToolchainVersion  string
	NativeToolchainBase    string
	NativeToolchainBuild   string
}

// ToolchainProvider supplies ToolchainInfo. FingerprintEngine.Hash calls
// Toolchain on every Hash call; the result is not memoized across calls.
type ToolchainProvider interface {
	Toolchain() (*ToolchainInfo, error)
}
