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

// Package rugby implements the hard core of a binary-cache accelerator for
// large Xcode/CocoaPods workspaces: a fingerprint engine, a project mutator,
// a backup journal and the orchestrator that composes them into the build,
// use, rebuild, rollback and source-local-changes workflows. Test-impact
// analysis is done by ImpactAnalyzer on its own; it is not an
// Orchestrator workflow.
package rugby

// TargetId is the stable identity of a Target across runs of the same
// project. It never encodes build settings; only the Project Reader
// decides what a stable id looks like for a given project format.
type TargetId string

// Kind is the product kind of a Target.
type Kind string

// Recognized target kinds.
const (
	KindFramework       Kind = "framework"
	KindStaticLib       Kind = "staticLib"
	KindDynLib          Kind = "dynLib"
	KindResourceBundle  Kind = "resourceBundle"
	KindTests           Kind = "tests"
	KindApplication     Kind = "application"
	KindAggregate       Kind = "aggregate"
	KindOther           Kind = "other"
)

// Product describes the artifact a Target produces.
type Product struct {
	Name         string
	ModuleName   string
	Type         string
	ParentFolder string
}

// PhaseKind distinguishes build phases that ProjectMutator must act on
// (compile phases are dropped when patching linkage to a cached binary)
// from ones it leaves untouched.
type PhaseKind string

// Recognized build phase kinds.
const (
	PhaseCompileSources PhaseKind = "compileSources"
	PhaseResources      PhaseKind = "resources"
	PhaseFrameworks     PhaseKind = "frameworks"
	PhaseHeaders        PhaseKind = "headers"
	PhaseOther          PhaseKind = "other"
)

// BuildPhase is one opaque build phase. Raw is what the BuildPhaseHasher
// subhasher collaborator turns into a fingerprint ingredient; Kind is
// the only part of it ProjectMutator inspects.
type BuildPhase struct {
	Kind PhaseKind
	Raw  RawHashable
}

// Target is one unit of compilation in the underlying project.
//
// Target is shared by TargetId across the ProjectGraph and the
// FingerprintEngine; once FingerprintEngine.Hash starts, nothing may
// mutate a Target's structural fields (name, product, buildRules,
// configurations, buildPhases, scriptPhases, explicitDependencies).
type Target struct {
	ID   TargetId
	Name string
	Kind Kind

	Product *Product // nil if the target produces no standalone artifact.

	BuildRules     []RawHashable
	Configurations map[string]map[string]string // configName -> settings
	BuildPhases    []*BuildPhase
	ScriptPhases   []RawHashable

	// Groups holds the project navigator's source-group references for
	// this target (e.g. group names or paths), as read by the Project
	// Reader. ProjectMutator.RemoveGroups is the only thing that touches
	// this field; the FingerprintEngine never folds it into a fingerprint
	// since it carries no build-affecting information.
	Groups []string

	// ExplicitDependencies holds only direct edges. Never populate this
	// with the transitive closure; see FingerprintEngine's direct-only
	// propagation rule.
	ExplicitDependencies []TargetId

	// resolvedDependencies is the lazily materialized transitive closure.
	resolvedDependencies []TargetId
	resolvedSet          map[TargetId]bool

	// fingerprintContext and fingerprint are set once per run by
	// FingerprintEngine.Hash, and not mutated afterward except by an
	// explicit rehash.
	fingerprintContext string
	fingerprint        string
}

// RawHashable is an opaque pre-hashed value produced by a subhasher
// collaborator (BuildPhaseHasher, BuildRulesHasher, ScriptsHasher). The
// FingerprintEngine treats it as an already-canonical string; it never
// looks inside.
type RawHashable = string

// Fingerprint returns the target's memoized fingerprint, or "" if it has
// not been computed yet this run.
func (t *Target) Fingerprint() string { return t.fingerprint }

// FingerprintContext returns the canonical pre-image used to derive
// Fingerprint, or "" if it has not been computed yet.
func (t *Target) FingerprintContext() string { return t.fingerprintContext }

// Cacheable reports whether a target represents a real product at all,
// as opposed to the synthetic aggregate CreateAggregateTarget creates
// to drive the NativeBuilder, or the sentinel MarkPatched stamps onto
// the graph. It does not itself decide whether applications or test
// bundles participate in a given workflow -- that opt-in (spec.md
// §4.5's "exclude application and tests unless the workflow asks for
// them") is selectTargets' job, via Selection.IncludeApplications/
// IncludeTests.
func (t *Target) Cacheable() bool {
	return t.Kind != KindAggregate && t.ID != patchedMarkerTarget
}

// ProjectGraph is the mutable mapping of TargetId to Target plus
// workspace-level metadata, as read by a ProjectReader. It is exclusively
// owned by the Orchestrator for the lifetime of one workflow, and is
// mutated only through a ProjectMutator.
type ProjectGraph struct {
	Targets map[TargetId]*Target

	// WorkspaceRoot is the on-disk directory containing the project
	// files the BackupJournal snapshots.
	WorkspaceRoot string

	// patched is the sentinel ProjectMutator.MarkPatched/IsPatched reads
	// and writes.
	patched bool
}

// Target looks up a target by id, or returns nil.
func (g *ProjectGraph) Target(id TargetId) *Target {
	if g == nil {
		return nil
	}
	return g.Targets[id]
}

// BuildFlags are the recognized build options (spec.md §6.3). XCArgs are a
// direct fingerprint ingredient; ResultBundlePath is not.
type BuildFlags struct {
	SDK              string // "sim" | "device"
	Arch             string // "auto" | "x86_64" | "arm64"
	Config           string // default "Debug"
	XCArgs           []string
	ResultBundlePath string
	IgnoreCache      bool
}

// NormalizedConfig returns Config, defaulting to "Debug".
func (f *BuildFlags) NormalizedConfig() string {
	if f == nil || f.Config == "" {
		return "Debug"
	}
	return f.Config
}
