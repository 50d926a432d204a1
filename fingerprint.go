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
	"crypto/sha256"
	"encoding/hex"

	"shanhu.io/misc/errcode"
)

// cycleSentinel is the fixed literal a dependency cycle contributes to
// its discoverer's fingerprint context (spec.md §4.1.1, §9 Open
// Questions). It must never change or be made configurable: doing so
// would silently break byte-stability of every fingerprint downstream of
// any cycle.
const cycleSentinel = "<cycle>"

// FingerprintEngine computes stable per-target fingerprints from
// structural inputs and direct-dependency fingerprints (spec.md §4.1).
//
// Fingerprinting is pure CPU and takes no lock. Hash keeps its traversal
// state local to each call and memoizes results on the Targets it is
// given, so one engine serves any number of Hash calls; the Orchestrator
// reuses a single engine across its workflows.
type FingerprintEngine struct {
	Toolchain   ToolchainProvider
	Phases      BuildPhaseHasher
	Rules       BuildRulesHasher
	Scripts     ScriptsHasher
	Configs     ConfigurationsHasher
}

// NewFingerprintEngine builds an engine for toolchain with the reference
// Phases, Rules, Scripts and Configs subhashers.
func NewFingerprintEngine(toolchain ToolchainProvider) *FingerprintEngine {
	return &FingerprintEngine{
		Toolchain: toolchain,
		Phases:    NewBuildPhaseHasher(),
		Rules:     NewBuildRulesHasher(),
		Scripts:   NewScriptsHasher(),
		Configs:   NewConfigurationsHasher(),
	}
}

// Hash computes fingerprintContext and fingerprint for every target in
// targets' transitive closure, in dependency order (spec.md §4.1.1). If
// rehash is false, a target whose fingerprint is already set is left
// untouched; its dependents may still recompute if their own other
// inputs changed.
func (e *FingerprintEngine) Hash(g *ProjectGraph, targets []TargetId, flags *BuildFlags, rehash bool) error {
	info, err := e.Toolchain.Toolchain()
	if err != nil {
		return errcode.Annotate(err, "read toolchain info")
	}

	all := closure(g, targets)
	tracer := newInProgressTracer()
	done := make(map[TargetId]bool)

	var visit func(id TargetId) (string, error)
	visit = func(id TargetId) (string, error) {
		t := g.Target(id)
		if t == nil {
			return "", errcode.NotFoundf("target %q not found", id)
		}
		if done[id] {
			return t.fingerprint, nil
		}
		if !rehash && t.fingerprint != "" && t.fingerprintContext != "" {
			done[id] = true
			return t.fingerprint, nil
		}

		if !tracer.enter(id) {
			return "", ErrCycleExhausted
		}
		defer tracer.leave()

		deps := make([]depFingerprint, 0, len(t.ExplicitDependencies))
		for _, depID := range t.ExplicitDependencies {
			depT := g.Target(depID)
			name := string(depID)
			if depT != nil {
				name = depT.Name
			}
			if tracer.on(depID) {
				// Cycle on edge id -> depID: contribute the fixed
				// sentinel instead of recursing (spec.md §4.1.1).
				deps = append(deps, depFingerprint{Name: name, Fingerprint: cycleSentinel})
				continue
			}
			depFP, err := visit(depID)
			if err != nil {
				return "", err
			}
			deps = append(deps, depFingerprint{Name: name, Fingerprint: depFP})
		}

		phases, err := hashAll(t, t.BuildPhases, e.Phases.HashBuildPhase)
		if err != nil {
			return "", errcode.Annotatef(err, "hash build phases for %q", t.Name)
		}
		rules, err := hashAll(t, t.BuildRules, e.Rules.HashBuildRule)
		if err != nil {
			return "", errcode.Annotatef(err, "hash build rules for %q", t.Name)
		}
		scripts, err := hashAll(t, t.ScriptPhases, e.Scripts.HashScriptPhase)
		if err != nil {
			return "", errcode.Annotatef(err, "hash script phases for %q", t.Name)
		}
		configs, err := e.Configs.HashConfigurations(t)
		if err != nil {
			return "", errcode.Annotatef(err, "hash configurations for %q", t.Name)
		}

		pre := &fingerprintPreimage{
			Name:       t.Name,
			Product:    t.Product,
			Swift:      info.SwiftToolchainVersion,
			XcodeBase:  info.NativeToolchainBase,
			XcodeBuild: info.NativeToolchainBuild,
			XCArgs:     flags.XCArgs,
			Phases:     phases,
			Rules:      rules,
			Scripts:    scripts,
			Configs:    configs,
			Deps:       deps,
		}
		ctx := pre.encode()
		sum := sha256.Sum256([]byte(ctx))
		fp := hex.EncodeToString(sum[:])

		t.fingerprintContext = ctx
		t.fingerprint = fp
		done[id] = true
		return fp, nil
	}

	for _, id := range all {
		if _, err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func hashAll[T any](t *Target, items []T, f func(*Target, T) (string, error)) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, it := range items {
		h, err := f(t, it)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
