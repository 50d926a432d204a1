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
	"sort"
	"strconv"
	"strings"

	"shanhu.io/misc/strutil"
)

// contextWriter builds the canonical, deterministic textual pre-image
// described in spec.md §4.1: two-space indentation, strings quoted only
// when necessary, lists as "- item" lines, maps as "key: value" lines,
// keys always emitted in a fixed order. It is the YAML-like reference
// encoding; any byte-stable encoding would satisfy the spec, but keeping
// it human-diffable is what makes P1/P2 straightforward to test (spec.md
// §8.3 scenario 1/2 compare encoded contexts directly).
type contextWriter struct {
	b      strings.Builder
	indent int
}

func newContextWriter() *contextWriter { return &contextWriter{} }

func (w *contextWriter) pad() string { return strings.Repeat("  ", w.indent) }

func (w *contextWriter) line(s string) {
	w.b.WriteString(w.pad())
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}

func (w *contextWriter) key(k string) {
	w.line(k + ":")
	w.indent++
}

func (w *contextWriter) unkey() { w.indent-- }

func (w *contextWriter) scalarKey(k, v string) {
	w.line(k + ": " + quoteIfNeeded(v))
}

func (w *contextWriter) list(items []string) {
	if len(items) == 0 {
		w.line("[]")
		return
	}
	for _, it := range items {
		w.line("- " + quoteIfNeeded(it))
	}
}

func (w *contextWriter) String() string { return w.b.String() }

// quoteIfNeeded quotes a scalar only when it would otherwise be
// ambiguous: empty, leading/trailing space, containing a newline or
// ": ", or starting with "- " or a double quote, any of which would be
// misread as structure.
func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := strings.TrimSpace(s) != s ||
		strings.ContainsAny(s, "\n") ||
		strings.Contains(s, ": ") ||
		strings.HasPrefix(s, "- ") ||
		strings.HasPrefix(s, "\"")
	if !needsQuote {
		return s
	}
	return strconv.Quote(s)
}

// fingerprintPreimage is the fully-populated set of ingredients folded
// into a target's fingerprint context (spec.md §4.1, items 1-10).
type fingerprintPreimage struct {
	Name       string
	Product    *Product
	Swift      string
	XcodeBase  string
	XcodeBuild string
	XCArgs     []string
	Phases     []string // BuildPhaseHasher output, in declared order
	Rules      []string // BuildRulesHasher output, in declared order
	Scripts    []string // ScriptsHasher output, in declared order
	Configs    []ConfigurationRecord
	// Deps follows ExplicitDependencies order (encode sorts by name) and
	// is built from direct dependencies only -- never the transitive
	// closure (spec.md §4.1.2).
	Deps []depFingerprint
}

type depFingerprint struct {
	Name        string
	Fingerprint string
}

// encode renders the preimage using the fixed alphabetical key order
// mandated by spec.md §4.1: buildOptions, buildPhases, buildRules,
// scriptPhases, configurations, dependencies, name, product,
// swift_version, xcode_version.
func (p *fingerprintPreimage) encode() string {
	w := newContextWriter()

	w.key("buildOptions")
	w.key("xcargs")
	w.list(p.XCArgs)
	w.unkey()
	w.unkey()

	w.key("buildPhases")
	w.list(p.Phases)
	w.unkey()

	w.key("buildRules")
	w.list(p.Rules)
	w.unkey()

	w.key("scriptPhases")
	w.list(p.Scripts)
	w.unkey()

	w.key("configurations")
	// Configs are already produced by the ConfigurationsHasher in a
	// stable order (see defaultConfigurationsHasher in subhash.go); re-sort here too so
	// the context is stable even against a misbehaving collaborator.
	configs := append([]ConfigurationRecord(nil), p.Configs...)
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	for _, c := range configs {
		w.scalarKey(c.Name, c.Hash)
	}
	w.unkey()

	w.key("dependencies")
	deps := append([]depFingerprint(nil), p.Deps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	for _, d := range deps {
		w.scalarKey(d.Name, d.Fingerprint)
	}
	w.unkey()

	w.scalarKey("name", p.Name)

	if p.Product == nil {
		w.line("product: null")
	} else {
		w.key("product")
		w.scalarKey("name", p.Product.Name)
		w.scalarKey("moduleName", p.Product.ModuleName)
		w.scalarKey("type", p.Product.Type)
		w.scalarKey("parentFolder", p.Product.ParentFolder)
		w.unkey()
	}

	w.scalarKey("swift_version", p.Swift)
	w.scalarKey(
		"xcode_version",
		fmt.Sprintf("%s/%s", p.XcodeBase, p.XcodeBuild),
	)

	return w.String()
}

// sortedNameSet dedupes and sorts a collection of names, grounded in the
// teacher's strutil.SortedList usage for file lists (file_set.go).
func sortedNameSet(names []string) []string {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return strutil.SortedList(m)
}

// sortedTargetIds dedupes and sorts a dependency list for
// ProjectMutator.CreateAggregateTarget, so an aggregate's
// ExplicitDependencies are stable and duplicate-free regardless of how
// its caller assembled the miss list.
func sortedTargetIds(ids []TargetId) []TargetId {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	sorted := sortedNameSet(names)
	out := make([]TargetId, len(sorted))
	for i, n := range sorted {
		out[i] = TargetId(n)
	}
	return out
}
