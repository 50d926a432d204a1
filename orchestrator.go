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
	"io"
	"os"
	"regexp"

	"shanhu.io/misc/errcode"
)

// Config configures an Orchestrator, mirroring the teacher's own
// Config passed to NewBuilder (builder.go): a small flat struct of
// directories and tunables, not a generic options bag.
type Config struct {
	// RugbyRoot holds the bin/ cache and backup/ journal slots.
	RugbyRoot string

	// ProjectRoot is the workspace the Project Reader/Writer operate on.
	ProjectRoot string

	// CacheReclaimLimit is the fraction (0..1) of volume usage above
	// which BinaryStore.Reclaim is asked to free space.
	CacheReclaimLimit float64

	// AggregateTargetName names the synthetic target created for
	// residue compilation (spec.md §4.5.1 uses "RugbyPods").
	AggregateTargetName string
}

// Selection narrows the set of targets a workflow operates on.
type Selection struct {
	// Match, if non-nil, restricts to targets whose name it matches.
	Match *regexp.Regexp

	// Except excludes targets whose name is in this set, or whose name
	// matches DenyMatch.
	Except map[string]bool

	// DenyMatch additionally excludes any target whose name matches
	// (e.g. a "dev_modules" marker).
	DenyMatch *regexp.Regexp

	// IncludeApplications/IncludeTests opt the normally-excluded kinds
	// back into the selection (spec.md §4.5 "unless the workflow asks
	// for them").
	IncludeApplications bool
	IncludeTests         bool
}

// Orchestrator composes FingerprintEngine, BinaryStore, ProjectMutator
// and BackupJournal into the build/use/rebuild/rollback/source-local-changes
// workflows (spec.md §4.5). One Orchestrator serves one ProjectGraph for
// the lifetime of one workflow invocation, the same single-use-per-run
// shape as the teacher's Builder (builder.go).
type Orchestrator struct {
	cfg *Config

	reader  ProjectReader
	writer  ProjectWriter
	vcs     VCS
	native  NativeBuilder
	store   BinaryStoreClient

	engine  *FingerprintEngine
	mutator *ProjectMutator
	journal *BackupJournal

	// Log receives progress lines, mirroring buildOpts.log in the
	// teacher's build_opts.go. Defaults to os.Stderr.
	Log io.Writer
}

// BinaryStoreClient is the subset of store.BinaryStore the Orchestrator
// depends on. Declared here (rather than importing the store package
// directly) so rugby stays free of a hard dependency cycle; store.Store
// satisfies this interface.
type BinaryStoreClient interface {
	Lookup(t *Target, flags *BuildFlags) (*CacheEntryRef, bool, error)
	Import(t *Target, flags *BuildFlags, sourceDir string) (*CacheEntryRef, error)
	RefreshLatest() (int, error)
	Reclaim(limit float64, keep map[string]bool) (uint64, error)
}

// CacheEntryRef is the minimal view of a store.CacheEntry the
// Orchestrator needs to drive ProjectMutator.PatchLinkage.
type CacheEntryRef struct {
	Path       string
	ModuleName string
}

// NewOrchestrator wires an Orchestrator from its collaborators. toolchain
// and the four collaborator interfaces are required; store may be nil
// for workflows that never touch it (tests commonly stub only what a
// given workflow exercises).
func NewOrchestrator(
	cfg *Config,
	reader ProjectReader,
	writer ProjectWriter,
	vcs VCS,
	native NativeBuilder,
	store BinaryStoreClient,
	toolchain ToolchainProvider,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		reader:  reader,
		writer:  writer,
		vcs:     vcs,
		native:  native,
		store:   store,
		engine:  NewFingerprintEngine(toolchain),
		mutator: NewProjectMutator(),
		journal: &BackupJournal{
			Root:       cfg.RugbyRoot + "/backup",
			WorkingDir: cfg.ProjectRoot,
		},
		Log: os.Stderr,
	}
}

// SetJournalFiles tells the BackupJournal which working-tree-relative
// paths a mutating workflow's Project Writer touches.
func (o *Orchestrator) SetJournalFiles(files []string) { o.journal.Files = files }

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Log == nil {
		return
	}
	fmt.Fprintf(o.Log, format+"\n", args...)
}

// selectTargets applies Selection's regex/except filters intersected
// with the cacheable-kind filter (spec.md §4.5's "Selected targets").
func selectTargets(g *ProjectGraph, sel *Selection) []TargetId {
	var out []TargetId
	for id, t := range g.Targets {
		if id == patchedMarkerTarget {
			continue
		}
		if sel.Match != nil && !sel.Match.MatchString(t.Name) {
			continue
		}
		if sel.Except != nil && sel.Except[t.Name] {
			continue
		}
		if sel.DenyMatch != nil && sel.DenyMatch.MatchString(t.Name) {
			continue
		}
		switch t.Kind {
		case KindApplication:
			if !sel.IncludeApplications {
				continue
			}
		case KindTests:
			if !sel.IncludeTests {
				continue
			}
		case KindAggregate:
			continue
		}
		out = append(out, id)
	}
	return out
}

// eligibleTargets returns every target this workflow could ever bind
// to a cached binary -- the same kind/except/deny filtering
// selectTargets applies, but ignoring Match, which only narrows what
// this particular run actively builds. finalize hashes and sweeps this
// wider set so it can reapply patchLinkage to previously cached
// targets outside the current run's narrower selection (spec.md
// §4.5.1, §4.5.3), while still leaving explicitly excluded or
// not-opted-in targets untouched.
func eligibleTargets(g *ProjectGraph, sel *Selection) []TargetId {
	return selectTargets(g, &Selection{
		Except:              sel.Except,
		DenyMatch:           sel.DenyMatch,
		IncludeApplications: sel.IncludeApplications,
		IncludeTests:        sel.IncludeTests,
	})
}

// plan partitions selected targets into cache hits and misses once
// fingerprints have been computed.
type plan struct {
	hits   map[TargetId]*CacheEntryRef
	misses []TargetId
}

func (o *Orchestrator) planSelection(g *ProjectGraph, selected []TargetId, flags *BuildFlags) (*plan, error) {
	p := &plan{hits: make(map[TargetId]*CacheEntryRef)}
	for _, id := range selected {
		t := g.Target(id)
		if t == nil || !t.Cacheable() {
			continue
		}
		entry, ok, err := o.store.Lookup(t, flags)
		if err != nil {
			return nil, errcode.Annotatef(err, "lookup cache entry for %q", t.Name)
		}
		if ok {
			p.hits[id] = entry
		} else {
			p.misses = append(p.misses, id)
		}
	}
	return p, nil
}

func cachePlanEntries(hits map[TargetId]*CacheEntryRef) []CachePlanEntry {
	out := make([]CachePlanEntry, 0, len(hits))
	for id, entry := range hits {
		out = append(out, CachePlanEntry{
			Target:     id,
			EntryPath:  entry.Path,
			ModuleName: entry.ModuleName,
		})
	}
	return out
}

// Build runs the Build/Cache workflow (spec.md §4.5.1):
// Idle -> ReadProject -> FilterTargets -> SnapshotTmp -> Hash -> Plan ->
// Patch -> SaveProject -> NativeBuild -> Import -> Finalize -> Done.
func (o *Orchestrator) Build(sel *Selection, flags *BuildFlags) error {
	g, errs := o.reader.ReadProject(o.cfg.ProjectRoot)
	if errs != nil {
		return errcode.Annotatef(lexingErrList(errs), "read project")
	}

	if o.mutator.IsPatched(g) {
		return ErrAlreadyPatched
	}

	selected := selectTargets(g, sel)
	if len(selected) == 0 {
		return ErrNoBuildTargets
	}

	if err := o.journal.Snapshot(SlotTmp); err != nil {
		return errcode.Annotate(err, "snapshot tmp")
	}
	if exists, err := o.journal.Exists(SlotOriginal); err != nil {
		return o.recover(errcode.Annotate(err, "check original snapshot"))
	} else if !exists {
		if err := o.journal.Snapshot(SlotOriginal); err != nil {
			return o.recover(errcode.Annotate(err, "snapshot original"))
		}
	}

	if err := o.engine.Hash(g, selected, flags, false); err != nil {
		return o.recover(errcode.Annotate(err, "hash targets"))
	}

	p, err := o.planSelection(g, selected, flags)
	if err != nil {
		return o.recover(err)
	}

	if len(p.misses) == 0 {
		return o.finalize(g, flags, eligibleTargets(g, sel))
	}

	if err := o.mutator.PatchLinkage(g, cachePlanEntries(p.hits)); err != nil {
		return o.recover(errcode.Annotate(err, "patch linkage"))
	}
	aggID := o.mutator.CreateAggregateTarget(g, o.cfg.AggregateTargetName, p.misses)

	if err := o.writer.WriteProject(g); err != nil {
		return o.recover(errcode.Annotate(err, "save project"))
	}

	o.logf("BUILD %d miss target(s) via %s", len(p.misses), aggID)
	if err := o.native.Build(&NativeBuildRequest{
		ProjectRoot: o.cfg.ProjectRoot,
		Target:      aggID,
		Flags:       flags,
	}); err != nil {
		return o.recover(errcode.Annotate(err, "native build"))
	}

	for _, id := range p.misses {
		t := g.Target(id)
		entry, err := o.store.Import(t, flags, o.cfg.ProjectRoot)
		if err != nil {
			return o.recover(errcode.Annotatef(err, "import %q", t.Name))
		}
		p.hits[id] = entry
	}
	if _, err := o.store.RefreshLatest(); err != nil {
		return o.recover(errcode.Annotate(err, "refresh latest"))
	}

	return o.finalize(g, flags, eligibleTargets(g, sel))
}

// finalize implements the Build/Use/Rebuild workflows' shared Finalize
// state: restore tmp so the synthetic aggregate target never lands in
// the user's on-disk project, reapply patchLinkage for every available
// binary, markPatched, save, discard tmp.
//
// eligible is the workflow's full kind/except-filtered target set
// (eligibleTargets), not just the narrower set this particular run
// selected to build -- spec.md §4.5.1/§4.5.3 require reapplying
// patches for all available binaries, including ones outside the
// current selection. It is re-hashed here (memoized, so already-hashed
// targets are untouched) since a target's fingerprint is never
// persisted to disk and so is unset on every fresh ReadProject unless
// this run's Hash call already covered it.
func (o *Orchestrator) finalize(g *ProjectGraph, flags *BuildFlags, eligible []TargetId) error {
	if err := o.journal.Restore(SlotTmp); err != nil {
		return o.recover(errcode.Annotate(err, "restore tmp"))
	}
	o.mutator.RemoveAggregateTarget(g, o.cfg.AggregateTargetName)

	if err := o.engine.Hash(g, eligible, flags, false); err != nil {
		return o.recover(errcode.Annotate(err, "hash eligible targets"))
	}

	var all []CachePlanEntry
	for _, id := range eligible {
		t := g.Target(id)
		if t == nil || !t.Cacheable() {
			continue
		}
		entry, ok, err := o.store.Lookup(t, flags)
		if err != nil {
			return o.recover(errcode.Annotatef(err, "lookup for finalize %q", t.Name))
		}
		if ok {
			all = append(all, CachePlanEntry{Target: id, EntryPath: entry.Path, ModuleName: entry.ModuleName})
		}
	}
	if o.cfg.CacheReclaimLimit > 0 {
		keep := make(map[string]bool, len(all))
		for _, e := range all {
			keep[e.EntryPath] = true
		}
		if freed, err := o.store.Reclaim(o.cfg.CacheReclaimLimit, keep); err != nil {
			o.logf("reclaim failed: %v", err)
		} else if freed > 0 {
			o.logf("reclaimed %d byte(s) from cache", freed)
		}
	}

	if err := o.mutator.PatchLinkage(g, all); err != nil {
		return o.recover(errcode.Annotate(err, "finalize patch linkage"))
	}
	o.mutator.MarkPatched(g)

	if err := o.writer.WriteProject(g); err != nil {
		return o.recover(errcode.Annotate(err, "save finalized project"))
	}
	if err := o.journal.Discard(SlotTmp); err != nil {
		return errcode.Annotate(err, "discard tmp")
	}
	o.logf("DONE %d target(s) linked against cache", len(all))
	return nil
}

// Use runs the Use workflow (spec.md §4.5.2): like Build, but misses
// are reported, not compiled -- linkage is still patched for the hits.
//
// Use is idempotent (spec.md §8.2): if the project is already patched,
// it first restores `original` and re-reads, the same way Rebuild does.
// patchTargetLinkage mutates OTHER_LDFLAGS in place, and that mutated
// value is not excluded from fingerprinting the way the path-valued
// settings are (subhash.go), so hashing an already-patched project
// would derive a different fingerprint than the one its cache entry
// was stored under -- this restore keeps every Use run hashing the
// same unpatched settings its predecessor did.
func (o *Orchestrator) Use(sel *Selection, flags *BuildFlags) error {
	g, errs := o.reader.ReadProject(o.cfg.ProjectRoot)
	if errs != nil {
		return errcode.Annotatef(lexingErrList(errs), "read project")
	}

	g, err := o.restoreIfPatched(g)
	if err != nil {
		return err
	}

	selected := selectTargets(g, sel)
	if len(selected) == 0 {
		return ErrNoBuildTargets
	}

	if err := o.journal.Snapshot(SlotTmp); err != nil {
		return errcode.Annotate(err, "snapshot tmp")
	}
	if exists, err := o.journal.Exists(SlotOriginal); err != nil {
		return o.recover(errcode.Annotate(err, "check original snapshot"))
	} else if !exists {
		if err := o.journal.Snapshot(SlotOriginal); err != nil {
			return o.recover(errcode.Annotate(err, "snapshot original"))
		}
	}

	if err := o.engine.Hash(g, selected, flags, false); err != nil {
		return o.recover(errcode.Annotate(err, "hash targets"))
	}

	p, err := o.planSelection(g, selected, flags)
	if err != nil {
		return o.recover(err)
	}
	if len(p.misses) > 0 {
		o.logf("USE %d target(s) have no cached entry and will stay source", len(p.misses))
	}
	return o.finalize(g, flags, eligibleTargets(g, sel))
}

// restoreIfPatched restores `original` and re-reads the project if g is
// already patched, else returns g unchanged. Shared by Use and Rebuild:
// both must re-derive fingerprints from the unpatched baseline, since
// patchTargetLinkage's OTHER_LDFLAGS mutation is not excluded from
// fingerprinting the way the path-valued settings are (subhash.go), and
// hashing the already-patched settings would drift a target's
// fingerprint away from the one its cache entry was stored under.
func (o *Orchestrator) restoreIfPatched(g *ProjectGraph) (*ProjectGraph, error) {
	if !o.mutator.IsPatched(g) {
		return g, nil
	}
	if err := o.journal.Restore(SlotOriginal); err != nil {
		return nil, errcode.Annotate(err, "restore original before re-reading patched project")
	}
	g, errs := o.reader.ReadProject(o.cfg.ProjectRoot)
	if errs != nil {
		return nil, errcode.Annotatef(lexingErrList(errs), "re-read project after restore")
	}
	return g, nil
}

// Rebuild runs the Rebuild workflow (spec.md §4.5.3): restores
// `original` if already patched, builds only the explicitly requested
// targets (no dependency walk into the aggregate), and on success
// reapplies patches for all available binaries.
func (o *Orchestrator) Rebuild(sel *Selection, flags *BuildFlags) error {
	g, errs := o.reader.ReadProject(o.cfg.ProjectRoot)
	if errs != nil {
		return errcode.Annotatef(lexingErrList(errs), "read project")
	}

	g, err := o.restoreIfPatched(g)
	if err != nil {
		return err
	}

	selected := selectTargets(g, sel)
	if len(selected) == 0 {
		return ErrNoBuildTargets
	}

	if err := o.journal.Snapshot(SlotTmp); err != nil {
		return errcode.Annotate(err, "snapshot tmp")
	}
	if exists, err := o.journal.Exists(SlotOriginal); err != nil {
		return o.recover(errcode.Annotate(err, "check original snapshot"))
	} else if !exists {
		if err := o.journal.Snapshot(SlotOriginal); err != nil {
			return o.recover(errcode.Annotate(err, "snapshot original"))
		}
	}

	if err := o.engine.Hash(g, selected, flags, true); err != nil {
		return o.recover(errcode.Annotate(err, "hash targets"))
	}

	// Dependencies are presumed already cached; only the explicitly
	// requested targets are compiled, regardless of what FilterTargets
	// would otherwise have pulled in via the dependency walk.
	aggID := o.mutator.CreateAggregateTarget(g, o.cfg.AggregateTargetName, selected)
	if err := o.writer.WriteProject(g); err != nil {
		return o.recover(errcode.Annotate(err, "save project"))
	}

	o.logf("REBUILD %d target(s) via %s", len(selected), aggID)
	if err := o.native.Build(&NativeBuildRequest{
		ProjectRoot: o.cfg.ProjectRoot,
		Target:      aggID,
		Flags:       flags,
	}); err != nil {
		return o.recover(errcode.Annotate(err, "native build"))
	}

	for _, id := range selected {
		t := g.Target(id)
		if _, err := o.store.Import(t, flags, o.cfg.ProjectRoot); err != nil {
			return o.recover(errcode.Annotatef(err, "import %q", t.Name))
		}
	}
	if _, err := o.store.RefreshLatest(); err != nil {
		return o.recover(errcode.Annotate(err, "refresh latest"))
	}

	return o.finalize(g, flags, eligibleTargets(g, sel))
}

// Rollback runs the Rollback workflow (spec.md §4.5.4).
func (o *Orchestrator) Rollback() error {
	if err := o.journal.Restore(SlotOriginal); err != nil {
		return err // propagates ErrNoSnapshot unchanged
	}
	return o.journal.Discard(SlotTmp)
}

// recover implements the shared Recover state: restore(tmp),
// discard(tmp), propagate the original error unchanged.
func (o *Orchestrator) recover(cause error) error {
	if err := o.journal.Restore(SlotTmp); err != nil {
		o.logf("recover: restore tmp failed: %v (original error: %v)", err, cause)
		return errcode.Annotate(err, "recover: restore tmp")
	}
	if err := o.journal.Discard(SlotTmp); err != nil {
		o.logf("recover: discard tmp failed: %v", err)
	}
	return cause
}

// SourceLocalChanges runs the workflow described in spec.md §4.5.5:
// find uncommitted files via VCS, derive affected package names,
// Rollback, then Use with an augmented except list.
func (o *Orchestrator) SourceLocalChanges(sel *Selection, flags *BuildFlags, analyzer *ImpactAnalyzer) error {
	files, err := o.vcs.UncommittedPaths()
	if err != nil {
		return errcode.Annotate(err, "list uncommitted paths")
	}

	affected := make(map[string]bool)
	for _, f := range files {
		if name, ok := analyzer.PackageNameForPath(f); ok {
			affected[name] = true
		}
	}

	if err := o.Rollback(); err != nil {
		return errcode.Annotate(err, "rollback before source-local-changes")
	}

	augmented := &Selection{
		Match:                sel.Match,
		DenyMatch:            sel.DenyMatch,
		IncludeApplications:  sel.IncludeApplications,
		IncludeTests:         sel.IncludeTests,
		Except:               make(map[string]bool, len(affected)+len(sel.Except)),
	}
	for name := range sel.Except {
		augmented.Except[name] = true
	}
	for name := range affected {
		augmented.Except[name] = true
	}

	return o.Use(augmented, flags)
}
