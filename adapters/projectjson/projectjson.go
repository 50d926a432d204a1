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

// Package projectjson is the default rugby.ProjectReader/ProjectWriter:
// it reads and writes the project graph as a single JSON document,
// grounded on the teacher's own jsonx.ReadFile/WriteFile usage
// (pull_dockers.go, build.go) for "one structured document, not a rule
// series" documents -- build_file.go's jsonx.ReadSeriesFile is closer to
// a real pbxproj's many-small-objects shape, but parsing that format is
// explicitly out of scope (spec.md §1); this adapter exists so the rest
// of the system has something concrete to read and write in tests.
package projectjson

import (
	"path/filepath"
	"sort"

	"shanhu.io/misc/jsonx"
	"shanhu.io/rugby"
	"shanhu.io/text/lexing"
)

const docFileName = "rugby-project.json"

// doc is the on-disk JSON shape of a rugby.ProjectGraph.
type doc struct {
	WorkspaceRoot string         `json:"workspaceRoot"`
	Patched       bool           `json:"patched"`
	Targets       []*targetDoc   `json:"targets"`
}

type targetDoc struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Kind                 string              `json:"kind"`
	Product              *productDoc         `json:"product,omitempty"`
	BuildRules           []string            `json:"buildRules,omitempty"`
	Configurations       map[string]map[string]string `json:"configurations,omitempty"`
	BuildPhases          []*buildPhaseDoc    `json:"buildPhases,omitempty"`
	ScriptPhases         []string            `json:"scriptPhases,omitempty"`
	ExplicitDependencies []string            `json:"explicitDependencies,omitempty"`
	Groups               []string            `json:"groups,omitempty"`
}

type productDoc struct {
	Name         string `json:"name"`
	ModuleName   string `json:"moduleName"`
	Type         string `json:"type"`
	ParentFolder string `json:"parentFolder"`
}

type buildPhaseDoc struct {
	Kind string `json:"kind"`
	Raw  string `json:"raw"`
}

// Adapter implements both rugby.ProjectReader and rugby.ProjectWriter.
type Adapter struct{}

// New returns a ready-to-use Adapter.
func New() *Adapter { return &Adapter{} }

// ReadProject implements rugby.ProjectReader.
func (*Adapter) ReadProject(root string) (*rugby.ProjectGraph, []*lexing.Error) {
	var d doc
	if err := jsonx.ReadFile(filepath.Join(root, docFileName), &d); err != nil {
		return nil, lexing.SingleErr(err)
	}

	g := &rugby.ProjectGraph{
		WorkspaceRoot: root,
		Targets:       make(map[rugby.TargetId]*rugby.Target, len(d.Targets)),
	}

	errList := lexing.NewErrorList()
	for _, td := range d.Targets {
		t, err := targetFromDoc(td)
		if err != nil {
			errList.Add(&lexing.Error{Err: err})
			continue
		}
		g.Targets[t.ID] = t
	}
	if errs := errList.Errs(); len(errs) > 0 {
		return nil, errs
	}
	rugby.NewProjectMutator().SetPatchedFlag(g, d.Patched)
	return g, nil
}

func targetFromDoc(td *targetDoc) (*rugby.Target, error) {
	t := &rugby.Target{
		ID:                   rugby.TargetId(td.ID),
		Name:                 td.Name,
		Kind:                 rugby.Kind(td.Kind),
		BuildRules:           td.BuildRules,
		Configurations:       td.Configurations,
		ScriptPhases:         td.ScriptPhases,
		ExplicitDependencies: toTargetIds(td.ExplicitDependencies),
		Groups:               td.Groups,
	}
	if td.Product != nil {
		t.Product = &rugby.Product{
			Name:         td.Product.Name,
			ModuleName:   td.Product.ModuleName,
			Type:         td.Product.Type,
			ParentFolder: td.Product.ParentFolder,
		}
	}
	for _, pd := range td.BuildPhases {
		t.BuildPhases = append(t.BuildPhases, &rugby.BuildPhase{
			Kind: rugby.PhaseKind(pd.Kind),
			Raw:  pd.Raw,
		})
	}
	return t, nil
}

func toTargetIds(ss []string) []rugby.TargetId {
	if ss == nil {
		return nil
	}
	out := make([]rugby.TargetId, len(ss))
	for i, s := range ss {
		out[i] = rugby.TargetId(s)
	}
	return out
}

// WriteProject implements rugby.ProjectWriter.
func (*Adapter) WriteProject(g *rugby.ProjectGraph) error {
	d := &doc{
		WorkspaceRoot: g.WorkspaceRoot,
		Patched:       rugby.NewProjectMutator().IsPatched(g),
	}
	mutator := rugby.NewProjectMutator()
	names := make([]string, 0, len(g.Targets))
	for name := range g.Targets {
		if mutator.IsPatchedMarker(rugby.TargetId(name)) {
			continue // doc.Patched already records this fact
		}
		names = append(names, string(name))
	}
	sort.Strings(names)

	for _, name := range names {
		t := g.Targets[rugby.TargetId(name)]
		d.Targets = append(d.Targets, targetToDoc(t))
	}
	return jsonx.WriteFile(filepath.Join(g.WorkspaceRoot, docFileName), d)
}

func targetToDoc(t *rugby.Target) *targetDoc {
	td := &targetDoc{
		ID:             string(t.ID),
		Name:           t.Name,
		Kind:           string(t.Kind),
		BuildRules:     t.BuildRules,
		Configurations: t.Configurations,
		ScriptPhases:   t.ScriptPhases,
		Groups:         t.Groups,
	}
	if t.Product != nil {
		td.Product = &productDoc{
			Name:         t.Product.Name,
			ModuleName:   t.Product.ModuleName,
			Type:         t.Product.Type,
			ParentFolder: t.Product.ParentFolder,
		}
	}
	for _, p := range t.BuildPhases {
		td.BuildPhases = append(td.BuildPhases, &buildPhaseDoc{Kind: string(p.Kind), Raw: p.Raw})
	}
	for _, dep := range t.ExplicitDependencies {
		td.ExplicitDependencies = append(td.ExplicitDependencies, string(dep))
	}
	return td
}
