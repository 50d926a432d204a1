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

// Command rugby is the thin CLI surface over the rugby build-cache
// core: sub-commands for the Orchestrator's build, use, rebuild and
// rollback workflows, plus test-impact (run through ImpactAnalyzer) and
// remote upload/download (run through remote.Transport);
// Orchestrator.SourceLocalChanges has no sub-command. All business logic
// lives in package rugby; this file owns only flag parsing, environment
// wiring and help text (spec.md §1 non-goals).
package main

import (
	"fmt"
	"log"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"shanhu.io/rugby"
	"shanhu.io/rugby/adapters/nativebuild"
	"shanhu.io/rugby/adapters/projectjson"
	"shanhu.io/rugby/adapters/sysclock"
	"shanhu.io/rugby/adapters/vcsgit"
	"shanhu.io/rugby/remote"
	"shanhu.io/rugby/store"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "rugby",
		Usage: "binary-cache accelerator for Xcode/CocoaPods workspaces",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Value: ".", Usage: "project root"},
			&cli.StringFlag{Name: "rugby-root", Value: ".rugby", Usage: "rugby cache/backup root"},
			&cli.StringFlag{Name: "match", Usage: "regex selecting target names"},
			&cli.StringFlag{Name: "except", Usage: "comma-separated list of target names to exclude"},
			&cli.StringFlag{Name: "config", Value: "Debug", Usage: "build configuration"},
			&cli.StringFlag{Name: "sdk", Value: "sim", Usage: "sim or device"},
			&cli.StringFlag{Name: "arch", Value: "auto", Usage: "auto, x86_64 or arm64"},
			&cli.StringFlag{Name: "native-bin", Value: "xcodebuild", Usage: "native build tool binary"},
			&cli.StringSliceFlag{Name: "xcarg", Usage: "xcconfig build arg KEY=VALUE (repeatable)"},
		},
		Commands: []*cli.Command{
			buildCommand,
			useCommand,
			rebuildCommand,
			rollbackCommand,
			testImpactCommand,
			remoteUploadCommand,
			remoteDownloadCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func selectionFromFlags(c *cli.Context) (*rugby.Selection, error) {
	sel := &rugby.Selection{Except: make(map[string]bool)}
	if m := c.String("match"); m != "" {
		re, err := regexp.Compile(m)
		if err != nil {
			return nil, err
		}
		sel.Match = re
	}
	for _, name := range splitCSV(c.String("except")) {
		sel.Except[name] = true
	}
	return sel, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func buildFlagsFromCli(c *cli.Context) *rugby.BuildFlags {
	return &rugby.BuildFlags{
		SDK:    c.String("sdk"),
		Arch:   c.String("arch"),
		Config: c.String("config"),
		XCArgs: c.StringSlice("xcarg"),
	}
}

func newOrchestrator(c *cli.Context) (*rugby.Orchestrator, error) {
	cfg := &rugby.Config{
		RugbyRoot:           c.String("rugby-root"),
		ProjectRoot:         c.String("root"),
		CacheReclaimLimit:   0.85,
		AggregateTargetName: "RugbyPods",
	}
	reader := projectjson.New()
	vcs := vcsgit.New(cfg.ProjectRoot)
	native := &nativebuild.Builder{Bin: c.String("native-bin")}
	toolchain := &envToolchain{}
	st := store.NewStore(cfg.RugbyRoot, sysclock.Clock{})

	o := rugby.NewOrchestrator(cfg, reader, reader, vcs, native, st, toolchain)
	o.SetJournalFiles([]string{"rugby-project.json"})
	return o, nil
}

// envToolchain reads toolchain versions from the environment on every
// Toolchain call.
type envToolchain struct{}

func (envToolchain) Toolchain() (*rugby.ToolchainInfo, error) {
	return &rugby.ToolchainInfo{
		SwiftToolchainVersion: os.Getenv("RUGBY_SWIFT_VERSION"),
		NativeToolchainBase:   os.Getenv("RUGBY_XCODE_BASE"),
		NativeToolchainBuild:  os.Getenv("RUGBY_XCODE_BUILD"),
	}, nil
}

var buildCommand = &cli.Command{
	Name:  "build",
	Usage: "reconcile selected targets against the cache and build the residue",
	Action: func(c *cli.Context) error {
		o, err := newOrchestrator(c)
		if err != nil {
			return err
		}
		sel, err := selectionFromFlags(c)
		if err != nil {
			return err
		}
		return o.Build(sel, buildFlagsFromCli(c))
	},
}

var useCommand = &cli.Command{
	Name:  "use",
	Usage: "patch linkage against whatever is already cached; never builds",
	Action: func(c *cli.Context) error {
		o, err := newOrchestrator(c)
		if err != nil {
			return err
		}
		sel, err := selectionFromFlags(c)
		if err != nil {
			return err
		}
		return o.Use(sel, buildFlagsFromCli(c))
	},
}

var rebuildCommand = &cli.Command{
	Name:  "rebuild-cache",
	Usage: "rebuild only the explicitly selected targets",
	Action: func(c *cli.Context) error {
		o, err := newOrchestrator(c)
		if err != nil {
			return err
		}
		sel, err := selectionFromFlags(c)
		if err != nil {
			return err
		}
		return o.Rebuild(sel, buildFlagsFromCli(c))
	},
}

var rollbackCommand = &cli.Command{
	Name:  "rollback",
	Usage: "restore the project to its pre-rugby state",
	Action: func(c *cli.Context) error {
		o, err := newOrchestrator(c)
		if err != nil {
			return err
		}
		return o.Rollback()
	},
}

var testImpactCommand = &cli.Command{
	Name:  "test-impact",
	Usage: "print impacted test targets since a base ref",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "base-ref", Usage: "VCS ref; empty means uncommitted only"},
	},
	Action: func(c *cli.Context) error {
		root := c.String("root")
		vcs := vcsgit.New(root)
		reader := projectjson.New()
		g, errs := reader.ReadProject(root)
		if errs != nil {
			log.Fatalf("read project: %v", errs[0])
		}
		analyzer := rugby.NewImpactAnalyzer(vcs, g)
		impacted, err := analyzer.Analyze(c.String("base-ref"))
		if err != nil {
			return err
		}
		for id := range impacted {
			log.Println(id)
		}
		return nil
	},
}

var remoteUploadCommand = &cli.Command{
	Name:  "remote-upload",
	Usage: "upload the entries named in +latest to the configured S3-compatible store",
	Action: func(c *cli.Context) error {
		cfg := &rugby.Config{RugbyRoot: c.String("rugby-root")}
		st := store.NewStore(cfg.RugbyRoot, sysclock.Clock{})
		latest, err := st.ReadLatest()
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			return rugby.ErrEmptySelection
		}
		opts := remoteOptionsFromEnv()
		if opts.Bucket == "" {
			return rugby.ErrRemoteBucketNotFound
		}
		t := remote.NewTransport(opts, sysclock.Clock{})
		results := t.UploadAll(st.BinRoot(), latest)
		return reportResults(results)
	},
}

var remoteDownloadCommand = &cli.Command{
	Name:  "remote-download",
	Usage: "download the given object keys from the configured S3-compatible store",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "key", Usage: "object key to download"},
	},
	Action: func(c *cli.Context) error {
		cfg := &rugby.Config{RugbyRoot: c.String("rugby-root")}
		st := store.NewStore(cfg.RugbyRoot, sysclock.Clock{})
		opts := remoteOptionsFromEnv()
		if opts.Bucket == "" {
			return rugby.ErrRemoteBucketNotFound
		}
		t := remote.NewTransport(opts, sysclock.Clock{})
		results := t.DownloadAll(st.BinRoot(), c.StringSlice("key"))
		return reportResults(results)
	},
}

func remoteOptionsFromEnv() *remote.Options {
	return &remote.Options{
		Endpoint:  os.Getenv("S3_ENDPOINT"),
		Bucket:    os.Getenv("S3_BUCKET"),
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Debug:     os.Getenv("RUGBY_DEBUG_S3") != "",
	}
}

func reportResults(results []remote.Result) error {
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			log.Printf("FAIL %s: %v", r.Key, r.Err)
		} else {
			log.Printf("OK %s", r.Key)
		}
	}
	if failed > 0 {
		log.Printf("%d/%d object(s) failed", failed, len(results))
		return fmt.Errorf("%d/%d object(s) failed", failed, len(results))
	}
	return nil
}
