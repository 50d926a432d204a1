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

// Package vcsgit provides a rugby.VCS backed by a git subprocess,
// grounded on the teacher's own git plumbing (sync.go's
// currentGitCommit/gitSync: runCmdOutput wrapping "git <subcommand>").
package vcsgit

import (
	"bytes"
	"os"
	"os/exec"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

// VCS shells out to git in Dir.
type VCS struct {
	Dir string
}

// New returns a VCS rooted at dir.
func New(dir string) *VCS { return &VCS{Dir: dir} }

func (v *VCS) output(args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = v.Dir
	cmd.Stderr = os.Stderr
	osutil.CmdCopyEnv(cmd, "HOME")
	osutil.CmdCopyEnv(cmd, "PATH")
	return cmd.Output()
}

// ChangedPaths implements rugby.VCS: files that differ between baseRef
// and the working tree.
func (v *VCS) ChangedPaths(baseRef string) ([]string, error) {
	out, err := v.output("diff", "--name-only", baseRef)
	if err != nil {
		return nil, errcode.Annotatef(err, "git diff --name-only %s", baseRef)
	}
	return splitLines(out), nil
}

// UncommittedPaths implements rugby.VCS: files with unstaged or staged
// but uncommitted changes, plus untracked files.
func (v *VCS) UncommittedPaths() ([]string, error) {
	out, err := v.output("status", "--porcelain")
	if err != nil {
		return nil, errcode.Annotate(err, "git status --porcelain")
	}
	var paths []string
	// Only trailing newlines are trimmed: a porcelain line may begin with
	// a space (" M path"), and the path always starts at column 3.
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if len(line) < 4 {
			continue
		}
		paths = append(paths, strings.TrimSpace(line[3:]))
	}
	return paths, nil
}

// IsDirty implements rugby.VCS.
func (v *VCS) IsDirty() (bool, error) {
	out, err := v.output("status", "--porcelain")
	if err != nil {
		return false, errcode.Annotate(err, "git status --porcelain")
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

func splitLines(out []byte) []string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}
