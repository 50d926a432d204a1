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

// Package nativebuild provides a rugby.NativeBuilder that shells out to
// a configured build tool binary, in the same execJob-over-exec.Command
// shape the teacher uses for every external tool invocation (cmds.go).
package nativebuild

import (
	"io"
	"os"
	"os/exec"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
	"shanhu.io/rugby"
)

// Builder invokes Bin with Args, then "-target" and the aggregate target
// name, then the request's XCArgs, in ProjectRoot. No container or Docker orchestration layer sits
// between Builder and the real compiler -- this spec never invokes one
// (spec.md §1 non-goals), so unlike the teacher's own docker-wrapped
// golang/nodejs builds (legacy elsa package), this always runs directly
// on the host.
type Builder struct {
	Bin  string   // e.g. "xcodebuild", "bundle"
	Args []string // fixed leading arguments

	// Out receives the subprocess's stdout; defaults to os.Stdout.
	Out io.Writer
}

// Build implements rugby.NativeBuilder.
func (b *Builder) Build(req *rugby.NativeBuildRequest) error {
	args := append(append([]string{}, b.Args...), "-target", string(req.Target))
	for _, arg := range req.Flags.XCArgs {
		args = append(args, arg)
	}

	cmd := exec.Command(b.Bin, args...)
	cmd.Dir = req.ProjectRoot
	if b.Out == nil {
		cmd.Stdout = os.Stdout
	} else {
		cmd.Stdout = b.Out
	}
	cmd.Stderr = os.Stderr
	osutil.CmdCopyEnv(cmd, "HOME")
	osutil.CmdCopyEnv(cmd, "PATH")
	osutil.CmdCopyEnv(cmd, "SSH_AUTH_SOCK")

	if err := cmd.Run(); err != nil {
		return errcode.Annotatef(err, "run %s %v", b.Bin, args)
	}
	return nil
}
