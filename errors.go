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

	"shanhu.io/misc/errcode"
	"shanhu.io/text/lexing"
)

// Sentinel error kinds from spec.md §7. Most are produced with
// errcode constructors directly at the call site (errcode.Annotate,
// errcode.InvalidArgf, errcode.NotFoundf, ...); the ones below need a
// distinguishable type so callers (notably the Orchestrator's Recover
// step and the CLI) can switch on them.

// ErrNoBuildTargets reports that target selection yielded zero targets.
var ErrNoBuildTargets = errcode.InvalidArgf("no build targets selected")

// ErrAlreadyPatched reports that a workflow expecting an unpatched
// project found one already patched.
var ErrAlreadyPatched = errcode.InvalidArgf("project is already patched")

// ErrNoSnapshot reports a restore/rollback with no snapshot available.
var ErrNoSnapshot = errcode.NotFoundf("no journal snapshot available")

// ErrNoLatestFile reports a remote upload attempted with no +latest file.
var ErrNoLatestFile = errcode.NotFoundf("no +latest file in cache root")

// ErrEmptySelection reports a remote upload with an empty +latest file.
var ErrEmptySelection = errcode.InvalidArgf("no entries selected for upload")

// ErrCycleExhausted is an assertion failure: in-progress cycle detection
// itself failed. Should be unreachable with a correct implementation.
var ErrCycleExhausted = errcode.Internalf("cycle detection exhausted")

// CorruptCacheEntryError reports that a cache entry's metadata.json is
// missing or unparsable. The entry is treated as a miss and removed.
type CorruptCacheEntryError struct {
	Path  string
	Cause error
}

func (e *CorruptCacheEntryError) Error() string {
	return fmt.Sprintf("corrupt cache entry at %s: %v", e.Path, e.Cause)
}

func (e *CorruptCacheEntryError) Unwrap() error { return e.Cause }

// RemoteRequestRejectedError wraps a non-2xx S3-compatible response.
type RemoteRequestRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RemoteRequestRejectedError) Error() string {
	return fmt.Sprintf("remote request rejected: status %d: %s", e.StatusCode, e.Body)
}

// ErrRemoteAuthFailure reports a 403 from the object store.
var ErrRemoteAuthFailure = errcode.InvalidArgf("remote authentication failed")

// ErrRemoteBucketNotFound reports the bucket could not be located.
var ErrRemoteBucketNotFound = errcode.NotFoundf("remote bucket not found")

// lexingErrList collapses a Project Reader's error list into a single
// error, reporting the first failure and the total count -- the same
// shape readBuildFile's callers in the teacher ultimately surface to a
// human (errs[0] plus "and N more").
func lexingErrList(errs []*lexing.Error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0].Err
	}
	return fmt.Errorf("%v (and %d more error(s))", errs[0].Err, len(errs)-1)
}
