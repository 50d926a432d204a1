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
	"io"
	"os"
	"path/filepath"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

// JournalSlot names one of the two backup slots (spec.md §3.1/§4.4).
type JournalSlot string

// The two named slots.
const (
	SlotOriginal JournalSlot = "original"
	SlotTmp      JournalSlot = "tmp"
)

// BackupJournal snapshots and restores the on-disk project files across
// the two named slots, interruption-safe: every mutating Orchestrator
// workflow snapshots "tmp" before touching the working tree and restores
// it on failure or signal; "original" is created lazily on the first
// mutation of a clean project and kept until an explicit rollback.
type BackupJournal struct {
	// Root is the backup directory, conventionally
	// "<rugbyRoot>/backup".
	Root string

	// Files lists the working-tree-relative paths the journal tracks.
	// It is the caller's job to know which files a ProjectWriter
	// touches; the journal itself is a dumb shallow copier.
	Files []string

	// WorkingDir is the directory Files are relative to.
	WorkingDir string
}

func (j *BackupJournal) slotDir(slot JournalSlot) string {
	return filepath.Join(j.Root, string(slot))
}

// Exists reports whether slot has a snapshot.
func (j *BackupJournal) Exists(slot JournalSlot) (bool, error) {
	return osutil.IsDir(j.slotDir(slot))
}

// Snapshot copies every tracked file into slot, overwriting any existing
// snapshot in that slot.
func (j *BackupJournal) Snapshot(slot JournalSlot) error {
	dir := j.slotDir(slot)
	if err := os.RemoveAll(dir); err != nil {
		return errcode.Annotatef(err, "clear slot %q", slot)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errcode.Annotatef(err, "create slot %q", slot)
	}
	for _, rel := range j.Files {
		src := filepath.Join(j.WorkingDir, rel)
		dst := filepath.Join(dir, rel)
		isFile, err := osutil.IsRegular(src)
		if err != nil {
			return errcode.Annotatef(err, "stat %q", src)
		}
		if !isFile {
			continue // file does not exist yet; nothing to snapshot
		}
		if err := copyFile(src, dst); err != nil {
			return errcode.Annotatef(err, "snapshot %q", rel)
		}
	}
	return nil
}

// Restore copies slot's files back to their working locations. Fails
// with ErrNoSnapshot if slot has never been snapshotted.
func (j *BackupJournal) Restore(slot JournalSlot) error {
	dir := j.slotDir(slot)
	exists, err := osutil.IsDir(dir)
	if err != nil {
		return errcode.Annotatef(err, "stat slot %q", slot)
	}
	if !exists {
		return ErrNoSnapshot
	}
	for _, rel := range j.Files {
		src := filepath.Join(dir, rel)
		dst := filepath.Join(j.WorkingDir, rel)
		isFile, err := osutil.IsRegular(src)
		if err != nil {
			return errcode.Annotatef(err, "stat %q", src)
		}
		if !isFile {
			// The file did not exist when this slot was snapshotted;
			// restoring must put the working tree back to that same
			// state, so remove whatever now sits at dst rather than
			// leaving behind something the run itself created.
			if err := os.RemoveAll(dst); err != nil {
				return errcode.Annotatef(err, "remove %q", rel)
			}
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return errcode.Annotatef(err, "restore %q", rel)
		}
	}
	return nil
}

// Discard deletes slot entirely. Discarding a slot that does not exist
// is a no-op.
func (j *BackupJournal) Discard(slot JournalSlot) error {
	if err := os.RemoveAll(j.slotDir(slot)); err != nil {
		return errcode.Annotatef(err, "discard slot %q", slot)
	}
	return nil
}

// copyFile copies src to dst, creating dst's parent directory as
// needed, matching the file's mode bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
