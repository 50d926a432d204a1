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

package remote

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"shanhu.io/misc/errcode"
)

// archiveSuffix is fixed to zip: spec.md §4.6 allows "zip level 1 or
// 7z level 1", but no 7z library exists anywhere in the retrieved
// example pack, so this implementation picks zip exclusively.
const archiveSuffix = ".zip"

// archiveDir compresses the contents of dir into a new temp file under
// tmpDir (favouring speed per spec.md §4.6: zip level 1 / BestSpeed),
// returning the temp file's path. Callers must remove it when done.
func archiveDir(dir, tmpDir string) (path string, err error) {
	f, err := os.CreateTemp(tmpDir, "rugby-archive-*"+archiveSuffix)
	if err != nil {
		return "", errcode.Annotate(err, "create temp archive")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(dir, p)
		if rerr != nil {
			return rerr
		}
		w, cerr := zw.Create(filepath.ToSlash(rel))
		if cerr != nil {
			return cerr
		}
		in, oerr := os.Open(p)
		if oerr != nil {
			return oerr
		}
		defer in.Close()
		_, cerr = io.Copy(w, in)
		return cerr
	})
	if walkErr != nil {
		zw.Close()
		os.Remove(f.Name())
		return "", errcode.Annotatef(walkErr, "archive %q", dir)
	}
	if err := zw.Close(); err != nil {
		os.Remove(f.Name())
		return "", errcode.Annotate(err, "finalize archive")
	}
	return f.Name(), nil
}

// unarchiveToDir extracts a zip archive at path into dir, recreating
// the directory tree it was produced from by archiveDir. Entries whose
// name would resolve outside dir (zip-slip, e.g. "../../etc/cron.d/x")
// are rejected -- archives fetched from a remote object store are not
// trusted input.
func unarchiveToDir(path, dir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errcode.Annotate(err, "open archive")
	}
	defer r.Close()

	cleanDir := filepath.Clean(dir)
	for _, f := range r.File {
		dst := filepath.Join(cleanDir, filepath.FromSlash(f.Name))
		if dst != cleanDir && !strings.HasPrefix(dst, cleanDir+string(filepath.Separator)) {
			return errcode.InvalidArgf("archive entry %q escapes destination directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return errcode.Annotatef(err, "create dir %q", dst)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return errcode.Annotatef(err, "create parent dir for %q", dst)
		}
		if err := extractFile(f, dst); err != nil {
			return errcode.Annotatef(err, "extract %q", f.Name)
		}
	}
	return nil
}

func extractFile(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return out.Sync()
}
