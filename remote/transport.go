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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"shanhu.io/misc/errcode"
	"shanhu.io/rugby"
)

const (
	defaultParallelism  = 15
	defaultRequestTO    = 300 * time.Second
	defaultResourceTO   = 600 * time.Second
	largeFileMMapBytes  = 50 * 1024 * 1024
)

// Result is one object's outcome from UploadAll/DownloadAll: failures
// do not abort siblings (spec.md §4.6 "the batch never aborts on a
// single failure").
type Result struct {
	Key string
	Err error
}

// Transport is the reference RemoteTransport (C6): parallel
// compressed upload/download against an S3-compatible object store
// with hand-rolled request signing, grounded on the pack's S3Store
// (Keyhole-Koro-InsightifyCore/internal/gateway/repository/artifact/s3_store.go)
// for the shape of the client (preflight bucket check, Put/Get over
// HTTPS) but signing its own requests instead of delegating to minio-go.
type Transport struct {
	Opts   *Options
	Client *http.Client

	// Clock is used for x-amz-date; when it is nil, time.Now is used.
	Clock rugby.Clock
}

// NewTransport returns a Transport with opts defaulted (Parallelism,
// http.Client timeouts) per spec.md §4.6/§5.
func NewTransport(opts *Options, clock rugby.Clock) *Transport {
	o := *opts
	if o.Parallelism <= 0 {
		o.Parallelism = defaultParallelism
	}
	return &Transport{
		Opts:   &o,
		Client: &http.Client{Timeout: defaultRequestTO},
		Clock:  clock,
	}
}

func (t *Transport) now() time.Time {
	if t.Clock != nil {
		return t.Clock.Now()
	}
	return time.Now()
}

// Preflight performs the bucket-root HEAD check (spec.md §4.6): 2xx
// and 404 (bucket may be private but exists) are accepted, 403 aborts
// with ErrRemoteAuthFailure.
func (t *Transport) Preflight() error {
	addr := t.Opts.resolve("")
	url := fmt.Sprintf("https://%s%s", addr.host, addr.path)
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return errcode.Annotate(err, "build preflight request")
	}
	req.Host = addr.host
	signRequest(req, t.Opts, hashHex(""), t.now())

	resp, err := t.Client.Do(req)
	if err != nil {
		return errcode.Annotate(err, "preflight request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return rugby.ErrRemoteAuthFailure
	case resp.StatusCode == http.StatusNotFound:
		return nil // bucket may be private but exists (spec.md §4.6)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return &rugby.RemoteRequestRejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// UploadAll compresses and PUTs the cache-entry directory at each of
// entryDirs (as read from +latest), keyed by their relative path from
// bin/ plus the archive suffix (spec.md §4.6 Addressing). Per-object
// failures are reported in the returned slice, never abort the batch.
func (t *Transport) UploadAll(binRoot string, entryDirs []string) []Result {
	if err := t.Preflight(); err != nil {
		results := make([]Result, len(entryDirs))
		for i, d := range entryDirs {
			results[i] = Result{Key: d, Err: err}
		}
		return results
	}
	return t.runPool(entryDirs, func(dir string) error {
		key := relKey(binRoot, dir) + archiveSuffix
		return t.uploadOne(dir, key)
	})
}

// DownloadAll fetches and extracts each of keys into destRoot (the
// local bin/ root), re-deriving the on-disk cache-entry directory from
// the object key.
func (t *Transport) DownloadAll(destRoot string, keys []string) []Result {
	if err := t.Preflight(); err != nil {
		results := make([]Result, len(keys))
		for i, k := range keys {
			results[i] = Result{Key: k, Err: err}
		}
		return results
	}
	return t.runPool(keys, func(key string) error {
		return t.downloadOne(destRoot, key)
	})
}

// runPool runs fn over items with bounded concurrency t.Opts.Parallelism.
func (t *Transport) runPool(items []string, fn func(string) error) []Result {
	results := make([]Result, len(items))
	sem := make(chan struct{}, t.Opts.Parallelism)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = Result{Key: item, Err: fn(item)}
		}(i, item)
	}
	wg.Wait()
	return results
}

func (t *Transport) uploadOne(dir, key string) error {
	tmpDir := os.TempDir()
	archivePath, err := archiveDir(dir, tmpDir)
	if err != nil {
		return errcode.Annotatef(err, "archive %q", dir)
	}
	defer os.Remove(archivePath)

	info, err := os.Stat(archivePath)
	if err != nil {
		return errcode.Annotate(err, "stat archive")
	}

	var body io.Reader
	var sha string
	if info.Size() >= largeFileMMapBytes {
		f, err := os.Open(archivePath)
		if err != nil {
			return errcode.Annotate(err, "open archive")
		}
		defer f.Close()
		sum, err := sha256File(f)
		if err != nil {
			return errcode.Annotate(err, "hash archive")
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errcode.Annotate(err, "seek archive")
		}
		body = f
		sha = sum
	} else {
		bs, err := os.ReadFile(archivePath)
		if err != nil {
			return errcode.Annotate(err, "read archive")
		}
		sum := hashHex(string(bs))
		body = bytes.NewReader(bs)
		sha = sum
	}

	addr := t.Opts.resolve(key)
	url := fmt.Sprintf("https://%s%s", addr.host, addr.path)
	req, err := http.NewRequest(http.MethodPut, url, body)
	if err != nil {
		return errcode.Annotate(err, "build put request")
	}
	req.Host = addr.host
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	signRequest(req, t.Opts, sha, t.now())

	resp, err := t.Client.Do(req)
	if err != nil {
		return errcode.Annotate(err, "put request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &rugby.RemoteRequestRejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func (t *Transport) downloadOne(destRoot, key string) error {
	addr := t.Opts.resolve(key)
	url := fmt.Sprintf("https://%s%s", addr.host, addr.path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errcode.Annotate(err, "build get request")
	}
	req.Host = addr.host
	signRequest(req, t.Opts, hashHex(""), t.now())

	resp, err := t.Client.Do(req)
	if err != nil {
		return errcode.Annotate(err, "get request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &rugby.RemoteRequestRejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	tmp, err := os.CreateTemp(os.TempDir(), "rugby-download-*"+archiveSuffix)
	if err != nil {
		return errcode.Annotate(err, "create temp archive")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errcode.Annotate(err, "write temp archive")
	}
	if err := tmp.Close(); err != nil {
		return errcode.Annotate(err, "close temp archive")
	}

	destDir := filepath.Join(destRoot, keyToEntryPath(key))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return errcode.Annotate(err, "create destination dir")
	}
	return unarchiveToDir(tmp.Name(), destDir)
}

// relKey derives "product/group/fingerprint" from an absolute
// cache-entry directory path.
func relKey(binRoot, dir string) string {
	rel, err := filepath.Rel(binRoot, dir)
	if err != nil {
		return filepath.ToSlash(dir)
	}
	return filepath.ToSlash(rel)
}

func keyToEntryPath(key string) string {
	return filepath.FromSlash(strings.TrimSuffix(key, archiveSuffix))
}

func sha256File(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
