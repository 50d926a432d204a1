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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal in-memory S3-compatible handler: HEAD "/" for the
// preflight check, PUT to store an object, GET to retrieve it.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func testOptions(endpoint string) *Options {
	return &Options{
		Endpoint:       endpoint,
		Bucket:         "rugby-cache",
		AccessKey:      "AKIDEXAMPLE",
		SecretKey:      "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY",
		Region:         "us-east-1",
		ForcePathStyle: true,
		Parallelism:    4,
	}
}

func TestPreflight_SucceedsAgainstReachableBucket(t *testing.T) {
	srv := newFakeS3()
	ts := httptest.NewTLSServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	opts := testOptions(strings.TrimPrefix(ts.URL, "https://"))
	tr := &Transport{Opts: opts, Client: ts.Client()}
	require.NoError(t, tr.Preflight())
}

func TestUploadAllThenDownloadAll_RoundTrips(t *testing.T) {
	srv := newFakeS3()
	ts := httptest.NewTLSServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	binRoot := t.TempDir()
	entryDir := filepath.Join(binRoot, "MyPod", "Debug-iphonesimulator-x86_64", "deadbeef")
	require.NoError(t, os.MkdirAll(entryDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "MyPod.framework"), []byte("binary-contents"), 0644))

	opts := testOptions(strings.TrimPrefix(ts.URL, "https://"))
	tr := &Transport{Opts: opts, Client: ts.Client()}

	uploadResults := tr.UploadAll(binRoot, []string{entryDir})
	require.Len(t, uploadResults, 1)
	require.NoError(t, uploadResults[0].Err)
	require.NotEmpty(t, srv.objects)

	destRoot := t.TempDir()
	key := relKey(binRoot, entryDir) + archiveSuffix
	downloadResults := tr.DownloadAll(destRoot, []string{key})
	require.Len(t, downloadResults, 1)
	require.NoError(t, downloadResults[0].Err)

	got, err := os.ReadFile(filepath.Join(destRoot, keyToEntryPath(key), "MyPod.framework"))
	require.NoError(t, err)
	require.Equal(t, "binary-contents", string(got))
}

func TestUploadAll_PerObjectFailureDoesNotAbortBatch(t *testing.T) {
	srv := newFakeS3()
	ts := httptest.NewTLSServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	binRoot := t.TempDir()
	goodDir := filepath.Join(binRoot, "Good", "Debug", "fp1")
	require.NoError(t, os.MkdirAll(goodDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(goodDir, "a.txt"), []byte("a"), 0644))

	missingDir := filepath.Join(binRoot, "Missing", "Debug", "fp2")
	// missingDir deliberately not created on disk: archiveDir must fail
	// for this one entry without affecting goodDir's result.

	opts := testOptions(strings.TrimPrefix(ts.URL, "https://"))
	tr := &Transport{Opts: opts, Client: ts.Client()}

	results := tr.UploadAll(binRoot, []string{goodDir, missingDir})
	require.Len(t, results, 2)

	var sawGoodOK, sawMissingErr bool
	for _, r := range results {
		if r.Key == goodDir {
			require.NoError(t, r.Err)
			sawGoodOK = true
		}
		if r.Key == missingDir {
			require.Error(t, r.Err)
			sawMissingErr = true
		}
	}
	require.True(t, sawGoodOK)
	require.True(t, sawMissingErr)
}

func TestRelKey_DerivesSlashSeparatedPathFromBinRoot(t *testing.T) {
	binRoot := filepath.FromSlash("/cache/bin")
	dir := filepath.FromSlash("/cache/bin/MyPod/Debug/deadbeef")
	require.Equal(t, "MyPod/Debug/deadbeef", relKey(binRoot, dir))
}

func TestKeyToEntryPath_StripsArchiveSuffix(t *testing.T) {
	require.Equal(t, filepath.FromSlash("MyPod/Debug/deadbeef"), keyToEntryPath("MyPod/Debug/deadbeef.zip"))
}
