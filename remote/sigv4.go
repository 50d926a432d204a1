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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

const awsService = "s3"
const iso8601Basic = "20060102T150405Z"
const dateOnly = "20060102"

// signRequest signs req in place with AWS Signature Version 4, setting
// x-amz-date, x-amz-content-sha256 and Authorization (spec.md §4.6).
// payloadSHA256 is the hex-encoded SHA-256 of the request body (the
// empty-string digest for bodyless requests like the bucket HEAD
// preflight).
func signRequest(req *http.Request, opts *Options, payloadSHA256 string, now time.Time) {
	date := now.UTC().Format(iso8601Basic)
	date8 := now.UTC().Format(dateOnly)

	req.Header.Set("x-amz-date", date)
	req.Header.Set("x-amz-content-sha256", payloadSHA256)
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	req.Header.Set("Host", req.Host)

	canonicalReq, signedHeaders := canonicalRequest(req, payloadSHA256)
	region := opts.resolvedRegion()
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date8, region, awsService)

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		date,
		scope,
		hashHex(canonicalReq),
	}, "\n")

	signingKey := deriveSigningKey(opts.SecretKey, date8, region, awsService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	auth := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		opts.AccessKey, scope, signedHeaders, signature,
	)
	req.Header.Set("Authorization", auth)

	if opts.Debug {
		fmt.Fprintf(debugWriter, "canonical request:\n%s\nstring to sign:\n%s\n", canonicalReq, stringToSign)
	}
}

// debugWriter receives the signing traces signRequest emits when
// Options.Debug (RUGBY_DEBUG_S3) is set. It is stderr, so traces never
// mix with stdout output.
var debugWriter io.Writer = os.Stderr

func canonicalRequest(req *http.Request, payloadSHA256 string) (canonical, signedHeaders string) {
	headerNames := make([]string, 0, len(req.Header)+1)
	headerNames = append(headerNames, "host")
	for name := range req.Header {
		lower := strings.ToLower(name)
		if lower == "host" {
			continue
		}
		headerNames = append(headerNames, lower)
	}
	sort.Strings(headerNames)

	var canonicalHeaders strings.Builder
	for _, name := range headerNames {
		var value string
		if name == "host" {
			value = req.Host
		} else {
			value = req.Header.Get(name)
		}
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(strings.TrimSpace(value))
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders = strings.Join(headerNames, ";")

	canonical = strings.Join([]string{
		req.Method,
		canonicalURIEncode(req.URL.Path),
		canonicalQuery(req.URL.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadSHA256,
	}, "\n")
	return canonical, signedHeaders
}

// canonicalURIEncode percent-encodes a URI path, preserving "/" and the
// set of characters AWS treats as unreserved (spec.md §4.6).
func canonicalURIEncode(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, uriEncode(k)+"="+uriEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

func uriEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// deriveSigningKey implements spec.md §4.6's four-round HMAC derivation.
func deriveSigningKey(secret, date8, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date8)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}
