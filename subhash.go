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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
)

// pathValuedSettingKeys are the well-known setting keys whose values are
// known to carry absolute filesystem paths (spec.md §4.1 item 9). The
// default ConfigurationsHasher drops them so that identical builds on
// different CI workers (different checkout roots) fingerprint
// identically -- spec.md §8.3 scenario 3.
var pathValuedSettingKeys = map[string]bool{
	"HEADER_SEARCH_PATHS":            true,
	"USER_HEADER_SEARCH_PATHS":       true,
	"FRAMEWORK_SEARCH_PATHS":         true,
	"LIBRARY_SEARCH_PATHS":           true,
	"SYSTEM_HEADER_SEARCH_PATHS":     true,
	"SWIFT_INCLUDE_PATHS":            true,
	"CONFIGURATION_BUILD_DIR":        true,
	"CONFIGURATION_TEMP_DIR":         true,
	"BUILD_DIR":                      true,
	"BUILD_ROOT":                     true,
	"OBJROOT":                        true,
	"SYMROOT":                        true,
	"SRCROOT":                        true,
	"PROJECT_DIR":                    true,
	"PODS_ROOT":                      true,
	"PODS_PODFILE_DIR_PATH":          true,
	"DERIVED_FILE_DIR":               true,
	"OTHER_LDFLAGS_PATH_HINT":        true,
}

func sha256Hex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// defaultConfigurationsHasher implements ConfigurationsHasher by
// marshaling each configuration's settings map (minus path-valued keys)
// to canonical JSON (sorted keys, Go's encoding/json default for maps)
// and hashing the result -- the same digest-a-canonical-document
// approach the teacher uses in digests.go's makeRuleDigest, specialized
// per configuration.
type defaultConfigurationsHasher struct{}

// NewConfigurationsHasher returns the reference ConfigurationsHasher.
func NewConfigurationsHasher() ConfigurationsHasher {
	return &defaultConfigurationsHasher{}
}

func (*defaultConfigurationsHasher) HashConfigurations(t *Target) ([]ConfigurationRecord, error) {
	var names []string
	for name := range t.Configurations {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ConfigurationRecord, 0, len(names))
	for _, name := range names {
		settings := t.Configurations[name]
		filtered := make(map[string]string, len(settings))
		for k, v := range settings {
			if pathValuedSettingKeys[strings.ToUpper(k)] {
				continue
			}
			filtered[k] = v
		}
		bs, err := json.Marshal(filtered)
		if err != nil {
			return nil, errcode.Annotatef(err, "marshal configuration %q", name)
		}
		out = append(out, ConfigurationRecord{
			Name: name,
			Hash: sha256Hex(string(bs)),
		})
	}
	return out, nil
}

// defaultBuildPhaseHasher, defaultBuildRulesHasher and
// defaultScriptsHasher treat their RawHashable input as already-opaque
// and pass it straight through a digest, matching spec.md's description
// of these as collaborators that "produce opaque hash strings" -- the
// FingerprintEngine never parses them itself.
type defaultBuildPhaseHasher struct{}

// NewBuildPhaseHasher returns the reference BuildPhaseHasher.
func NewBuildPhaseHasher() BuildPhaseHasher { return &defaultBuildPhaseHasher{} }

func (*defaultBuildPhaseHasher) HashBuildPhase(_ *Target, phase *BuildPhase) (string, error) {
	return sha256Hex("phase", string(phase.Kind), phase.Raw), nil
}

type defaultBuildRulesHasher struct{}

// NewBuildRulesHasher returns the reference BuildRulesHasher.
func NewBuildRulesHasher() BuildRulesHasher { return &defaultBuildRulesHasher{} }

func (*defaultBuildRulesHasher) HashBuildRule(_ *Target, rule RawHashable) (string, error) {
	return sha256Hex("rule", rule), nil
}

type defaultScriptsHasher struct{}

// NewScriptsHasher returns the reference ScriptsHasher.
func NewScriptsHasher() ScriptsHasher { return &defaultScriptsHasher{} }

func (*defaultScriptsHasher) HashScriptPhase(_ *Target, phase RawHashable) (string, error) {
	return sha256Hex("script", phase), nil
}
