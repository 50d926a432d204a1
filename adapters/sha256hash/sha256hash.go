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

// Package sha256hash provides the reference rugby.HashPrimitive, used
// directly via crypto/sha256 as the teacher itself does (digests.go) --
// no pack repo wraps a third-party hashing library for this.
package sha256hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Primitive is the SHA-256 rugby.HashPrimitive.
type Primitive struct{}

// Sum implements rugby.HashPrimitive.
func (Primitive) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
