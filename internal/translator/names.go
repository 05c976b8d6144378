// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"crypto/sha1" // #nosec G505 -- name disambiguation, not integrity.
	"encoding/hex"
)

// maxQualifiedNameLen is the provider-side cap on tool names.
const maxQualifiedNameLen = 64

// QualifyToolName builds the MCP-style qualified name "<server>__<tool>".
// When the result exceeds 64 characters it is truncated and suffixed with
// the lowercase hex SHA-1 of the full name, keeping the result exactly 64
// characters and stable across calls.
func QualifyToolName(server, tool string) string {
	qualified := server + "__" + tool
	if len(qualified) <= maxQualifiedNameLen {
		return qualified
	}
	sum := sha1.Sum([]byte(qualified)) // #nosec G401
	suffix := hex.EncodeToString(sum[:])
	return qualified[:maxQualifiedNameLen-len(suffix)] + suffix
}
