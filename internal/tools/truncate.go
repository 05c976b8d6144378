// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tools

import (
	"fmt"
	"strings"
)

// Truncation limits for tool output sent back to the model. The head keeps
// most of the context, the tail keeps the final state (exit messages,
// stack traces), and the byte cap bounds worst cases with very long lines.
const (
	truncateHeadLines = 256
	truncateTailLines = 128
	truncateMaxBytes  = 64000
)

// Truncate bounds tool output by line count and then by byte size. Omitted
// middle lines are replaced with a marker naming how much was dropped.
func Truncate(s string) string {
	lines := strings.Split(s, "\n")
	if n := len(lines); n > truncateHeadLines+truncateTailLines {
		omitted := n - truncateHeadLines - truncateTailLines
		head := strings.Join(lines[:truncateHeadLines], "\n")
		tail := strings.Join(lines[n-truncateTailLines:], "\n")
		s = head + fmt.Sprintf("\n[... omitted %d of %d lines ...]\n", omitted, n) + tail
	}
	if len(s) > truncateMaxBytes {
		marker := fmt.Sprintf("\n[... output truncated at %d bytes ...]\n", truncateMaxBytes)
		keep := truncateMaxBytes - len(marker)
		// Do not split a UTF-8 sequence at the cut point.
		for keep > 0 && s[keep]&0xC0 == 0x80 {
			keep--
		}
		s = s[:keep] + marker
	}
	return s
}
