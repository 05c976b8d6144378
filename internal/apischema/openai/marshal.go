// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import "github.com/llxprt/agentrt/internal/json"

// sonicMarshal keeps the union MarshalJSON implementations on the same JSON
// backend as the rest of the runtime.
func sonicMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
