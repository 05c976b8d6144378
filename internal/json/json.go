// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package json // nolint: revive

import (
	"testing"

	sonicjson "github.com/bytedance/sonic" // nolint: depguard
)

var (
	// Unmarshal is equivalent to encoding/json.Unmarshal.
	Unmarshal = sonicjson.ConfigDefault.Unmarshal
	// Marshal is equivalent to encoding/json.Marshal.
	Marshal = sonicjson.ConfigDefault.Marshal
	// NewEncoder is equivalent to encoding/json.NewEncoder.
	NewEncoder = sonicjson.ConfigDefault.NewEncoder
	// NewDecoder is equivalent to encoding/json.NewDecoder.
	NewDecoder = sonicjson.ConfigDefault.NewDecoder
	// Valid is equivalent to encoding/json.Valid.
	Valid = sonicjson.ConfigDefault.Valid
	// MarshalForDeterministicTesting marshals a value to JSON in a deterministic way for testing.
	// The normal sonic configuration does not guarantee deterministic output in terms of field order.
	// It panics if called outside of tests.
	MarshalForDeterministicTesting = func(v interface{}) ([]byte, error) {
		if !testing.Testing() {
			panic("MarshalForDeterministicTesting can only be called from tests")
		}
		return sonicjson.ConfigStd.Marshal(v)
	}
)

type (
	// RawMessage is equivalent to encoding/json.RawMessage.
	RawMessage = sonicjson.NoCopyRawMessage
	// Marshaler is the function signature of encoding/json.Marshal.
	Marshaler = func(interface{}) ([]byte, error)
)
