// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tools

import (
	"fmt"
)

// ValidateArguments structurally checks args against the tool's parameter
// schema: required properties are present and declared property types match.
// It is intentionally not a full JSON Schema validator; unknown properties
// and undeclared schemas pass.
func ValidateArguments(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required property %q", name)
			}
		}
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, raw := range props {
		val, present := args[name]
		if !present {
			continue
		}
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := propSchema["type"].(string)
		if typ == "" {
			continue
		}
		if err := checkType(name, typ, val); err != nil {
			return err
		}
	}
	return nil
}

// checkType verifies a JSON value against a declared schema type. Decoded
// JSON numbers are float64, so "integer" additionally requires a whole value.
func checkType(name, typ string, val any) error {
	switch typ {
	case "string":
		if _, ok := val.(string); !ok {
			return typeError(name, typ, val)
		}
	case "number":
		if !isNumber(val) {
			return typeError(name, typ, val)
		}
	case "integer":
		f, ok := asFloat(val)
		if !ok || f != float64(int64(f)) {
			return typeError(name, typ, val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return typeError(name, typ, val)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return typeError(name, typ, val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return typeError(name, typ, val)
		}
	case "null":
		if val != nil {
			return typeError(name, typ, val)
		}
	}
	return nil
}

func isNumber(val any) bool {
	_, ok := asFloat(val)
	return ok
}

// asFloat accepts the numeric representations the JSON decoder may produce.
func asFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func typeError(name, typ string, val any) error {
	return fmt.Errorf("property %q must be of type %s, got %T", name, typ, val)
}
