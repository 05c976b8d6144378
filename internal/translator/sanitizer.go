// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

// Tool parameter schemas arrive from arbitrary tool authors and MCP servers
// and are frequently underspecified: missing "type", objects without
// "properties", arrays without "items". Providers reject such schemas, so
// every declaration passes through SanitizeSchema before rendering.

// SanitizeSchema returns a provider-acceptable copy of a possibly-untyped
// JSON Schema. The input is never mutated, and the function is idempotent:
// SanitizeSchema(SanitizeSchema(s)) == SanitizeSchema(s).
//
// coerceIntegers rewrites "integer" to "number" for backends that do not
// accept the integer type (OpenAI Responses strict mode).
func SanitizeSchema(schema map[string]any, coerceIntegers bool) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = sanitizeValue(k, v, coerceIntegers)
	}

	typ, _ := out["type"].(string)
	if typ == "" {
		typ = inferType(out)
		out["type"] = typ
	}
	if typ == "integer" && coerceIntegers {
		typ = "number"
		out["type"] = typ
	}

	switch typ {
	case "object":
		if _, ok := out["properties"].(map[string]any); !ok {
			out["properties"] = map[string]any{}
		}
	case "array":
		if _, ok := out["items"]; !ok {
			out["items"] = map[string]any{"type": "string"}
		}
	}
	return out
}

// inferType guesses a missing "type" from the keywords present.
func inferType(schema map[string]any) string {
	if _, ok := schema["properties"]; ok {
		return "object"
	}
	if _, ok := schema["items"]; ok {
		return "array"
	}
	if _, ok := schema["enum"]; ok {
		return "string"
	}
	if _, ok := schema["const"]; ok {
		return "string"
	}
	if _, ok := schema["format"]; ok {
		return "string"
	}
	for _, kw := range []string{"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf"} {
		if _, ok := schema[kw]; ok {
			return "number"
		}
	}
	return "object"
}

// sanitizeValue recurses through the schema keywords that carry nested
// schemas; everything else is copied through.
func sanitizeValue(key string, v any, coerceIntegers bool) any {
	switch key {
	case "properties", "patternProperties", "$defs", "definitions":
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for name, sub := range m {
			if subSchema, ok := sub.(map[string]any); ok {
				out[name] = SanitizeSchema(subSchema, coerceIntegers)
			} else {
				out[name] = sub
			}
		}
		return out
	case "items", "additionalProperties", "not":
		if subSchema, ok := v.(map[string]any); ok {
			return SanitizeSchema(subSchema, coerceIntegers)
		}
		return v
	case "oneOf", "anyOf", "allOf":
		list, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(list))
		for i, sub := range list {
			if subSchema, ok := sub.(map[string]any); ok {
				out[i] = SanitizeSchema(subSchema, coerceIntegers)
			} else {
				out[i] = sub
			}
		}
		return out
	case "type":
		if s, ok := v.(string); ok && s == "integer" && coerceIntegers {
			return "number"
		}
		return v
	default:
		return v
	}
}
