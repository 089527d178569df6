package antigravity

// The upstream's function-declaration validator accepts only a narrow JSON
// Schema subset. Anything outside it (draft metadata, composition keywords,
// string/numeric/array constraints) causes the whole request to be rejected,
// so caller-supplied schemas are stripped recursively before forwarding.

var bannedSchemaKeywords = map[string]struct{}{
	"$schema":           {},
	"$id":               {},
	"$defs":             {},
	"$ref":              {},
	"definitions":       {},
	"anyOf":             {},
	"allOf":             {},
	"oneOf":             {},
	"not":               {},
	"pattern":           {},
	"minLength":         {},
	"maxLength":         {},
	"minimum":           {},
	"maximum":           {},
	"exclusiveMinimum":  {},
	"exclusiveMaximum":  {},
	"multipleOf":        {},
	"minItems":          {},
	"maxItems":          {},
	"uniqueItems":       {},
	"minProperties":     {},
	"maxProperties":     {},
	"propertyNames":     {},
	"patternProperties": {},
	"const":             {},
	"examples":          {},
}

// CleanToolSchema removes unsupported JSON Schema keywords at every nesting
// level, preserving type/enum/required/description/default/format and the
// properties/items structure. The operation is idempotent.
func CleanToolSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	cleaned := make(map[string]any, len(schema))
	for key, value := range schema {
		if _, banned := bannedSchemaKeywords[key]; banned {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]any); ok {
				next := make(map[string]any, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]any); ok {
						next[name] = CleanToolSchema(subSchema)
					} else {
						next[name] = sub
					}
				}
				cleaned[key] = next
				continue
			}
		case "items":
			if subSchema, ok := value.(map[string]any); ok {
				cleaned[key] = CleanToolSchema(subSchema)
				continue
			}
		case "additionalProperties":
			// Booleans pass through untouched; object-valued schemas recurse.
			if subSchema, ok := value.(map[string]any); ok {
				cleaned[key] = CleanToolSchema(subSchema)
				continue
			}
		}
		cleaned[key] = value
	}
	return cleaned
}

// NormalizeToolDeclarations converts OpenAI-shaped tool declarations into
// upstream functionDeclarations, cleaning each parameter schema. Tools that do
// not declare a function are dropped. The OpenAI "parameters" key and the
// newer "parametersJsonSchema" spelling are both accepted.
func NormalizeToolDeclarations(tools []any) []map[string]any {
	decls := make([]map[string]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		decl := map[string]any{"name": name}
		if desc, ok := fn["description"].(string); ok && desc != "" {
			decl["description"] = desc
		}
		params := fn["parameters"]
		if params == nil {
			params = fn["parametersJsonSchema"]
		}
		if schema, ok := params.(map[string]any); ok {
			decl["parameters"] = CleanToolSchema(schema)
		}
		decls = append(decls, decl)
	}
	return decls
}
