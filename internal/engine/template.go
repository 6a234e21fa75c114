package engine

import "regexp"

// placeholderPattern matches {{key}} before {key} so the double-brace form
// is never half-consumed.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}|\{\s*([A-Za-z0-9_]+)\s*\}`)

// Substitute expands {key} and {{key}} placeholders in bot-authored text
// against the variable store. The text is scanned exactly once, so values
// inserted for one key are never re-expanded; unknown placeholders are left
// verbatim. Substitution is therefore idempotent on fully-substituted text.
func Substitute(text string, vars Variables) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		key := groups[1]
		if key == "" {
			key = groups[2]
		}
		if _, ok := vars.Get(key); !ok {
			return match
		}
		return vars.GetString(key)
	})
}
