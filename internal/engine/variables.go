// Package engine implements the conversation flow execution engine.
//
// It is the single flow-walking implementation shared by every channel
// adapter: the web widget, WhatsApp, and Facebook Messenger all translate
// their native payloads into ProcessTurn calls and render the returned
// bot outputs back out.
package engine

import (
	"strconv"
	"strings"
)

// NameAliases is the alias group a name-like capture fans out to, so
// authored templates referencing any spelling resolve consistently.
var NameAliases = []string{"user_name", "first_name", "name", "contact_name"}

// Variables is the mutable per-conversation key-value store. Values are
// scalars (string, number, bool). Flows only grow state; there is no
// delete operation.
type Variables map[string]interface{}

// Get returns the raw value and whether the key is set.
func (v Variables) Get(key string) (interface{}, bool) {
	val, ok := v[key]
	return val, ok
}

// GetString renders the value under key as a string. Unset keys read as
// the empty string: node processors treat "unset" and "empty" identically,
// matching authored flows that never pre-initialize variables.
func (v Variables) GetString(key string) string {
	val, ok := v[key]
	if !ok || val == nil {
		return ""
	}
	switch t := val.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// Set stores a single value under key.
func (v Variables) Set(key string, value interface{}) {
	v[key] = value
}

// SetWithAliases stores value under every given field name. When any field
// is name-like the whole alias group is written as well. Fan-out on a mere
// "name" substring is a compatibility behavior carried over from authored
// flows; see DESIGN.md before changing it.
func (v Variables) SetWithAliases(fields []string, value interface{}) {
	aliased := false
	for _, field := range fields {
		if field == "" {
			continue
		}
		v[field] = value
		if IsNameLikeField(field) {
			aliased = true
		}
	}
	if aliased {
		for _, alias := range NameAliases {
			v[alias] = value
		}
	}
}

// IsNameLikeField reports whether a captured field should fan out to the
// name alias group.
func IsNameLikeField(field string) bool {
	lower := strings.ToLower(field)
	return strings.Contains(lower, "name") || lower == "first_name" || lower == "user_name"
}
