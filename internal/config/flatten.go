package config

import (
	"strings"
)

// Keys holding credentials. Listing and echoing them shows only a tail.
var secretKeys = map[string]bool{
	"user.token":     true,
	"bot.token":      true,
	"telegram.token": true,
}

// Flatten walks a decoded config document and keys every leaf by its
// dotted path, so {"service": {"channel_id": "1"}} yields "service.channel_id".
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	walk("", m, out)
	return out
}

func walk(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			walk(k, child, out)
			continue
		}
		out[k] = v
	}
}

// Unflatten rebuilds the nested document from dotted keys. A scalar sitting
// where a section is needed gets overwritten by that section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		node := out
		path := strings.Split(k, ".")
		leaf := path[len(path)-1]
		for _, seg := range path[:len(path)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[seg] = next
			}
			node = next
		}
		node[leaf] = v
	}
	return out
}

// MaskValue hides v when key names a credential. Non-empty string secrets
// become "***" and their last four characters.
func MaskValue(key string, v any) any {
	s, ok := v.(string)
	if !secretKeys[key] || !ok || s == "" {
		return v
	}
	return "***" + s[max(0, len(s)-4):]
}

// MaskSecrets applies MaskValue to every entry of a flattened config.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = MaskValue(k, v)
	}
	return out
}
