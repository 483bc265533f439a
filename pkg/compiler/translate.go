package compiler

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// pascalKey converts a camelCase property name to the backend's PascalCase.
// Keys containing a colon (intrinsic functions, condition keys) are kept.
func pascalKey(k string) string {
	if k == "" || strings.Contains(k, ":") {
		return k
	}
	r, size := utf8.DecodeRuneInString(k)
	return string(unicode.ToUpper(r)) + k[size:]
}

func pascalizeMap(m map[string]interface{}, path string, opaque map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		p := k
		if path != "" {
			p = path + "." + k
		}
		if opaque[p] {
			out[pascalKey(k)] = copyValue(v)
			continue
		}
		out[pascalKey(k)] = pascalizeValue(v, p, opaque)
	}
	return out
}

func pascalizeValue(v interface{}, path string, opaque map[string]bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return pascalizeMap(val, path, opaque)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = pascalizeValue(item, path, opaque)
		}
		return out
	default:
		return val
	}
}

// normalizeTags accepts {key: value} maps and [{key, value}] lists and
// returns backend tags sorted by key.
func normalizeTags(raw interface{}) ([]interface{}, error) {
	pairs := make(map[string]string)
	switch val := raw.(type) {
	case map[string]interface{}:
		for k, v := range val {
			pairs[k] = fmt.Sprint(v)
		}
	case map[string]string:
		for k, v := range val {
			pairs[k] = v
		}
	case []interface{}:
		for i, item := range val {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("tags[%d] must be an object", i)
			}
			key, _ := lookupFold(m, "key").(string)
			if key == "" {
				return nil, fmt.Errorf("tags[%d] has no key", i)
			}
			pairs[key] = fmt.Sprint(lookupFold(m, "value"))
		}
	default:
		return nil, fmt.Errorf("tags must be a map or a list, got %T", raw)
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, map[string]interface{}{"Key": k, "Value": pairs[k]})
	}
	return tags, nil
}

func lookupFold(m map[string]interface{}, key string) interface{} {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}
