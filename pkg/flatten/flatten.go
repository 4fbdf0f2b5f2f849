/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package flatten turns nested decoded JSON into a single level mapping whose
// keys encode the path to each leaf, e.g. {"a": {"c": [2, 3]}} becomes
// {"a.c.0": 2, "a.c.1": 3}.
package flatten

import (
	"sort"
	"strconv"
)

// DefaultSeparator joins path segments.
const DefaultSeparator = "."

// Flatten returns the leaves of v keyed by their path joined with sep.
//
// Nested maps contribute their keys and slices their indices. Empty maps and
// slices have no leaves and are omitted. Keys are visited in sorted order, so
// when two paths collide (a literal "a.b" key next to a nested {"a": {"b"}})
// the result is still the same for the same input.
func Flatten(v map[string]interface{}, sep string) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	flattenMap(out, "", v, sep)
	return out
}

// Keys returns the keys of a flattened mapping in sorted order.
func Keys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flattenMap(out map[string]interface{}, prefix string, m map[string]interface{}, sep string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flattenValue(out, join(prefix, k, sep), m[k], sep)
	}
}

func flattenValue(out map[string]interface{}, key string, v interface{}, sep string) {
	switch t := v.(type) {
	case map[string]interface{}:
		flattenMap(out, key, t, sep)
	case []interface{}:
		for i, e := range t {
			flattenValue(out, join(key, strconv.Itoa(i), sep), e, sep)
		}
	default:
		out[key] = v
	}
}

func join(prefix, key, sep string) string {
	if prefix == "" {
		return key
	}
	return prefix + sep + key
}
