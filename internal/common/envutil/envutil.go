// Package envutil merges process environments.
package envutil

import (
	"sort"
	"strings"
)

var npmPrefixes = []string{
	"npm_config_",
	"npm_package_",
	"npm_lifecycle_",
	"npm_execpath",
	"npm_node_execpath",
}

// IsNpmVar reports whether key is an npm variable. npx prints warnings when
// these leak into a child started outside npm.
func IsNpmVar(key string) bool {
	for _, prefix := range npmPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Merge starts from base (KEY=VALUE entries, npm variables dropped) and
// applies each override map in order. The result is sorted by key.
func Merge(base []string, overrides ...map[string]string) []string {
	env := make(map[string]string, len(base))
	for _, entry := range base {
		eq := strings.IndexByte(entry, '=')
		if eq <= 0 {
			continue
		}
		key := entry[:eq]
		if IsNpmVar(key) {
			continue
		}
		env[key] = entry[eq+1:]
	}
	for _, o := range overrides {
		for k, v := range o {
			env[k] = v
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}
