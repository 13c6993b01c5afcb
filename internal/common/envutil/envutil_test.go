package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	base := []string{
		"PATH=/usr/bin",
		"HOME=/home/dev",
		"npm_config_cache=/tmp/npm",
		"npm_lifecycle_event=start",
		"EMPTY=",
		"=broken",
	}
	got := Merge(base,
		map[string]string{"PATH": "/opt/bin", "HTTP_PROXY": "http://proxy:3128"},
		map[string]string{"HTTP_PROXY": "http://other:8080"},
	)
	assert.Equal(t, []string{
		"EMPTY=",
		"HOME=/home/dev",
		"HTTP_PROXY=http://other:8080",
		"PATH=/opt/bin",
	}, got)
}

func TestIsNpmVar(t *testing.T) {
	assert.True(t, IsNpmVar("npm_package_name"))
	assert.True(t, IsNpmVar("npm_execpath"))
	assert.False(t, IsNpmVar("NPM_TOKEN"))
	assert.False(t, IsNpmVar("PATH"))
}
