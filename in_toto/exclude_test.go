package in_toto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcludePatternsBasic(t *testing.T) {
	ep := ExcludePatterns{"*.log"}
	assert.True(t, ep.Excluded("debug.log"))
	assert.False(t, ep.Excluded("main.go"))
}

func TestExcludePatternsMatchesAnyDepth(t *testing.T) {
	ep := ExcludePatterns{"node_modules"}
	assert.True(t, ep.Excluded("node_modules"))
	assert.True(t, ep.Excluded("vendor/node_modules"))
}

func TestExcludePatternsNegation(t *testing.T) {
	ep := ExcludePatterns{"*.log", "!keep.log"}
	assert.True(t, ep.Excluded("debug.log"))
	assert.False(t, ep.Excluded("keep.log"))
}

func TestExcludePatternsOrderMatters(t *testing.T) {
	ep := ExcludePatterns{"!keep.log", "*.log"}
	assert.True(t, ep.Excluded("keep.log"))
}

func TestFilterExcludedNoPatterns(t *testing.T) {
	ep := ExcludePatterns{}
	paths := []string{"a", "b"}
	assert.Equal(t, paths, ep.FilterExcluded(paths))
}

func TestFilterExcluded(t *testing.T) {
	ep := ExcludePatterns{"*.tmp"}
	out := ep.FilterExcluded([]string{"a.go", "b.tmp"})
	assert.Equal(t, []string{"a.go"}, out)
}
