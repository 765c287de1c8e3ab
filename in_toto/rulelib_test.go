package in_toto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnpackRuleSimpleTags(t *testing.T) {
	for _, tag := range []string{"ALLOW", "DISALLOW", "REQUIRE", "CREATE", "DELETE", "MODIFY"} {
		rule, err := UnpackRule([]string{tag, "*.go"})
		require.NoError(t, err)
		assert.Equal(t, RuleType(tag), rule.Type)
		assert.Equal(t, "*.go", rule.Pattern)
	}
}

func TestUnpackRuleMatchFull(t *testing.T) {
	rule, err := UnpackRule([]string{"MATCH", "foo.py", "IN", "src", "WITH", "PRODUCTS", "IN", "dist", "FROM", "build"})
	require.NoError(t, err)
	assert.Equal(t, RuleMatch, rule.Type)
	assert.Equal(t, "foo.py", rule.Pattern)
	assert.Equal(t, "src", rule.SourcePrefix)
	assert.Equal(t, "PRODUCTS", rule.DestType)
	assert.Equal(t, "dist", rule.DestPrefix)
	assert.Equal(t, "build", rule.FromStep)
}

func TestUnpackRuleMatchMinimal(t *testing.T) {
	rule, err := UnpackRule([]string{"MATCH", "foo.py", "WITH", "MATERIALS", "FROM", "clone"})
	require.NoError(t, err)
	assert.Equal(t, "", rule.SourcePrefix)
	assert.Equal(t, "", rule.DestPrefix)
	assert.Equal(t, "clone", rule.FromStep)
}

func TestUnpackRuleRejectsUnknownTag(t *testing.T) {
	_, err := UnpackRule([]string{"FROBNICATE", "*.go"})
	assert.Error(t, err)
}

func TestUnpackRuleRejectsMalformedMatch(t *testing.T) {
	_, err := UnpackRule([]string{"MATCH", "foo.py", "WITH", "NOTHING", "FROM", "clone"})
	assert.Error(t, err)
}

func TestMatchPatternDoubleStar(t *testing.T) {
	assert.True(t, matchPattern("**/*.go", "a/b/c.go"))
	assert.False(t, matchPattern("*.go", "a/b/c.go"))
}

func TestStripAndWithPrefix(t *testing.T) {
	stripped, ok := stripPrefix("src/foo.py", "src")
	require.True(t, ok)
	assert.Equal(t, "foo.py", stripped)

	_, ok = stripPrefix("other/foo.py", "src")
	assert.False(t, ok)

	assert.Equal(t, "dist/foo.py", withPrefix("foo.py", "dist"))
	assert.Equal(t, "foo.py", withPrefix("foo.py", ""))
}
