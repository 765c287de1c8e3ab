package in_toto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestSet(paths ...string) ArtifactSet {
	out := ArtifactSet{}
	for _, p := range paths {
		out[p] = map[string]string{"sha256": "deadbeef"}
	}
	return out
}

func TestApplyArtifactRulesAllowConsumesMatches(t *testing.T) {
	artifacts := digestSet("foo.go", "bar.go")
	rules := [][]string{{"ALLOW", "*.go"}}
	err := ApplyArtifactRules(rules, "MATERIALS", artifacts, ArtifactSet{}, nil, "build")
	require.NoError(t, err)
}

func TestApplyArtifactRulesUnmatchedWithoutDisallowIsImplicitlyAuthorized(t *testing.T) {
	// spec.md §4.6: a nonempty leftover queue is only a failure if a
	// DISALLOW rule actually matches it; plain ALLOW for something else
	// leaves unmentioned artifacts implicitly authorized.
	artifacts := digestSet("foo.go")
	rules := [][]string{{"ALLOW", "*.py"}}
	err := ApplyArtifactRules(rules, "MATERIALS", artifacts, ArtifactSet{}, nil, "build")
	require.NoError(t, err)
}

func TestApplyArtifactRulesDisallowFails(t *testing.T) {
	artifacts := digestSet("secret.key")
	rules := [][]string{{"DISALLOW", "*.key"}}
	err := ApplyArtifactRules(rules, "MATERIALS", artifacts, ArtifactSet{}, nil, "build")
	require.Error(t, err)
	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindRule, kindErr.Kind)
}

func TestApplyArtifactRulesRequireMissing(t *testing.T) {
	artifacts := digestSet("foo.go")
	rules := [][]string{{"REQUIRE", "bar.go"}, {"ALLOW", "*"}}
	err := ApplyArtifactRules(rules, "MATERIALS", artifacts, ArtifactSet{}, nil, "build")
	require.Error(t, err)
}

func TestApplyArtifactRulesCreate(t *testing.T) {
	products := digestSet("out.bin")
	materials := ArtifactSet{}
	rules := [][]string{{"CREATE", "out.bin"}}
	err := ApplyArtifactRules(rules, "PRODUCTS", products, materials, nil, "build")
	require.NoError(t, err)
}

func TestApplyArtifactRulesCreateFailsIfPreexisting(t *testing.T) {
	products := digestSet("out.bin")
	materials := digestSet("out.bin")
	rules := [][]string{{"CREATE", "out.bin"}}
	err := ApplyArtifactRules(rules, "PRODUCTS", products, materials, nil, "build")
	require.Error(t, err)
}

func TestApplyArtifactRulesModifyRequiresChange(t *testing.T) {
	materials := ArtifactSet{"main.go": {"sha256": "aaa"}}
	products := ArtifactSet{"main.go": {"sha256": "bbb"}}
	rules := [][]string{{"MODIFY", "main.go"}}
	err := ApplyArtifactRules(rules, "MATERIALS", materials, products, nil, "build")
	require.NoError(t, err)

	sameProducts := ArtifactSet{"main.go": {"sha256": "aaa"}}
	err = ApplyArtifactRules(rules, "MATERIALS", materials, sameProducts, nil, "build")
	require.Error(t, err)
}

func TestApplyArtifactRulesMatchAcrossSteps(t *testing.T) {
	cloneLink := Link{
		Name: "clone",
		Products: map[string]interface{}{
			"main.go": map[string]interface{}{"sha256": "same"},
		},
	}
	materials := ArtifactSet{"main.go": {"sha256": "same"}}
	rules := [][]string{{"MATCH", "main.go", "WITH", "PRODUCTS", "FROM", "clone"}}
	err := ApplyArtifactRules(rules, "MATERIALS", materials, ArtifactSet{}, map[string]Link{"clone": cloneLink}, "build")
	require.NoError(t, err)
}

func TestApplyArtifactRulesMatchDigestMismatchLeavesUnconsumed(t *testing.T) {
	cloneLink := Link{
		Name: "clone",
		Products: map[string]interface{}{
			"main.go": map[string]interface{}{"sha256": "different"},
		},
	}
	materials := ArtifactSet{"main.go": {"sha256": "same"}}
	// The unmatched entry stays queued, so the trailing DISALLOW flags it.
	rules := [][]string{{"MATCH", "main.go", "WITH", "PRODUCTS", "FROM", "clone"}, {"DISALLOW", "*"}}
	err := ApplyArtifactRules(rules, "MATERIALS", materials, ArtifactSet{}, map[string]Link{"clone": cloneLink}, "build")
	require.Error(t, err)
}
