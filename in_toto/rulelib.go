package in_toto

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

/*
RuleType enumerates the artifact rule tags of spec.md §4.6. Each tag
constrains how a path may move between a step's materials queue and
products queue (or the full recorded set, for REQUIRE) during rule
evaluation in match.go.
*/
type RuleType string

const (
	RuleMatch     RuleType = "MATCH"
	RuleAllow     RuleType = "ALLOW"
	RuleDisallow  RuleType = "DISALLOW"
	RuleRequire   RuleType = "REQUIRE"
	RuleCreate    RuleType = "CREATE"
	RuleDelete    RuleType = "DELETE"
	RuleModify    RuleType = "MODIFY"
)

/*
ArtifactRule is the parsed, structured form of one artifact rule. Pattern
is always present; the MATCH fields are only populated for RuleMatch.
*/
type ArtifactRule struct {
	Type    RuleType
	Pattern string

	// MATCH-only fields, per spec.md §4.6's
	// "MATCH <pattern> [IN <source-path>] WITH (MATERIALS|PRODUCTS) [IN <dest-path>] FROM <step>"
	// grammar.
	SourcePrefix string
	DestType     string // "MATERIALS" or "PRODUCTS"
	DestPrefix   string
	FromStep     string
}

/*
UnpackRule parses the token list of an artifact rule (as stored in a
Layout's ExpectedMaterials/ExpectedProducts) into an ArtifactRule. It
returns an error if the token list does not conform to any of the known
rule grammars of spec.md §4.6.
*/
func UnpackRule(rule []string) (ArtifactRule, error) {
	if len(rule) < 2 {
		return ArtifactRule{}, fmt.Errorf("rule '%s' is too short: must have at least a type and a pattern", strings.Join(rule, " "))
	}

	ruleType := RuleType(strings.ToUpper(rule[0]))
	pattern := rule[1]

	switch ruleType {
	case RuleAllow, RuleDisallow, RuleRequire, RuleCreate, RuleDelete, RuleModify:
		if len(rule) != 2 {
			return ArtifactRule{}, fmt.Errorf("rule '%s': %s takes exactly one pattern operand", strings.Join(rule, " "), ruleType)
		}
		return ArtifactRule{Type: ruleType, Pattern: pattern}, nil

	case RuleMatch:
		return unpackMatchRule(rule)

	default:
		return ArtifactRule{}, fmt.Errorf("rule '%s': unknown rule type '%s'", strings.Join(rule, " "), rule[0])
	}
}

// unpackMatchRule parses:
//
//	MATCH <pattern> [IN <source-path>] WITH (MATERIALS|PRODUCTS) [IN <dest-path>] FROM <step>
func unpackMatchRule(rule []string) (ArtifactRule, error) {
	joined := strings.Join(rule, " ")
	r := ArtifactRule{Type: RuleMatch, Pattern: rule[1]}
	tokens := rule[2:]

	if len(tokens) > 0 && strings.EqualFold(tokens[0], "IN") {
		if len(tokens) < 2 {
			return ArtifactRule{}, fmt.Errorf("rule '%s': IN requires a path operand", joined)
		}
		r.SourcePrefix = tokens[1]
		tokens = tokens[2:]
	}

	if len(tokens) < 2 || !strings.EqualFold(tokens[0], "WITH") {
		return ArtifactRule{}, fmt.Errorf("rule '%s': expected WITH (MATERIALS|PRODUCTS)", joined)
	}
	destType := strings.ToUpper(tokens[1])
	if destType != "MATERIALS" && destType != "PRODUCTS" {
		return ArtifactRule{}, fmt.Errorf("rule '%s': WITH must be followed by MATERIALS or PRODUCTS", joined)
	}
	r.DestType = destType
	tokens = tokens[2:]

	if len(tokens) > 0 && strings.EqualFold(tokens[0], "IN") {
		if len(tokens) < 2 {
			return ArtifactRule{}, fmt.Errorf("rule '%s': IN requires a path operand", joined)
		}
		r.DestPrefix = tokens[1]
		tokens = tokens[2:]
	}

	if len(tokens) != 2 || !strings.EqualFold(tokens[0], "FROM") {
		return ArtifactRule{}, fmt.Errorf("rule '%s': expected FROM <step-name>", joined)
	}
	r.FromStep = tokens[1]

	return r, nil
}

/*
matchPattern reports whether path matches the glob pattern, using
doublestar so that `**` crosses path separators as spec.md §4.6 requires
(stdlib path/filepath.Match has no such support).
*/
func matchPattern(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return ok
}

// stripPrefix removes prefix (plus a following separator) from path, for
// comparing a MATCH rule's IN-qualified path against a target step's
// artifact keys.
func stripPrefix(path, prefix string) (string, bool) {
	if prefix == "" {
		return path, true
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}

// withPrefix joins prefix and path back together for comparing a MATCH
// rule's destination-side path against another step's recorded artifacts.
func withPrefix(path, prefix string) string {
	if prefix == "" {
		return path
	}
	return strings.TrimSuffix(prefix, "/") + "/" + path
}
