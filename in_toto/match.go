package in_toto

import (
	"fmt"
)

/*
ArtifactSet is the digest map in the same shape a Link stores its
materials/products: artifact path -> {algorithm: hex digest}.
*/
type ArtifactSet map[string]map[string]string

func (a ArtifactSet) keys() Set {
	s := NewSet()
	for k := range a {
		s.Add(k)
	}
	return s
}

/*
ApplyArtifactRules evaluates rules (already unpacked token lists, e.g. a
Step's ExpectedMaterials or ExpectedProducts) against the artifact set
identified by side ("MATERIALS" or "PRODUCTS"). artifacts is the set being
constrained; otherArtifacts is the complementary set of the same link
(products when checking materials, and vice versa), used by
CREATE/DELETE/MODIFY. linksByStep supplies already-verified sibling links
for MATCH's FROM clause. stepName is used only to annotate returned
errors.

It implements the queue automaton of spec.md §4.6: every rule consumes
zero or more still-queued paths; whatever remains queued once every rule
has run is implicitly authorized, so only a DISALLOW rule that matches a
queued path makes evaluation fail.
*/
func ApplyArtifactRules(rawRules [][]string, side string, artifacts ArtifactSet, otherArtifacts ArtifactSet, linksByStep map[string]Link, stepName string) error {
	queue := artifacts.keys()

	for i, raw := range rawRules {
		rule, err := UnpackRule(raw)
		if err != nil {
			return Wrapf(KindRule, err, "step '%s': invalid rule", stepName).WithStep(stepName).WithRule(i)
		}

		switch rule.Type {
		case RuleMatch:
			applyMatch(rule, &queue, artifacts, linksByStep)

		case RuleAllow:
			consumeMatching(rule.Pattern, &queue)

		case RuleDisallow:
			if leftover := matching(rule.Pattern, queue); len(leftover) > 0 {
				return NewError(KindRule, fmt.Sprintf("artifact '%s' matched DISALLOW rule '%s' in step '%s'",
					leftover[0], rule.Pattern, stepName)).WithStep(stepName).WithRule(i).WithPath(leftover[0])
			}

		case RuleRequire:
			if !artifacts.keys().Has(rule.Pattern) {
				return NewError(KindRule, fmt.Sprintf("required artifact '%s' missing from %s of step '%s'",
					rule.Pattern, side, stepName)).WithStep(stepName).WithRule(i).WithPath(rule.Pattern)
			}

		case RuleCreate:
			for _, path := range matching(rule.Pattern, queue) {
				if _, existed := otherArtifacts[path]; existed {
					return NewError(KindRule, fmt.Sprintf("artifact '%s' matched CREATE rule in step '%s' but already existed",
						path, stepName)).WithStep(stepName).WithRule(i).WithPath(path)
				}
				queue.Remove(path)
			}

		case RuleDelete:
			for _, path := range matching(rule.Pattern, queue) {
				if _, stillExists := otherArtifacts[path]; stillExists {
					return NewError(KindRule, fmt.Sprintf("artifact '%s' matched DELETE rule in step '%s' but was not deleted",
						path, stepName)).WithStep(stepName).WithRule(i).WithPath(path)
				}
				queue.Remove(path)
			}

		case RuleModify:
			for _, path := range matching(rule.Pattern, queue) {
				otherDigests, existed := otherArtifacts[path]
				if !existed {
					return NewError(KindRule, fmt.Sprintf("artifact '%s' matched MODIFY rule in step '%s' but does not exist on the other side",
						path, stepName)).WithStep(stepName).WithRule(i).WithPath(path)
				}
				if digestsEqual(artifacts[path], otherDigests) {
					return NewError(KindRule, fmt.Sprintf("artifact '%s' matched MODIFY rule in step '%s' but was not modified",
						path, stepName)).WithStep(stepName).WithRule(i).WithPath(path)
				}
				queue.Remove(path)
			}

		default:
			return NewError(KindRule, fmt.Sprintf("unknown rule type '%s' in step '%s'", rule.Type, stepName)).WithStep(stepName).WithRule(i)
		}
	}

	// spec.md §4.6: a nonempty queue after every rule has run is only a
	// failure if a DISALLOW rule actually matched those artifacts while
	// the rules were being applied (handled above, at the point the
	// DISALLOW rule runs). Artifacts nobody's rules mention at all are
	// implicitly authorized — RuleDisallow already returns an error the
	// moment it finds a queued match, so reaching here means no DISALLOW
	// rule claimed the leftovers.
	return nil
}

// matching returns the elements of queue whose name matches pattern,
// without mutating queue.
func matching(pattern string, queue Set) []string {
	var out []string
	for path := range queue {
		if matchPattern(pattern, path) {
			out = append(out, path)
		}
	}
	return out
}

// consumeMatching removes every element of queue matching pattern.
func consumeMatching(pattern string, queue *Set) {
	for _, path := range matching(pattern, *queue) {
		queue.Remove(path)
	}
}

// applyMatch resolves a MATCH rule against the named step's already
// verified link and consumes every queued path whose digest, recorded in
// artifacts, agrees with the corresponding digest in the target step's
// materials or products.
func applyMatch(rule ArtifactRule, queue *Set, artifacts ArtifactSet, linksByStep map[string]Link) {
	target, ok := linksByStep[rule.FromStep]
	if !ok {
		return
	}
	var destArtifacts map[string]interface{}
	if rule.DestType == "MATERIALS" {
		destArtifacts = target.Materials
	} else {
		destArtifacts = target.Products
	}

	for path := range *queue {
		stripped, inPrefix := stripPrefix(path, rule.SourcePrefix)
		if !inPrefix || !matchPattern(rule.Pattern, stripped) {
			continue
		}
		destPath := withPrefix(stripped, rule.DestPrefix)
		destDigestsRaw, ok := destArtifacts[destPath]
		if !ok {
			continue
		}
		destDigests, ok := toDigestMap(destDigestsRaw)
		if !ok {
			continue
		}
		if digestsEqual(artifacts[path], destDigests) {
			queue.Remove(path)
		}
	}
}

// toDigestMap converts the loosely-typed JSON digest map of a decoded
// Link (map[string]interface{}) into the map[string]string shape used
// for comparisons.
func toDigestMap(v interface{}) (map[string]string, bool) {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, vv := range raw {
		s, ok := vv.(string)
		if !ok {
			return nil, false
		}
		out[k] = s
	}
	return out, true
}
