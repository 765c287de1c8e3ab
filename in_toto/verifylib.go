package in_toto

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

/*
VerificationContext carries the per-invocation options of the
verification pipeline (spec.md §4.7), mirroring RecordingContext's role
for the recording engine: no package-level mutable state is shared
between concurrent verifications.
*/
type VerificationContext struct {
	// LinkDir is the directory *.link files (and any sublayout
	// directories) are read from.
	LinkDir string
	// Params substitutes `{NAME}` placeholders, step 3 of the pipeline.
	Params SubstitutionParameters
	// Now overrides the clock used for the expiry check; the zero value
	// means time.Now().
	Now time.Time
}

func (ctx VerificationContext) now() time.Time {
	if ctx.Now.IsZero() {
		return time.Now()
	}
	return ctx.Now
}

// linkCluster groups metablocks that record identical evidence (by
// canonical encoding) but were signed by different functionaries, so
// their valid signatures can be counted toward a step's threshold
// jointly. signed is either a Link or, for a sublayout step, a Layout
// (spec.md §4.7 step 8: "If a step's link payload is itself a
// Layout-typed metadata object... recurse").
type linkCluster struct {
	signed     interface{}
	signers    []string // keyids with a valid signature over this cluster's representative metablock
	metablocks []Metablock
}

/*
InTotoVerify runs the fixed 8-step verification pipeline of spec.md §4.7
against layoutMb (a signed Layout) using ownerKeys as the layout's
authorized signers. It returns accumulated non-fatal warnings and, on
success, a nil error; on failure it returns a *VerifyFailure wrapping the
first fatal error encountered along with whatever warnings had already
accumulated.
*/
func InTotoVerify(layoutMb Metablock, ownerKeys map[string]Key, verCtx VerificationContext) ([]string, error) {
	warnings, _, err := verifyLayout(layoutMb, ownerKeys, verCtx)
	return warnings, err
}

// verifyLayout is InTotoVerify's implementation, additionally returning
// the per-step representative links it accumulated so a recursive call
// verifying a sublayout can hand its parent the evidence needed to
// synthesize a summary link (materials from the sublayout's first step,
// products from its last).
func verifyLayout(layoutMb Metablock, ownerKeys map[string]Key, verCtx VerificationContext) ([]string, map[string]Link, error) {
	var warnings []string

	// Step 1: layout signature / threshold check.
	if err := verifyLayoutSignatures(layoutMb, ownerKeys); err != nil {
		return warnings, nil, &VerifyFailure{FirstError: asError(KindCrypto, err)}
	}

	layout, ok := layoutMb.Signed.(Layout)
	if !ok {
		return warnings, nil, &VerifyFailure{FirstError: NewError(KindSchema, "metadata does not contain a layout")}
	}

	// Step 2: expiry check.
	expired, err := layout.IsExpired(verCtx.now())
	if err != nil {
		return warnings, nil, &VerifyFailure{FirstError: asError(KindSchema, err)}
	}
	if expired {
		return warnings, nil, &VerifyFailure{FirstError: NewError(KindExpired, fmt.Sprintf("layout expired at %s", layout.Expires))}
	}

	// Step 3: {NAME} parameter substitution on a deep copy.
	layout, err = SubstituteLayout(layout, verCtx.Params)
	if err != nil {
		return warnings, nil, &VerifyFailure{FirstError: asError(KindSchema, err)}
	}

	linksByStep := map[string]Link{}

	for _, step := range layout.Steps {
		// Step 4: link loading + agreement-cluster threshold selection.
		cluster, loadWarnings, err := loadAndSelectLinkCluster(step, layout.Keys, verCtx.LinkDir)
		warnings = append(warnings, loadWarnings...)
		if err != nil {
			return warnings, nil, &VerifyFailure{FirstError: asError(KindThreshold, err).WithStep(step.Name), Warnings: warnings}
		}

		if subLayout, isSublayout := cluster.signed.(Layout); isSublayout {
			// Step 8 (performed here, inline, since step 6's rule
			// evaluation needs the synthesized summary link as this
			// step's representative evidence): recurse into the
			// sublayout using the parent step's pubkeys as its owner
			// keys, then fold its first/last step's materials/products
			// into a summary Link standing in for this step.
			if len(cluster.signers) == 0 {
				return warnings, nil, &VerifyFailure{FirstError: NewError(KindThreshold, fmt.Sprintf("sublayout step '%s' has no verified signer to derive its link subdirectory from", step.Name)).WithStep(step.Name), Warnings: warnings}
			}
			subDir := resolveSublayoutPath(verCtx.LinkDir, step.Name, cluster.signers[0])
			subWarnings, subLinksByStep, err := verifyLayout(cluster.metablocks[0], sublayoutOwnerKeys(layout, step), VerificationContext{
				LinkDir: subDir,
				Params:  verCtx.Params,
				Now:     verCtx.Now,
			})
			warnings = append(warnings, subWarnings...)
			if err != nil {
				if subFailure, ok := err.(*VerifyFailure); ok {
					return warnings, nil, &VerifyFailure{FirstError: subFailure.FirstError.WithStep(step.Name), Warnings: warnings}
				}
				return warnings, nil, &VerifyFailure{FirstError: asError(KindThreshold, err).WithStep(step.Name), Warnings: warnings}
			}
			summary, err := synthesizeSummaryLink(step.Name, subLayout, subLinksByStep)
			if err != nil {
				return warnings, nil, &VerifyFailure{FirstError: asError(KindSchema, err).WithStep(step.Name), Warnings: warnings}
			}
			linksByStep[step.Name] = summary
			continue
		}

		link, ok := cluster.signed.(Link)
		if !ok {
			return warnings, nil, &VerifyFailure{FirstError: NewError(KindSchema, fmt.Sprintf("step '%s': selected link cluster carries neither a link nor a layout", step.Name)).WithStep(step.Name), Warnings: warnings}
		}

		// Step 5: command-alignment warning (non-fatal).
		if w := checkCommandAlignment(step, link); w != "" {
			warnings = append(warnings, w)
		}

		linksByStep[step.Name] = link
	}

	// Step 6: rule evaluation, now that every step's link (or sublayout
	// summary link) is loaded.
	for _, step := range layout.Steps {
		link := linksByStep[step.Name]
		materials := toArtifactSet(link.Materials)
		products := toArtifactSet(link.Products)

		if err := ApplyArtifactRules(step.ExpectedMaterials, "MATERIALS", materials, products, linksByStep, step.Name); err != nil {
			return warnings, nil, &VerifyFailure{FirstError: asError(KindRule, err).WithStep(step.Name), Warnings: warnings}
		}
		if err := ApplyArtifactRules(step.ExpectedProducts, "PRODUCTS", products, materials, linksByStep, step.Name); err != nil {
			return warnings, nil, &VerifyFailure{FirstError: asError(KindRule, err).WithStep(step.Name), Warnings: warnings}
		}
	}

	// Step 7: inspection execution.
	for _, inspection := range layout.Inspect {
		link, err := runInspection(inspection)
		if err != nil {
			return warnings, nil, &VerifyFailure{FirstError: asError(KindRuntime, err).WithStep(inspection.Name), Warnings: warnings}
		}
		linksByStep[inspection.Name] = link
		materials := toArtifactSet(link.Materials)
		products := toArtifactSet(link.Products)

		if err := ApplyArtifactRules(inspection.ExpectedMaterials, "MATERIALS", materials, products, linksByStep, inspection.Name); err != nil {
			return warnings, nil, &VerifyFailure{FirstError: asError(KindRule, err).WithStep(inspection.Name), Warnings: warnings}
		}
		if err := ApplyArtifactRules(inspection.ExpectedProducts, "PRODUCTS", products, materials, linksByStep, inspection.Name); err != nil {
			return warnings, nil, &VerifyFailure{FirstError: asError(KindRule, err).WithStep(inspection.Name), Warnings: warnings}
		}
	}

	return warnings, linksByStep, nil
}

// synthesizeSummaryLink builds the in-memory Link spec.md §4.7 step 8
// calls "summary-link naming": a sublayout step's materials are its first
// step's materials, and its products are its last step's products, so
// the parent layout's rule evaluation can treat the whole sublayout as
// one opaque step.
func synthesizeSummaryLink(stepName string, subLayout Layout, subLinksByStep map[string]Link) (Link, error) {
	if len(subLayout.Steps) == 0 {
		return Link{}, fmt.Errorf("sublayout for step '%s' has no steps to summarize", stepName)
	}
	firstStep := subLayout.Steps[0]
	lastStep := subLayout.Steps[len(subLayout.Steps)-1]

	firstLink, ok := subLinksByStep[firstStep.Name]
	if !ok {
		return Link{}, fmt.Errorf("sublayout for step '%s': missing evidence for its first step '%s'", stepName, firstStep.Name)
	}
	lastLink, ok := subLinksByStep[lastStep.Name]
	if !ok {
		return Link{}, fmt.Errorf("sublayout for step '%s': missing evidence for its last step '%s'", stepName, lastStep.Name)
	}

	return Link{
		Type:      "link",
		Name:      stepName,
		Materials: firstLink.Materials,
		Products:  lastLink.Products,
	}, nil
}

func asError(kind Kind, err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return Wrapf(kind, err, "%s", err.Error())
}

func verifyLayoutSignatures(mb Metablock, ownerKeys map[string]Key) error {
	if _, ok := mb.Signed.(Layout); !ok {
		return NewError(KindSchema, "metadata does not contain a layout")
	}
	if len(ownerKeys) == 0 {
		return NewError(KindCrypto, "no owner keys provided to verify the layout against")
	}

	data, err := mb.GetSignableRepresentation()
	if err != nil {
		return Wrapf(KindSchema, err, "canonicalizing layout")
	}

	var merr *multierror.Error
	for _, key := range ownerKeys {
		for _, sig := range mb.Signatures {
			if sig.KeyId != key.KeyId {
				continue
			}
			if err := VerifySignature(key, sig, data); err == nil {
				return nil
			} else {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if merr != nil {
		return errors.Wrap(merr, "no valid layout signature found")
	}
	return NewError(KindCrypto, "no signature from an owner key found on the layout")
}

// loadAndSelectLinkCluster loads every candidate link file for step from
// linkDir, verifies signatures against step.PubKeys (honoring OpenPGP
// sub-key association), groups candidates recording identical evidence
// (whether that evidence is a Link or, for a sublayout step, a whole
// Layout), and selects the cluster meeting step.Threshold. Ties are
// broken by maximum valid-signature count, then by lexicographic order of
// the cluster's sorted signer keyids.
func loadAndSelectLinkCluster(step Step, keys map[string]Key, linkDir string) (linkCluster, []string, error) {
	var warnings []string

	candidates, err := filepath.Glob(filepath.Join(linkDir, step.Name+".*.link"))
	if err != nil {
		return linkCluster{}, warnings, err
	}
	if len(candidates) == 0 {
		return linkCluster{}, warnings, fmt.Errorf("no link files found for step '%s'", step.Name)
	}

	type verified struct {
		mb     Metablock
		signer string
	}
	byDigest := map[string][]verified{}

	for _, path := range candidates {
		var mb Metablock
		if err := mb.Load(path); err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping unparseable link file '%s': %s", path, err))
			continue
		}

		switch payload := mb.Signed.(type) {
		case Link:
			if payload.Name != step.Name {
				continue
			}
		case Layout:
			// A sublayout step: its link file's payload is itself a
			// signed Layout (spec.md §4.7 step 8). No name field to
			// cross-check; the glob pattern already selected it.
		default:
			continue
		}

		data, err := mb.GetSignableRepresentation()
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping link file '%s': %s", path, err))
			continue
		}

		var signer string
		for _, keyId := range step.PubKeys {
			owner, ok := keys[keyId]
			if !ok {
				continue
			}
			for _, candidate := range candidateKeys(owner) {
				for _, sig := range mb.Signatures {
					if sig.KeyId != candidate.KeyId {
						continue
					}
					if err := VerifySignature(candidate, sig, data); err == nil {
						signer = keyId
						break
					}
				}
				if signer != "" {
					break
				}
			}
			if signer != "" {
				break
			}
		}
		if signer == "" {
			warnings = append(warnings, fmt.Sprintf("link file '%s' has no signature from an authorized functionary for step '%s'", path, step.Name))
			continue
		}

		digestKey := string(data)
		byDigest[digestKey] = append(byDigest[digestKey], verified{mb: mb, signer: signer})
	}

	if len(byDigest) == 0 {
		return linkCluster{}, warnings, fmt.Errorf("no validly signed link found for step '%s'", step.Name)
	}

	var best *linkCluster
	var bestSignerCount int
	for _, group := range byDigest {
		signers := make([]string, 0, len(group))
		seen := NewSet()
		var mbs []Metablock
		for _, g := range group {
			if seen.Has(g.signer) {
				continue
			}
			seen.Add(g.signer)
			signers = append(signers, g.signer)
			mbs = append(mbs, g.mb)
		}
		sort.Strings(signers)
		if len(signers) < step.Threshold {
			continue
		}
		if best == nil || len(signers) > bestSignerCount ||
			(len(signers) == bestSignerCount && strings.Join(signers, ",") < strings.Join(best.signers, ",")) {
			cluster := linkCluster{signed: mbs[0].Signed, signers: signers, metablocks: mbs}
			best = &cluster
			bestSignerCount = len(signers)
		}
	}

	if best == nil {
		return linkCluster{}, warnings, fmt.Errorf("no link cluster for step '%s' meets threshold %d", step.Name, step.Threshold)
	}

	if len(candidates) > bestSignerCount {
		warnings = append(warnings, fmt.Sprintf("step '%s' has more link files (%d) than the selected cluster's signer count (%d)", step.Name, len(candidates), bestSignerCount))
	}

	return *best, warnings, nil
}

// candidateKeys returns owner followed by its OpenPGP sub-keys re-keyed
// as standalone Key values, so a signature made by either the primary or
// an associated sub-key satisfies a step's pubkeys entry (spec.md §4.2).
func candidateKeys(owner Key) []Key {
	candidates := []Key{owner}
	for _, sub := range owner.SubKeys {
		candidates = append(candidates, sub)
	}
	return candidates
}

func checkCommandAlignment(step Step, link Link) string {
	if len(step.ExpectedCommand) == 0 {
		return ""
	}
	if len(step.ExpectedCommand) != len(link.Command) {
		return fmt.Sprintf("step '%s': recorded command %v does not match expected command %v", step.Name, link.Command, step.ExpectedCommand)
	}
	for i := range step.ExpectedCommand {
		if step.ExpectedCommand[i] != link.Command[i] {
			return fmt.Sprintf("step '%s': recorded command %v does not match expected command %v", step.Name, link.Command, step.ExpectedCommand)
		}
	}
	return ""
}

func toArtifactSet(artifacts map[string]interface{}) ArtifactSet {
	out := ArtifactSet{}
	for path, raw := range artifacts {
		if digests, ok := toDigestMap(raw); ok {
			out[path] = digests
		}
	}
	return out
}

func runInspection(inspection Inspection) (Link, error) {
	mb, err := InTotoRun(inspection.Name, RecordingContext{
		MaterialPaths: []string{"."},
		ProductPaths:  []string{"."},
	}, inspection.Run)
	if err != nil {
		return Link{}, err
	}
	return mb.Signed.(Link), nil
}
