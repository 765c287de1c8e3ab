package in_toto

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genLayoutKey(t *testing.T) Key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := Key{
		KeyType: "ed25519",
		Scheme:  "ed25519",
		KeyVal: KeyVal{
			Public:  hex.EncodeToString(pub),
			Private: hex.EncodeToString(priv.Seed()),
		},
	}
	require.NoError(t, key.deriveKeyId())
	return key
}

func writeSignedLink(t *testing.T, dir string, link Link, signer Key) {
	t.Helper()
	mb := Metablock{Signed: link}
	require.NoError(t, mb.Sign(signer))
	path := filepath.Join(dir, link.Name+"."+signer.KeyId[:8]+".link")
	require.NoError(t, mb.Dump(path))
}

func baseLayout(owner Key, functionary Key, expires string) Layout {
	return Layout{
		Type:    "layout",
		Expires: expires,
		Keys:    map[string]Key{functionary.KeyId: functionary},
		Steps: []Step{
			{
				Type:            "step",
				Threshold:       1,
				PubKeys:         []string{functionary.KeyId},
				SupplyChainItem: SupplyChainItem{Name: "clone", ExpectedMaterials: [][]string{}, ExpectedProducts: [][]string{{"ALLOW", "*"}}},
			},
		},
	}
}

func TestInTotoVerifyFullPass(t *testing.T) {
	dir := t.TempDir()
	owner := genLayoutKey(t)
	functionary := genLayoutKey(t)

	layout := baseLayout(owner, functionary, "2999-01-01T00:00:00Z")
	layoutMb := Metablock{Signed: layout}
	require.NoError(t, layoutMb.Sign(owner))

	link := Link{
		Type:     "link",
		Name:     "clone",
		Products: map[string]interface{}{"main.go": map[string]interface{}{"sha256": "aa"}},
	}
	writeSignedLink(t, dir, link, functionary)

	warnings, err := InTotoVerify(layoutMb, map[string]Key{owner.KeyId: owner}, VerificationContext{LinkDir: dir})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestInTotoVerifyExpiredLayout(t *testing.T) {
	dir := t.TempDir()
	owner := genLayoutKey(t)
	functionary := genLayoutKey(t)

	layout := baseLayout(owner, functionary, "2000-01-01T00:00:00Z")
	layoutMb := Metablock{Signed: layout}
	require.NoError(t, layoutMb.Sign(owner))

	_, err := InTotoVerify(layoutMb, map[string]Key{owner.KeyId: owner}, VerificationContext{LinkDir: dir})
	require.Error(t, err)
	var failure *VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindExpired, failure.FirstError.Kind)
}

func TestInTotoVerifyThresholdFailure(t *testing.T) {
	dir := t.TempDir()
	owner := genLayoutKey(t)
	functionary := genLayoutKey(t)
	otherFunctionary := genLayoutKey(t)

	layout := baseLayout(owner, functionary, "2999-01-01T00:00:00Z")
	layout.Steps[0].Threshold = 2
	layout.Steps[0].PubKeys = []string{functionary.KeyId, otherFunctionary.KeyId}
	layout.Keys[otherFunctionary.KeyId] = otherFunctionary
	layoutMb := Metablock{Signed: layout}
	require.NoError(t, layoutMb.Sign(owner))

	link := Link{
		Type:     "link",
		Name:     "clone",
		Products: map[string]interface{}{"main.go": map[string]interface{}{"sha256": "aa"}},
	}
	writeSignedLink(t, dir, link, functionary)

	_, err := InTotoVerify(layoutMb, map[string]Key{owner.KeyId: owner}, VerificationContext{LinkDir: dir})
	require.Error(t, err)
	var failure *VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindThreshold, failure.FirstError.Kind)
}

func TestInTotoVerifyRuleViolation(t *testing.T) {
	dir := t.TempDir()
	owner := genLayoutKey(t)
	functionary := genLayoutKey(t)

	layout := baseLayout(owner, functionary, "2999-01-01T00:00:00Z")
	layout.Steps[0].ExpectedProducts = [][]string{{"DISALLOW", "*"}}
	layoutMb := Metablock{Signed: layout}
	require.NoError(t, layoutMb.Sign(owner))

	link := Link{
		Type:     "link",
		Name:     "clone",
		Products: map[string]interface{}{"main.go": map[string]interface{}{"sha256": "aa"}},
	}
	writeSignedLink(t, dir, link, functionary)

	_, err := InTotoVerify(layoutMb, map[string]Key{owner.KeyId: owner}, VerificationContext{LinkDir: dir})
	require.Error(t, err)
	var failure *VerifyFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindRule, failure.FirstError.Kind)
}

func TestInTotoVerifyCommandMisalignmentWarning(t *testing.T) {
	dir := t.TempDir()
	owner := genLayoutKey(t)
	functionary := genLayoutKey(t)

	layout := baseLayout(owner, functionary, "2999-01-01T00:00:00Z")
	layout.Steps[0].ExpectedCommand = []string{"git", "clone", "repo"}
	layoutMb := Metablock{Signed: layout}
	require.NoError(t, layoutMb.Sign(owner))

	link := Link{
		Type:     "link",
		Name:     "clone",
		Command:  []string{"git", "clone", "other-repo"},
		Products: map[string]interface{}{"main.go": map[string]interface{}{"sha256": "aa"}},
	}
	writeSignedLink(t, dir, link, functionary)

	warnings, err := InTotoVerify(layoutMb, map[string]Key{owner.KeyId: owner}, VerificationContext{LinkDir: dir})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "does not match expected command")
}

func TestInTotoVerifySublayoutRecursion(t *testing.T) {
	rootDir := t.TempDir()
	owner := genLayoutKey(t)

	subOwner := genLayoutKey(t)
	subFunctionary := genLayoutKey(t)
	subDir := filepath.Join(rootDir, SublayoutLinkDir("clone", subOwner.KeyId))
	require.NoError(t, os.MkdirAll(subDir, 0755))

	subLayout := baseLayout(subOwner, subFunctionary, "2999-01-01T00:00:00Z")
	subLayoutMb := Metablock{Signed: subLayout}
	require.NoError(t, subLayoutMb.Sign(subOwner))

	subLink := Link{
		Type:     "link",
		Name:     "clone",
		Products: map[string]interface{}{"main.go": map[string]interface{}{"sha256": "aa"}},
	}
	writeSignedLink(t, subDir, subLink, subFunctionary)

	layout := Layout{
		Type:    "layout",
		Expires: "2999-01-01T00:00:00Z",
		Keys:    map[string]Key{subOwner.KeyId: subOwner},
		Steps: []Step{
			{
				Type:            "step",
				Threshold:       1,
				PubKeys:         []string{subOwner.KeyId},
				SupplyChainItem: SupplyChainItem{Name: "clone", ExpectedMaterials: [][]string{}, ExpectedProducts: [][]string{{"ALLOW", "*"}}},
			},
		},
	}
	layoutMb := Metablock{Signed: layout}
	require.NoError(t, layoutMb.Sign(owner))

	// The parent step's link file is itself a signed Layout (spec.md
	// §4.7 step 8): recursing into it, rather than reading a separate
	// marker, is how a sublayout step is distinguished from a plain one.
	linkPath := filepath.Join(rootDir, "clone."+subOwner.KeyId[:8]+".link")
	require.NoError(t, subLayoutMb.Dump(linkPath))

	_, err := InTotoVerify(layoutMb, map[string]Key{owner.KeyId: owner}, VerificationContext{LinkDir: rootDir, Now: time.Now()})
	require.NoError(t, err)
}
