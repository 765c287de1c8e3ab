package in_toto

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEd25519Key(t *testing.T) Key {
	t.Helper()
	key := Key{
		KeyType: "ed25519",
		Scheme:  "ed25519",
		KeyVal: KeyVal{
			Public: "ebdb7c48a6b283b87c0b4b57850b4e6e35bc4d3b2bd0c0bdb75b1308d1fb1a20",
		},
	}
	require.NoError(t, key.deriveKeyId())
	return key
}

func TestValidatePubKeyRejectsPrivate(t *testing.T) {
	key := validEd25519Key(t)
	key.KeyVal.Private = "something"
	assert.Error(t, validatePubKey(key))
}

func TestValidatePubKeyRejectsUnknownScheme(t *testing.T) {
	key := validEd25519Key(t)
	key.Scheme = "made-up-scheme"
	assert.Error(t, validatePubKey(key))
}

func TestValidateSupplyChainItemRejectsPathSeparator(t *testing.T) {
	item := SupplyChainItem{Name: "a/b"}
	assert.Error(t, validateSupplyChainItem(item))
}

func TestValidateStepThresholdInvariants(t *testing.T) {
	step := Step{
		Type:            "step",
		SupplyChainItem: SupplyChainItem{Name: "clone"},
		Threshold:       2,
		PubKeys:         []string{"abcd"},
	}
	assert.Error(t, validateStep(step))

	step.Threshold = 0
	step.PubKeys = []string{"a", "b"}
	assert.Error(t, validateStep(step))

	step.Threshold = 1
	assert.NoError(t, validateStep(step))
}

func TestLayoutIsExpired(t *testing.T) {
	layout := Layout{Expires: "2000-01-01T00:00:00Z"}
	expired, err := layout.IsExpired(time.Now())
	require.NoError(t, err)
	assert.True(t, expired)

	layout.Expires = "2999-01-01T00:00:00Z"
	expired, err = layout.IsExpired(time.Now())
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestValidateLayoutRejectsUnknownStepKey(t *testing.T) {
	layout := Layout{
		Type:    "layout",
		Expires: "2999-01-01T00:00:00Z",
		Keys:    map[string]Key{},
		Steps: []Step{
			{
				Type:            "step",
				SupplyChainItem: SupplyChainItem{Name: "clone"},
				Threshold:       1,
				PubKeys:         []string{"deadbeef"},
			},
		},
	}
	assert.Error(t, validateLayout(layout))
}

func TestValidateLayoutRejectsDuplicateNames(t *testing.T) {
	key := validEd25519Key(t)
	layout := Layout{
		Type:    "layout",
		Expires: "2999-01-01T00:00:00Z",
		Keys:    map[string]Key{key.KeyId: key},
		Steps: []Step{
			{Type: "step", SupplyChainItem: SupplyChainItem{Name: "clone"}, Threshold: 1, PubKeys: []string{key.KeyId}},
		},
		Inspect: []Inspection{
			{Type: "inspection", SupplyChainItem: SupplyChainItem{Name: "clone"}},
		},
	}
	assert.Error(t, validateLayout(layout))
}

func TestMetablockLinkRoundTrip(t *testing.T) {
	link := Link{
		Type:      "link",
		Name:      "build",
		Materials: map[string]interface{}{"main.go": map[string]interface{}{"sha256": "aa"}},
		Products:  map[string]interface{}{"main": map[string]interface{}{"sha256": "bb"}},
		Command:   []string{"go", "build"},
	}
	mb := Metablock{Signed: link}

	dir := t.TempDir()
	path := filepath.Join(dir, "build.link")
	require.NoError(t, mb.Dump(path))

	var loaded Metablock
	require.NoError(t, loaded.Load(path))

	loadedLink, ok := loaded.Signed.(Link)
	require.True(t, ok)
	assert.Equal(t, link.Name, loadedLink.Name)
	assert.Equal(t, link.Command, loadedLink.Command)
}

func TestMetablockLoadRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.link")
	require.NoError(t, ioutil.WriteFile(path, []byte(`{"signed":{"_type":"link","name":"x"},"signatures":[]}`), 0644))

	var mb Metablock
	assert.Error(t, mb.Load(path))
}
