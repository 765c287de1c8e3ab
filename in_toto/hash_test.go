package in_toto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDigestsDefaultAlgorithm(t *testing.T) {
	digests, err := computeDigests([]byte("hello"), nil)
	require.NoError(t, err)
	assert.Contains(t, digests, "sha256")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digests["sha256"])
}

func TestComputeDigestsUnsupportedAlgorithm(t *testing.T) {
	_, err := computeDigests([]byte("hello"), []string{"md5"})
	require.Error(t, err)
	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindSchema, kindErr.Kind)
}

func TestDigestsEqual(t *testing.T) {
	a := map[string]string{"sha256": "aa", "sha512": "bb"}
	b := map[string]string{"sha256": "aa"}
	assert.True(t, digestsEqual(a, b))

	c := map[string]string{"sha256": "cc"}
	assert.False(t, digestsEqual(a, c))

	d := map[string]string{"md5": "dd"}
	assert.False(t, digestsEqual(a, d))
}
