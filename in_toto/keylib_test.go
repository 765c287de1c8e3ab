package in_toto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestEd25519Key(t *testing.T) Key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	seed := priv.Seed()
	key := Key{
		KeyType: "ed25519",
		Scheme:  "ed25519",
		KeyVal: KeyVal{
			Public:  hex.EncodeToString(pub),
			Private: hex.EncodeToString(seed),
		},
	}
	require.NoError(t, key.deriveKeyId())
	return key
}

func TestEd25519SignAndVerifyRoundTrip(t *testing.T) {
	key := generateTestEd25519Key(t)
	data := []byte(`{"hello":"world"}`)

	sig, err := GenerateSignature(data, key)
	require.NoError(t, err)
	assert.Equal(t, key.KeyId, sig.KeyId)

	require.NoError(t, VerifySignature(key, sig, data))
}

func TestEd25519VerifyRejectsTamperedData(t *testing.T) {
	key := generateTestEd25519Key(t)
	data := []byte(`{"hello":"world"}`)

	sig, err := GenerateSignature(data, key)
	require.NoError(t, err)

	require.Error(t, VerifySignature(key, sig, []byte(`{"hello":"mallory"}`)))
}

func TestKeyIdIsDeterministic(t *testing.T) {
	key := generateTestEd25519Key(t)
	copy := key
	copy.KeyVal.Private = ""
	require.NoError(t, copy.deriveKeyId())
	assert.Equal(t, key.KeyId, copy.KeyId)
}

func TestVerifySignatureUnsupportedScheme(t *testing.T) {
	key := generateTestEd25519Key(t)
	key.Scheme = "not-a-real-scheme"
	err := VerifySignature(key, Signature{KeyId: key.KeyId, Sig: "aa"}, []byte("data"))
	require.Error(t, err)
	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindCrypto, kindErr.Kind)
}
