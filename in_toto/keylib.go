package in_toto

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"io/ioutil"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"golang.org/x/crypto/ed25519"
)

/*
ParseRSAPublicKeyFromPEM parses a PEM-encoded RSA public key (in either
PKIX or PKCS1 form) and returns the *rsa.PublicKey it contains.
*/
func ParseRSAPublicKeyFromPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("could not find a PEM block in the public key")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not an RSA key")
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse RSA public key: %w", err)
	}
	return rsaPub, nil
}

/*
ParseECDSAPublicKeyFromPEM parses a PEM-encoded PKIX ECDSA public key.
*/
func ParseECDSAPublicKeyFromPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("could not find a PEM block in the public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse ECDSA public key: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an ECDSA key")
	}
	return ecdsaPub, nil
}

/*
LoadPublicKey populates the passed Key's KeyId by deriving it from the
canonical encoding of the key's public material, following the same
"keyid = sha256(canonical(keyval))" convention the real in-toto-golang
library uses for non-GPG key types.
*/
func (k *Key) LoadPublicKey(path string, keyType string, scheme string) error {
	keyBytes, err := loadKeyBytes(path)
	if err != nil {
		return err
	}

	k.KeyType = keyType
	k.Scheme = scheme
	k.KeyVal = KeyVal{Public: strings.TrimSpace(string(keyBytes))}

	return k.deriveKeyId()
}

func loadKeyBytes(path string) ([]byte, error) {
	return ioutil.ReadFile(path)
}

/*
Load populates k from a securesystemslib-style JSON key file on disk,
which carries keytype, scheme, keyid and keyval (public and, for private
keys used for signing, private) as a single JSON object matching Key's
own struct tags. This is the format in-toto's own key generation tooling
produces, and is what the CLI commands use to load signing keys.
*/
func (k *Key) Load(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, k); err != nil {
		return fmt.Errorf("could not parse key file '%s': %w", path, err)
	}
	return nil
}

// deriveKeyId sets k.KeyId to the lowercase hex sha256 digest of the
// canonical encoding of k's public key value, matching spec.md §4.2
// "keyid = sha256(canonical({keytype, scheme, keyval: {public}}))" for all
// non-OpenPGP schemes.
func (k *Key) deriveKeyId() error {
	keyToEncode := map[string]interface{}{
		"keytype": k.KeyType,
		"scheme":  k.Scheme,
		"keyval":  map[string]interface{}{"public": k.KeyVal.Public},
	}
	canonical, err := EncodeCanonical(keyToEncode)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(canonical)
	k.KeyId = hex.EncodeToString(digest[:])
	return nil
}

/*
GenerateSignature dispatches to the correct signing routine for key.Scheme
and returns a Signature over dataCanonical signed with key.
*/
func GenerateSignature(dataCanonical []byte, key Key) (Signature, error) {
	switch key.Scheme {
	case "rsassa-pss-sha256":
		return generateRSAPSSSignature(dataCanonical, key)
	case "ed25519":
		return generateEd25519Signature(dataCanonical, key)
	case "ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384":
		return generateECDSASignature(dataCanonical, key)
	case "pgp+rsa-pkcsv1.5", "pgp+eddsa-ed25519":
		return generateGPGSignature(dataCanonical, key)
	default:
		return Signature{}, fmt.Errorf("signing scheme '%s' is not supported", key.Scheme)
	}
}

/*
VerifySignature dispatches to the correct verification routine for
key.Scheme and reports whether sig is a valid signature over data made
with key.
*/
func VerifySignature(key Key, sig Signature, data []byte) error {
	switch key.Scheme {
	case "rsassa-pss-sha256":
		return verifyRSAPSSSignature(key, sig, data)
	case "ed25519":
		return verifyEd25519Signature(key, sig, data)
	case "ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384":
		return verifyECDSASignature(key, sig, data)
	case "pgp+rsa-pkcsv1.5", "pgp+eddsa-ed25519":
		return verifyGPGSignature(key, sig, data)
	default:
		return NewError(KindCrypto, fmt.Sprintf("signature scheme '%s' is not supported", key.Scheme))
	}
}

func generateRSAPSSSignature(data []byte, key Key) (Signature, error) {
	block, _ := pem.Decode([]byte(key.KeyVal.Private))
	if block == nil {
		return Signature{}, fmt.Errorf("could not find a PEM block in the private key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return Signature{}, fmt.Errorf("could not parse RSA private key: %w", err)
		}
		var ok bool
		priv, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return Signature{}, fmt.Errorf("private key is not an RSA key")
		}
	}

	hashed := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hashed[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return Signature{}, err
	}

	return Signature{KeyId: key.KeyId, Sig: hex.EncodeToString(sig)}, nil
}

func verifyRSAPSSSignature(key Key, sig Signature, data []byte) error {
	pub, err := ParseRSAPublicKeyFromPEM([]byte(key.KeyVal.Public))
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid RSA public key for keyid %s", key.KeyId)
	}

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid signature encoding for keyid %s", key.KeyId)
	}

	hashed := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sigBytes, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto}); err != nil {
		return Wrapf(KindCrypto, err, "invalid RSA-PSS signature for keyid %s", key.KeyId)
	}
	return nil
}

/*
parseEd25519PrivateKey loads an Ed25519 key whose private field is a
hex-encoded 32-byte seed, as emitted by in-toto's own key generation
tooling.
*/
func parseEd25519PrivateKey(hexSeed string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 private key encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func generateEd25519Signature(data []byte, key Key) (Signature, error) {
	priv, err := parseEd25519PrivateKey(key.KeyVal.Private)
	if err != nil {
		return Signature{}, err
	}
	sig := ed25519.Sign(priv, data)
	return Signature{KeyId: key.KeyId, Sig: hex.EncodeToString(sig)}, nil
}

func verifyEd25519Signature(key Key, sig Signature, data []byte) error {
	pubBytes, err := hex.DecodeString(key.KeyVal.Public)
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid ed25519 public key encoding for keyid %s", key.KeyId)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return NewError(KindCrypto, fmt.Sprintf("ed25519 public key for keyid %s has wrong size", key.KeyId))
	}

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid signature encoding for keyid %s", key.KeyId)
	}

	if !ed25519.Verify(ed25519.PublicKey(pubBytes), data, sigBytes) {
		return NewError(KindCrypto, fmt.Sprintf("invalid ed25519 signature for keyid %s", key.KeyId))
	}
	return nil
}

func curveForScheme(scheme string) (crypto.Hash, error) {
	switch scheme {
	case "ecdsa-sha2-nistp256":
		return crypto.SHA256, nil
	case "ecdsa-sha2-nistp384":
		return crypto.SHA384, nil
	default:
		return 0, fmt.Errorf("unsupported ecdsa scheme '%s'", scheme)
	}
}

func generateECDSASignature(data []byte, key Key) (Signature, error) {
	block, _ := pem.Decode([]byte(key.KeyVal.Private))
	if block == nil {
		return Signature{}, fmt.Errorf("could not find a PEM block in the private key")
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return Signature{}, fmt.Errorf("could not parse ECDSA private key: %w", err)
	}

	hashAlgo, err := curveForScheme(key.Scheme)
	if err != nil {
		return Signature{}, err
	}
	digest := hashWith(hashAlgo, data)

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyId: key.KeyId, Sig: hex.EncodeToString(sig)}, nil
}

func verifyECDSASignature(key Key, sig Signature, data []byte) error {
	pub, err := ParseECDSAPublicKeyFromPEM([]byte(key.KeyVal.Public))
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid ECDSA public key for keyid %s", key.KeyId)
	}

	hashAlgo, err := curveForScheme(key.Scheme)
	if err != nil {
		return Wrapf(KindCrypto, err, "keyid %s", key.KeyId)
	}
	digest := hashWith(hashAlgo, data)

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid signature encoding for keyid %s", key.KeyId)
	}

	if !ecdsa.VerifyASN1(pub, digest, sigBytes) {
		return NewError(KindCrypto, fmt.Sprintf("invalid ECDSA signature for keyid %s", key.KeyId))
	}
	return nil
}

func hashWith(algo crypto.Hash, data []byte) []byte {
	switch algo {
	case crypto.SHA384:
		h := sha512.Sum384(data)
		return h[:]
	default:
		h := sha256.Sum256(data)
		return h[:]
	}
}

// generateGPGSignature makes a detached OpenPGP signature in-process with
// the entity's private key material, which callers attach via
// key.KeyVal.Private holding an armored private key block.
func generateGPGSignature(data []byte, key Key) (Signature, error) {
	entity, err := openpgpEntityFromArmored(key.KeyVal.Private, true)
	if err != nil {
		return Signature{}, err
	}

	sigBytes, err := openpgpDetachSign(entity, data)
	if err != nil {
		return Signature{}, err
	}

	return Signature{KeyId: key.KeyId, Sig: hex.EncodeToString(sigBytes)}, nil
}

func verifyGPGSignature(key Key, sig Signature, data []byte) error {
	entity, err := openpgpEntityFromArmored(key.KeyVal.Public, false)
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid OpenPGP key for keyid %s", key.KeyId)
	}

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return Wrapf(KindCrypto, err, "invalid signature encoding for keyid %s", key.KeyId)
	}

	candidates := gpgCandidateEntities(entity)
	var lastErr error
	for _, candidate := range candidates {
		if err := openpgpDetachVerify(candidate, data, sigBytes); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return Wrapf(KindCrypto, lastErr, "invalid OpenPGP signature for keyid %s (checked primary key and %d sub-key(s))", key.KeyId, len(candidates)-1)
}

// gpgCandidateEntities returns the primary entity followed by its sub-keys
// re-wrapped as standalone entities, so a signature made by any associated
// sub-key satisfies the primary's pubkeys entry (spec.md §4.2).
func gpgCandidateEntities(primary *openpgp.Entity) []*openpgp.Entity {
	candidates := []*openpgp.Entity{primary}
	for _, sub := range primary.Subkeys {
		candidates = append(candidates, &openpgp.Entity{
			PrimaryKey: sub.PublicKey,
			Identities: primary.Identities,
		})
	}
	return candidates
}

func openpgpEntityFromArmored(armored string, private bool) (*openpgp.Entity, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("could not decode OpenPGP armor: %w", err)
	}
	reader := packet.NewReader(block.Body)
	entity, err := openpgp.ReadEntity(reader)
	if err != nil {
		return nil, fmt.Errorf("could not parse OpenPGP entity: %w", err)
	}
	if private && entity.PrivateKey == nil {
		return nil, fmt.Errorf("OpenPGP entity has no private key material")
	}
	return entity, nil
}

func openpgpDetachSign(entity *openpgp.Entity, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := openpgp.DetachSign(&buf, entity, bytes.NewReader(data), nil); err != nil {
		return nil, fmt.Errorf("OpenPGP sign failed: %w", err)
	}
	return buf.Bytes(), nil
}

func openpgpDetachVerify(entity *openpgp.Entity, data []byte, sig []byte) error {
	keyring := openpgp.EntityList{entity}
	var r io.Reader = bytes.NewReader(sig)
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), r, nil); err != nil {
		return err
	}
	return nil
}

// GPGKeyIDFromFingerprint derives the in-toto keyid for an OpenPGP key,
// which per spec.md §4.2 is the 40-character lowercase hex fingerprint
// rather than a canonical-encoding digest.
func GPGKeyIDFromFingerprint(fingerprint [20]byte) string {
	return hex.EncodeToString(fingerprint[:])
}
