package in_toto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"reflect"
	"strings"

	"github.com/in-toto-ng/in-toto-golang/pkg/ssl"
)

// envelopePayloadType is the DSSE payload type in-toto metadata is
// wrapped under, per the Secure Systems Lab signing-spec.
const envelopePayloadType = "application/vnd.in-toto+json"

/*
EnvelopeKeyProvider adapts an in_toto.Key to the ssl.SignVerifier
interface, so the same key material used for classic Metablock signing
(spec.md §3) can sign and verify DSSE envelopes without duplicating
key-loading code. It lives in this package rather than pkg/ssl so that
pkg/ssl stays a standalone DSSE implementation with no knowledge of
in-toto's own key/signature types, and this package can import pkg/ssl
without an import cycle.
*/
type EnvelopeKeyProvider struct {
	Key Key
}

func (p EnvelopeKeyProvider) Sign(data []byte) ([]byte, string, error) {
	sig, err := GenerateSignature(data, p.Key)
	if err != nil {
		return nil, "", err
	}
	raw, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return nil, "", err
	}
	return raw, p.Key.KeyId, nil
}

func (p EnvelopeKeyProvider) Verify(keyID string, data, sig []byte) (bool, error) {
	if keyID != p.Key.KeyId {
		return false, ssl.ErrUnknownKey
	}
	err := VerifySignature(p.Key, Signature{KeyId: keyID, Sig: hex.EncodeToString(sig)}, data)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// loadEnvelopeBytes attempts to parse jsonBytes as a DSSE envelope. It
// returns ok=false (with no error) if jsonBytes does not have the DSSE
// envelope shape, so callers can fall back to the classic wrapper.
func (mb *Metablock) loadEnvelopeBytes(jsonBytes []byte) (ok bool, err error) {
	var raw map[string]*json.RawMessage
	if err := json.Unmarshal(jsonBytes, &raw); err != nil {
		return false, nil
	}
	if raw["payload"] == nil || raw["payloadType"] == nil || raw["signatures"] == nil {
		return false, nil
	}
	if raw["signed"] != nil {
		return false, nil
	}

	var env ssl.Envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return false, err
	}

	payload, err := b64Decode(env.Payload)
	if err != nil {
		return false, fmt.Errorf("decoding DSSE payload: %w", err)
	}

	signed, err := decodeSignedPayload(payload)
	if err != nil {
		return false, err
	}

	signatures := make([]Signature, 0, len(env.Signatures))
	for _, s := range env.Signatures {
		sigBytes, err := b64Decode(s.Sig)
		if err != nil {
			return false, fmt.Errorf("decoding DSSE signature for keyid '%s': %w", s.KeyID, err)
		}
		signatures = append(signatures, Signature{KeyId: s.KeyID, Sig: hex.EncodeToString(sigBytes)})
	}

	mb.Signed = signed
	mb.Signatures = signatures
	mb.envelopePayloadType = env.PayloadType
	mb.envelopePayload = payload
	return true, nil
}

func b64Decode(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// decodeSignedPayload parses the DSSE payload's bytes the same way
// loadBytes dispatches the classic wrapper's "signed" object, by its
// "_type" field.
func decodeSignedPayload(data []byte) (interface{}, error) {
	var signed map[string]interface{}
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, err
	}

	switch signed["_type"] {
	case "link":
		var link Link
		if err := checkRequiredJsonFields(signed, reflect.TypeOf(link)); err != nil {
			return nil, err
		}
		decoder := json.NewDecoder(strings.NewReader(string(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&link); err != nil {
			return nil, err
		}
		return link, nil

	case "layout":
		var layout Layout
		if err := checkRequiredJsonFields(signed, reflect.TypeOf(layout)); err != nil {
			return nil, err
		}
		decoder := json.NewDecoder(strings.NewReader(string(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&layout); err != nil {
			return nil, err
		}
		return layout, nil

	default:
		return nil, fmt.Errorf("the '_type' field of a DSSE payload must be one of 'link' or 'layout'")
	}
}

/*
DumpEnvelope serializes the Metablock as a DSSE envelope (rather than the
classic {"signed","signatures"} wrapper) and writes it to path, producing
one signature per signer via ssl.EnvelopeSigner. Any signatures already
present on mb are discarded in favor of fresh envelope signatures, since
DSSE signs the PAE encoding of the payload rather than its canonical JSON
and the two are not interchangeable.
*/
func (mb *Metablock) DumpEnvelope(path string, signers ...Key) error {
	payload, err := EncodeCanonical(mb.Signed)
	if err != nil {
		return err
	}

	providers := make([]ssl.SignVerifier, len(signers))
	for i, key := range signers {
		providers[i] = EnvelopeKeyProvider{Key: key}
	}
	es, err := ssl.NewEnvelopeSigner(providers...)
	if err != nil {
		return err
	}

	env, err := es.SignPayload(envelopePayloadType, payload)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, out, 0644)
}

