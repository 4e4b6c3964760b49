// Package sign produces and checks ed25519 signatures over sha256 digests.
// Keys travel as single-line base64 files or environment variables.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/davidahmann/qube/core/jcs"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

const AlgEd25519 = "ed25519"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the hex sha256 of the raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// decodeDigest accepts a digest with or without the "sha256:" prefix.
func decodeDigest(digest string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(digest, jcs.DigestPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(raw))
	}
	return raw, nil
}

// SignDigest signs the raw bytes of a sha256 digest.
func SignDigest(priv ed25519.PrivateKey, digest string) (schemapixel.Signature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return schemapixel.Signature{}, fmt.Errorf("invalid private key length: %d", len(priv))
	}
	raw, err := decodeDigest(digest)
	if err != nil {
		return schemapixel.Signature{}, err
	}
	return schemapixel.Signature{
		Alg:          AlgEd25519,
		KeyID:        KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(priv, raw)),
		SignedDigest: digest,
	}, nil
}

// VerifyDigest reports whether sig is a valid signature by pub over
// sig.SignedDigest. Malformed signatures are errors; a well-formed signature
// that does not verify is (false, nil).
func VerifyDigest(pub ed25519.PublicKey, sig schemapixel.Signature) (bool, error) {
	if sig.Alg != AlgEd25519 {
		return false, fmt.Errorf("unsupported alg: %s", sig.Alg)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	if sig.KeyID != "" && sig.KeyID != KeyID(pub) {
		return false, fmt.Errorf("key id mismatch")
	}
	if sig.SignedDigest == "" {
		return false, fmt.Errorf("missing signed_digest")
	}
	raw, err := decodeDigest(sig.SignedDigest)
	if err != nil {
		return false, err
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	if len(rawSig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(rawSig))
	}
	return ed25519.Verify(pub, raw, rawSig), nil
}

func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if l := len(raw); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", l)
	}
	return ed25519.PrivateKey(raw), nil
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", l)
	}
	return ed25519.PublicKey(raw), nil
}
