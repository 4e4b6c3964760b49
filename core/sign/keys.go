package sign

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/qube/core/fsx"
)

// EphemeralKeyWarning is reported whenever an attestation is signed with a
// throwaway key.
const EphemeralKeyWarning = "ephemeral keypair generated; the attestation cannot be verified after this process exits"

// KeySource names where one key lives. At most one of Path and Env may be set.
type KeySource struct {
	Path string
	Env  string
}

func (s KeySource) IsZero() bool {
	return s.Path == "" && s.Env == ""
}

func (s KeySource) read() (string, error) {
	switch {
	case s.Path != "" && s.Env != "":
		return "", fmt.Errorf("key source: set either path or env")
	case s.Path != "":
		// #nosec G304 -- operator supplies the key path.
		raw, err := os.ReadFile(s.Path)
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}
		return string(raw), nil
	case s.Env != "":
		value := strings.TrimSpace(os.Getenv(s.Env))
		if value == "" {
			return "", fmt.Errorf("key env not set: %s", s.Env)
		}
		return value, nil
	default:
		return "", fmt.Errorf("key source not configured")
	}
}

// LoadSigningKey loads the private key from source. With ephemeral set and
// no source configured a fresh pair is generated and a warning returned.
func LoadSigningKey(source KeySource, ephemeral bool) (KeyPair, []string, error) {
	if source.IsZero() {
		if !ephemeral {
			return KeyPair{}, nil, fmt.Errorf("signing key not configured")
		}
		pair, err := GenerateKeyPair()
		if err != nil {
			return KeyPair{}, nil, err
		}
		return pair, []string{EphemeralKeyWarning}, nil
	}
	encoded, err := source.read()
	if err != nil {
		return KeyPair{}, nil, err
	}
	priv, err := ParsePrivateKeyBase64(encoded)
	if err != nil {
		return KeyPair{}, nil, err
	}
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil, nil
}

// LoadVerifyKey prefers the public source and falls back to deriving the
// public half of the private source.
func LoadVerifyKey(public, private KeySource) (ed25519.PublicKey, error) {
	if !public.IsZero() {
		encoded, err := public.read()
		if err != nil {
			return nil, err
		}
		return ParsePublicKeyBase64(encoded)
	}
	if !private.IsZero() {
		pair, _, err := LoadSigningKey(private, false)
		if err != nil {
			return nil, err
		}
		return pair.Public, nil
	}
	return nil, fmt.Errorf("verify key not configured")
}

// WriteKeyPair writes <name>.key and <name>.pub into dir and returns their
// paths. The private file is mode 0600.
func WriteKeyPair(dir, name string, pair KeyPair) (string, string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}
	privatePath := filepath.Join(dir, name+".key")
	publicPath := filepath.Join(dir, name+".pub")
	if err := fsx.WriteFileAtomic(privatePath, []byte(EncodePrivateKey(pair.Private)+"\n"), 0o600); err != nil {
		return "", "", err
	}
	if err := fsx.WriteFileAtomic(publicPath, []byte(EncodePublicKey(pair.Public)+"\n"), 0o644); err != nil {
		return "", "", err
	}
	return privatePath, publicPath, nil
}
