package sign

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSigningKeyEphemeral(t *testing.T) {
	pair, warnings, err := LoadSigningKey(KeySource{}, true)
	if err != nil {
		t.Fatalf("load ephemeral key: %v", err)
	}
	if len(pair.Private) == 0 || len(warnings) != 1 || warnings[0] != EphemeralKeyWarning {
		t.Fatalf("unexpected ephemeral result: warnings=%v", warnings)
	}
	if _, _, err := LoadSigningKey(KeySource{}, false); err == nil {
		t.Fatalf("expected error without key source")
	}
}

func TestLoadSigningKeyFromEnv(t *testing.T) {
	pair := mustKeyPair(t)
	t.Setenv("QUBE_TEST_PRIVATE_KEY", EncodePrivateKey(pair.Private))
	loaded, warnings, err := LoadSigningKey(KeySource{Env: "QUBE_TEST_PRIVATE_KEY"}, true)
	if err != nil {
		t.Fatalf("load env key: %v", err)
	}
	if len(warnings) != 0 || !loaded.Public.Equal(pair.Public) {
		t.Fatalf("unexpected env key result")
	}
	if _, _, err := LoadSigningKey(KeySource{Env: "QUBE_TEST_UNSET_KEY"}, false); err == nil {
		t.Fatalf("expected error for unset env")
	}
	if _, _, err := LoadSigningKey(KeySource{Env: "X", Path: "y"}, false); err == nil {
		t.Fatalf("expected error for ambiguous source")
	}
}

func TestWriteKeyPairAndLoadVerifyKey(t *testing.T) {
	pair := mustKeyPair(t)
	dir := filepath.Join(t.TempDir(), "keys")
	privatePath, publicPath, err := WriteKeyPair(dir, "attest", pair)
	if err != nil {
		t.Fatalf("write keypair: %v", err)
	}
	info, err := os.Stat(privatePath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("private key mode %#o", info.Mode().Perm())
	}

	fromPublic, err := LoadVerifyKey(KeySource{Path: publicPath}, KeySource{})
	if err != nil {
		t.Fatalf("load public: %v", err)
	}
	fromPrivate, err := LoadVerifyKey(KeySource{}, KeySource{Path: privatePath})
	if err != nil {
		t.Fatalf("load from private: %v", err)
	}
	if !fromPublic.Equal(pair.Public) || !fromPrivate.Equal(pair.Public) {
		t.Fatalf("verify key mismatch")
	}
	if _, err := LoadVerifyKey(KeySource{}, KeySource{}); err == nil {
		t.Fatalf("expected error without sources")
	}
}
