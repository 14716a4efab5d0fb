package p2p

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
)

func TestGenerateIdentity(t *testing.T) {
	key1, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	if key1.Type() != crypto.Ed25519 {
		t.Errorf("key type = %v, want Ed25519", key1.Type())
	}

	key2, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	if key1.Equals(key2) {
		t.Error("GenerateIdentity() produced identical keys")
	}
}

func TestSaveAndLoadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	orig, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	if err := SaveIdentity(orig, path); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}

	loaded, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	if !orig.Equals(loaded) {
		t.Error("loaded key differs from saved key")
	}
}

func TestLoadIdentity_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"wrong header", "/other/identity/\nabcd\n"},
		{"too short", "/tri"},
		{"bad hex", identityHeader + "zzzz\n"},
		{"bad key", identityHeader + "00ff\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "identity.key")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := LoadIdentity(path)
			if !errors.Is(err, ErrBadIdentity) {
				t.Errorf("LoadIdentity() error = %v, want ErrBadIdentity", err)
			}
		})
	}
}

func TestLoadIdentity_FileNotFound(t *testing.T) {
	_, err := LoadIdentity(filepath.Join(t.TempDir(), "missing.key"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadIdentity() error = %v, want not-exist", err)
	}
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.key")

	created, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("identity file not created: %v", err)
	}

	again, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() second call error = %v", err)
	}
	if !created.Equals(again) {
		t.Error("second call did not load the saved key")
	}
}

func TestLoadOrCreateIdentity_CorruptFileNotReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Error("LoadOrCreateIdentity() silently replaced a corrupt identity")
	}
}

func TestIdentityFingerprint(t *testing.T) {
	key, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	fp := IdentityFingerprint(key)
	if fp == "" || fp == "unknown" {
		t.Errorf("IdentityFingerprint() = %q", fp)
	}
	if fp != IdentityFingerprint(key) {
		t.Error("IdentityFingerprint() is not stable")
	}
}
