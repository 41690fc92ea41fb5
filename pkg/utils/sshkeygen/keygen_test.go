package sshkeygen

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateEd25519KeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "sandbox_ed25519")

	kp, err := GenerateEd25519KeyPair(path, "probehub@engine", false)
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair() error = %v", err)
	}
	if !strings.HasPrefix(kp.AuthorizedKey, "ssh-ed25519 ") || !strings.HasSuffix(kp.AuthorizedKey, " probehub@engine") {
		t.Errorf("AuthorizedKey = %q", kp.AuthorizedKey)
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}

	pub, err := os.ReadFile(kp.PublicKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("ParseAuthorizedKey() error = %v", err)
	}
	if string(parsed.Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Error("public key does not match private key")
	}

	if info, err := os.Stat(path); err == nil && info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %v", info.Mode().Perm())
	}
}

func TestGenerateEd25519KeyPair_Existing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	if _, err := GenerateEd25519KeyPair(path, "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := GenerateEd25519KeyPair(path, "", false); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second call error = %v, want ErrKeyExists", err)
	}
	if _, err := GenerateEd25519KeyPair(path, "", true); err != nil {
		t.Errorf("overwrite error = %v", err)
	}
}
