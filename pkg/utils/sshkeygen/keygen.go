package sshkeygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

var ErrKeyExists = errors.New("sshkeygen: key already exists")

// KeyPair is a freshly written Ed25519 identity for the sandbox connection.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// AuthorizedKey is the line to append to the sandbox's authorized_keys.
	AuthorizedKey string
}

// GenerateEd25519KeyPair writes an OpenSSH private key to privateKeyPath and
// its public half to privateKeyPath + ".pub". An existing key yields
// ErrKeyExists unless overwrite is set.
func GenerateEd25519KeyPair(privateKeyPath, comment string, overwrite bool) (*KeyPair, error) {
	publicKeyPath := privateKeyPath + ".pub"
	if _, err := os.Stat(privateKeyPath); err == nil && !overwrite {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, privateKeyPath)
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(privKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey)))
	if comment != "" {
		authorized += " " + comment
	}

	if err := os.WriteFile(publicKeyPath, []byte(authorized+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	return &KeyPair{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
		AuthorizedKey:  authorized,
	}, nil
}
