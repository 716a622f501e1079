package sshbroker

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"
)

// IssuedKey is one ephemeral keypair handed out for a single session.
type IssuedKey struct {
	// PublicKeyMaterial is the authorized_keys line installed on the
	// executor.
	PublicKeyMaterial string
	// PrivateKeyPath is where the PEM-encoded private key was written; it is
	// passed to the validator binary's --ssh-key flag.
	PrivateKeyPath string
}

// KeyManager issues and revokes ephemeral SSH keypairs. The production
// deployment may point this at an external key service; LocalKeyManager
// generates keys on the validator host.
// Revoke takes the issued private key path because the session id is minted
// by the miner only after the key is installed; the session layer maps ids
// back to keys.
type KeyManager interface {
	Issue(validatorHotkey string) (*IssuedKey, error)
	Revoke(privateKeyPath string) error
}

// LocalKeyManager generates ed25519 keypairs under a directory guarded by a
// file lock, so concurrent validator processes sharing a host cannot clobber
// each other's key material.
type LocalKeyManager struct {
	dir  string
	lock *flock.Flock
}

// NewLocalKeyManager prepares the key directory and its lock file.
func NewLocalKeyManager(dir string) (*LocalKeyManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	return &LocalKeyManager{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

// Issue generates a fresh ed25519 keypair. The comment on the public key
// carries the validator hotkey so operators can attribute installed keys.
func (m *LocalKeyManager) Issue(validatorHotkey string) (*IssuedKey, error) {
	if err := m.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock key dir: %w", err)
	}
	defer m.lock.Unlock()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}

	name := fmt.Sprintf("basilica_%s", randomKeyID())
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + validatorHotkey
	return &IssuedKey{
		PublicKeyMaterial: authorized,
		PrivateKeyPath:    path,
	}, nil
}

// Revoke removes the issued private key file at privateKeyPath.
// The authorized key on the executor is uninstalled by the miner through
// CloseSshSession; this only cleans the local half.
func (m *LocalKeyManager) Revoke(privateKeyPath string) error {
	if privateKeyPath == "" {
		return nil
	}
	if filepath.Dir(privateKeyPath) != filepath.Clean(m.dir) {
		return fmt.Errorf("refusing to remove key outside %s", m.dir)
	}
	if err := os.Remove(privateKeyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove private key: %w", err)
	}
	return nil
}

func randomKeyID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand read failures are not survivable for key issuance, but
		// the id itself is only a filename; fall back to a constant.
		return "00000000"
	}
	return fmt.Sprintf("%x", buf)
}
