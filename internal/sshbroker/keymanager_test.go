package sshbroker

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestLocalKeyManagerIssueAndRevoke(t *testing.T) {
	manager, err := NewLocalKeyManager(t.TempDir())
	require.NoError(t, err)

	key, err := manager.Issue("5ValidatorHotkey")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key.PublicKeyMaterial, "ssh-ed25519 "),
		"authorized key line: %q", key.PublicKeyMaterial)
	require.True(t, strings.HasSuffix(key.PublicKeyMaterial, " 5ValidatorHotkey"),
		"hotkey comment must attribute the key")

	// The public half must parse as an authorized key.
	_, _, _, _, err = ssh.ParseAuthorizedKey([]byte(key.PublicKeyMaterial))
	require.NoError(t, err)

	// The private half must parse and be mode 0600.
	raw, err := os.ReadFile(key.PrivateKeyPath)
	require.NoError(t, err)
	_, err = ssh.ParsePrivateKey(raw)
	require.NoError(t, err)
	info, err := os.Stat(key.PrivateKeyPath)
	require.NoError(t, err)
	require.EqualValues(t, 0o600, info.Mode().Perm())

	require.NoError(t, manager.Revoke(key.PrivateKeyPath))
	_, err = os.Stat(key.PrivateKeyPath)
	require.True(t, os.IsNotExist(err))

	// Revoking twice is harmless.
	require.NoError(t, manager.Revoke(key.PrivateKeyPath))
}

func TestLocalKeyManagerIssuesDistinctKeys(t *testing.T) {
	manager, err := NewLocalKeyManager(t.TempDir())
	require.NoError(t, err)

	a, err := manager.Issue("hk")
	require.NoError(t, err)
	b, err := manager.Issue("hk")
	require.NoError(t, err)
	require.NotEqual(t, a.PublicKeyMaterial, b.PublicKeyMaterial)
	require.NotEqual(t, a.PrivateKeyPath, b.PrivateKeyPath)
}

func TestLocalKeyManagerRefusesForeignPaths(t *testing.T) {
	manager, err := NewLocalKeyManager(t.TempDir())
	require.NoError(t, err)
	require.Error(t, manager.Revoke("/etc/passwd"))
	require.NoError(t, manager.Revoke(""))
}
