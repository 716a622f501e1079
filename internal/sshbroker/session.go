package sshbroker

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/discovery"
)

// Session is an established SSH window against one executor: the lease, the
// issued key, and the connection details the miner handed back.
type Session struct {
	SessionID      string
	ExecutorID     string
	Host           string
	Port           uint16
	Username       string
	PrivateKeyPath string
	ExpiresAt      time.Time
}

// SessionManager binds the broker, the key manager and the miner channel
// into the session lifecycle: issue key, install via miner, tear down.
type SessionManager struct {
	broker *Broker
	keys   KeyManager

	mu     sync.Mutex
	issued map[string]string // session id -> private key path
}

// NewSessionManager wires the session lifecycle over a broker and key
// manager.
func NewSessionManager(broker *Broker, keys KeyManager) *SessionManager {
	return &SessionManager{
		broker: broker,
		keys:   keys,
		issued: make(map[string]string),
	}
}

// Broker exposes the underlying lease broker.
func (m *SessionManager) Broker() *Broker { return m.broker }

// Establish issues an ephemeral keypair and asks the miner to install it on
// the target executor. The caller must already hold the executor's lease.
func (m *SessionManager) Establish(ctx context.Context, conn *discovery.AuthenticatedConnection, executorID, validatorHotkey string, duration time.Duration) (*Session, error) {
	key, err := m.keys.Issue(validatorHotkey)
	if err != nil {
		return nil, basilicaerr.Transient("sshbroker.issue_key", err)
	}

	info, err := conn.InitiateSshSession(ctx, executorID, validatorHotkey, key.PublicKeyMaterial, duration)
	if err != nil {
		// The key was never installed; drop the local half immediately.
		if revokeErr := m.keys.Revoke(key.PrivateKeyPath); revokeErr != nil {
			log.Warn("Failed to revoke unused session key", "executor", executorID, "err", revokeErr)
		}
		return nil, err
	}

	m.mu.Lock()
	m.issued[info.SessionID] = key.PrivateKeyPath
	m.mu.Unlock()

	log.Debug("SSH session established", "executor", executorID, "session", info.SessionID,
		"host", info.Host, "port", info.Port, "expires", info.ExpiresAt)
	return &Session{
		SessionID:      info.SessionID,
		ExecutorID:     executorID,
		Host:           info.Host,
		Port:           info.Port,
		Username:       info.Username,
		PrivateKeyPath: key.PrivateKeyPath,
		ExpiresAt:      info.ExpiresAt,
	}, nil
}

// Cleanup signals the miner to uninstall the key and revokes the local
// private key, irrespective of how the session ended. Errors are collected
// but teardown always runs to completion.
func (m *SessionManager) Cleanup(ctx context.Context, conn *discovery.AuthenticatedConnection, session *Session) error {
	var firstErr error
	if conn != nil {
		if err := conn.CloseSshSession(ctx, session.SessionID); err != nil {
			log.Warn("Failed to close SSH session on miner", "session", session.SessionID, "err", err)
			firstErr = err
		}
	}

	m.mu.Lock()
	path, ok := m.issued[session.SessionID]
	delete(m.issued, session.SessionID)
	m.mu.Unlock()
	if !ok {
		path = session.PrivateKeyPath
	}
	if err := m.keys.Revoke(path); err != nil {
		log.Warn("Failed to revoke session key", "session", session.SessionID, "err", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
