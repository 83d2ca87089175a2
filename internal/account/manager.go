// Package account holds the active identity and coordinates switching it.
package account

import (
	"sync"

	nostrclient "github.com/dtonon/volare/internal/nostr"
)

// Manager holds the signer of the active account
type Manager struct {
	mu     sync.RWMutex
	signer nostrclient.Signer
}

// NewManager creates a manager with signer as active account. signer may be
// nil when no account is known yet.
func NewManager(signer nostrclient.Signer) *Manager {
	return &Manager{signer: signer}
}

// Signer returns the active signer or nil
func (m *Manager) Signer() nostrclient.Signer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signer
}

// Pubkey returns the hex public key of the active account, or ""
func (m *Manager) Pubkey() string {
	s := m.Signer()
	if s == nil {
		return ""
	}
	return s.PublicKey()
}

// CanSign reports whether the active account holds a secret key
func (m *Manager) CanSign() bool {
	s := m.Signer()
	if s == nil {
		return false
	}
	_, readOnly := s.(*nostrclient.ReadOnlySigner)
	return !readOnly
}

func (m *Manager) set(signer nostrclient.Signer) {
	m.mu.Lock()
	m.signer = signer
	m.mu.Unlock()
}
