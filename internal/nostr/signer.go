package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrCannotSign is returned by accounts that only know a public key
var ErrCannotSign = errors.New("account cannot sign events")

// Signer signs events on behalf of one identity
type Signer interface {
	PublicKey() string
	Sign(event *nostr.Event) error
}

// KeySigner signs with a locally held secret key
type KeySigner struct {
	sk string
	pk string
}

// NewKeySigner accepts an nsec or a 64 character hex secret key
func NewKeySigner(key string) (*KeySigner, error) {
	sk, err := decodeKey(key, "nsec")
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk}, nil
}

// GenerateKeySigner creates a signer for a fresh random identity
func GenerateKeySigner() *KeySigner {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	return &KeySigner{sk: sk, pk: pk}
}

func (s *KeySigner) PublicKey() string { return s.pk }

func (s *KeySigner) Sign(event *nostr.Event) error {
	if err := event.Sign(s.sk); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}

// ReadOnlySigner represents an identity whose secret is not available
type ReadOnlySigner struct {
	pk string
}

// NewReadOnlySigner accepts an npub or a 64 character hex public key
func NewReadOnlySigner(key string) (*ReadOnlySigner, error) {
	pk, err := decodeKey(key, "npub")
	if err != nil {
		return nil, err
	}
	return &ReadOnlySigner{pk: pk}, nil
}

func (s *ReadOnlySigner) PublicKey() string { return s.pk }

func (s *ReadOnlySigner) Sign(*nostr.Event) error { return ErrCannotSign }

// SignerFromKey picks the signer type from the key encoding: npub gives a
// read-only account, nsec or hex a signing one.
func SignerFromKey(key string) (Signer, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub1") {
		return NewReadOnlySigner(key)
	}
	return NewKeySigner(key)
}

func decodeKey(key, prefix string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, prefix+"1") {
		p, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("failed to decode %s: %w", prefix, err)
		}
		if p != prefix {
			return "", fmt.Errorf("expected %s, got %s", prefix, p)
		}
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected %s payload", prefix)
		}
		return s, nil
	}
	if len(key) != 64 {
		return "", fmt.Errorf("key must be %s or 64 hex characters", prefix)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("invalid hex key: %w", err)
	}
	return strings.ToLower(key), nil
}
