package nostr

import (
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func TestKeySigner(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		t.Fatalf("Failed to encode nsec: %v", err)
	}

	for _, key := range []string{sk, nsec} {
		signer, err := NewKeySigner(key)
		if err != nil {
			t.Fatalf("NewKeySigner(%q) error = %v", key[:8], err)
		}
		if signer.PublicKey() != pk {
			t.Errorf("Expected pubkey %s, got %s", pk, signer.PublicKey())
		}

		ev := &nostr.Event{Kind: KindTextNote, CreatedAt: nostr.Now(), Tags: nostr.Tags{}, Content: "hi"}
		if err := signer.Sign(ev); err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		if ok, err := ev.CheckSignature(); err != nil || !ok {
			t.Errorf("Signature should verify, ok=%v err=%v", ok, err)
		}
	}
}

func TestSignerFromKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	npub, _ := nip19.EncodePublicKey(pk)

	tests := []struct {
		name     string
		key      string
		readOnly bool
		wantErr  bool
	}{
		{name: "npub is read-only", key: npub, readOnly: true},
		{name: "hex secret signs", key: sk},
		{name: "garbage", key: "hello", wantErr: true},
		{name: "bad hex", key: "zz" + sk[2:], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := SignerFromKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SignerFromKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if signer.PublicKey() != pk {
				t.Errorf("Expected pubkey %s, got %s", pk, signer.PublicKey())
			}
			err = signer.Sign(&nostr.Event{Kind: 1})
			if tt.readOnly && !errors.Is(err, ErrCannotSign) {
				t.Errorf("Read-only signer should fail with ErrCannotSign, got %v", err)
			}
		})
	}
}
