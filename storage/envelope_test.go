package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/irbridge/irgate/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.RandomBytes(util.KeySize)
	plain := []byte(`{"user":{"sub":"auth0|1"}}`)
	aad := []byte("session:abc")

	env, err := SealRecord(key, plain, aad)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if len(env.Nonce) != 12 {
		t.Errorf("expected 12-byte nonce, got %d", len(env.Nonce))
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := OpenRecord(key, env, []byte("session:other")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := util.RandomBytes(util.KeySize)
		if _, err := OpenRecord(other, env, aad); err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := env.Clone()
		bad.Scheme = "rot13"
		if _, err := OpenRecord(key, bad, aad); err == nil {
			t.Error("expected error for unsupported scheme")
		}
	})

	t.Run("CloneIsDeep", func(t *testing.T) {
		c := env.Clone()
		c.Ciphertext[0] ^= 0xFF
		if bytes.Equal(c.Ciphertext, env.Ciphertext) {
			t.Error("Clone should not share the ciphertext slice")
		}
	})
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	if (Record{}).Expired(now) {
		t.Error("record without expiry should never expire")
	}
	if !(Record{ExpiresAt: now}).Expired(now) {
		t.Error("record expiring now should be expired")
	}
	if (Record{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Error("future expiry should not be expired")
	}
}
