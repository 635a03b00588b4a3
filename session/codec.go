package session

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/irbridge/irgate/internal/util"
	"github.com/irbridge/irgate/storage"
)

const (
	cookieKeyInfo = "irgate:cookie:v1"
	recordKeyInfo = "irgate:record:v1"
)

// Codec seals cookie values and session records. Each configured secret
// yields one cookie key and one record key; the first secret encrypts and
// every secret is tried on decrypt so secrets can be rotated without
// logging everyone out.
type Codec struct {
	cookieKeys []*memguard.Enclave
	recordKeys []*memguard.Enclave
}

// NewCodec derives keys from secrets. At least one secret is required.
func NewCodec(secrets []string) (*Codec, error) {
	if len(secrets) == 0 {
		return nil, errors.New("at least one session secret is required")
	}
	c := &Codec{}
	for i, s := range secrets {
		ck, err := util.DeriveKey([]byte(s), nil, []byte(cookieKeyInfo))
		if err != nil {
			return nil, fmt.Errorf("deriving cookie key %d: %w", i, err)
		}
		rk, err := util.DeriveKey([]byte(s), nil, []byte(recordKeyInfo))
		if err != nil {
			util.WipeBytes(ck)
			return nil, fmt.Errorf("deriving record key %d: %w", i, err)
		}
		// NewEnclave wipes the source slices.
		c.cookieKeys = append(c.cookieKeys, memguard.NewEnclave(ck))
		c.recordKeys = append(c.recordKeys, memguard.NewEnclave(rk))
	}
	return c, nil
}

func withKey(e *memguard.Enclave, fn func(key []byte) error) error {
	buf, err := e.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Seal encrypts plaintext into a cookie-safe string bound to aad.
func (c *Codec) Seal(plaintext, aad []byte) (string, error) {
	var sealed []byte
	err := withKey(c.cookieKeys[0], func(key []byte) error {
		var err error
		sealed, err = util.Seal(plaintext, key, aad)
		return err
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any failure is ErrSessionDecode.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrSessionDecode
	}
	for _, e := range c.cookieKeys {
		var pt []byte
		err := withKey(e, func(key []byte) error {
			var err error
			pt, err = util.Open(sealed, key, aad)
			return err
		})
		if err == nil {
			return pt, nil
		}
	}
	return nil, ErrSessionDecode
}

// SealRecord encrypts a session record for a storage.Repository.
func (c *Codec) SealRecord(plaintext, aad []byte) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := withKey(c.recordKeys[0], func(key []byte) error {
		var err error
		env, err = storage.SealRecord(key, plaintext, aad)
		return err
	})
	return env, err
}

// OpenRecord reverses SealRecord. Any failure is ErrSessionDecode.
func (c *Codec) OpenRecord(env *storage.Envelope, aad []byte) ([]byte, error) {
	for _, e := range c.recordKeys {
		var pt []byte
		err := withKey(e, func(key []byte) error {
			var err error
			pt, err = storage.OpenRecord(key, env, aad)
			return err
		})
		if err == nil {
			return pt, nil
		}
	}
	return nil, ErrSessionDecode
}
