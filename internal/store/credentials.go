package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"niftystrategist/pkg/types"
)

// tokenCipher encrypts brokerage tokens at rest with AES-256-GCM.
// A random nonce is prepended to each ciphertext.
type tokenCipher struct {
	aead cipher.AEAD
}

func newTokenCipher(hexKey string) (*tokenCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("token key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	return &tokenCipher{aead: aead}, nil
}

func (c *tokenCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *tokenCipher) open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("token ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plain), nil
}

// SaveCredentials upserts a user's brokerage tokens, encrypted at rest.
func (s *Store) SaveCredentials(ctx context.Context, creds types.Credentials) error {
	access, err := s.cipher.seal(creds.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.seal(creds.RefreshToken)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		creds.UserID, access, refresh, creds.ExpiresAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save credentials for %s: %w", creds.UserID, err)
	}
	return nil
}

// LoadCredentials fetches and decrypts a user's tokens. Returns nil, nil
// when the user has none stored.
func (s *Store) LoadCredentials(ctx context.Context, userID string) (*types.Credentials, error) {
	var access, refresh string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM user_credentials WHERE user_id = ?`,
		userID).Scan(&access, &refresh, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", userID, err)
	}

	accessPlain, err := s.cipher.open(access)
	if err != nil {
		return nil, err
	}
	refreshPlain, err := s.cipher.open(refresh)
	if err != nil {
		return nil, err
	}

	return &types.Credentials{
		UserID:       userID,
		AccessToken:  accessPlain,
		RefreshToken: refreshPlain,
		ExpiresAt:    time.Unix(0, expiresAt),
	}, nil
}
