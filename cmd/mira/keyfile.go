package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// fileKeyProvider stores the at-rest encryption key in a mode-0600 file inside
// the data directory, generating it on first use.
type fileKeyProvider struct {
	path string
}

func (p fileKeyProvider) Key(ctx context.Context) ([]byte, error) {
	key, err := os.ReadFile(p.path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s has wrong size %d", p.path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
