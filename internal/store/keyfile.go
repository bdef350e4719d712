package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const keySize = 32 // 256-bit SQLCipher key

// KeyFile manages the database encryption key in a 0600 file next to the
// database. Generated once on first start, reused thereafter.
type KeyFile struct {
	path string
}

// NewKeyFile creates a KeyFile at the given path.
func NewKeyFile(path string) *KeyFile {
	return &KeyFile{path: path}
}

// Ensure returns the existing key, generating and persisting a fresh one
// if none exists yet.
func (k *KeyFile) Ensure() ([]byte, error) {
	if _, err := os.Stat(k.path); err == nil {
		return k.read()
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := k.write(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (k *KeyFile) read() ([]byte, error) {
	encoded, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

func (k *KeyFile) write(key []byte) error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(k.path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
