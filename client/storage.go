package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	auth "github.com/goliatone/go-campus-auth"
)

// TokenStorage keeps the current token pair. An empty pair means no session.
type TokenStorage interface {
	Load(ctx context.Context) (auth.TokenPair, error)
	Save(ctx context.Context, tokens auth.TokenPair) error
	Clear(ctx context.Context) error
}

// MemoryStorage keeps the pair in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	tokens auth.TokenPair
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load(context.Context) (auth.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens, nil
}

func (s *MemoryStorage) Save(_ context.Context, tokens auth.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return nil
}

func (s *MemoryStorage) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = auth.TokenPair{}
	return nil
}

// FileStorage persists the pair as JSON in a file only the owner can read.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

const storageFileMode = 0o600

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the backing file.
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Load(context.Context) (auth.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens auth.TokenPair

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tokens, nil
		}
		return tokens, err
	}

	if len(raw) == 0 {
		return tokens, nil
	}

	if err := json.Unmarshal(raw, &tokens); err != nil {
		return auth.TokenPair{}, fmt.Errorf("decode token file: %w", err)
	}
	return tokens, nil
}

func (s *FileStorage) Save(_ context.Context, tokens auth.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(storageFileMode); err != nil {
		tmp.Close()
		return err
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStorage) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
