package oidc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fileblobs/client/internal/auth"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrStateNotFound is returned when a callback carries an unknown state.
var ErrStateNotFound = errors.New("no matching state found in storage")

// PendingState is recorded before a sign-in redirect and consumed by the callback.
type PendingState struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists sign-in state and the cached login.
type Store interface {
	SaveState(ctx context.Context, state PendingState) error
	// TakeState returns and removes the pending state.
	TakeState(ctx context.Context, state string) (*PendingState, error)
	SaveLogin(ctx context.Context, login *auth.Login) error
	// Login returns the cached login or nil.
	Login(ctx context.Context) (*auth.Login, error)
	RemoveLogin(ctx context.Context) error
}

type storeData struct {
	States map[string]PendingState `json:"states"`
	Login  *auth.Login             `json:"login,omitempty"`
}

func (d *storeData) pruneStates(now time.Time) {
	for key, state := range d.States {
		if state.ExpiresAt.Before(now) {
			delete(d.States, key)
		}
	}
}

func (d *storeData) take(state string) (*PendingState, error) {
	pending, ok := d.States[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(d.States, state)
	return &pending, nil
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data storeData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: storeData{States: make(map[string]PendingState)}}
}

func (s *MemoryStore) SaveState(_ context.Context, state PendingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.pruneStates(time.Now())
	s.data.States[state.State] = state
	return nil
}

func (s *MemoryStore) TakeState(_ context.Context, state string) (*PendingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.take(state)
}

func (s *MemoryStore) SaveLogin(_ context.Context, login *auth.Login) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Login = login
	return nil
}

func (s *MemoryStore) Login(_ context.Context) (*auth.Login, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Login, nil
}

func (s *MemoryStore) RemoveLogin(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Login = nil
	return nil
}

const (
	saltSize      = 16
	argonTime     = 2
	argonMemoryKB = 19 * 1024
	argonThreads  = 1
)

// FileStore keeps the store in a single file sealed with XChaCha20-Poly1305
// under a key derived from a secret with argon2id. The file layout is
// salt || nonce || ciphertext.
type FileStore struct {
	mu     sync.Mutex
	path   string
	secret []byte
}

// NewFileStore creates a store backed by path. The file is created on first write.
func NewFileStore(path, secret string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store requires a path")
	}
	if secret == "" {
		return nil, errors.New("file store requires a secret")
	}
	return &FileStore{path: path, secret: []byte(secret)}, nil
}

func (s *FileStore) SaveState(_ context.Context, state PendingState) error {
	return s.update(func(d *storeData) error {
		d.pruneStates(time.Now())
		d.States[state.State] = state
		return nil
	})
}

func (s *FileStore) TakeState(_ context.Context, state string) (*PendingState, error) {
	var pending *PendingState
	err := s.update(func(d *storeData) error {
		var err error
		pending, err = d.take(state)
		return err
	})
	return pending, err
}

func (s *FileStore) SaveLogin(_ context.Context, login *auth.Login) error {
	return s.update(func(d *storeData) error {
		d.Login = login
		return nil
	})
}

func (s *FileStore) Login(_ context.Context) (*auth.Login, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return nil, err
	}
	return data.Login, nil
}

func (s *FileStore) RemoveLogin(_ context.Context) error {
	return s.update(func(d *storeData) error {
		d.Login = nil
		return nil
	})
}

func (s *FileStore) update(fn func(*storeData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return s.save(data)
}

func (s *FileStore) load() (*storeData, error) {
	data := &storeData{States: make(map[string]PendingState)}
	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	plain, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, data); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	if data.States == nil {
		data.States = make(map[string]PendingState)
	}
	return data, nil
}

func (s *FileStore) save(data *storeData) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return err
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) seal(plain []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

func (s *FileStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, errors.New("store file is truncated")
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed[saltSize+chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, errors.New("store file cannot be decrypted with this secret")
	}
	return plain, nil
}

func (s *FileStore) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.secret, salt, argonTime, argonMemoryKB, argonThreads, chacha20poly1305.KeySize)
}
