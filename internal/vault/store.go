// Package vault persists OAuth clients and issued sessions in a single
// AES-256-GCM encrypted file.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aspect-build/notion-mcp/internal/crypto"
)

var (
	// ErrCorrupt is returned when the vault file cannot be parsed or
	// authenticated with the configured key.
	ErrCorrupt = errors.New("vault corrupt")
	// ErrLocked is returned when another process holds the vault.
	ErrLocked = errors.New("vault is locked by another process")
	// ErrNotFound is returned by UpdateTokenRecord for unknown ids.
	ErrNotFound = errors.New("token record not found")
)

// Store owns the decrypted vault. Every mutation re-encrypts and atomically
// replaces the file before the in-memory copy is swapped.
type Store struct {
	mu   sync.Mutex
	path string
	key  [crypto.KeyLen]byte
	data Vault
	lock *os.File
}

// Load reads and decrypts the vault at path without taking the process lock.
// A missing file yields an empty vault.
func Load(path string, key [crypto.KeyLen]byte) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		v := &Vault{}
		v.normalize()
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}

	var env crypto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: parse envelope: %v", ErrCorrupt, err)
	}
	plaintext, err := crypto.DecryptAtRest(key, &env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var v Vault
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return nil, fmt.Errorf("%w: parse document: %v", ErrCorrupt, err)
	}
	v.normalize()
	return &v, nil
}

// Open locks and loads the vault at path.
func Open(path string, key [crypto.KeyLen]byte) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	lock, err := lockFile(path + ".lock")
	if err != nil {
		return nil, err
	}

	v, err := Load(path, key)
	if err != nil {
		_ = unlockFile(lock)
		return nil, err
	}
	return &Store{path: path, key: key, data: *v, lock: lock}, nil
}

// Close releases the process lock. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := unlockFile(s.lock)
	s.lock = nil
	return err
}

// Save re-encrypts and writes the current document.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(&s.data)
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() Vault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

func (s *Store) FindTokenByID(id string) (*TokenRecord, bool) {
	return s.findToken(func(r *TokenRecord) bool { return r.ID == id }, id)
}

func (s *Store) FindTokenByAccess(token string) (*TokenRecord, bool) {
	return s.findToken(func(r *TokenRecord) bool { return r.AccessToken == token }, token)
}

func (s *Store) FindTokenByRefresh(token string) (*TokenRecord, bool) {
	return s.findToken(func(r *TokenRecord) bool { return r.RefreshToken == token }, token)
}

func (s *Store) findToken(match func(*TokenRecord) bool, token string) (*TokenRecord, bool) {
	if token == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Tokens {
		if match(&s.data.Tokens[i]) {
			rec := s.data.Tokens[i].clone()
			return &rec, true
		}
	}
	return nil, false
}

// FindClient resolves id against the fallback client first, then the
// registered clients.
func (s *Store) FindClient(id string, fallback *Client) (*Client, bool) {
	if id == "" {
		return nil, false
	}
	if fallback != nil && fallback.ClientID == id {
		c := fallback.clone()
		return &c, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Clients {
		if s.data.Clients[i].ClientID == id {
			c := s.data.Clients[i].clone()
			return &c, true
		}
	}
	return nil, false
}

// UpsertClient inserts or replaces the client with the same id.
func (s *Store) UpsertClient(c *Client) error {
	return s.mutate(func(v *Vault) (bool, error) {
		for i := range v.Clients {
			if v.Clients[i].ClientID == c.ClientID {
				v.Clients[i] = c.clone()
				return true, nil
			}
		}
		v.Clients = append(v.Clients, c.clone())
		return true, nil
	})
}

// UpsertTokenRecord inserts or replaces the record with the same id.
func (s *Store) UpsertTokenRecord(rec *TokenRecord) error {
	return s.mutate(func(v *Vault) (bool, error) {
		for i := range v.Tokens {
			if v.Tokens[i].ID == rec.ID {
				v.Tokens[i] = rec.clone()
				return true, nil
			}
		}
		v.Tokens = append(v.Tokens, rec.clone())
		return true, nil
	})
}

// UpdateTokenRecord applies fn to the stored record with the given id and
// persists the result. The read-modify-write runs under the store lock, so
// concurrent updates to the same record never overwrite each other.
func (s *Store) UpdateTokenRecord(id string, fn func(*TokenRecord) error) (*TokenRecord, error) {
	var out TokenRecord
	err := s.mutate(func(v *Vault) (bool, error) {
		for i := range v.Tokens {
			if v.Tokens[i].ID != id {
				continue
			}
			if err := fn(&v.Tokens[i]); err != nil {
				return false, err
			}
			out = v.Tokens[i].clone()
			return true, nil
		}
		return false, ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTokenRecord removes the record with id. Unknown ids are a no-op.
func (s *Store) DeleteTokenRecord(id string) error {
	return s.mutate(func(v *Vault) (bool, error) {
		for i := range v.Tokens {
			if v.Tokens[i].ID == id {
				v.Tokens = append(v.Tokens[:i], v.Tokens[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	})
}

// Prune deletes every record whose refresh token has expired at now and
// returns how many were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.mutate(func(v *Vault) (bool, error) {
		kept := v.Tokens[:0]
		for _, rec := range v.Tokens {
			if rec.RefreshExpired(now) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		v.Tokens = kept
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// mutate applies fn to a copy of the document, persists it, and only then
// makes it current. A failed write leaves the in-memory state untouched.
func (s *Store) mutate(fn func(*Vault) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}
	if err := s.write(&next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *Store) write(v *Vault) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	env, err := crypto.EncryptAtRest(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt vault: %w", err)
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return writeFileAtomic(s.path, out)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}
