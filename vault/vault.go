// Package vault stores named credentials encrypted at rest. The blob on
// disk is AES-256-GCM sealed; the decrypted credential map exists in
// memory only for the duration of a single operation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"toolhost/keylock"
)

const (
	keyFileName  = "vault.key"
	blobFileName = "credentials.enc"
	keySize      = 32 // AES-256
	nonceSize    = 12
	gcmTagSize   = 16

	// lockKey serializes read-modify-encrypt-write cycles on the blob.
	lockKey = "credentials"
)

// ErrCorrupt indicates the blob failed authentication. Load paths treat
// a corrupt blob as an empty store so the vault recovers on next write.
var ErrCorrupt = errors.New("credential store failed decryption")

// Store is the encrypted credential store. Concurrent callers are
// serialized through the shared lock manager.
type Store struct {
	dir   string
	locks *keylock.Manager
}

// Entry is a listing row; it never carries secret material.
type Entry struct {
	Name string         `json:"name"`
	Type CredentialType `json:"type"`
}

// blobFile is the on-disk artifact: nonce, ciphertext, and GCM tag,
// each hex-encoded.
type blobFile struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
	Tag  string `json:"tag"`
}

// NewStore creates a store rooted at dir, creating it when absent.
func NewStore(dir string, locks *keylock.Manager) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, serr.Wrap(err, "failed to create vault directory")
	}
	return &Store{dir: dir, locks: locks}, nil
}

// Set stores or replaces a named credential.
func (s *Store) Set(name string, cred Credential) error {
	if name == "" {
		return serr.New("credential name is required")
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	g := s.locks.AcquireWrite(lockKey)
	defer g.Release()

	creds, err := s.load()
	if err != nil {
		return err
	}
	creds[name] = cred
	return s.save(creds)
}

// Get returns the named credential, or nil when absent.
func (s *Store) Get(name string) (*Credential, error) {
	g := s.locks.AcquireRead(lockKey)
	defer g.Release()

	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	cred, ok := creds[name]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// GetTyped returns the named credential only when its tag matches typ.
// A mismatch is not an error; callers fail soft into re-entry flows.
func (s *Store) GetTyped(name string, typ CredentialType) (*Credential, error) {
	cred, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Type != typ {
		return nil, nil
	}
	return cred, nil
}

// Remove deletes a credential, reporting whether it existed.
func (s *Store) Remove(name string) (bool, error) {
	g := s.locks.AcquireWrite(lockKey)
	defer g.Release()

	creds, err := s.load()
	if err != nil {
		return false, err
	}
	if _, ok := creds[name]; !ok {
		return false, nil
	}
	delete(creds, name)
	return true, s.save(creds)
}

// List enumerates stored credential names and types, never secrets.
func (s *Store) List() ([]Entry, error) {
	g := s.locks.AcquireRead(lockKey)
	defer g.Release()

	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(creds))
	for name, cred := range creds {
		entries = append(entries, Entry{Name: name, Type: cred.Type})
	}
	return entries, nil
}

// Exists reports whether a credential is stored under name.
func (s *Store) Exists(name string) (bool, error) {
	cred, err := s.Get(name)
	return cred != nil, err
}

// Clear removes every stored credential.
func (s *Store) Clear() error {
	g := s.locks.AcquireWrite(lockKey)
	defer g.Release()
	return s.save(map[string]Credential{})
}

// load decrypts the blob into a credential map. A missing blob is a
// fresh install; a corrupt or tampered blob is logged and treated the
// same rather than returning garbage plaintext.
func (s *Store) load() (map[string]Credential, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, blobFileName))
	if os.IsNotExist(err) {
		return map[string]Credential{}, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to read credential store")
	}

	var blob blobFile
	if err := json.Unmarshal(raw, &blob); err != nil {
		logger.Warn("Credential store is not valid JSON, treating as empty")
		return map[string]Credential{}, nil
	}

	plaintext, err := s.open(blob)
	if err != nil {
		logger.Warn("Credential store failed decryption, treating as empty", "error", err.Error())
		return map[string]Credential{}, nil
	}

	creds := map[string]Credential{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		logger.Warn("Decrypted credential store is malformed, treating as empty")
		return map[string]Credential{}, nil
	}
	return creds, nil
}

// save encrypts and atomically replaces the blob.
func (s *Store) save(creds map[string]Credential) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return serr.Wrap(err, "failed to serialize credentials")
	}

	key, err := s.masterKey()
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return serr.Wrap(err, "failed to initialize cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return serr.Wrap(err, "failed to initialize GCM")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return serr.Wrap(err, "failed to generate nonce")
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	blob := blobFile{
		IV:   hex.EncodeToString(nonce),
		Data: hex.EncodeToString(ciphertext),
		Tag:  hex.EncodeToString(tag),
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return serr.Wrap(err, "failed to serialize credential blob")
	}

	path := filepath.Join(s.dir, blobFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return serr.Wrap(err, "failed to write credential store")
	}
	if err := os.Rename(tmp, path); err != nil {
		return serr.Wrap(err, "failed to replace credential store")
	}
	return nil
}

// open verifies and decrypts a blob.
func (s *Store) open(blob blobFile) ([]byte, error) {
	nonce, err := hex.DecodeString(blob.IV)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrCorrupt
	}
	ciphertext, err := hex.DecodeString(blob.Data)
	if err != nil {
		return nil, ErrCorrupt
	}
	tag, err := hex.DecodeString(blob.Tag)
	if err != nil || len(tag) != gcmTagSize {
		return nil, ErrCorrupt
	}

	key, err := s.masterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, serr.Wrap(err, "failed to initialize cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, serr.Wrap(err, "failed to initialize GCM")
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		// Authentication failure: tampered or truncated blob.
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// masterKey reads the per-installation key, generating one on first use.
// The key file is owner read/write only and lives beside the blob.
func (s *Store) masterKey() ([]byte, error) {
	path := filepath.Join(s.dir, keyFileName)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, serr.F("vault key file %s has wrong size %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, serr.Wrap(err, "failed to read vault key")
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, serr.Wrap(err, "failed to generate vault key")
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, serr.Wrap(err, "failed to write vault key")
	}
	logger.Info("Generated new vault key", "path", path)
	return key, nil
}
