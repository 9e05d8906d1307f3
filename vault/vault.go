// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package vault implements the encrypted on-disk credential store used by
// input adapters. Secrets live in a YAML document keyed by UUID; each field
// is individually encrypted under a key derived from the vault master key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultVaultName is the vault file name under the agent data dir.
	DefaultVaultName = "reflexsoar-agent-vault.yml"

	// DefaultIterations is the PBKDF2 iteration count for new ciphertexts.
	// Existing ciphertexts carry their own count and remain readable after
	// the default changes.
	DefaultIterations = 100_000

	saltSize      = 16
	derivedKeyLen = 32
)

// Secret is a decrypted credential pair.
type Secret struct {
	Username string
	Password string
}

// entry is the on-disk shape of one secret: both fields are the opaque
// encrypted string produced by encrypt.
type entry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config parameterizes NewVault.
type Config struct {
	// Path is the directory holding the vault file. Empty means the agent
	// data dir.
	Path string

	// Name is the vault file name; defaults to DefaultVaultName, or the
	// REFLEX_AGENT_VAULT_NAME environment variable when set.
	Name string

	// SecretKey is the master key. When empty it is read from
	// REFLEX_AGENT_VAULT_SECRET, and generated fresh as a last resort.
	SecretKey string

	// Iterations overrides the PBKDF2 iteration count.
	Iterations int

	// EmptyVault initializes an empty document instead of failing on a
	// missing file.
	EmptyVault bool

	Logger hclog.Logger
}

// Vault reads and writes encrypted secrets in a single YAML file. In-process
// access is serialized with a mutex; cross-process writers are excluded with
// a sidecar lock file.
type Vault struct {
	name       string
	path       string
	iterations int
	secretKey  string
	emptyVault bool
	logger     hclog.Logger

	mu      sync.Mutex
	secrets map[string]entry

	// deleted holds ids removed since the last successful write, so the
	// Save merge does not resurrect them from the on-disk document.
	deleted map[string]struct{}
}

// NewVault opens (or prepares) the vault file and loads any existing
// secrets.
func NewVault(cfg Config) (*Vault, error) {
	name := cfg.Name
	if name == "" {
		name = os.Getenv("REFLEX_AGENT_VAULT_NAME")
	}
	if name == "" {
		name = DefaultVaultName
	}

	secretKey := cfg.SecretKey
	if secretKey == "" {
		secretKey = os.Getenv("REFLEX_AGENT_VAULT_SECRET")
	}
	if secretKey == "" {
		generated, err := generateSecretKey()
		if err != nil {
			return nil, err
		}
		secretKey = generated
	}

	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	dir := cfg.Path
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve vault directory: %w", err)
		}
		dir = filepath.Join(home, ".reflexsoar-agent")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	v := &Vault{
		name:       name,
		path:       filepath.Join(dir, name),
		iterations: iterations,
		secretKey:  secretKey,
		emptyVault: cfg.EmptyVault,
		logger:     logger.Named("vault"),
		secrets:    make(map[string]entry),
		deleted:    make(map[string]struct{}),
	}

	if err := v.Load(); err != nil {
		return nil, err
	}
	return v, nil
}

// Name returns the vault file name.
func (v *Vault) Name() string { return v.name }

// Path returns the full vault file path.
func (v *Vault) Path() string { return v.path }

// SecretKey returns the master key. Exposed so that a key generated during
// vault initialization can be shown to the operator once.
func (v *Vault) SecretKey() string { return v.secretKey }

// Setup creates the vault file if it does not exist.
func (v *Vault) Setup() error {
	if _, err := os.Stat(v.path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	if v.emptyVault {
		v.mu.Lock()
		v.secrets = make(map[string]entry)
		v.mu.Unlock()
	}
	return v.writeFile()
}

// Load reads the vault file into memory. A missing file triggers Setup.
func (v *Vault) Load() error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return v.Setup()
		}
		return fmt.Errorf("failed to read vault: %w", err)
	}

	secrets := make(map[string]entry)
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &secrets); err != nil {
			return fmt.Errorf("failed to parse vault: %w", err)
		}
	}

	v.mu.Lock()
	v.secrets = secrets
	v.deleted = make(map[string]struct{})
	v.mu.Unlock()
	return nil
}

// Refresh re-reads the vault file under the cross-process lock, picking up
// secrets written by other workers.
func (v *Vault) Refresh() error {
	lock, err := acquireFileLock(v.path)
	if err != nil {
		return err
	}
	defer lock.release()
	return v.Load()
}

// Create encrypts and stores a new credential pair, returning its UUID. The
// vault file is rewritten immediately.
func (v *Vault) Create(username, password string) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate secret id: %w", err)
	}

	if err := v.put(id, username, password); err != nil {
		return "", err
	}

	if err := v.Save(); err != nil {
		return "", err
	}
	return id, nil
}

// Update replaces the credential stored under id.
func (v *Vault) Update(id, username, password string) error {
	return v.put(id, username, password)
}

func (v *Vault) put(id, username, password string) error {
	encUser, err := v.encrypt(username)
	if err != nil {
		return err
	}
	encPass, err := v.encrypt(password)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.secrets[id] = entry{Username: encUser, Password: encPass}
	delete(v.deleted, id)
	v.mu.Unlock()
	return nil
}

// Get decrypts and returns the secret stored under id, or nil when absent.
// Fields that fail integrity checks decrypt to "".
func (v *Vault) Get(id string) *Secret {
	v.mu.Lock()
	stored, ok := v.secrets[id]
	v.mu.Unlock()
	if !ok {
		return nil
	}

	return &Secret{
		Username: v.decrypt(stored.Username),
		Password: v.decrypt(stored.Password),
	}
}

// Delete removes the secret stored under id. Unless skipSave is set the
// vault file is rewritten.
func (v *Vault) Delete(id string, skipSave bool) error {
	v.mu.Lock()
	delete(v.secrets, id)
	v.deleted[id] = struct{}{}
	v.mu.Unlock()

	if skipSave {
		return nil
	}
	return v.Save()
}

// Save writes the full secret document under the cross-process lock. To
// avoid clobbering secrets created by other workers, the on-disk document is
// merged with the in-memory one before writing: in-memory entries win, and
// ids deleted locally since the last write stay deleted.
func (v *Vault) Save() error {
	lock, err := acquireFileLock(v.path)
	if err != nil {
		return err
	}
	defer lock.release()

	if raw, err := os.ReadFile(v.path); err == nil && len(raw) > 0 {
		onDisk := make(map[string]entry)
		if err := yaml.Unmarshal(raw, &onDisk); err == nil {
			v.mu.Lock()
			for id, stored := range onDisk {
				if _, tombstoned := v.deleted[id]; tombstoned {
					continue
				}
				if _, ok := v.secrets[id]; !ok {
					v.secrets[id] = stored
				}
			}
			v.mu.Unlock()
		}
	}

	if err := v.writeFile(); err != nil {
		return err
	}

	v.mu.Lock()
	v.deleted = make(map[string]struct{})
	v.mu.Unlock()
	return nil
}

func (v *Vault) writeFile() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var raw []byte
	if len(v.secrets) > 0 {
		encoded, err := yaml.Marshal(v.secrets)
		if err != nil {
			return fmt.Errorf("failed to encode vault: %w", err)
		}
		raw = encoded
	}

	if err := os.WriteFile(v.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return nil
}

// encrypt derives a fresh key from the master key and a random salt, seals
// the plaintext with AES-256-GCM, and packs salt, iteration count and inner
// token into one base64 string.
func (v *Vault) encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := newAEAD(v.secretKey, salt, v.iterations)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	inner := base64.URLEncoding.EncodeToString(append(nonce, sealed...))

	payload := make([]byte, 0, saltSize+4+len(inner))
	payload = append(payload, salt...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(v.iterations))
	payload = append(payload, []byte(inner)...)

	return base64.URLEncoding.EncodeToString(payload), nil
}

// decrypt reverses encrypt. Any parse or integrity failure yields "" so
// that callers never see an error for a tampered or foreign-key ciphertext.
func (v *Vault) decrypt(ciphertext string) string {
	payload, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil || len(payload) < saltSize+4 {
		return ""
	}

	salt := payload[:saltSize]
	iterations := int(binary.BigEndian.Uint32(payload[saltSize : saltSize+4]))

	inner, err := base64.URLEncoding.DecodeString(string(payload[saltSize+4:]))
	if err != nil {
		return ""
	}

	aead, err := newAEAD(v.secretKey, salt, iterations)
	if err != nil {
		return ""
	}
	if len(inner) < aead.NonceSize() {
		return ""
	}

	nonce, sealed := inner[:aead.NonceSize()], inner[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}

func newAEAD(secretKey string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secretKey), salt, iterations, derivedKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build aead: %w", err)
	}
	return aead, nil
}

func generateSecretKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate vault key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}
