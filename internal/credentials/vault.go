// Package credentials keeps provider secrets encrypted at rest. Secrets are
// decrypted only for the request that needs them.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	NonceSize        = 12
	SaltSize         = 32
	KeySize          = 32
	PBKDF2Iterations = 100000

	vaultVersion = 1
	checkValue   = "relaycal-vault"
)

var (
	ErrNotFound        = errors.New("credential not found")
	ErrWrongPassphrase = errors.New("vault passphrase does not match")
)

// Secret is one provider credential. Token holds an OAuth2 refresh token
// for bearer-authenticated providers.
type Secret struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type vaultFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Check   string            `json:"check"`
	Secrets map[string]string `json:"secrets"`
}

// Vault is a passphrase-protected file of secrets keyed by reference name.
type Vault struct {
	path string
	gcm  cipher.AEAD
	salt []byte

	mu      sync.Mutex
	check   string
	secrets map[string]string
}

// Open loads the vault at path, creating an empty one when the file does
// not exist yet.
func Open(path, passphrase string) (*Vault, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("vault path is required")
	}
	if passphrase == "" {
		return nil, errors.New("vault passphrase is required")
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) || len(strings.TrimSpace(string(data))) == 0 {
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		v, err := newVault(path, passphrase, salt)
		if err != nil {
			return nil, err
		}
		check, err := v.seal([]byte(checkValue))
		if err != nil {
			return nil, err
		}
		v.check = check
		return v, nil
	}

	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode vault %s: %w", path, err)
	}
	if file.Version != vaultVersion {
		return nil, fmt.Errorf("unsupported vault version %d", file.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) != SaltSize {
		return nil, errors.New("invalid vault salt")
	}
	v, err := newVault(path, passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := v.open(file.Check)
	if err != nil || string(plain) != checkValue {
		return nil, ErrWrongPassphrase
	}
	v.check = file.Check
	if file.Secrets != nil {
		v.secrets = file.Secrets
	}
	return v, nil
}

func newVault(path, passphrase string, salt []byte) (*Vault, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{
		path:    path,
		gcm:     gcm,
		salt:    salt,
		secrets: map[string]string{},
	}, nil
}

// Put encrypts and stores secret under ref, replacing any previous value.
func (v *Vault) Put(ref string, secret Secret) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("credential ref is required")
	}
	plain, err := json.Marshal(secret)
	if err != nil {
		return err
	}
	sealed, err := v.seal(plain)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[ref] = sealed
	return v.saveLocked()
}

// Get decrypts the secret stored under ref.
func (v *Vault) Get(ctx context.Context, ref string) (Secret, error) {
	if err := ctx.Err(); err != nil {
		return Secret{}, err
	}
	v.mu.Lock()
	sealed, ok := v.secrets[strings.TrimSpace(ref)]
	v.mu.Unlock()
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	plain, err := v.open(sealed)
	if err != nil {
		return Secret{}, fmt.Errorf("decrypt credential %s: %w", ref, err)
	}
	var secret Secret
	if err := json.Unmarshal(plain, &secret); err != nil {
		return Secret{}, fmt.Errorf("decode credential %s: %w", ref, err)
	}
	return secret, nil
}

func (v *Vault) Delete(ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ref = strings.TrimSpace(ref)
	if _, ok := v.secrets[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	delete(v.secrets, ref)
	return v.saveLocked()
}

func (v *Vault) Refs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	refs := make([]string, 0, len(v.secrets))
	for ref := range v.secrets {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Basic returns a per-request credential callback for HTTP basic auth.
func (v *Vault) Basic(ref string) func(ctx context.Context) (string, string, error) {
	return func(ctx context.Context) (string, string, error) {
		secret, err := v.Get(ctx, ref)
		if err != nil {
			return "", "", err
		}
		if secret.Username == "" {
			return "", "", fmt.Errorf("credential %s has no username", ref)
		}
		return secret.Username, secret.Password, nil
	}
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := v.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (v *Vault) open(sealed string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:NonceSize]
	return v.gcm.Open(nil, nonce, ciphertext[NonceSize:], nil)
}

func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(vaultFile{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Check:   v.check,
		Secrets: v.secrets,
	}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(v.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}
