package credential

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

// sealAAD binds sealed documents to their purpose.
var sealAAD = []byte("chinmina-gallery/credential/v1")

// fileDocument is the on-disk shape. The key names match the storage keys
// used by the web client ("token" and "username").
type fileDocument struct {
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Sealed   string `yaml:"sealed,omitempty"`
}

// FileBackend persists the record as a YAML document at a fixed path. Every
// client run by the same OS user reads the same file, so the credential is
// scoped to the user profile and concurrently running clients see each
// other's writes on their next Reload.
type FileBackend struct {
	path string
	aead cipher.AEAD
}

// DefaultFilePath returns the credential location inside the user
// configuration directory.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user configuration directory: %w", err)
	}
	return filepath.Join(dir, "chinmina-gallery", "credential.yaml"), nil
}

// NewFileBackend creates a file backend. When key is non-nil it must be 32
// bytes, and the document is sealed with XChaCha20-Poly1305.
func NewFileBackend(path string, key []byte) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("credential file path must be configured")
	}

	b := &FileBackend{path: path}

	if key != nil {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("could not create credential cipher: %w", err)
		}
		b.aead = aead
	}

	return b, nil
}

func (b *FileBackend) Load(ctx context.Context) (Record, bool, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Record{}, false, fmt.Errorf("credential file %s is malformed: %w", b.path, err)
	}

	if doc.Sealed != "" {
		doc, err = b.open(doc.Sealed)
		if err != nil {
			return Record{}, false, err
		}
	} else if b.aead != nil && doc.Token != "" {
		log.Warn().Str("path", b.path).Msg("credential file is not sealed; it will be sealed on next save")
	}

	rec := Record{
		Token:    Credential(doc.Token),
		Identity: Identity(doc.Username),
	}

	return rec, !rec.IsZero(), nil
}

func (b *FileBackend) Save(ctx context.Context, rec Record) error {
	doc := fileDocument{
		Token:    string(rec.Token),
		Username: string(rec.Identity),
	}

	if b.aead != nil {
		sealed, err := b.seal(doc)
		if err != nil {
			return err
		}
		doc = fileDocument{Sealed: sealed}
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("could not encode credential document: %w", err)
	}

	return writeFileAtomic(b.path, data)
}

func (b *FileBackend) Delete(ctx context.Context) error {
	err := os.Remove(b.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) seal(doc fileDocument) (string, error) {
	plaintext, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("could not encode credential document: %w", err)
	}

	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, plaintext, sealAAD)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *FileBackend) open(sealed string) (fileDocument, error) {
	if b.aead == nil {
		return fileDocument{}, fmt.Errorf("credential file %s is sealed but no encryption key is configured", b.path)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return fileDocument{}, fmt.Errorf("sealed credential is not valid base64: %w", err)
	}
	if len(raw) < b.aead.NonceSize() {
		return fileDocument{}, errors.New("sealed credential is truncated")
	}

	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, sealAAD)
	if err != nil {
		return fileDocument{}, fmt.Errorf("could not open sealed credential: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("sealed credential is malformed: %w", err)
	}

	return doc, nil
}

// writeFileAtomic replaces path with data via a temporary file in the same
// directory, so readers never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("could not create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
