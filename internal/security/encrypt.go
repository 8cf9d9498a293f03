package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
)

// ciphertextPrefix marks stored values produced by Encrypt; anything else is
// read back as legacy clear text.
const ciphertextPrefix = "fernet:"

var hkdfInfo = []byte("reservation-core message body v1")

// Encryptor provides symmetric encryption for message bodies at rest.
// The Fernet key is derived from an arbitrary-length secret with HKDF-SHA256.
type Encryptor struct {
	keys []*fernet.Key
}

// NewEncryptor derives the primary key from secret. Older secrets may be
// passed so messages written before a rotation stay readable.
func NewEncryptor(secret string, previous ...string) (*Encryptor, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("encryption secret must not be empty")
	}

	keys := make([]*fernet.Key, 0, len(previous)+1)
	for _, s := range append([]string{secret}, previous...) {
		if strings.TrimSpace(s) == "" {
			continue
		}
		key, err := deriveKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return &Encryptor{keys: keys}, nil
}

func deriveKey(secret string) (*fernet.Key, error) {
	var key fernet.Key
	reader := hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &key, nil
}

// Encrypt seals plain with the primary key
func (e *Encryptor) Encrypt(plain string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(plain), e.keys[0])
	if err != nil {
		return "", fmt.Errorf("failed to encrypt message: %w", err)
	}
	return ciphertextPrefix + string(token), nil
}

// Decrypt opens a value produced by Encrypt with any known key.
// Values without the prefix are returned unchanged.
func (e *Encryptor) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, ciphertextPrefix) {
		return stored, nil
	}
	token := []byte(strings.TrimPrefix(stored, ciphertextPrefix))
	if plain := fernet.VerifyAndDecrypt(token, 0, e.keys); plain != nil {
		return string(plain), nil
	}
	return "", errors.New("failed to decrypt message payload")
}
