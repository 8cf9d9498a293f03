package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// secretBytes gives 256-bit secrets, enough for HS256 and the HKDF input of the message cipher.
const secretBytes = 32

// ServiceSecrets holds the shared JWT key and the at-rest message key.
type ServiceSecrets struct {
	JWT               string
	MessageEncryption string
}

// GenerateSecret returns n random bytes, hex encoded.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func GenerateServiceSecrets() (ServiceSecrets, error) {
	var s ServiceSecrets
	for _, slot := range []struct {
		name string
		dst  *string
	}{
		{"JWT", &s.JWT},
		{"message encryption", &s.MessageEncryption},
	} {
		v, err := GenerateSecret(secretBytes)
		if err != nil {
			return ServiceSecrets{}, fmt.Errorf("failed to generate %s secret: %w", slot.name, err)
		}
		*slot.dst = v
	}
	return s, nil
}

// DotEnv renders the secrets as .env lines using the variable names config.Load reads.
func (s ServiceSecrets) DotEnv() string {
	var b strings.Builder
	fmt.Fprintf(&b, "JWT_SECRET=%s\n", s.JWT)
	fmt.Fprintf(&b, "MESSAGE_ENCRYPTION_SECRET=%s\n", s.MessageEncryption)
	return b.String()
}
