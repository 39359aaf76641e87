// Package auth provides API key utilities for the reconmap API server. Keys
// are generated once, shown to the operator, and only their bcrypt hashes are
// kept in the configuration file.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "rm"
	// DisplayPrefixLength is the length of prefix shown in listings (e.g., "rm_abcdefgh...")
	DisplayPrefixLength = 12

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	// MaxAPIKeyNameLength is the maximum length for API key names
	MaxAPIKeyNameLength = 255
)

// hashCost is the cost used by HashAPIKey. Tests lower it.
var hashCost = BcryptCost

// KeyConfig is an API key entry of the configuration file.
type KeyConfig struct {
	Name      string     `yaml:"name" json:"name" mapstructure:"name" validate:"required,max=255"`
	Hash      string     `yaml:"hash" json:"hash" mapstructure:"hash" validate:"required"`
	Role      string     `yaml:"role,omitempty" json:"role,omitempty" mapstructure:"role" validate:"omitempty,oneof=operator readonly"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty" mapstructure:"expires_at"`
}

// IsExpired checks if the key has expired.
func (k KeyConfig) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return k.ExpiresAt.Before(time.Now().UTC())
}

// GeneratedAPIKey contains a newly generated API key and the configuration
// entry that accepts it.
type GeneratedAPIKey struct {
	Key       string    `json:"key"` // only shown once
	KeyPrefix string    `json:"key_prefix"`
	Entry     KeyConfig `json:"entry"`
}

// GenerateAPIKey creates a new API key with the specified name and role and
// hashes it.
func GenerateAPIKey(name, role string) (*GeneratedAPIKey, error) {
	if err := validateKeyName(name); err != nil {
		return nil, fmt.Errorf("invalid key name: %w", err)
	}
	if role == "" {
		role = RoleOperator
	}
	if !IsValidRole(role) {
		return nil, fmt.Errorf("invalid role: %s", role)
	}

	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))
	if len(randomPart) > APIKeyLength {
		randomPart = randomPart[:APIKeyLength]
	}
	fullKey := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)

	hash, err := HashAPIKey(fullKey)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:       fullKey,
		KeyPrefix: CreateDisplayPrefix(fullKey),
		Entry:     KeyConfig{Name: name, Hash: hash, Role: role},
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key for the configuration file.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), bcryptInput(apiKey)) == nil
}

// bcryptInput pre-hashes keys longer than bcrypt's 72-byte limit.
func bcryptInput(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > BcryptMaxInputLength {
		sum := sha256.Sum256(b)
		b = sum[:]
	}
	return b
}

// IsValidAPIKeyFormat checks if an API key has the correct format.
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < 15 || len(apiKey) > 50 {
		return false
	}
	for _, char := range apiKey {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a safe-to-display prefix from a full API key.
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	if len(apiKey) > DisplayPrefixLength-1 {
		return apiKey[:DisplayPrefixLength-1] + "..."
	}
	return apiKey + "..."
}

func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	if len(name) > MaxAPIKeyNameLength {
		return fmt.Errorf("key name must be at most %d characters", MaxAPIKeyNameLength)
	}

	for _, char := range name {
		// ASCII and C1 controls, bidi overrides and isolates
		if char < 32 || char == 127 ||
			(char >= 0x0080 && char <= 0x009F) ||
			(char >= 0x202A && char <= 0x202E) ||
			(char >= 0x2066 && char <= 0x2069) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}
	return nil
}
