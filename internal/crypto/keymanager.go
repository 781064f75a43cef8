// Package crypto provides key management, EIP-712 signing, and HMAC
// authentication for the execution relay API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations follows the OWASP minimum for PBKDF2-HMAC-SHA256.
	kdfIterations = 480_000
	kdfSaltLen    = 16
	kdfKeyLen     = 32 // AES-256
	keyFileSchema = 1
)

// keyFile is the on-disk envelope for an encrypted signing key. All binary
// fields use standard base64.
type keyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig names the possible sources of the relay signing key. Exactly one
// of RawPrivateKey or EncryptedKeyPath should be set.
type KeyConfig struct {
	// RawPrivateKey is a hex-encoded key, with or without a 0x prefix.
	RawPrivateKey string

	// EncryptedKeyPath points at a file written by EncryptKey.
	EncryptedKeyPath string

	// KeyPassword unlocks the file at EncryptedKeyPath.
	KeyPassword string
}

// sealingCipher derives an AES-256 key from the password and salt and returns
// the GCM AEAD built on it.
func sealingCipher(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return gcm, nil
}

// normalizeKeyHex strips an optional 0x prefix and checks the key decodes to
// exactly 32 bytes.
func normalizeKeyHex(privateKeyHex string) ([]byte, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("crypto: want 32-byte key, got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}

// EncryptKey seals a hex-encoded private key under a password using
// PBKDF2-HMAC-SHA256 derivation and AES-256-GCM, returning the JSON envelope
// to write to disk.
func EncryptKey(privateKeyHex string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	keyBytes, err := normalizeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}

	gcm, err := sealingCipher(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	envelope := keyFile{
		Version:    keyFileSchema,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}
	return json.MarshalIndent(envelope, "", "  ")
}

// DecryptKey opens an envelope produced by EncryptKey and returns the
// hex-encoded private key without a 0x prefix.
func DecryptKey(encrypted []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var envelope keyFile
	if err := json.Unmarshal(encrypted, &envelope); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if envelope.Version != keyFileSchema {
		return "", fmt.Errorf("crypto: unsupported key file version %d", envelope.Version)
	}

	decode := func(name, src string) ([]byte, error) {
		decoded, err := base64.StdEncoding.DecodeString(src)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode %s: %w", name, err)
		}
		return decoded, nil
	}
	salt, err := decode("salt", envelope.Salt)
	if err != nil {
		return "", err
	}
	nonce, err := decode("nonce", envelope.Nonce)
	if err != nil {
		return "", err
	}
	ciphertext, err := decode("ciphertext", envelope.Ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := sealingCipher(password, salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: unseal key (wrong password?): %w", err)
	}
	return hex.EncodeToString(plaintext), nil
}

// LoadKey resolves the signing key from cfg. A raw key wins over an
// encrypted file when both are set.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		keyBytes, err := normalizeKeyHex(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(keyBytes), nil
	}

	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}

	return "", errors.New("crypto: no key source configured")
}
