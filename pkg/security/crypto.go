package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"

	"personadb/pkg/config"
)

const dekSize = 32

// Keyring wraps and unwraps per-conversation data keys under a local KEK.
type Keyring struct {
	wrapper *aead.Wrapper
	kekID   string
}

// NewKeyring builds a keyring from the encryption config. The KEK is read
// from master_key_file (hex) or master_key_hex and must decode to 32 bytes.
func NewKeyring(ctx context.Context, cfg *config.Config) (*Keyring, error) {
	raw := strings.TrimSpace(cfg.Security.Encryption.MasterKeyHex)
	if f := strings.TrimSpace(cfg.Security.Encryption.MasterKeyFile); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read master key file: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}
	if raw == "" {
		return nil, fmt.Errorf("encryption enabled but no master key configured")
	}
	kek, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(kek) != dekSize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", dekSize, len(kek))
	}
	return NewKeyringFromKey(ctx, kek, "local")
}

// NewKeyringFromKey builds a keyring from raw KEK bytes.
func NewKeyringFromKey(ctx context.Context, kek []byte, kekID string) (*Keyring, error) {
	w := aead.NewWrapper()
	_, err := w.SetConfig(ctx, wrapping.WithConfigMap(map[string]string{
		"key":    base64.StdEncoding.EncodeToString(kek),
		"key_id": kekID,
	}))
	if err != nil {
		return nil, fmt.Errorf("configure key wrapper: %w", err)
	}
	return &Keyring{wrapper: w, kekID: kekID}, nil
}

// KEKID returns the identifier of the wrapping key.
func (k *Keyring) KEKID() string { return k.kekID }

// CreateDEK mints a fresh data key and returns its id, the plaintext key
// and the wrapped form for storage.
func (k *Keyring) CreateDEK(ctx context.Context) (keyID string, dek []byte, wrapped string, err error) {
	dek = make([]byte, dekSize)
	if _, err = rand.Read(dek); err != nil {
		return "", nil, "", fmt.Errorf("generate data key: %w", err)
	}
	info, err := k.wrapper.Encrypt(ctx, dek)
	if err != nil {
		return "", nil, "", fmt.Errorf("wrap data key: %w", err)
	}
	keyID = "dek_" + uuid.NewString()
	wrapped = base64.StdEncoding.EncodeToString(info.Ciphertext)
	return keyID, dek, wrapped, nil
}

// UnwrapDEK recovers a plaintext data key from its stored wrapped form.
func (k *Keyring) UnwrapDEK(ctx context.Context, wrapped string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	dek, err := k.wrapper.Decrypt(ctx, &wrapping.BlobInfo{Ciphertext: ct})
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	return dek, nil
}

// EncryptBody seals a message body with the given data key. The nonce is
// prepended to the ciphertext; output is base64.
func EncryptBody(dek []byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptBody opens a body sealed by EncryptBody.
func DecryptBody(dek []byte, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed body too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
