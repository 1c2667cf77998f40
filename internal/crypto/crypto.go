// Package crypto encrypts stored credentials with a fernet key. The key is
// persisted through a small key-value accessor so the same ciphertexts stay
// readable across restarts.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// KeySetting names the persisted fernet key in the settings store.
const KeySetting = "fernet_key"

// Settings is the persistence surface the Keeper needs for its key.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Keeper holds the fernet key used for credential encryption.
type Keeper struct {
	key *fernet.Key
}

// NewKeeper loads the fernet key from settings, generating and persisting a
// fresh one on first run.
func NewKeeper(settings Settings) (*Keeper, error) {
	keyStr, err := settings.GetSetting(KeySetting)
	if err != nil || keyStr == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := settings.SetSetting(KeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Keeper{key: &k}, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Keeper{key: key}, nil
}

// Encrypt returns the fernet token for the plaintext.
func (k *Keeper) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), k.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a fernet token. An empty ciphertext decrypts
// to the empty string.
func (k *Keeper) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{k.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}
