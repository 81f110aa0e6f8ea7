package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedTarget is an envelope-encrypted contact target as persisted
// on the subject row.
type EncryptedTarget struct {
	Ciphertext   string
	EncryptedDEK string
	KeyID        string
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// Manager envelope-encrypts contact targets. With KMS disabled (local
// development) the DEK is only base64-wrapped, never sent anywhere.
type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // decrypted DEKs keyed by wrapped DEK
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (m *Manager) generateDataKey(ctx context.Context) (*DataKey, error) {
	if !m.config.KMS.Enabled {
		return m.generateLocalKey(), nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      m.config.KMS.KeyID,
	}, nil
}

func (m *Manager) generateLocalKey() *DataKey {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate local encryption key", zap.Error(err))
	}

	// In development the "wrapped" key is just base64
	ciphertext := []byte(base64.StdEncoding.EncodeToString(key))

	return &DataKey{
		Plaintext:  key,
		Ciphertext: ciphertext,
		KeyID:      uuid.New().String(),
	}
}

// EncryptTarget envelope-encrypts a contact target (phone or email).
func (m *Manager) EncryptTarget(ctx context.Context, plaintext string) (*EncryptedTarget, error) {
	dataKey, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	m.keyCache.Store(cacheKey, dataKey.Plaintext)

	return &EncryptedTarget{
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK: cacheKey,
		KeyID:        dataKey.KeyID,
	}, nil
}

// DecryptTarget recovers the plaintext contact target for delivery.
func (m *Manager) DecryptTarget(ctx context.Context, target *EncryptedTarget) (string, error) {
	if cached, ok := m.keyCache.Load(target.EncryptedDEK); ok {
		return m.decryptWithKey(target.Ciphertext, cached.([]byte))
	}

	var plaintextDEK []byte
	if m.config.KMS.Enabled {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(target.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		input := &kms.DecryptInput{
			CiphertextBlob: ciphertextBlob,
		}

		result, err := m.kmsClient.Decrypt(ctx, input)
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}

		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(target.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(target.EncryptedDEK, plaintextDEK)

	return m.decryptWithKey(target.Ciphertext, plaintextDEK)
}

func (m *Manager) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// ClearCache drops every cached DEK.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, value interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}
