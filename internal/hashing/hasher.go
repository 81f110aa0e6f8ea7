package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/config"
	"otp-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash = errors.New("invalid hash format")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher produces keyed hashes of OTP codes. The pepper keys the hash
// so a leaked ledger alone cannot be brute-forced offline against the
// small code space.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	config        *config.Config
	mu            sync.RWMutex
}

// HashResult carries everything the ledger persists about a code: the
// keyed hash, its salt, and the fingerprint metadata used purely for
// diagnostics.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
	Fingerprint   string `json:"fingerprint"` // truncated secondary hash
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	h := &Hasher{
		params: params,
		config: cfg,
	}

	h.rotatePepper()

	return h
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		CreatedAt: time.Now(),
		Version:   len(h.oldPeppers) + 1,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// StartPepperRotation starts background pepper rotation. Verification
// of in-flight codes keeps working: the version recorded in the ledger
// row selects the pepper that hashed it.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}

// HashCode hashes an OTP plaintext for the given purpose. The purpose
// is mixed into the input so identical codes issued for different
// purposes never share a hash.
func (h *Hasher) HashCode(code, purpose string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	contextualData := code + pepper.Value + purpose

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     "argon2id-v1",
		Fingerprint:   fingerprint(code, purpose),
	}, nil
}

// VerifyCode checks a submitted code against a stored hash in constant
// time.
func (h *Hasher) VerifyCode(code, purpose string, stored *HashResult) (bool, error) {
	pepper, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, fmt.Errorf("pepper version not found: %w", err)
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := code + pepper + purpose

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// IdentifierHash returns the unkeyed SHA-256 lookup hash for a
// canonical identifier.
func IdentifierHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}

	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}

	return "", errors.New("pepper version not found")
}

// fingerprint is a truncated unkeyed hash kept alongside the real hash
// for operator diagnostics. Too short to recover the code from.
func fingerprint(code, purpose string) string {
	sum := sha256.Sum256([]byte(purpose + ":" + code))
	return hex.EncodeToString(sum[:4])
}
