package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
	})
}

func TestHashAndVerifyRoundtrip(t *testing.T) {
	h := testHasher()

	result, err := h.HashCode("123456", "login")
	require.NoError(t, err)

	assert.NotEmpty(t, result.Hash)
	assert.NotEmpty(t, result.Salt)
	assert.Equal(t, "argon2id-v1", result.Algorithm)
	assert.Equal(t, 1, result.PepperVersion)
	assert.Len(t, result.Fingerprint, 8)

	ok, err := h.VerifyCode("123456", "login", result)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	h := testHasher()

	result, err := h.HashCode("123456", "login")
	require.NoError(t, err)

	ok, err := h.VerifyCode("654321", "login", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsWrongPurpose(t *testing.T) {
	h := testHasher()

	result, err := h.HashCode("123456", "login")
	require.NoError(t, err)

	// The purpose keys the hash: the same code issued for checkout must
	// not verify against the login row.
	ok, err := h.VerifyCode("123456", "checkout", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUnknownPepperVersionFails(t *testing.T) {
	h := testHasher()

	result, err := h.HashCode("123456", "login")
	require.NoError(t, err)

	result.PepperVersion = 42
	_, err = h.VerifyCode("123456", "login", result)
	assert.Error(t, err)
}

func TestHashesAreSaltedPerCall(t *testing.T) {
	h := testHasher()

	first, err := h.HashCode("123456", "login")
	require.NoError(t, err)
	second, err := h.HashCode("123456", "login")
	require.NoError(t, err)

	assert.NotEqual(t, first.Hash, second.Hash)
	assert.NotEqual(t, first.Salt, second.Salt)
	assert.Equal(t, first.Fingerprint, second.Fingerprint, "fingerprint is deliberately stable for diagnostics")
}

func TestPepperRotationKeepsOldCodesVerifiable(t *testing.T) {
	h := testHasher()

	before, err := h.HashCode("123456", "login")
	require.NoError(t, err)

	h.rotatePepper()

	after, err := h.HashCode("123456", "login")
	require.NoError(t, err)
	assert.Equal(t, 2, after.PepperVersion)

	ok, err := h.VerifyCode("123456", "login", before)
	require.NoError(t, err)
	assert.True(t, ok, "rows hashed under the previous pepper must keep verifying")
}

func TestIdentifierHash(t *testing.T) {
	hash := IdentifierHash("8801712345678")
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, IdentifierHash("8801712345678"))
	assert.NotEqual(t, hash, IdentifierHash("8801712345679"))
}
