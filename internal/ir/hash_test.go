package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeyDeterminism(t *testing.T) {
	k1, err := DedupKey("inst-1", 105, "0xabc", "large transfer")
	require.NoError(t, err)
	k2, err := DedupKey("inst-1", 105, "0xabc", "large transfer")
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "DedupKey must be deterministic")
	assert.Len(t, k1, 64, "SHA-256 hex is 64 characters")
}

func TestDedupKeyChangesWithInput(t *testing.T) {
	base := MustDedupKey("inst-1", 105, "0xabc", "m")

	assert.NotEqual(t, base, MustDedupKey("inst-2", 105, "0xabc", "m"), "instance")
	assert.NotEqual(t, base, MustDedupKey("inst-1", 106, "0xabc", "m"), "block")
	assert.NotEqual(t, base, MustDedupKey("inst-1", 105, "0xabd", "m"), "tx hash")
	assert.NotEqual(t, base, MustDedupKey("inst-1", 105, "0xabc", "n"), "message")
	assert.NotEqual(t, base, MustDedupKey("inst-1", 105, "", "m"), "missing tx")
}

func TestDedupKeyNormalizesInputs(t *testing.T) {
	assert.Equal(t,
		MustDedupKey("inst-1", 7, "0xABC", "cafe\u0301"),
		MustDedupKey("inst-1", 7, "0xabc", "caf\u00e9"),
		"tx hash case and message normalisation form must not matter")
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	h := sha256.New()
	h.Write([]byte("d"))
	h.Write([]byte{0})
	h.Write([]byte("x"))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), hashWithDomain("d", []byte("x")))

	// "ab"+"c" and "a"+"bc" must not collide.
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestModuleIDDomainSeparated(t *testing.T) {
	bin := []byte("\x00asm\x01\x00\x00\x00")
	plain := sha256.Sum256(bin)

	assert.Equal(t, ModuleID(bin), ModuleID(append([]byte(nil), bin...)))
	assert.NotEqual(t, hex.EncodeToString(plain[:]), ModuleID(bin))
	assert.NotEqual(t, ModuleID(bin), hashWithDomain(DomainIncident, bin))
}

func TestRegistrationKey(t *testing.T) {
	a, err := RegistrationKey("mod", "alice")
	require.NoError(t, err)
	b, err := RegistrationKey("mod", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMustDedupKeyNeverPanicsOnValidInput(t *testing.T) {
	assert.NotPanics(t, func() { MustDedupKey("", 0, "", "") })
}
