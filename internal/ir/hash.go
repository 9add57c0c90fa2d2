package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change later.
const (
	DomainModule   = "vigil/module/v1"
	DomainIncident = "vigil/incident/v1"
	DomainOutbox   = "vigil/outbox/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The 0x00 separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ModuleID returns the content address of a WASM binary. Two deployments of
// the same bytes resolve to the same module.
func ModuleID(binary []byte) string {
	return hashWithDomain(DomainModule, binary)
}

// DedupKey computes the idempotency key for an incident.
//
// The key covers (instance, block, transaction, message). Severity is
// excluded: a daemon that re-reports the same finding with a different
// severity on retry still produces one incident. The transaction hash is
// lowercased and the message NFC-normalised before hashing.
func DedupKey(instanceID string, block uint64, txHash, message string) (string, error) {
	obj := map[string]any{
		"instance_id":      instanceID,
		"block_number":     block,
		"transaction_hash": strings.ToLower(txHash),
		"message":          norm.NFC.String(message),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DedupKey: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainIncident, canonical), nil
}

// MustDedupKey is DedupKey for inputs known to be valid. Panics on error.
func MustDedupKey(instanceID string, block uint64, txHash, message string) string {
	key, err := DedupKey(instanceID, block, txHash, message)
	if err != nil {
		panic(err)
	}
	return key
}

// RegistrationKey is the ledger idempotency key for registering a module
// under an owner.
func RegistrationKey(moduleID, owner string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"module_id": moduleID,
		"owner":     owner,
	})
	if err != nil {
		return "", fmt.Errorf("RegistrationKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOutbox, canonical), nil
}
