package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainPayload  = "libar/payload/v1"
	DomainDecision = "libar/decision/v1"
	DomainCommand  = "libar/command/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns the content hash of a JSON payload. Formatting
// differences do not change the hash.
func PayloadHash(payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// DecisionID derives a stable decision identifier from the agent, the
// pattern that matched and the triggering events. Re-processing the same
// trigger set yields the same decision id, which keeps approvals and
// emitted commands idempotent.
func DecisionID(agentID, pattern string, triggeringEventIDs []string) (string, error) {
	obj := map[string]any{
		"agent_id": agentID,
		"pattern":  pattern,
		"events":   triggeringEventIDs,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DecisionID: failed to marshal: %w", err)
	}
	return "dec_" + hashWithDomain(DomainDecision, canonical)[:32], nil
}

// CommandFingerprint hashes a command's type, target and payload. The
// ledger stores it to flag reused command ids carrying different content.
func CommandFingerprint(cmd Command) (string, error) {
	payload, err := Canonicalize(cmd.Payload)
	if err != nil {
		return "", fmt.Errorf("CommandFingerprint: %w", err)
	}
	obj := map[string]any{
		"command_type":   cmd.CommandType,
		"target_context": cmd.TargetContext,
		"payload":        payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CommandFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCommand, canonical), nil
}
