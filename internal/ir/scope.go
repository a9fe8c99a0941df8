package ir

import (
	"fmt"
	"strings"
)

// ScopeKey identifies a DCB scope.
// Format: "tenant:{tenantId}:{scopeType}:{scopeId}".
type ScopeKey string

const scopeKeyPrefix = "tenant"

// NewScopeKey builds a scope key from its parts. Parts must be non-empty and
// must not contain ':'.
func NewScopeKey(tenantID, scopeType, scopeID string) (ScopeKey, error) {
	for name, part := range map[string]string{
		"tenant id":  tenantID,
		"scope type": scopeType,
		"scope id":   scopeID,
	} {
		if part == "" {
			return "", fmt.Errorf("scope key: %s is required", name)
		}
		if strings.Contains(part, ":") {
			return "", fmt.Errorf("scope key: %s %q must not contain ':'", name, part)
		}
	}
	return ScopeKey(scopeKeyPrefix + ":" + tenantID + ":" + scopeType + ":" + scopeID), nil
}

// MustScopeKey is like NewScopeKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustScopeKey(tenantID, scopeType, scopeID string) ScopeKey {
	k, err := NewScopeKey(tenantID, scopeType, scopeID)
	if err != nil {
		panic(err)
	}
	return k
}

// Parse splits a scope key into tenant, scope type and scope id.
func (k ScopeKey) Parse() (tenantID, scopeType, scopeID string, err error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 4 || parts[0] != scopeKeyPrefix {
		return "", "", "", fmt.Errorf("invalid scope key %q: want tenant:{tenantId}:{scopeType}:{scopeId}", string(k))
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "", "", "", fmt.Errorf("invalid scope key %q: empty segment", string(k))
		}
	}
	return parts[1], parts[2], parts[3], nil
}

// Validate returns an error if the key is malformed.
func (k ScopeKey) Validate() error {
	_, _, _, err := k.Parse()
	return err
}

// String implements fmt.Stringer.
func (k ScopeKey) String() string { return string(k) }
