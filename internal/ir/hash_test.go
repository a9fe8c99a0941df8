package ir

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainNullSeparator(t *testing.T) {
	// Without the separator "ab"+"c" and "a"+"bc" would collide.
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestHashHexEncoding(t *testing.T) {
	h := hashWithDomain(DomainPayload, []byte("{}"))
	assert.Len(t, h, 64)
	_, err := hex.DecodeString(h)
	assert.NoError(t, err)
}

func TestPayloadHash_IgnoresFormatting(t *testing.T) {
	a, err := PayloadHash([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := PayloadHash([]byte(`{ "a": 2, "b": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := PayloadHash([]byte(`{"a":2,"b":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = PayloadHash([]byte(`{`))
	assert.Error(t, err)
}

func TestDecisionID(t *testing.T) {
	id1, err := DecisionID("churn-agent", "churn-risk", []string{"evt-1", "evt-2"})
	require.NoError(t, err)
	id2, err := DecisionID("churn-agent", "churn-risk", []string{"evt-1", "evt-2"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same inputs yield the same id")
	assert.Regexp(t, `^dec_[0-9a-f]{32}$`, id1)

	other, err := DecisionID("churn-agent", "churn-risk", []string{"evt-2", "evt-1"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, other, "event order is significant")

	otherPattern, err := DecisionID("churn-agent", "fraud", []string{"evt-1", "evt-2"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, otherPattern)
}

func TestCommandFingerprint(t *testing.T) {
	base := Command{CommandID: "cmd-1", CommandType: "ConfirmOrder", TargetContext: "orders", Payload: []byte(`{"a":1,"b":2}`)}

	f1, err := CommandFingerprint(base)
	require.NoError(t, err)

	sameContent := base
	sameContent.CommandID = "cmd-2"
	sameContent.Payload = []byte(`{"b":2,"a":1}`)
	f2, err := CommandFingerprint(sameContent)
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "command id and key order do not affect the fingerprint")

	changed := base
	changed.TargetContext = "inventory"
	f3, err := CommandFingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestDomainConstants(t *testing.T) {
	domains := []string{DomainPayload, DomainDecision, DomainCommand}
	seen := map[string]bool{}
	for _, d := range domains {
		assert.False(t, seen[d], "duplicate domain %q", d)
		seen[d] = true
		assert.Contains(t, d, "/v1")
	}
}
