package ir

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalPosition_Formula(t *testing.T) {
	const ts = int64(1_767_000_000_000)
	h := int64(StreamHash("Order", "ord-1"))

	assert.Equal(t, ts*1_000_000+h*1_000+7, GlobalPosition(ts, "Order", "ord-1", 7))
	assert.Equal(t, ts*1_000_000+h*1_000+7, GlobalPosition(ts, "Order", "ord-1", 1007), "version contributes mod 1000")
	assert.Equal(t, ts, PositionTimestampMs(GlobalPosition(ts, "Order", "ord-1", 3)))
}

func TestGlobalPosition_MonotonicWithinStream(t *testing.T) {
	const ts = int64(1_767_000_000_000)
	prev := GlobalPosition(ts, "Order", "ord-1", 1)
	for v := int64(2); v < 1000; v++ {
		next := GlobalPosition(ts, "Order", "ord-1", v)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestGlobalPosition_TimeDominates(t *testing.T) {
	const ts = int64(1_767_000_000_000)
	// A later millisecond always sorts after, whatever the hash or version.
	for i := 0; i < 50; i++ {
		early := GlobalPosition(ts, "S", fmt.Sprintf("s-%d", i), 999)
		late := GlobalPosition(ts+1, "S", fmt.Sprintf("t-%d", i), 1)
		assert.Greater(t, late, early)
	}
}

func TestStreamHash_RangeAndDeterminism(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("id-%d", i)
		h := StreamHash("Order", id)
		assert.Less(t, h, uint64(1000))
		assert.Equal(t, h, StreamHash("Order", id))
	}
}

func TestStreamHash_SeparatesTypeAndID(t *testing.T) {
	// ("ab","c") and ("a","bc") must hash independently.
	differs := false
	for i := 0; i < 20 && !differs; i++ {
		suffix := fmt.Sprint(i)
		differs = StreamHash("ab", "c"+suffix) != StreamHash("a", "bc"+suffix)
	}
	assert.True(t, differs)
}
