package ir

import (
	"github.com/cespare/xxhash/v2"
)

const (
	positionTimeFactor   = 1_000_000
	positionStreamFactor = 1_000
	positionVersionMod   = 1_000
)

// GlobalPosition computes the ordering key of an event:
//
//	timestamp_ms * 1_000_000 + hash(streamType, streamId) * 1_000 + version mod 1000
//
// The hash term lies in [0, 1000), so the result is time-ordered across
// streams and strictly increasing within a stream for appends that share a
// millisecond. Two streams writing in the same millisecond are ordered by
// hash, not by true write order; callers must not read causality into that.
func GlobalPosition(timestampMs int64, streamType, streamID string, version int64) int64 {
	return timestampMs*positionTimeFactor +
		int64(StreamHash(streamType, streamID))*positionStreamFactor +
		version%positionVersionMod
}

// StreamHash maps a stream identity to [0, 1000).
func StreamHash(streamType, streamID string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(streamType)
	_, _ = d.Write([]byte{0x00})
	_, _ = d.WriteString(streamID)
	return d.Sum64() % positionStreamFactor
}

// PositionTimestampMs recovers the millisecond timestamp component of a position.
func PositionTimestampMs(position int64) int64 {
	return position / positionTimeFactor
}

// PositionFloor is the smallest position an event stamped at timestampMs
// can be assigned. Readers use it to start a time-bounded scan.
func PositionFloor(timestampMs int64) int64 {
	if timestampMs <= 0 {
		return 0
	}
	return timestampMs * positionTimeFactor
}
