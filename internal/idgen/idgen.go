// Package idgen generates identifiers: short prefixed IDs for records,
// time-ordered UUIDs for events, and reservation IDs under an explicit
// strategy.
package idgen

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet is the character set for the random part of prefixed IDs.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters after the prefix.
const Length = 16

// Record prefixes.
const (
	PrefixApproval    = "apr_"
	PrefixCommand     = "cmd_"
	PrefixCorrelation = "cor_"
	PrefixReservation = "res_"
)

// WithPrefix returns prefix followed by Length random characters.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MustWithPrefix is like WithPrefix but panics on error.
func MustWithPrefix(prefix string) string {
	id, err := WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id
}

// NewEventID returns a UUIDv7 so event ids sort by creation time.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return MustWithPrefix(PrefixCorrelation)
}

// ReservationStrategy selects how reservation IDs are derived.
type ReservationStrategy string

const (
	// ReservationUUID draws a random id per call. Retrying the same
	// reservation produces a different id, so callers deduplicate elsewhere.
	ReservationUUID ReservationStrategy = "uuid"

	// ReservationHash derives the id from the order and product ids with a
	// 32-bit DJB2 hash. Retries map to the same id, but the 32-bit space
	// gives roughly a 1% chance of some collision by ~9,300 reservations.
	ReservationHash ReservationStrategy = "hash"
)

// DefaultReservationStrategy is used when none is configured.
const DefaultReservationStrategy = ReservationUUID

// ParseReservationStrategy validates a configured strategy name. The empty
// string selects the default.
func ParseReservationStrategy(s string) (ReservationStrategy, error) {
	switch ReservationStrategy(s) {
	case "":
		return DefaultReservationStrategy, nil
	case ReservationUUID, ReservationHash:
		return ReservationStrategy(s), nil
	}
	return "", fmt.Errorf("idgen: unknown reservation strategy %q (want %q or %q)", s, ReservationUUID, ReservationHash)
}

// ReservationID returns the id for reserving productIDs on behalf of orderID.
// Under ReservationHash the product order does not matter.
func ReservationID(strategy ReservationStrategy, orderID string, productIDs []string) (string, error) {
	switch strategy {
	case ReservationUUID, "":
		return PrefixReservation + uuid.NewString(), nil
	case ReservationHash:
		if orderID == "" {
			return "", fmt.Errorf("idgen: hash reservation id requires an order id")
		}
		sorted := slices.Clone(productIDs)
		slices.Sort(sorted)
		key := orderID + ":" + strings.Join(sorted, ",")
		return fmt.Sprintf("%s%s_%08x", PrefixReservation, orderID, DJB2(key)), nil
	}
	return "", fmt.Errorf("idgen: unknown reservation strategy %q", strategy)
}

// DJB2 is Bernstein's hash (h*33 + c) over the bytes of s, truncated to 32 bits.
func DJB2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}
