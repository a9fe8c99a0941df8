package ir

// Version constants for stored records and the platform.
const (
	// RecordVersion is the schema version of the persisted record layout.
	RecordVersion = "1"

	// PlatformVersion is the platform release version.
	PlatformVersion = "0.1.0"
)
