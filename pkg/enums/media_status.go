package enums

import "fmt"

// MediaStatus describes the lifecycle state of a media slot.
type MediaStatus string

const (
	MediaStatusIdle       MediaStatus = "idle"
	MediaStatusPending    MediaStatus = "pending"
	MediaStatusProcessing MediaStatus = "processing"
	MediaStatusReady      MediaStatus = "ready"
	MediaStatusFailed     MediaStatus = "failed"
)

var validMediaStatuses = []MediaStatus{
	MediaStatusIdle,
	MediaStatusPending,
	MediaStatusProcessing,
	MediaStatusReady,
	MediaStatusFailed,
}

// String returns the literal string for the status.
func (m MediaStatus) String() string {
	return string(m)
}

// IsValid reports whether the status is known.
func (m MediaStatus) IsValid() bool {
	for _, candidate := range validMediaStatuses {
		if candidate == m {
			return true
		}
	}
	return false
}

// InFlight reports whether a submission currently owns the slot.
func (m MediaStatus) InFlight() bool {
	return m == MediaStatusPending || m == MediaStatusProcessing
}

// ParseMediaStatus converts raw input into a MediaStatus. Empty input reads as idle.
func ParseMediaStatus(value string) (MediaStatus, error) {
	if value == "" {
		return MediaStatusIdle, nil
	}
	for _, candidate := range validMediaStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid media status %q", value)
}
