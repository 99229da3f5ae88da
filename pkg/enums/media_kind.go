package enums

import "fmt"

// MediaKind identifies which owning record a media slot lives on.
type MediaKind string

const (
	MediaKindEventPhoto MediaKind = "event_photo"
	MediaKindThemeAsset MediaKind = "theme_asset"

	// MediaKindUnknown labels dead-letter entries whose payload could not be decoded.
	MediaKindUnknown MediaKind = "unknown"
)

var validMediaKinds = []MediaKind{
	MediaKindEventPhoto,
	MediaKindThemeAsset,
}

// String returns the literal string for the kind.
func (m MediaKind) String() string {
	return string(m)
}

// IsValid reports whether the kind is known.
func (m MediaKind) IsValid() bool {
	for _, candidate := range validMediaKinds {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseMediaKind converts raw input into a MediaKind.
func ParseMediaKind(value string) (MediaKind, error) {
	for _, candidate := range validMediaKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid media kind %q", value)
}
