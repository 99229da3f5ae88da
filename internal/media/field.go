package media

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

// Field keys inside a slot sub-document.
const (
	keyStatus       = "status"
	keyOriginalPath = "original_path"
	keyOriginalKey  = "original_key"
	keyProcessedKey = "processed_key"
	keyPreviousKey  = "previous_key"
	keyURL          = "url"
	keyJobID        = "job_id"
	keyError        = "error"
	keyUpdatedAt    = "updated_at"
	keyMimeType     = "mime_type"
	keyFolder       = "s3_folder"
)

// Field is the status sub-document tracking one slot's processing lifecycle.
type Field struct {
	Status       enums.MediaStatus `json:"status"`
	OriginalPath *string           `json:"original_path"`
	OriginalKey  *string           `json:"original_key"`
	ProcessedKey *string           `json:"processed_key"`
	PreviousKey  *string           `json:"previous_key"`
	URL          *string           `json:"url"`
	JobID        *string           `json:"job_id"`
	Error        *string           `json:"error"`
	MimeType     *string           `json:"mime_type,omitempty"`
	Folder       *string           `json:"s3_folder,omitempty"`
	UpdatedAt    *string           `json:"updated_at,omitempty"`
}

// IdleField is the sub-document every slot starts with.
func IdleField() Field {
	return Field{Status: enums.MediaStatusIdle}
}

// decodeField parses a raw slot sub-document. Missing or null documents read as idle.
func decodeField(raw []byte) (Field, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return IdleField(), nil
	}
	var f Field
	if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
		return Field{}, err
	}
	if f.Status == "" {
		f.Status = enums.MediaStatusIdle
	}
	return f, nil
}

// HasProcessedKey reports whether the field points at a stored asset.
func (f Field) HasProcessedKey() bool {
	return value(f.ProcessedKey) != ""
}

// LingeringPrevious returns the previous key still awaiting deletion, if it differs from the current asset.
func (f Field) LingeringPrevious() string {
	prev := value(f.PreviousKey)
	if prev == "" || prev == value(f.ProcessedKey) {
		return ""
	}
	return prev
}

func (f Field) jobID() string        { return value(f.JobID) }
func (f Field) processedKey() string { return value(f.ProcessedKey) }

func value(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func ptr(s string) *string {
	return &s
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
