package media

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

// JobPayload is the queue message of one submission.
type JobPayload struct {
	RecordKind   enums.MediaKind `json:"record_kind"`
	RecordID     int64           `json:"record_id"`
	Slot         string          `json:"slot"`
	StagedPath   string          `json:"staged_path"`
	OriginalName string          `json:"original_name"`
	MimeType     string          `json:"mime_type"`
	CallerID     uuid.UUID       `json:"caller_id"`
	ClientJobID  string          `json:"client_job_id"`
}

// Ref returns the owning record of the payload.
func (p JobPayload) Ref() RecordRef {
	return RecordRef{Kind: p.RecordKind, ID: p.RecordID}
}

func (p JobPayload) validate() error {
	if !p.RecordKind.IsValid() {
		return fmt.Errorf("unknown record kind %q", p.RecordKind)
	}
	if p.RecordID <= 0 {
		return errors.New("record_id is required")
	}
	if !validSlotName(p.Slot) {
		return fmt.Errorf("invalid slot %q", p.Slot)
	}
	if p.StagedPath == "" {
		return errors.New("staged_path is required")
	}
	return nil
}

// DecodePayload parses and validates a queue message.
func DecodePayload(raw []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}
