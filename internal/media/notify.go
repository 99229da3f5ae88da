package media

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

// StatusEvent announces that a slot reached ready or failed.
type StatusEvent struct {
	Ref        RecordRef
	Slot       string
	Status     enums.MediaStatus
	URL        string
	Error      string
	JobID      string
	OccurredAt time.Time
}

type statusMessage struct {
	RecordKind enums.MediaKind   `json:"record_kind"`
	RecordID   int64             `json:"record_id"`
	Slot       string            `json:"slot"`
	Status     enums.MediaStatus `json:"status"`
	URL        string            `json:"url,omitempty"`
	Error      string            `json:"error,omitempty"`
	JobID      string            `json:"job_id"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier fans status events out. Implementations must not fail the caller.
type Notifier interface {
	Notify(ctx context.Context, event StatusEvent)
}

// NoopNotifier drops every event.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, StatusEvent) {}

type statusPublisher interface {
	PublishMediaStatus(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// PubSubNotifier publishes status events to a Pub/Sub topic.
type PubSubNotifier struct {
	pub  statusPublisher
	logg *logger.Logger
	now  func() time.Time
}

func NewPubSubNotifier(pub statusPublisher, logg *logger.Logger) (*PubSubNotifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &PubSubNotifier{pub: pub, logg: logg, now: time.Now}, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, event StatusEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now().UTC()
	}
	data, err := json.Marshal(statusMessage{
		RecordKind: event.Ref.Kind,
		RecordID:   event.Ref.ID,
		Slot:       event.Slot,
		Status:     event.Status,
		URL:        event.URL,
		Error:      event.Error,
		JobID:      event.JobID,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		n.logg.Error(ctx, "failed to encode media status event", err)
		return
	}
	attrs := map[string]string{
		"record_kind": string(event.Ref.Kind),
		"record_id":   strconv.FormatInt(event.Ref.ID, 10),
		"status":      string(event.Status),
	}
	if _, err := n.pub.PublishMediaStatus(ctx, data, attrs); err != nil {
		n.logg.Warn(n.logg.WithField(ctx, "error", err.Error()), "media status publish failed")
	}
}
