package media

import (
	"encoding/json"
	"fmt"
	"regexp"

	dbtypes "github.com/angelmondragon/invitely-backend/pkg/db/types"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

const (
	QueueEventPhotos = "event-photos"
	QueueThemeAssets = "theme-assets"

	SlotPhoto = "photo"
	SlotAsset = "asset"

	folderEvents = "events"
)

// recordSpec binds a media kind to the table and JSON column holding its slots.
type recordSpec struct {
	kind   enums.MediaKind
	table  string
	column string
	queue  string
}

var recordSpecs = map[enums.MediaKind]recordSpec{
	enums.MediaKindEventPhoto: {
		kind:   enums.MediaKindEventPhoto,
		table:  "events",
		column: "occasion_data",
		queue:  QueueEventPhotos,
	},
	enums.MediaKindThemeAsset: {
		kind:   enums.MediaKindThemeAsset,
		table:  "user_themes",
		column: "upload_meta",
		queue:  QueueThemeAssets,
	},
}

func specFor(kind enums.MediaKind) (recordSpec, error) {
	spec, ok := recordSpecs[kind]
	if !ok {
		return recordSpec{}, fmt.Errorf("unknown media kind %q", kind)
	}
	return spec, nil
}

// QueueFor returns the job queue name for a media kind.
func QueueFor(kind enums.MediaKind) (string, error) {
	spec, err := specFor(kind)
	if err != nil {
		return "", err
	}
	return spec.queue, nil
}

// Kinds lists every media kind handled by the pipeline.
func Kinds() []enums.MediaKind {
	return []enums.MediaKind{enums.MediaKindEventPhoto, enums.MediaKindThemeAsset}
}

var eventSlotsByOccasion = map[enums.OccasionCategory][]string{
	enums.OccasionWedding:     {"bride_photo", "groom_photo"},
	enums.OccasionAnniversary: {"photo1", "photo2"},
	enums.OccasionEngagement:  {"bride_to_be_photo", "groom_to_be_photo"},
}

// SlotsFor returns the closed slot set of a record.
func SlotsFor(kind enums.MediaKind, category string) []string {
	switch kind {
	case enums.MediaKindEventPhoto:
		if slots, ok := eventSlotsByOccasion[enums.NormalizeOccasion(category)]; ok {
			return append([]string(nil), slots...)
		}
		return []string{SlotPhoto}
	case enums.MediaKindThemeAsset:
		return []string{SlotAsset}
	default:
		return nil
	}
}

// HasSlot reports whether slot belongs to the record's slot set.
func HasSlot(kind enums.MediaKind, category, slot string) bool {
	for _, candidate := range SlotsFor(kind, category) {
		if candidate == slot {
			return true
		}
	}
	return false
}

// AllSlots returns every slot name any record of kind may carry.
func AllSlots(kind enums.MediaKind) []string {
	switch kind {
	case enums.MediaKindEventPhoto:
		seen := map[string]struct{}{SlotPhoto: {}}
		out := []string{SlotPhoto}
		for _, occasion := range []enums.OccasionCategory{enums.OccasionWedding, enums.OccasionAnniversary, enums.OccasionEngagement} {
			for _, slot := range eventSlotsByOccasion[occasion] {
				if _, ok := seen[slot]; !ok {
					seen[slot] = struct{}{}
					out = append(out, slot)
				}
			}
		}
		return out
	case enums.MediaKindThemeAsset:
		return []string{SlotAsset}
	default:
		return nil
	}
}

var slotNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// validSlotName guards every slot name before it is embedded in a JSON path.
func validSlotName(slot string) bool {
	return slotNamePattern.MatchString(slot)
}

// InitialDocument builds the JSON column value for a new record with every slot idle.
func InitialDocument(kind enums.MediaKind, category string) (dbtypes.JSONDocument, error) {
	slots := SlotsFor(kind, category)
	if len(slots) == 0 {
		return nil, fmt.Errorf("no slots for media kind %q", kind)
	}
	doc := make(map[string]Field, len(slots))
	for _, slot := range slots {
		doc[slot] = IdleField()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return dbtypes.JSONDocument(raw), nil
}
