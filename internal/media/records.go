package media

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/invitely-backend/internal/repo"
	"github.com/angelmondragon/invitely-backend/pkg/db/models"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

var (
	// ErrInvalidReference is returned for a record reference that is neither an id nor a slug.
	ErrInvalidReference = errors.New("invalid record reference")

	slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
)

const maxSlugLength = 255

// Owner is the ownership view of a record needed to accept a submission.
type Owner struct {
	Ref      RecordRef
	OwnerID  uuid.UUID
	Category string
}

// RecordRepository resolves and creates the records that own media slots.
type RecordRepository struct {
	repo.Base
}

// NewRecordRepository constructs a repository over the provided GORM DB.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{Base: repo.NewBase(db)}
}

// Resolve finds the record of kind referenced by a numeric id or, for events, a slug.
func (r *RecordRepository) Resolve(ctx context.Context, kind enums.MediaKind, reference string) (*Owner, error) {
	reference = strings.TrimSpace(reference)
	switch kind {
	case enums.MediaKindEventPhoto:
		return r.resolveEvent(ctx, reference)
	case enums.MediaKindThemeAsset:
		id, err := parseID(reference)
		if err != nil {
			return nil, err
		}
		var theme models.UserTheme
		if err := r.DB(ctx).Select("id", "user_id").First(&theme, "id = ?", id).Error; err != nil {
			return nil, notFound(err)
		}
		return &Owner{Ref: RecordRef{Kind: kind, ID: theme.ID}, OwnerID: theme.UserID}, nil
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
}

func (r *RecordRepository) resolveEvent(ctx context.Context, reference string) (*Owner, error) {
	query := r.DB(ctx).Select("id", "owner_id", "category")
	if id, err := parseID(reference); err == nil {
		query = query.Where("id = ?", id)
	} else if len(reference) <= maxSlugLength && slugPattern.MatchString(reference) {
		query = query.Where("slug = ?", reference)
	} else {
		return nil, ErrInvalidReference
	}

	var event models.Event
	if err := query.First(&event).Error; err != nil {
		return nil, notFound(err)
	}
	return &Owner{
		Ref:      RecordRef{Kind: enums.MediaKindEventPhoto, ID: event.ID},
		OwnerID:  event.OwnerID,
		Category: event.Category,
	}, nil
}

// Category returns the category that decides a record's slot set.
func (r *RecordRepository) Category(ctx context.Context, ref RecordRef) (string, error) {
	if ref.Kind != enums.MediaKindEventPhoto {
		return "", nil
	}
	var event models.Event
	if err := r.DB(ctx).Select("id", "category").First(&event, "id = ?", ref.ID).Error; err != nil {
		return "", notFound(err)
	}
	return event.Category, nil
}

// CreateEvent inserts an event with every photo slot idle.
func (r *RecordRepository) CreateEvent(ctx context.Context, ownerID uuid.UUID, slug, category, title string) (*models.Event, error) {
	doc, err := InitialDocument(enums.MediaKindEventPhoto, category)
	if err != nil {
		return nil, err
	}
	event := &models.Event{
		Slug:         slug,
		OwnerID:      ownerID,
		Category:     string(enums.NormalizeOccasion(category)),
		Title:        title,
		OccasionData: doc,
	}
	if err := r.DB(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// CreateTheme inserts a user theme with its asset slot idle.
func (r *RecordRepository) CreateTheme(ctx context.Context, userID uuid.UUID, name string) (*models.UserTheme, error) {
	doc, err := InitialDocument(enums.MediaKindThemeAsset, "")
	if err != nil {
		return nil, err
	}
	theme := &models.UserTheme{UserID: userID, Name: name, UploadMeta: doc}
	if err := r.DB(ctx).Create(theme).Error; err != nil {
		return nil, err
	}
	return theme, nil
}

func parseID(reference string) (int64, error) {
	id, err := strconv.ParseInt(reference, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidReference
	}
	return id, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
