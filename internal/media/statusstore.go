package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/invitely-backend/pkg/db/types"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

// ErrRecordNotFound is returned when the owning record does not exist.
var ErrRecordNotFound = errors.New("media record not found")

// RecordRef identifies the owning record of a slot.
type RecordRef struct {
	Kind enums.MediaKind `json:"record_kind"`
	ID   int64           `json:"record_id"`
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// StatusStore reads and conditionally merges slot sub-documents inside the
// owning record's JSON column. Every write is a single UPDATE statement.
type StatusStore struct {
	db        *gorm.DB
	dialect   jsonDialect
	now       func() time.Time
	afterRead func(attempt int)
}

// NewStatusStore builds a store over conn, picking the JSON dialect from the connection.
func NewStatusStore(conn *gorm.DB) (*StatusStore, error) {
	if conn == nil {
		return nil, errors.New("db connection is required")
	}
	dialect, err := dialectFor(conn.Dialector.Name())
	if err != nil {
		return nil, err
	}
	return &StatusStore{db: conn, dialect: dialect, now: time.Now}, nil
}

type target struct {
	spec recordSpec
	slot string
	ref  RecordRef
}

func (s *StatusStore) target(ref RecordRef, slot string) (target, error) {
	spec, err := specFor(ref.Kind)
	if err != nil {
		return target{}, err
	}
	if !validSlotName(slot) {
		return target{}, fmt.Errorf("invalid slot name %q", slot)
	}
	return target{spec: spec, slot: slot, ref: ref}, nil
}

func (s *StatusStore) text(t target, key string) string {
	return s.dialect.text(t.spec.column, t.slot, key)
}

// coalesced renders a field read where a missing value compares as the empty string.
func (s *StatusStore) coalesced(t target, key string) string {
	return fmt.Sprintf("COALESCE(%s, '')", s.text(t, key))
}

// ReadField returns the current sub-document of one slot.
func (s *StatusStore) ReadField(ctx context.Context, ref RecordRef, slot string) (Field, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return Field{}, err
	}
	var row struct {
		Found int
		Slot  *string
	}
	query := fmt.Sprintf(
		"SELECT 1 AS found, %s AS slot FROM %s WHERE id = ?",
		s.dialect.slot(t.spec.column, t.slot), t.spec.table,
	)
	res := s.db.WithContext(ctx).Raw(query, ref.ID).Scan(&row)
	if res.Error != nil {
		return Field{}, fmt.Errorf("read %s.%s: %w", ref, slot, res.Error)
	}
	if res.RowsAffected == 0 || row.Found == 0 {
		return Field{}, ErrRecordNotFound
	}
	if row.Slot == nil {
		return IdleField(), nil
	}
	return decodeField([]byte(*row.Slot))
}

// update merges sets into the slot when the optional condition holds and reports whether a row changed.
func (s *StatusStore) update(ctx context.Context, t target, sets []assignment, cond string, condArgs ...any) (bool, error) {
	now := s.now().UTC()
	sets = append(sets, setString(keyUpdatedAt, now.Format(time.RFC3339Nano)))
	expr, args := s.dialect.merge(t.spec.column, t.slot, sets)

	var sql strings.Builder
	fmt.Fprintf(&sql, "UPDATE %s SET %s = %s, updated_at = ? WHERE id = ?", t.spec.table, t.spec.column, expr)
	args = append(args, now, t.ref.ID)
	if cond != "" {
		sql.WriteString(" AND (")
		sql.WriteString(cond)
		sql.WriteString(")")
		args = append(args, condArgs...)
	}

	res := s.db.WithContext(ctx).Exec(sql.String(), args...)
	if res.Error != nil {
		return false, fmt.Errorf("update %s.%s: %w", t.ref, t.slot, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Merge applies an unconditional partial update. It fails with ErrRecordNotFound when no row matched.
func (s *StatusStore) Merge(ctx context.Context, ref RecordRef, slot string, patch Patch) error {
	t, err := s.target(ref, slot)
	if err != nil {
		return err
	}
	ok, err := s.update(ctx, t, patch.assignments(), "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

// Patch is a partial update of a slot. Nil members are left untouched; members
// listed in Clear are set to null.
type Patch struct {
	Status       enums.MediaStatus
	OriginalPath *string
	ProcessedKey *string
	PreviousKey  *string
	URL          *string
	JobID        *string
	Error        *string
	Extra        map[string]string
	Clear        []string
}

func (p Patch) assignments() []assignment {
	var sets []assignment
	if p.Status != "" {
		sets = append(sets, setString(keyStatus, string(p.Status)))
	}
	if p.OriginalPath != nil {
		sets = append(sets, setValue(keyOriginalPath, p.OriginalPath))
	}
	if p.ProcessedKey != nil {
		sets = append(sets, setValue(keyProcessedKey, p.ProcessedKey))
	}
	if p.PreviousKey != nil {
		sets = append(sets, setValue(keyPreviousKey, p.PreviousKey))
	}
	if p.URL != nil {
		sets = append(sets, setValue(keyURL, p.URL))
	}
	if p.JobID != nil {
		sets = append(sets, setValue(keyJobID, p.JobID))
	}
	if p.Error != nil {
		sets = append(sets, setValue(keyError, p.Error))
	}
	for _, key := range sortedKeys(p.Extra) {
		if validSlotName(key) {
			sets = append(sets, setString(key, p.Extra[key]))
		}
	}
	for _, key := range p.Clear {
		if validSlotName(key) {
			sets = append(sets, setNull(key))
		}
	}
	return sets
}

// Submission describes the pending state written by the gateway.
type Submission struct {
	StagedPath string
	JobID      string
}

// SubmissionOutcome reports what BeginSubmission did.
type SubmissionOutcome struct {
	// Applied is false when the slot already belonged to the same job.
	Applied bool
	// Field is the state read back after the attempt.
	Field Field
	// Displaced is a previous key that was overwritten before its cleanup ran.
	Displaced string
}

// ErrSubmissionContended is returned when the slot kept changing under a submission.
var ErrSubmissionContended = errors.New("media slot changed concurrently; submission not applied")

const submissionAttempts = 5

// BeginSubmission moves the slot to pending for a new job and carries the
// current processed key into previous_key. The merge is skipped when the slot
// already belongs to the same job and is pending, processing or ready.
//
// The update only applies while processed_key and previous_key still hold the
// values just read, so the displaced key reported is exactly the one the
// statement overwrote. A lost race is retried with a fresh read.
func (s *StatusStore) BeginSubmission(ctx context.Context, ref RecordRef, slot string, sub Submission) (SubmissionOutcome, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return SubmissionOutcome{}, err
	}
	previous := fmt.Sprintf(
		"COALESCE(NULLIF(%s, ''), %s)",
		s.text(t, keyProcessedKey), s.text(t, keyPreviousKey),
	)
	sets := []assignment{
		{key: keyPreviousKey, expr: previous},
		setString(keyStatus, string(enums.MediaStatusPending)),
		setString(keyOriginalPath, sub.StagedPath),
		setString(keyJobID, sub.JobID),
		setNull(keyOriginalKey),
		setNull(keyProcessedKey),
		setNull(keyURL),
		setNull(keyError),
	}
	cond := fmt.Sprintf(
		"NOT (%s = ? AND %s IN ('pending', 'processing', 'ready')) AND %s = ? AND %s = ?",
		s.coalesced(t, keyJobID), s.coalesced(t, keyStatus),
		s.coalesced(t, keyProcessedKey), s.coalesced(t, keyPreviousKey),
	)

	for attempt := 1; attempt <= submissionAttempts; attempt++ {
		before, err := s.ReadField(ctx, ref, slot)
		if err != nil {
			return SubmissionOutcome{}, err
		}
		if s.afterRead != nil {
			s.afterRead(attempt)
		}
		if before.jobID() == sub.JobID && claimedStatus(before.Status) {
			return SubmissionOutcome{Field: before}, nil
		}
		applied, err := s.update(ctx, t, sets, cond, sub.JobID, value(before.ProcessedKey), value(before.PreviousKey))
		if err != nil {
			return SubmissionOutcome{}, err
		}
		if !applied {
			continue
		}
		field, err := s.ReadField(ctx, ref, slot)
		if err != nil {
			return SubmissionOutcome{}, err
		}
		out := SubmissionOutcome{Applied: true, Field: field}
		if before.HasProcessedKey() {
			out.Displaced = before.LingeringPrevious()
		}
		return out, nil
	}
	return SubmissionOutcome{}, ErrSubmissionContended
}

func claimedStatus(status enums.MediaStatus) bool {
	switch status {
	case enums.MediaStatusPending, enums.MediaStatusProcessing, enums.MediaStatusReady:
		return true
	}
	return false
}

// SetJobID replaces the fencing token when it still equals expected.
func (s *StatusStore) SetJobID(ctx context.Context, ref RecordRef, slot, expected, jobID string) (bool, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return false, err
	}
	return s.update(ctx, t,
		[]assignment{setString(keyJobID, jobID)},
		s.coalesced(t, keyJobID)+" = ?", expected,
	)
}

// Claim moves the slot to processing for jobID when the slot is unclaimed or already owned by jobID.
func (s *StatusStore) Claim(ctx context.Context, ref RecordRef, slot, jobID string) (bool, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return false, err
	}
	cond := fmt.Sprintf("%[1]s = '' OR %[1]s = ?", s.coalesced(t, keyJobID))
	return s.update(ctx, t,
		[]assignment{
			setString(keyStatus, string(enums.MediaStatusProcessing)),
			setString(keyJobID, jobID),
		},
		cond, jobID,
	)
}

// ReconcileReady restores status ready when the slot still carries the
// observed token and processed key but a previous ready write was lost.
func (s *StatusStore) ReconcileReady(ctx context.Context, ref RecordRef, slot, jobID, processedKey string) (bool, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return false, err
	}
	cond := fmt.Sprintf(
		"%s = ? AND %s = ? AND %s <> 'ready'",
		s.coalesced(t, keyJobID), s.coalesced(t, keyProcessedKey), s.coalesced(t, keyStatus),
	)
	return s.update(ctx, t,
		[]assignment{setString(keyStatus, string(enums.MediaStatusReady))},
		cond, jobID, processedKey,
	)
}

// Ready describes the asset written by a successful job.
type Ready struct {
	ProcessedKey string
	URL          string
	Extra        map[string]string
}

// MarkReady persists the new asset when jobID still owns the slot.
func (s *StatusStore) MarkReady(ctx context.Context, ref RecordRef, slot, jobID string, r Ready) (bool, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return false, err
	}
	patch := Patch{
		Status:       enums.MediaStatusReady,
		ProcessedKey: ptr(r.ProcessedKey),
		URL:          ptr(r.URL),
		Extra:        r.Extra,
		Clear:        []string{keyOriginalPath, keyError},
	}
	return s.update(ctx, t, patch.assignments(), s.coalesced(t, keyJobID)+" = ?", jobID)
}

// MarkFailed records a terminal failure. A non-empty fence restricts the
// write to the slot still owned by that job.
func (s *StatusStore) MarkFailed(ctx context.Context, ref RecordRef, slot, fence, message string) (bool, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return false, err
	}
	patch := Patch{
		Status: enums.MediaStatusFailed,
		Error:  ptr(message),
		Clear:  []string{keyOriginalPath},
	}
	if fence == "" {
		return s.update(ctx, t, patch.assignments(), "")
	}
	return s.update(ctx, t, patch.assignments(), s.coalesced(t, keyJobID)+" = ?", fence)
}

// ClearPreviousKey nulls previous_key when it still equals key.
func (s *StatusStore) ClearPreviousKey(ctx context.Context, ref RecordRef, slot, key string) (bool, error) {
	t, err := s.target(ref, slot)
	if err != nil {
		return false, err
	}
	return s.update(ctx, t,
		[]assignment{setNull(keyPreviousKey)},
		s.coalesced(t, keyPreviousKey)+" = ?", key,
	)
}

// RecordFields is one owning record with every slot decoded.
type RecordFields struct {
	Ref   RecordRef
	Slots map[string]Field
}

// Scan pages through records of kind in id order, starting after afterID.
func (s *StatusStore) Scan(ctx context.Context, kind enums.MediaKind, afterID int64, limit int) ([]RecordFields, error) {
	spec, err := specFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID  int64
		Doc dbtypes.JSONDocument
	}
	query := fmt.Sprintf("SELECT id, %s AS doc FROM %s WHERE id > ? ORDER BY id LIMIT ?", spec.column, spec.table)
	if err := s.db.WithContext(ctx).Raw(query, afterID, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan %s: %w", spec.table, err)
	}

	out := make([]RecordFields, 0, len(rows))
	for _, row := range rows {
		var raw map[string]json.RawMessage
		if err := row.Doc.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s %d: %w", spec.table, row.ID, err)
		}
		slots := make(map[string]Field, len(raw))
		for slot, doc := range raw {
			field, err := decodeField(doc)
			if err != nil {
				// non-slot members of the document are not media fields
				continue
			}
			slots[slot] = field
		}
		out = append(out, RecordFields{Ref: RecordRef{Kind: kind, ID: row.ID}, Slots: slots})
	}
	return out, nil
}
