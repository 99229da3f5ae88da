package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONDocument is a JSON column value stored as text so that both jsonb
// (postgres) and TEXT (sqlite) columns accept it.
type JSONDocument json.RawMessage

func (d *JSONDocument) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case string:
		*d = JSONDocument(v)
		return nil
	case []byte:
		buf := make([]byte, len(v))
		copy(buf, v)
		*d = buf
		return nil
	default:
		return fmt.Errorf("JSONDocument: unsupported Scan type %T", src)
	}
}

func (d JSONDocument) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	if !json.Valid(d) {
		return nil, errors.New("JSONDocument: invalid json")
	}
	return string(d), nil
}

// MarshalJSON keeps the raw document when embedded in API payloads.
func (d JSONDocument) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	return d, nil
}

func (d *JSONDocument) UnmarshalJSON(data []byte) error {
	if d == nil {
		return errors.New("JSONDocument: UnmarshalJSON on nil pointer")
	}
	*d = append((*d)[:0], data...)
	return nil
}

// Decode unmarshals the document into dest.
func (d JSONDocument) Decode(dest any) error {
	if len(d) == 0 {
		return json.Unmarshal([]byte("{}"), dest)
	}
	return json.Unmarshal(d, dest)
}

// NewJSONDocument marshals v into a document.
func NewJSONDocument(v any) (JSONDocument, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONDocument(raw), nil
}
