// Package sqlutil converts between Go pointer/value types and the
// database/sql Null* wrappers pgx and sqlx expect for nullable
// columns, following the teacher's datastorage repository helpers.
package sqlutil

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToNullString converts a *string to sql.NullString. A nil pointer or
// an empty string both produce Valid=false.
func ToNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ToNullStringValue converts a plain string to sql.NullString, treating
// the empty string as NULL.
func ToNullStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// FromNullString converts sql.NullString back to *string.
func FromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// ToNullUUID converts a *uuid.UUID to sql.NullString (UUIDs are stored
// as their canonical string form).
func ToNullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// FromNullUUID converts sql.NullString back to *uuid.UUID. An invalid
// stored string yields nil rather than an error, since the column is
// expected to hold only well-formed UUIDs or NULL.
func FromNullUUID(n sql.NullString) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id, err := uuid.Parse(n.String)
	if err != nil {
		return nil
	}
	return &id
}

// ToNullTime converts a *time.Time to sql.NullTime.
func ToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// FromNullTime converts sql.NullTime back to *time.Time.
func FromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

// ToNullInt64 converts a *int64 to sql.NullInt64.
func ToNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// FromNullInt64 converts sql.NullInt64 back to *int64.
func FromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// ToNullJSON marshals v (nil-able) to a sql.NullString holding its JSON
// encoding, or Valid=false when v is nil/empty.
func ToNullJSON(v json.RawMessage) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

// FromNullJSON converts a sql.NullString holding JSON text back to
// json.RawMessage, or nil when not valid.
func FromNullJSON(n sql.NullString) json.RawMessage {
	if !n.Valid {
		return nil
	}
	return json.RawMessage(n.String)
}
