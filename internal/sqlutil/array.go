package sqlutil

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UUIDArray adapts a []uuid.UUID to Postgres' text[]/uuid[] wire
// format for the generic database/sql scanning sqlx performs. pgx's
// richer pgtype array support requires its native query interface,
// which sqlx's Get/Select do not use; encoding the array as Postgres'
// own `{a,b,c}` literal keeps the driver-agnostic database/sql path
// working without reaching for lib/pq's array helper.
type UUIDArray []uuid.UUID

// Value implements driver.Valuer.
func (a UUIDArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	parts := make([]string, len(a))
	for i, id := range a {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// Scan implements sql.Scanner.
func (a *UUIDArray) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("sqlutil: cannot scan %T into UUIDArray", src)
	}
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	if raw == "" {
		*a = UUIDArray{}
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(UUIDArray, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(p)
		if err != nil {
			return fmt.Errorf("sqlutil: invalid uuid element %q: %w", p, err)
		}
		out = append(out, id)
	}
	*a = out
	return nil
}
