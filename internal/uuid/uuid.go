// Package uuid provides identifier generation for sync records.
//
// Conflict records use random UUID v4 values. Queue operations use ULIDs so
// that their lexical order follows enqueue time, which keeps the persisted
// queue bucket ordered without an extra index.
package uuid

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// NewOperationID returns a ULID whose timestamp component is t.
func NewOperationID(t time.Time) string {
	if t.IsZero() {
		return ulid.Make().String()
	}
	id := ulid.Make()
	// SetTime only fails for times past the year 10889.
	_ = id.SetTime(ulid.Timestamp(t))
	return id.String()
}

// OperationTime extracts the timestamp embedded in an operation ID.
func OperationTime(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid operation ID %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
