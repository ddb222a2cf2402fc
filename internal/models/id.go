package models

import "github.com/google/uuid"

// NewID returns a time-ordered identifier. Ids minted later in the same
// process sort after earlier ones, which keeps (created_at, id) ordering
// stable when two rows share a timestamp.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
