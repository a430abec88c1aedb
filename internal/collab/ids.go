package collab

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDProvider issues identifiers for rooms, sessions and documents.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// newEntryID returns a process-monotonic ULID.
func newEntryID() string {
	return ulid.Make().String()
}
