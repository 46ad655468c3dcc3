package uuid

import (
	google_uuid "github.com/google/uuid"
)

// MustUUID generates a random UUID string
func MustUUID() string {
	return google_uuid.New().String()
}
