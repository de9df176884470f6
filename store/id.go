package store

import (
	"encoding/hex"

	"github.com/google/uuid"
)

func newUUIDHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
