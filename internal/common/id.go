package common

import (
	"github.com/google/uuid"
)

// NewID generates a prefixed unique ID, e.g. NewID("act") -> act_<uuid>
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// NewCycleID generates the correlation ID shared by all logs and records of one cycle
func NewCycleID() string {
	return NewID("cycle")
}
