package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID generates a session identifier.
func NewSessionID() string {
	return "ses_" + uuid.NewString()
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewEventID generates an event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// RunnerID derives the deterministic identifier for a runner from its
// identity triple. A runner restarting with the same hostname, project dir
// and executor profile re-adopts its previous registration.
func RunnerID(hostname, projectDir, executorProfile string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", hostname, projectDir, executorProfile)))
	return "lnch_" + hex.EncodeToString(sum[:16])
}
