package openai

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateSessionID enforces UUID v1 through v5 syntax on session
// identifiers. Callers lowercase the id with NormalizeSessionID before use.
func ValidateSessionID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("must be a valid UUID")
	}
	if v := parsed.Version(); v < 1 || v > 5 {
		return fmt.Errorf("must be a version 1-5 UUID")
	}
	return nil
}

// NormalizeSessionID lowercases a session id.
func NormalizeSessionID(id string) string {
	return strings.ToLower(id)
}
