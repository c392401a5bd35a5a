// Package ident mints and validates the identifiers used across the server.
//
// Session identifiers follow `<namespace>-<kind>-<discriminator>`:
// daily and inbox sessions use the current date, project sessions use the
// project identifier, and adhoc sessions a generated UUID. Request and
// message identifiers are ULIDs, which sort by creation time.
package ident

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/orionchat/orion-core/pkg/types"
)

// MaxIDLength bounds message identifiers.
const MaxIDLength = 128

// NewRequestID returns a fresh request identifier for one dispatch cycle.
func NewRequestID() string {
	return "req_" + ulid.Make().String()
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// SessionID builds a session identifier for the given kind.
func SessionID(namespace string, kind types.SessionKind, projectID string, now time.Time) string {
	switch kind {
	case types.KindDaily:
		return fmt.Sprintf("%s-daily-%s", namespace, now.Format("2006-01-02"))
	case types.KindProject:
		if projectID == "" {
			projectID = "default"
		}
		return fmt.Sprintf("%s-project-%s", namespace, projectID)
	case types.KindInbox:
		return fmt.Sprintf("%s-inbox-%s", namespace, now.Format("2006-01-02"))
	default:
		return fmt.Sprintf("%s-adhoc-%s", namespace, uuid.NewString())
	}
}

// DisplayName builds the UI display name for a session.
func DisplayName(kind types.SessionKind, projectID string, now time.Time) string {
	switch kind {
	case types.KindDaily:
		return "Daily - " + now.Format("January 2, 2006")
	case types.KindProject:
		if projectID == "" {
			projectID = "Untitled"
		}
		return "Project: " + projectID
	case types.KindInbox:
		return "Inbox Processing"
	default:
		return "Session at " + now.Format("15:04")
	}
}

// ValidateMessageID checks the structural rules for message identifiers:
// non-empty, at most MaxIDLength characters, alphanumeric at both ends,
// only alphanumerics plus single '-' or '_' separators in between.
func ValidateMessageID(id string) error {
	if id == "" {
		return fmt.Errorf("message ID cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("message ID too long (max %d chars)", MaxIDLength)
	}

	runes := []rune(id)
	if !isAlphanumeric(runes[0]) {
		return fmt.Errorf("message ID must start with alphanumeric character")
	}
	if !isAlphanumeric(runes[len(runes)-1]) {
		return fmt.Errorf("message ID must end with alphanumeric character")
	}

	prevSpecial := false
	for _, r := range runes {
		special := r == '-' || r == '_'
		if special && prevSpecial {
			return fmt.Errorf("message ID cannot have consecutive special characters")
		}
		if !special && !isAlphanumeric(r) {
			return fmt.Errorf("message ID contains invalid characters")
		}
		prevSpecial = special
	}

	return nil
}

func isAlphanumeric(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}
