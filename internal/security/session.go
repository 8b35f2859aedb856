package security

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// validOpaqueIDPattern allows the prefix plus alphanumeric/hyphen body emitted
// by uuid.NewString (the format used for sess_/snap_ opaque IDs).
var validOpaqueIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// blockedIDPatterns contains substrings that are never allowed in an opaque
// ID, regardless of prefix. Cached at package level to avoid reallocating on
// every validation call.
var blockedIDPatterns = []string{
	"../",
	"..\\",
	"<script",
	"javascript:",
	"__proto__",
	"constructor",
}

// NewOpaqueID generates an opaque ID of the form "<prefix>_<uuid>", used for
// session_id ("sess_") and snapshot_id ("snap_") values throughout the API.
func NewOpaqueID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateOpaqueID checks that an opaque ID has the expected prefix and
// contains no path-traversal or injection payloads. Returns an error message,
// or empty string if the ID is valid.
func ValidateOpaqueID(id, prefix string) string {
	if id == "" {
		return prefix + "_id is required"
	}
	if !strings.HasPrefix(id, prefix+"_") {
		return prefix + "_id must start with \"" + prefix + "_\""
	}
	if len(id) < len(prefix)+9 || len(id) > 128 {
		return prefix + "_id has an invalid length"
	}
	if !validOpaqueIDPattern.MatchString(id) {
		return prefix + "_id contains invalid characters (use alphanumeric, hyphens, underscores only)"
	}

	idLower := strings.ToLower(id)
	for _, pattern := range blockedIDPatterns {
		if strings.Contains(idLower, pattern) {
			return prefix + "_id contains a blocked pattern"
		}
	}

	return ""
}
