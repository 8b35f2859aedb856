package security

import (
	"strings"
	"testing"
)

// FuzzValidateOpaqueID tests opaque ID validation with fuzzed inputs.
// Run with: go test -fuzz=FuzzValidateOpaqueID -fuzztime=60s ./internal/security/
func FuzzValidateOpaqueID(f *testing.F) {
	seeds := []string{
		"sess_abc123456789",
		"sess_" + strings.Repeat("a", 64),
		"sess_" + strings.Repeat("a", 200),
		"sess_session<script>",
		"sess_../../../etc/passwd",
		"sess_..\\..\\windows",
		"sess_session\x00null",
		"sess___proto__",
		"sess_constructor",
		"sess_javascript:alert(1)",
		"",
		"sess_",
		"snap_abc123456789",
		"sess_session-日本語",
		"sess_' OR '1'='1",
		"sess_<img src=x onerror=alert(1)>",
	}

	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, id string) {
		// Should never panic.
		result := ValidateOpaqueID(id, "sess")

		if len(id) == 0 && result == "" {
			t.Error("empty id should return error message")
		}

		if result == "" {
			if !strings.HasPrefix(id, "sess_") {
				t.Errorf("id without sess_ prefix was accepted: %q", id)
			}
			if len(id) > 128 {
				t.Errorf("id longer than max length was accepted: len=%d", len(id))
			}

			idLower := strings.ToLower(id)
			dangerousPatterns := []string{"../", "..\\", "<script", "javascript:", "__proto__", "constructor"}
			for _, pattern := range dangerousPatterns {
				if strings.Contains(idLower, pattern) {
					t.Errorf("id with dangerous pattern was accepted: %q contains %q", id, pattern)
				}
			}
		}

		if (strings.Contains(id, "../") || strings.Contains(id, "..\\")) && result == "" {
			t.Errorf("path traversal attempt was accepted: %q", id)
		}
	})
}

// FuzzNewOpaqueID ensures generated opaque IDs always pass validation.
func FuzzNewOpaqueID(f *testing.F) {
	f.Add(0)

	f.Fuzz(func(t *testing.T, _ int) {
		id := NewOpaqueID("sess")

		if validationErr := ValidateOpaqueID(id, "sess"); validationErr != "" {
			t.Errorf("generated opaque ID failed validation: id=%q, error=%q", id, validationErr)
		}
	})
}
