package security

import (
	"errors"
	"fmt"
	"strings"
)

// Header validation constants.
const (
	MaxHeaderCount       = 50
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192  // 8KB per header
	MaxTotalHeadersSize  = 65536 // 64KB total for all headers combined
)

// Header validation errors.
var (
	ErrTooManyHeaders      = errors.New("too many headers (maximum 50)")
	ErrHeaderNameTooLong   = errors.New("header name exceeds maximum length of 256 bytes")
	ErrHeaderValueTooLong  = errors.New("header value exceeds maximum length of 8KB")
	ErrTotalHeadersTooLong = errors.New("total headers size exceeds maximum of 64KB")
	ErrHeaderNameEmpty     = errors.New("header name cannot be empty")
	ErrBlockedHeader       = errors.New("header is not allowed for security reasons")
	ErrInvalidHeaderName   = errors.New("header name contains invalid characters")
	ErrInvalidHeaderChar   = errors.New("header value contains invalid characters")
)

// blockedHeaders are response headers a route mock may not set, because
// the CDP fetch-interception layer (internal/driver) owns response framing
// and the browser's own connection handling and must not have either
// second-guessed by a mocked value.
var blockedHeaders = map[string]bool{
	// Response framing (the driver's interception layer sets these itself;
	// a mock overriding them would desync the served response)
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"content-length":    true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,

	// Auth/session headers a mock has no legitimate reason to set on a
	// response (set-cookie could plant a session in the page's origin)
	"set-cookie":         true,
	"www-authenticate":   true,
	"proxy-authenticate": true,

	"host": true,
}

// blockedHeaderPrefixes are response header name prefixes a route mock may
// not set; these are reserved for the browser's and CDN's own plumbing.
var blockedHeaderPrefixes = []string{
	"sec-",    // Fetch Metadata headers (sec-fetch-*, sec-ch-*)
	"cf-",     // Cloudflare headers
	"x-amz-",  // AWS headers
	"x-goog-", // Google Cloud headers
}

// ValidateHeaders validates the header map of a route-mock response (the
// `route` verb's Headers field) before it is stored: an operator can mock
// any response header, but not one that would let a mock bypass the
// browser's own connection handling or smuggle control characters into a
// served response.
func ValidateHeaders(headers map[string]string) error {
	if headers == nil {
		return nil
	}

	// Check total count
	if len(headers) > MaxHeaderCount {
		return ErrTooManyHeaders
	}

	// Track total size for aggregate limit
	var totalSize int

	for name, value := range headers {
		if err := validateHeaderName(name); err != nil {
			return fmt.Errorf("invalid header name %q: %w", name, err)
		}

		if err := validateHeaderValue(value); err != nil {
			return fmt.Errorf("invalid value for header %q: %w", name, err)
		}

		// Accumulate total size (name + value + overhead for ": " and newline)
		totalSize += len(name) + len(value) + 4
		if totalSize > MaxTotalHeadersSize {
			return ErrTotalHeadersTooLong
		}
	}

	return nil
}

// validateHeaderName checks if a header name is valid and allowed.
func validateHeaderName(name string) error {
	if name == "" {
		return ErrHeaderNameEmpty
	}

	if len(name) > MaxHeaderNameLength {
		return ErrHeaderNameTooLong
	}

	// Check for invalid characters (header names should be ASCII, no control chars or spaces)
	for _, c := range name {
		if c < 33 || c > 126 || c == ':' {
			return ErrInvalidHeaderName
		}
	}

	// Normalize to lowercase for comparison
	nameLower := strings.ToLower(name)

	// Check against blocked headers
	if blockedHeaders[nameLower] {
		return ErrBlockedHeader
	}

	// Check against blocked prefixes
	for _, prefix := range blockedHeaderPrefixes {
		if strings.HasPrefix(nameLower, prefix) {
			return ErrBlockedHeader
		}
	}

	return nil
}

// validateHeaderValue rejects control characters and non-ASCII bytes,
// including tabs: RFC 7230 technically permits a tab in a header value, but
// a mocked response has no reason to need one and rejecting it closes off
// a class of injection-via-parser-disagreement issues.
func validateHeaderValue(value string) error {
	if len(value) > MaxHeaderValueLength {
		return ErrHeaderValueTooLong
	}

	for _, c := range value {
		if c < 32 || c >= 127 {
			return ErrInvalidHeaderChar
		}
	}

	return nil
}
