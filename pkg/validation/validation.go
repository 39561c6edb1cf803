package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// IdentifierRegex validates session, stream and agent ID format
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// CacheKeyRegex validates cache key format
	CacheKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9:._/-]+$`)

	// RegionRegex validates region identifiers like eu-west-1
	RegionRegex = regexp.MustCompile(`^[a-z]{2,}(-[a-z0-9]+)*$`)
)

// ValidateEmail validates email address
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !IdentifierRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	if len(password) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateSessionID validates session ID
func ValidateSessionID(sessionID string) error {
	return validateIdentifier(sessionID, "session ID")
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	return validateIdentifier(streamID, "stream ID")
}

// ValidateAgentID validates agent ID
func ValidateAgentID(agentID string) error {
	return validateIdentifier(agentID, "agent ID")
}

func validateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateSessionType validates session type
func ValidateSessionType(sessionType string) error {
	switch sessionType {
	case "video", "audio", "data", "multimodal":
		return nil
	}
	return fmt.Errorf("invalid session type (must be video, audio, data, or multimodal)")
}

// ValidateCacheKey validates an edge cache key
func ValidateCacheKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	if len(key) > 256 {
		return fmt.Errorf("cache key is too long (max 256 characters)")
	}
	if !CacheKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid cache key format")
	}
	return nil
}

// ValidateRegion validates a region identifier
func ValidateRegion(region string) error {
	if region == "" {
		return fmt.Errorf("region is required")
	}
	if !RegionRegex.MatchString(region) {
		return fmt.Errorf("invalid region format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates a bitrate in kbps.
// Audio ladders go down to 32 kbps, 4K video up to 20000 kbps.
func ValidateBitrate(bitrate int) error {
	if bitrate < 32 {
		return fmt.Errorf("bitrate must be at least 32 kbps")
	}
	if bitrate > 20000 {
		return fmt.Errorf("bitrate is too high (max 20000 kbps)")
	}
	return nil
}

// ValidatePriority validates a chunk or message priority label
func ValidatePriority(priority string) error {
	switch priority {
	case "critical", "high", "medium", "low":
		return nil
	}
	return fmt.Errorf("invalid priority (must be critical, high, medium, or low)")
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
