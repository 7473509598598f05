package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IdentifierRegex validates user and device ids
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)
)

// ValidateUserID validates a user id as carried in signal messages
func ValidateUserID(userID string) error {
	return validateIdentifier(userID, "user id", 128)
}

// ValidateDeviceID validates a device id
func ValidateDeviceID(deviceID string) error {
	return validateIdentifier(deviceID, "device id", 64)
}

func validateIdentifier(id, fieldName string, max int) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateSDP performs a structural check of a session description
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateURL validates a signal relay URL
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

// ValidateBitrate validates a target bitrate in bits per second
func ValidateBitrate(bps int) error {
	if bps < 32_000 {
		return fmt.Errorf("bitrate must be at least 32000 bps")
	}
	if bps > 10_000_000 {
		return fmt.Errorf("bitrate is too high (max 10000000 bps)")
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
