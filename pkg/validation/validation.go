package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ParticipantIDRegex validates participant and call id format
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("participant ID is too long (max 128 characters)")
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

func ValidateCallID(id string) error {
	if id == "" {
		return fmt.Errorf("call ID is required")
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 64, "display name")
}

// ValidateSignalingURL accepts websocket and http(s) relay endpoints.
func ValidateSignalingURL(urlStr string) error {
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

func ValidateChatText(text string, max int) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is required")
	}
	if len(text) > max {
		return fmt.Errorf("message text is too long (max %d bytes)", max)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message text is not valid UTF-8")
	}
	return nil
}

func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji is required")
	}
	return ValidateStringLength(emoji, 1, 8, "emoji")
}

func ValidateTier(tier string) error {
	switch tier {
	case "ultra", "high", "medium", "low":
		return nil
	}
	return fmt.Errorf("invalid quality tier (must be ultra, high, medium, or low)")
}

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
