package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	RoomIDLength   = 9
	MaxChatRunes   = 2000
	MaxNameRunes   = 100
	MaxSDPBytes    = 64 * 1024
	maxSocketIDLen = 100
)

var (
	EmailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	RoomIDRegex   = regexp.MustCompile(`^[a-z]{9}$`)
	SocketIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomID checks the nine lowercase letter room id format.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format (must be %d lowercase letters)", RoomIDLength)
	}
	return nil
}

func ValidateSocketID(socketID string) error {
	if socketID == "" {
		return fmt.Errorf("socket ID is required")
	}
	if len(socketID) > maxSocketIDLen {
		return fmt.Errorf("socket ID is too long (max %d characters)", maxSocketIDLen)
	}
	if !SocketIDRegex.MatchString(socketID) {
		return fmt.Errorf("invalid socket ID format")
	}
	return nil
}

// ValidateEmail validates an optional email address; empty is accepted.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(name), 1, MaxNameRunes, "display name")
}

func ValidateChatMessage(body string) error {
	if !utf8.ValidString(body) {
		return fmt.Errorf("message contains invalid characters")
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message is required")
	}
	return ValidateStringLength(body, 1, MaxChatRunes, "message")
}

// ValidateSDP performs a shallow structural check on a session description
// before it is forwarded to another peer.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > MaxSDPBytes {
		return fmt.Errorf("sdp is too large (max %d bytes)", MaxSDPBytes)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with a version line")
	}
	if !strings.Contains(sdp, "\no=") || !strings.Contains(sdp, "\ns=") {
		return fmt.Errorf("sdp is missing origin or session name")
	}
	return nil
}

// ValidateURL validates http(s) and ws(s) endpoints.
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
