package security

import (
	"regexp"
	"strings"
)

var (
	jsProtocolRe   = regexp.MustCompile(`(?i)javascript:`)
	eventHandlerRe = regexp.MustCompile(`(?i)on\w+=`)
	userIDRe       = regexp.MustCompile(`^[a-zA-Z0-9]{8,36}$`)
)

// SanitizeInput strips common injection vectors from free-form input: angle
// brackets, the javascript: protocol and inline event handler attributes.
func SanitizeInput(input string) string {
	s := strings.NewReplacer("<", "", ">", "").Replace(input)
	s = jsProtocolRe.ReplaceAllString(s, "")
	s = eventHandlerRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ValidUserID reports whether id is alphanumeric and 8-36 characters long.
func ValidUserID(id string) bool {
	return userIDRe.MatchString(id)
}
