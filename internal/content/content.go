package content

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxContentLength  = 4000
	MaxMediaRefLength = 2048
)

var (
	ErrEmpty           = errors.New("message has neither content nor media")
	ErrContentTooLong  = errors.New("message content is too long")
	ErrInvalidMediaRef = errors.New("media reference contains invalid characters")

	policy        = bluemonday.StrictPolicy()
	mediaRefRegex = regexp.MustCompile(`^[a-zA-Z0-9._~:/?#@!$&'()*+,;=%-]+$`)
)

// Sanitize strips markup from a chat message body and returns plain text.
// Entities escaped by the policy are decoded again, so "a < b" survives
// unchanged; clients must escape bodies before rendering them as HTML.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// ValidateMediaRef checks that a media reference looks like an http(s)
// URL or an object key. An empty reference is valid.
func ValidateMediaRef(ref string) error {
	if ref == "" {
		return nil
	}
	if len(ref) > MaxMediaRefLength || !mediaRefRegex.MatchString(ref) {
		return ErrInvalidMediaRef
	}
	if scheme, _, ok := strings.Cut(ref, ":"); ok && !strings.Contains(scheme, "/") {
		switch strings.ToLower(scheme) {
		case "http", "https":
		default:
			return ErrInvalidMediaRef
		}
	}
	return nil
}

// Prepare sanitizes a message body and validates it together with its
// media reference.
func Prepare(body, mediaRef string) (string, error) {
	body = strings.TrimSpace(Sanitize(body))
	if utf8.RuneCountInString(body) > MaxContentLength {
		return "", ErrContentTooLong
	}
	if err := ValidateMediaRef(mediaRef); err != nil {
		return "", err
	}
	if body == "" && mediaRef == "" {
		return "", ErrEmpty
	}
	return body, nil
}
