package schema

import (
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// FormatValidator reports whether a string has a named format.
type FormatValidator func(value string) bool

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

func validateURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ftp", "ws", "wss":
		return u.Host != ""
	}
	return false
}

func validateUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

func validateDate(date string) bool {
	_, err := time.Parse(time.DateOnly, date)
	return err == nil
}

func validateDateTime(datetime string) bool {
	_, err := time.Parse(time.RFC3339, datetime)
	return err == nil
}

func defaultFormats() map[string]FormatValidator {
	return map[string]FormatValidator{
		"email":    validateEmail,
		"uri":      validateURI,
		"uuid":     validateUUID,
		"date":     validateDate,
		"datetime": validateDateTime,
	}
}
