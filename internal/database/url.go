package database

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// AdminDatabase is the maintenance database used for CREATE/DROP DATABASE.
const AdminDatabase = "postgres"

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName rejects database names the tool refuses to pass to the client
// tools: anything outside letters, digits, '_' and '-'.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid database name %q: only letters, digits, '_' and '-' are allowed", name)
	}
	return nil
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid connection url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("invalid connection url: scheme must be postgres:// or postgresql://, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid connection url: missing host")
	}
	return u, nil
}

// ValidateURL checks that raw is a usable postgres connection URL.
func ValidateURL(raw string) error {
	_, err := parseURL(raw)
	return err
}

// WithDatabase returns raw with its path replaced by name, keeping
// credentials and query parameters such as sslmode.
func WithDatabase(raw, name string) (string, error) {
	u, err := parseURL(raw)
	if err != nil {
		return "", err
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// AdminURL points raw at the maintenance database on the same server.
func AdminURL(raw string) (string, error) {
	return WithDatabase(raw, AdminDatabase)
}

// DatabaseName extracts the database named in the URL path, or "".
func DatabaseName(raw string) string {
	u, err := parseURL(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// UserName extracts the login role from the URL, or "".
func UserName(raw string) string {
	u, err := parseURL(raw)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}
