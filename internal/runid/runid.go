// Package runid validates external run identifiers. A sanitized run id is the
// only form allowed to reach file paths or query keys.
package runid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalid = errors.New("invalid run id")

var pattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Sanitize trims raw and accepts only letters, numbers, dashes and
// underscores. Everything else fails with ErrInvalid.
func Sanitize(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("%w: run id is required", ErrInvalid)
	}
	if !pattern.MatchString(value) {
		return "", fmt.Errorf("%w: run id can contain only letters, numbers, dashes, and underscores", ErrInvalid)
	}
	return value, nil
}
