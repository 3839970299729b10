package server

import (
	"errors"
	"strconv"
	"strings"
)

var errInvalidLimit = errors.New("invalid_limit")

// parseOptionalLimit returns 0 when the value is empty so the service applies its default.
func parseOptionalLimit(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return 0, errInvalidLimit
	}
	return parsed, nil
}
