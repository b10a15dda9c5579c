package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseLimit reads a positive limit, falling back to def and clamping to max.
func parseLimit(value string, def, max int) (int, error) {
	parsed, err := parseOptionalInt(value)
	if err != nil || (parsed != nil && *parsed <= 0) {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
	}
	if parsed == nil {
		return def, nil
	}
	if *parsed > max {
		return max, nil
	}
	return *parsed, nil
}

func parseOffset(value string) (int, error) {
	parsed, err := parseOptionalInt(value)
	if err != nil || (parsed != nil && *parsed < 0) {
		return 0, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer")
	}
	if parsed == nil {
		return 0, nil
	}
	return *parsed, nil
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid_snowflake_id")
	}
	return parsed, nil
}
