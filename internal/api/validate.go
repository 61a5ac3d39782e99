package api

import (
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/ingest"
)

// maxShortStringLen is the maximum length for identifiers (queue ids, user ids).
const maxShortStringLen = 64

// maxSearchLen is the maximum length for the free-text call search.
const maxSearchLen = 40

// maxOutcomeLen is the maximum length for a callback outcome.
const maxOutcomeLen = 200

// maxPhoneLen is the maximum length for a phone number to look up.
const maxPhoneLen = 32

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// queryParam returns the first non-empty value among the given names, so
// both snake_case and camelCase parameter names are accepted.
func queryParam(q url.Values, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(q.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

var errMissingTime = errors.New("missing")

// parseTimeParam parses an ISO-8601 query parameter.
func parseTimeParam(q url.Values, names ...string) (time.Time, error) {
	v := queryParam(q, names...)
	if v == "" {
		return time.Time{}, errMissingTime
	}
	return ingest.ParseTimestamp(v)
}

// parseRange reads the required from/to parameters.
func parseRange(q url.Values) (from, to time.Time, errMsg string) {
	from, err := parseTimeParam(q, "from")
	if err != nil {
		return from, to, timeParamError("from", err)
	}
	to, err = parseTimeParam(q, "to")
	if err != nil {
		return from, to, timeParamError("to", err)
	}
	if to.Before(from) {
		return from, to, "to must not be before from"
	}
	return from, to, ""
}

// parseOptionalTime reads an optional time parameter.
func parseOptionalTime(q url.Values, field string, names ...string) (*time.Time, string) {
	t, err := parseTimeParam(q, names...)
	if errors.Is(err, errMissingTime) {
		return nil, ""
	}
	if err != nil {
		return nil, timeParamError(field, err)
	}
	return &t, ""
}

func timeParamError(field string, err error) string {
	if errors.Is(err, errMissingTime) {
		return field + " is required"
	}
	return field + " must be an ISO-8601 timestamp"
}

// validateIdentifiers checks the optional queue and user filters.
func validateIdentifiers(queueID, userID string) string {
	if msg := validateStringLen("queue_id", queueID, maxShortStringLen); msg != "" {
		return msg
	}
	return validateStringLen("user_id", userID, maxShortStringLen)
}

// validateDisposition checks an optional session disposition filter.
func validateDisposition(value string) string {
	switch models.Disposition(value) {
	case "", models.DispositionAnswered, models.DispositionNoAnswer, models.DispositionBusy,
		models.DispositionAbandoned, models.DispositionFailed, models.DispositionMissed:
		return ""
	}
	return "disposition must be one of ANSWERED, NOANSWER, BUSY, ABANDONED, FAILED, MISSED"
}
