package session

import (
	"strings"
	"unicode"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// dispositionRule maps hangup cause names (matched as substrings) and Q.850
// or SIP codes (matched as whole tokens) to a disposition.
type dispositionRule struct {
	disposition models.Disposition
	names       []string
	codes       []string
}

// dispositionRules are evaluated in order. Cause strings are not mutually
// exclusive, so the order is significant.
var dispositionRules = []dispositionRule{
	{models.DispositionAnswered, []string{"NORMAL_CLEARING", "ANSWERED"}, []string{"16"}},
	{models.DispositionNoAnswer, []string{"NO_ANSWER"}, []string{"19"}},
	{models.DispositionBusy, []string{"USER_BUSY"}, []string{"17"}},
	{models.DispositionAbandoned, []string{"ORIGINATOR_CANCEL"}, []string{"487"}},
	{models.DispositionFailed, []string{"FAILURE", "CONGESTION"}, nil},
}

// InferDisposition classifies a hangup cause. Matching is case-insensitive;
// anything unrecognised is MISSED.
func InferDisposition(cause string) models.Disposition {
	c := strings.ToUpper(strings.TrimSpace(cause))
	if c == "" {
		return models.DispositionMissed
	}
	tokens := strings.FieldsFunc(c, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	for _, rule := range dispositionRules {
		for _, name := range rule.names {
			if strings.Contains(c, name) {
				return rule.disposition
			}
		}
		for _, code := range rule.codes {
			for _, tok := range tokens {
				if tok == code {
					return rule.disposition
				}
			}
		}
	}
	return models.DispositionMissed
}
