package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a raw parameter that libinjection flagged.
type InjectionCheckResult struct {
	Position    int    // 1-based position of the parameter in the call
	Fingerprint string // libinjection fingerprint of the detected pattern
	Value       string // The value that was checked
}

// CheckRawValue runs libinjection over a value that is about to be spliced into
// SQL without quoting. Only strings are inspected; numbers and booleans cannot
// carry an injection. Returns nil when the value is clean.
func CheckRawValue(position int, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok || strValue == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Position:    position,
		Fingerprint: string(fingerprint),
		Value:       strValue,
	}
}
