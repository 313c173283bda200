package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 200
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches password=xxx, pwd=xxx, pass=xxx in key/value connection strings
	// (libpq uses spaces, SQL Server uses semicolons, URLs use ampersands).
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches the literal in role DDL: PASSWORD 'secret' or PASSWORD E'secret'
	sqlPasswordPattern = regexp.MustCompile(`(?i)(password\s+)E?'(?:[^']|'')*'`)

	// Matches user:pass@host in postgres:// and sqlserver:// URLs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s?]+`)
)

// SanitizeConnectionString removes credentials from a connection string.
// Use this before logging any connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes driver error messages, which may echo the connection
// string or the statement that failed.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = sqlPasswordPattern.ReplaceAllString(sanitized, "${1}'"+RedactedText+"'")
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeQuery redacts password literals and truncates a SQL statement for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}

	// Redact before truncating so a cut never exposes half a secret.
	sanitized := sqlPasswordPattern.ReplaceAllString(query, "${1}'"+RedactedText+"'")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)

	return TruncateString(sanitized, MaxQueryLogLength)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
