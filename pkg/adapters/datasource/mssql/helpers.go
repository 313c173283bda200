package mssql

import (
	"strings"
)

// isStringType returns true if the type is a character type in SQL Server.
// The driver hands these back as []byte for some collations.
func isStringType(sqlType string) bool {
	switch strings.ToUpper(sqlType) {
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT":
		return true
	}
	return false
}

// encryptSettings maps a libpq-style sslmode onto the go-mssqldb encrypt and
// TrustServerCertificate parameters.
func encryptSettings(sslMode string) (encrypt string, trustServerCert bool) {
	switch strings.ToLower(sslMode) {
	case "", "disable":
		return "disable", false
	case "allow", "prefer":
		return "false", true
	case "require":
		return "true", true
	case "strict":
		return "strict", false
	default: // verify-ca, verify-full
		return "true", false
	}
}
