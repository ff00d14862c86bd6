// Package query builds the parameterized SQL that renders one tile of one
// source. Nothing in this package performs I/O: coordinates and request
// parameters always travel as bound arguments, and only catalog-derived
// identifiers are written into the SQL text, quoted.
package query

import (
	"fmt"
	"strings"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1.
const maxIdentifierLength = 63

// ValidateIdentifier rejects identifiers that cannot be safely quoted: empty
// strings, strings containing NUL bytes, and names longer than PostgreSQL
// allows.
func ValidateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier too long (max %d bytes): %q", maxIdentifierLength, name)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("identifier %q contains a NUL byte", name)
	}
	return nil
}

// ValidateIdentifiers validates multiple identifiers, returning the first error found.
func ValidateIdentifiers(names ...string) error {
	for _, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			return err
		}
	}
	return nil
}

// QuoteIdentifier wraps a SQL identifier in double quotes, escaping any
// embedded double quotes.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteQualified quotes each part and joins them with dots.
func QuoteQualified(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = QuoteIdentifier(p)
	}
	return strings.Join(quoted, ".")
}

// SanitizeStringValue rejects NUL bytes, which PostgreSQL text cannot hold,
// and values longer than maxLen.
func SanitizeStringValue(val string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 65535
	}
	if strings.IndexByte(val, 0) >= 0 {
		return "", fmt.Errorf("string value contains a NUL byte")
	}
	if len(val) > maxLen {
		return "", fmt.Errorf("string value too long (max %d chars)", maxLen)
	}
	return val, nil
}
