package ir

// Version constants for the program format and the toolkit.
const (
	// FormatVersion is the program/log record schema version.
	FormatVersion = "1"

	// ToolVersion is the tpgctl version.
	ToolVersion = "0.3.0"
)
