package mwtab

import (
	"strconv"
	"strings"
)

// nullTokens are the sentinel cell values that map to a missing
// measurement. Built once; lookups are case-insensitive.
var nullTokens = map[string]struct{}{
	"NA":   {},
	"N/A":  {},
	"NULL": {},
	"-":    {},
	".":    {},
}

// ParseValue converts a raw matrix cell into a nullable float.
//
// Empty strings and sentinel tokens yield (nil, ""). A direct parse is
// attempted first; on failure thousands separators and spaces are stripped
// and the parse retried. If both attempts fail the cell is treated as null
// and a non-empty warning is returned.
func ParseValue(raw string) (*float64, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ""
	}
	if _, ok := nullTokens[strings.ToUpper(raw)]; ok {
		return nil, ""
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return &v, ""
	}
	cleaned := strings.ReplaceAll(strings.ReplaceAll(raw, ",", ""), " ", "")
	if v, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return &v, ""
	}
	return nil, "could not parse value: " + raw
}
