// Package schema embeds the DDL scripts for the supported database
// engines and splits them into executable statements.
package schema

import (
	"bufio"
	_ "embed"
	"strings"
)

//go:embed postgres.sql
var postgres string

//go:embed sqlite.sql
var sqlite string

// Postgres returns the Postgres DDL script.
func Postgres() string { return postgres }

// SQLite returns the SQLite DDL script.
func SQLite() string { return sqlite }

// SplitStatements splits a semicolon-terminated DDL script into executable
// statements. It drops blank lines and single-line comments that start
// with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}

	return stmts
}
