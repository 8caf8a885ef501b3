package splitter

import "strings"

// oracleBlockStarters are the statement-leading keywords that begin an
// atomic PL/SQL unit which must not be split on internal semicolons.
var oracleBlockStarters = []string{"BEGIN", "DECLARE", "CREATE"}

// SplitOracle divides sql the way SQL*Plus does: PL/SQL anonymous
// blocks, CREATE ... AS bodies, and DECLARE...BEGIN...END; blocks are
// treated as atomic, terminated only by a trailing "/" on its own line.
// Plain statements still split on unquoted top-level ";" as usual.
func SplitOracle(sql string) []Statement {
	var out []Statement
	for _, chunk := range splitOnSoloSlash(sql) {
		trimmed := strings.TrimSpace(chunk)
		if trimmed == "" {
			continue
		}
		if isPLSQLBlock(trimmed) {
			out = append(out, Statement{Text: trimmed, ReturnsValues: ReturnsNone})
			continue
		}
		out = append(out, Split(trimmed, DialectANSI)...)
	}
	return out
}

// splitOnSoloSlash breaks sql on a line containing only "/" (optionally
// surrounded by whitespace), the SQL*Plus PL/SQL block terminator.
func splitOnSoloSlash(sql string) []string {
	lines := strings.Split(sql, "\n")
	var chunks []string
	var current strings.Builder
	for _, line := range lines {
		if strings.TrimSpace(line) == "/" {
			chunks = append(chunks, current.String())
			current.Reset()
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// isPLSQLBlock reports whether text begins with a keyword that starts
// an atomic PL/SQL unit.
func isPLSQLBlock(text string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range oracleBlockStarters {
		if !strings.HasPrefix(upper, kw) {
			continue
		}
		if kw != "CREATE" {
			return true
		}
		// Only CREATE of a stored PL/SQL unit is atomic; CREATE TABLE,
		// CREATE INDEX and the like split on ";" like any plain statement.
		for _, word := range strings.Fields(upper)[1:] {
			switch word {
			case "OR", "REPLACE", "EDITIONABLE", "NONEDITIONABLE":
				continue
			case "PROCEDURE", "FUNCTION", "PACKAGE", "TRIGGER", "TYPE":
				return true
			}
			return false
		}
		return false
	}
	return false
}
