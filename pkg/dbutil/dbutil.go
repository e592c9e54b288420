// Package dbutil contains small database-adjacent utilities shared by the
// dbadapter and action packages — the same grouping role spirit's pkg/utils
// plays for its migration/checksum/repl packages.
package dbutil

import "strings"

// StripPort removes a ":port" suffix from a host string, e.g. to derive the
// bare hostname a TLS ServerName check or a log line should use. Matches
// spirit's utils.StripPort.
func StripPort(hostname string) string {
	if i := strings.IndexByte(hostname, ':'); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

// IntersectColumns returns the column names present in both lists, in the
// order they appear in cols1 — used when a plan's explicit column list
// must be narrowed to what the current source
// schema actually has (e.g. after a source column drop). Mirrors spirit's
// utils.IntersectColumns, generalized from *table.TableInfo to plain string
// slices so it has no dependency on a specific adapter's schema type.
func IntersectColumns(cols1, cols2 []string) []string {
	have := make(map[string]bool, len(cols2))
	for _, c := range cols2 {
		have[c] = true
	}
	var out []string
	for _, c := range cols1 {
		if have[c] {
			out = append(out, c)
		}
	}
	return out
}
