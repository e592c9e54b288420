package dbadapter

import "strings"

// portableKind buckets a native column type string (as reported by either
// engine's information_schema) into one of a handful of kinds shared
// across engines, so a staging table can be created on one engine from a
// Schema read off the other (BatchLoadAction's first run, before any live
// target table exists to clone via CreateStagingLike). This is necessarily
// lossy — it is only ever used to pick a CREATE TABLE column type, never
// fed back to the source.
type portableKind int

const (
	kindText portableKind = iota
	kindInteger
	kindBigInt
	kindNumeric
	kindBoolean
	kindTimestamp
)

func classifyType(nativeType string) portableKind {
	t := strings.ToLower(nativeType)
	switch {
	case strings.Contains(t, "bool"):
		return kindBoolean
	case strings.Contains(t, "timestamp") || strings.Contains(t, "datetime") || strings.Contains(t, "date"):
		return kindTimestamp
	case strings.Contains(t, "bigint") || strings.Contains(t, "int8"):
		return kindBigInt
	case strings.Contains(t, "int"):
		return kindInteger
	case strings.Contains(t, "float") || strings.Contains(t, "double") || strings.Contains(t, "decimal") || strings.Contains(t, "numeric") || strings.Contains(t, "real"):
		return kindNumeric
	default:
		return kindText
	}
}

func mysqlColumnType(nativeType string) string {
	switch classifyType(nativeType) {
	case kindBoolean:
		return "TINYINT(1)"
	case kindTimestamp:
		return "DATETIME(6)"
	case kindBigInt:
		return "BIGINT"
	case kindInteger:
		return "INT"
	case kindNumeric:
		return "DOUBLE"
	default:
		return "TEXT"
	}
}

func postgresColumnType(nativeType string) string {
	switch classifyType(nativeType) {
	case kindBoolean:
		return "BOOLEAN"
	case kindTimestamp:
		return "TIMESTAMP"
	case kindBigInt:
		return "BIGINT"
	case kindInteger:
		return "INTEGER"
	case kindNumeric:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}
