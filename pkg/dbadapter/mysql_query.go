package dbadapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlTimestampLayout = "2006-01-02 15:04:05.000000"

// buildSelectQuery renders an ExtractQuery into a SELECT statement and its
// bind arguments, projecting only the resolved column list and filtering
// on the timestamp window when one is set (spec.md §4.5/§4.6). When
// q.TimestampInMillis is set, the timestamp column is compared against the
// Unix-millisecond integer form of Since/Until instead of a DATETIME
// literal, since the column itself stores raw epoch milliseconds
// (spec.md §9 edge case 8).
func buildSelectQuery(q ExtractQuery) (string, []any) {
	quoted := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		quoted[i] = "`" + c + "`"
	}
	query := fmt.Sprintf("SELECT %s FROM `%s`", strings.Join(quoted, ","), q.Table)

	var clauses []string
	var args []any
	if q.HasSince {
		clauses = append(clauses, fmt.Sprintf("`%s` >= ?", q.TimestampColumn))
		args = append(args, timestampArg(q.Since, q.TimestampInMillis))
	}
	if q.HasUntil {
		clauses = append(clauses, fmt.Sprintf("`%s` < ?", q.TimestampColumn))
		args = append(args, timestampArg(q.Until, q.TimestampInMillis))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return query, args
}

// timestampArg renders t either as a MySQL DATETIME literal string or, when
// millis is true, as the Unix-millisecond integer the column actually
// stores.
func timestampArg(t time.Time, millis bool) any {
	if millis {
		return t.UnixMilli()
	}
	return t.UTC().Format(mysqlTimestampLayout)
}

// interpolatedStatement renders query with args substituted as SQL
// literals, for handing to the mysql command-line client via -e (which has
// no notion of bind parameters). Values come only from ExtractQuery's own
// Since/Until timestamps and the plan's own column/table names, never raw
// user input, so literal interpolation here does not reopen an injection
// surface — the client-side equivalent of spirit's sqlescape package.
func interpolatedStatement(query string, args []any) string {
	for _, a := range args {
		var placeholder string
		switch v := a.(type) {
		case int64:
			placeholder = strconv.FormatInt(v, 10)
		default:
			placeholder = fmt.Sprintf("'%v'", v)
		}
		query = strings.Replace(query, "?", placeholder, 1)
	}
	return query
}

// dsnArgs turns a DSN into mysql-client argv flags (-h/-P/-u/-p/-D), so the
// extract/load subprocess connects with the same credentials as the
// in-process pool. --init-command pins the session to UTC the same way the
// pool's own time_zone="+00:00" DSN param does (mysql.go's NewMySQL): the
// CLI subprocess dials its own connection and otherwise defaults to the
// server's local time zone, which would render TIMESTAMP values in the
// extract file in the wrong zone (spec.md §8's UTC canonicalization).
func dsnArgs(dsn string) []string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil
	}
	host, port := cfg.Addr, ""
	if i := strings.LastIndexByte(cfg.Addr, ':'); i >= 0 {
		host, port = cfg.Addr[:i], cfg.Addr[i+1:]
	}
	argv := []string{"-h", host}
	if port != "" {
		argv = append(argv, "-P", port)
	}
	if cfg.User != "" {
		argv = append(argv, "-u", cfg.User)
	}
	if cfg.Passwd != "" {
		argv = append(argv, fmt.Sprintf("-p%s", cfg.Passwd))
	}
	if cfg.DBName != "" {
		argv = append(argv, "-D", cfg.DBName)
	}
	argv = append(argv, "--init-command=SET time_zone='+00:00'")
	return argv
}
