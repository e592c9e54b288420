package dbadapter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const postgresTimestampLayout = "2006-01-02 15:04:05.999999"

// buildSelectQueryPostgres mirrors buildSelectQuery for the Postgres
// dialect (double-quoted identifiers, numbered placeholders). As in the
// MySQL builder, TimestampInMillis compares against the Unix-millisecond
// integer form instead of a timestamp literal (spec.md §9 edge case 8).
func buildSelectQueryPostgres(q ExtractQuery) (string, []any) {
	quoted := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ","), pq.QuoteIdentifier(q.Table))

	var clauses []string
	var args []any
	n := 1
	if q.HasSince {
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", pq.QuoteIdentifier(q.TimestampColumn), n))
		args = append(args, timestampArgPostgres(q.Since, q.TimestampInMillis))
		n++
	}
	if q.HasUntil {
		clauses = append(clauses, fmt.Sprintf("%s < $%d", pq.QuoteIdentifier(q.TimestampColumn), n))
		args = append(args, timestampArgPostgres(q.Until, q.TimestampInMillis))
		n++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return query, args
}

func timestampArgPostgres(t time.Time, millis bool) any {
	if millis {
		return t.UnixMilli()
	}
	return t.UTC().Format(postgresTimestampLayout)
}

// interpolatedPostgresStatement substitutes numbered placeholders with
// quoted literals for handing to psql's -c flag, which has no bind
// parameters. As in the MySQL equivalent, the only values ever substituted
// here are ExtractQuery's own Since/Until timestamps.
func interpolatedPostgresStatement(query string, args []any) string {
	for i, a := range args {
		placeholder := fmt.Sprintf("$%d", i+1)
		var literal string
		switch v := a.(type) {
		case int64:
			literal = strconv.FormatInt(v, 10)
		default:
			literal = pq.QuoteLiteral(fmt.Sprintf("%v", v))
		}
		query = strings.Replace(query, placeholder, literal, 1)
	}
	return query
}

// psqlDSNArgs turns a libpq-style connection string / URL into psql argv
// flags, so the extract/load subprocess connects with the same credentials
// as the in-process pool.
func psqlDSNArgs(dsn string) []string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return []string{dsn} // assume a plain connstring; psql accepts it as a single positional argument
	}
	argv := []string{"-h", u.Hostname()}
	if port := u.Port(); port != "" {
		argv = append(argv, "-p", port)
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			argv = append(argv, "-U", name)
		}
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName != "" {
		argv = append(argv, "-d", dbName)
	}
	return argv
}

// pgPasswordEnv extracts a password from a libpq URL DSN for passing to the
// psql subprocess via PGPASSWORD, since there is no argv flag for it.
func pgPasswordEnv(dsn string) []string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return nil
	}
	pass, ok := u.User.Password()
	if !ok || pass == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + pass}
}
