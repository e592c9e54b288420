package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"

	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

const (
	pqLockNotAvailable pq.ErrorCode = "55P03"
	pqMaxBackoff                    = time.Minute
	pqBackoffInterval               = time.Second
)

// PostgresConfig configures a Postgres-side DatabaseAdapter.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	PsqlBin      string // path to the `psql` client binary, default "psql"
}

func (c PostgresConfig) psqlBinary() string {
	if c.PsqlBin != "" {
		return c.PsqlBin
	}
	return "psql"
}

// postgresAdapter implements DatabaseAdapter against a single Postgres
// schema. The retry-on-lock-timeout behavior is grounded directly on
// xataio-pgroll's pkg/db.RDB: the same cloudflare/backoff policy retrying
// the same 55P03 (lock_not_available) error code.
type postgresAdapter struct {
	db  *sql.DB
	cfg PostgresConfig
}

// NewPostgres opens a Postgres connection pool.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (DatabaseAdapter, error) {
	db, err := openPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &postgresAdapter{db: db, cfg: cfg}, nil
}

func openPostgresPool(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("opening postgres connection: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("pinging postgres: %w", err))
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	return db, nil
}

// ConnectionReset closes and reopens the underlying pool (spec.md §4.2:
// close and reopen the connection before any query to avoid
// stale-connection errors). A new pool is dialed and pinged before the old
// one is closed, so a failed redial leaves the adapter on its prior pool.
func (a *postgresAdapter) ConnectionReset(ctx context.Context) error {
	db, err := openPostgresPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	old := a.db
	a.db = db
	old.Close() //nolint:errcheck
	return nil
}

func (a *postgresAdapter) Engine() Engine { return Postgres }

// execRetryable wraps ExecContext with cloudflare/backoff retry on
// lock_not_available, exactly as xataio-pgroll's RDB.ExecContext does.
func (a *postgresAdapter) execRetryable(ctx context.Context, query string, args ...any) (sql.Result, error) {
	b := backoff.New(pqMaxBackoff, pqBackoffInterval)
	for {
		res, err := a.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
			if sleepErr := sleepCtx(ctx, b.Duration()); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, err
	}
}

func (a *postgresAdapter) queryRetryable(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	b := backoff.New(pqMaxBackoff, pqBackoffInterval)
	for {
		rows, err := a.db.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
			if sleepErr := sleepCtx(ctx, b.Duration()); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (a *postgresAdapter) ListTables(ctx context.Context) ([]string, error) {
	rows, err := a.queryRetryable(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE'`)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, syncerr.New(syncerr.KindConfig, "", "", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (a *postgresAdapter) TableSchema(ctx context.Context, table string) (Schema, error) {
	rows, err := a.queryRetryable(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`, table)
	if err != nil {
		return Schema{}, syncerr.New(syncerr.KindNoSuchTable, "", table, err)
	}
	defer rows.Close()
	var schema Schema
	for rows.Next() {
		var c ColumnInfo
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return Schema{}, syncerr.New(syncerr.KindNoSuchTable, "", table, err)
		}
		schema.Columns = append(schema.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return Schema{}, syncerr.New(syncerr.KindNoSuchTable, "", table, err)
	}
	if len(schema.Columns) == 0 {
		return Schema{}, syncerr.New(syncerr.KindNoSuchTable, "", table, fmt.Errorf("table %s has no columns or does not exist", table))
	}

	pkRows, err := a.queryRetryable(ctx, `
		SELECT a.attname FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, pq.QuoteIdentifier(table))
	if err != nil {
		return Schema{}, syncerr.New(syncerr.KindNoSuchTable, "", table, err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return Schema{}, syncerr.New(syncerr.KindNoSuchTable, "", table, err)
		}
		schema.PrimaryKey = append(schema.PrimaryKey, col)
	}
	return schema, pkRows.Err()
}

func (a *postgresAdapter) HashSchema(ctx context.Context, table string) (string, error) {
	schema, err := a.TableSchema(ctx, table)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	for _, c := range schema.Columns {
		h.Write([]byte(c.Name))
		h.Write([]byte{':'})
		h.Write([]byte(c.Type))
		h.Write([]byte{','})
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

// ExtractToFile uses psql's \copy meta-command, which (unlike the server-
// side COPY) runs client-side and writes directly to path itself, so unlike
// the MySQL adapter's extract there is no stdout redirection to do here.
// The subprocess's own session is forced to UTC via PGTZ: psql dials
// its own connection and would otherwise render timestamptz values in the
// server's local zone (spec.md §8's UTC canonicalization).
func (a *postgresAdapter) ExtractToFile(ctx context.Context, q ExtractQuery, path string) error {
	query, args := buildSelectQueryPostgres(q)
	copyStmt := fmt.Sprintf("\\copy (%s) TO '%s' WITH (FORMAT csv)", interpolatedPostgresStatement(query, args), path)
	argv := append(psqlDSNArgs(a.cfg.DSN), "-c", copyStmt)
	env := append([]string{"PGTZ=UTC"}, pgPasswordEnv(a.cfg.DSN)...)
	return runSubprocess(ctx, syncerr.KindExtract, "", q.Table, a.cfg.psqlBinary(), argv, path, env...)
}

func (a *postgresAdapter) LoadFromFile(ctx context.Context, targetTable string, columns []string, path string) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	copyStmt := fmt.Sprintf("\\copy %s (%s) FROM '%s' WITH (FORMAT csv)", pq.QuoteIdentifier(targetTable), strings.Join(quoted, ","), path)
	argv := append(psqlDSNArgs(a.cfg.DSN), "-c", copyStmt)
	env := append([]string{"PGTZ=UTC"}, pgPasswordEnv(a.cfg.DSN)...)
	return runSubprocess(ctx, syncerr.KindLoad, "", targetTable, a.cfg.psqlBinary(), argv, path, env...)
}

func (a *postgresAdapter) CreateStagingLike(ctx context.Context, liveTable, stagingTable string) error {
	if err := a.DropTableIfExists(ctx, stagingTable); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", pq.QuoteIdentifier(stagingTable), pq.QuoteIdentifier(liveTable))
	return a.Exec(ctx, stmt)
}

func (a *postgresAdapter) DropTableIfExists(ctx context.Context, table string) error {
	return a.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(table)))
}

func (a *postgresAdapter) CreateTableFromColumns(ctx context.Context, table string, cols []ColumnInfo, primaryKey []string) error {
	if err := a.DropTableIfExists(ctx, table); err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE %s (", pq.QuoteIdentifier(table))
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s %s", pq.QuoteIdentifier(c.Name), postgresColumnType(c.Type))
	}
	if len(primaryKey) > 0 {
		sb.WriteString(", PRIMARY KEY (")
		for i, pk := range primaryKey {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(pq.QuoteIdentifier(pk))
		}
		sb.WriteString(")")
	}
	sb.WriteString(")")
	return a.Exec(ctx, sb.String())
}

// SwitchTable uses Postgres's transactional DDL to make the rename atomic
// without a separate table lock statement — unlike MySQL, a Postgres
// transaction already serializes concurrent DDL on these relations via
// ordinary ACCESS EXCLUSIVE locks taken by ALTER TABLE itself.
func (a *postgresAdapter) SwitchTable(ctx context.Context, liveTable, stagingTable string) error {
	oldTable := fmt.Sprintf("_old_%s", liveTable)
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	// pg_advisory_xact_lock serializes this rename against any other
	// process attempting a concurrent switch of the same table; it is
	// released automatically at commit or rollback, same usage as
	// xataio-pgroll's state.State.Init.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey("switch_"+liveTable)); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, fmt.Errorf("acquiring switch lock: %w", err))
	}

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(oldTable)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", pq.QuoteIdentifier(liveTable), pq.QuoteIdentifier(oldTable)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", pq.QuoteIdentifier(stagingTable), pq.QuoteIdentifier(liveTable)),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(oldTable)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return syncerr.New(syncerr.KindLoad, "", liveTable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, err)
	}
	return nil
}

func (a *postgresAdapter) AddColumn(ctx context.Context, table string, col ColumnInfo) error {
	schema, err := a.TableSchema(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range schema.Columns {
		if c.Name == col.Name {
			return nil
		}
	}
	return a.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(col.Name), col.Type))
}

func (a *postgresAdapter) EnsureIndexes(ctx context.Context, table string, indexes map[string][]string) error {
	for name, cols := range indexes {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = pq.QuoteIdentifier(c)
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pq.QuoteIdentifier(name), pq.QuoteIdentifier(table), strings.Join(quoted, ","))
		if err := a.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (a *postgresAdapter) DeleteWindow(ctx context.Context, table, column string, since, until time.Time) (int64, error) {
	res, err := a.execRetryable(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s < $2",
			pq.QuoteIdentifier(table), pq.QuoteIdentifier(column), pq.QuoteIdentifier(column)), since, until)
	if err != nil {
		return 0, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	return n, nil
}

func (a *postgresAdapter) MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error) {
	var t sql.NullTime
	err := a.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(%s) FROM %s", pq.QuoteIdentifier(column), pq.QuoteIdentifier(table))).Scan(&t)
	if err != nil {
		return time.Time{}, false, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

func (a *postgresAdapter) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", pq.QuoteIdentifier(table))).Scan(&n)
	if err != nil {
		return 0, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	return n, nil
}

func (a *postgresAdapter) Exec(ctx context.Context, query string, args ...any) error {
	_, err := a.execRetryable(ctx, query, args...)
	return err
}

func (a *postgresAdapter) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.queryRetryable(ctx, query, args...)
}

// WithAdvisoryLock uses pg_advisory_xact_lock, released automatically at
// transaction end — grounded directly on xataio-pgroll's
// state.State.Init, which takes the same lock before its idempotent
// CREATE SCHEMA/CREATE TABLE bootstrap.
func (a *postgresAdapter) WithAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.New(syncerr.KindConfig, "", "", err)
	}
	defer tx.Rollback() //nolint:errcheck

	key := advisoryLockKey(name)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("acquiring advisory lock %s: %w", name, err))
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

func advisoryLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (a *postgresAdapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }
func (a *postgresAdapter) Close() error                   { return a.db.Close() }
