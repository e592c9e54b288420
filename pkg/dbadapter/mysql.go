package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbutil"
	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

const (
	mysqlMaxConnLifetime = 3 * time.Minute
	mysqlMaxIdleConns    = 10
	mysqlMaxRetries      = 5
)

// MySQLConfig configures a MySQL-side DatabaseAdapter. It plays the role
// spirit's dbconn.DBConfig plays: the handful of connection-standardization
// knobs every statement on this connection should respect.
type MySQLConfig struct {
	DSN            string
	TLSMode        TLSMode
	MaxOpenConns   int
	MySQLBin       string // path to the `mysql` client binary, default "mysql"
	MySQLDumpBin   string // unused for now, reserved for a future bulk-export path
	LockWaitSecs   int
	InnoDBLockSecs int
}

func (c MySQLConfig) mysqlBinary() string {
	if c.MySQLBin != "" {
		return c.MySQLBin
	}
	return "mysql"
}

// mysqlAdapter implements DatabaseAdapter against a single MySQL/MariaDB
// schema, grounded on spirit's pkg/dbconn (connection standardization,
// retryable transactions) and pkg/migration/cutover.go (rename-table
// switch).
type mysqlAdapter struct {
	db     *sql.DB
	cfg    MySQLConfig
	schema string // database name, parsed from the DSN
	dsn    string // fully standardized driver DSN, kept for ConnectionReset
}

// NewMySQL opens a standardized MySQL connection the way spirit's
// dbconn.New does: build a driver DSN with session variables pinned (time
// zone, sql_mode, isolation level), open, ping, then cap pool size and
// connection lifetime.
func NewMySQL(ctx context.Context, cfg MySQLConfig) (DatabaseAdapter, error) {
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("parsing mysql dsn: %w", err))
	}

	if mcfg.Params == nil {
		mcfg.Params = make(map[string]string)
	}
	mcfg.Params["sql_mode"] = `""`
	mcfg.Params["time_zone"] = `"+00:00"`
	mcfg.Params["transaction_isolation"] = `"read-committed"`
	mcfg.Params["charset"] = "utf8mb4"
	mcfg.Collation = "utf8mb4_bin"
	mcfg.RejectReadOnly = true
	mcfg.AllowNativePasswords = true
	if cfg.LockWaitSecs > 0 {
		mcfg.Params["lock_wait_timeout"] = fmt.Sprintf("%d", cfg.LockWaitSecs)
	}
	if cfg.InnoDBLockSecs > 0 {
		mcfg.Params["innodb_lock_wait_timeout"] = fmt.Sprintf("%d", cfg.InnoDBLockSecs)
	}

	if cfg.TLSMode != "" && cfg.TLSMode != TLSDisabled && mcfg.TLSConfig == "" {
		tlsCfg, err := buildTLSConfig(cfg.TLSMode, mcfg.Addr)
		if err != nil {
			return nil, syncerr.New(syncerr.KindConfig, "", "", err)
		}
		if tlsCfg != nil {
			const tlsConfigName = "syncwarehouse"
			if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
				return nil, syncerr.New(syncerr.KindConfig, "", "", err)
			}
			mcfg.TLSConfig = tlsConfigName
			mcfg.AllowCleartextPasswords = true
		}
	}

	dsn := mcfg.FormatDSN()
	db, err := openMySQLPool(ctx, dsn, cfg)
	if err != nil {
		return nil, err
	}

	return &mysqlAdapter{db: db, cfg: cfg, schema: mcfg.DBName, dsn: dsn}, nil
}

func openMySQLPool(ctx context.Context, dsn string, cfg MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("opening mysql connection: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("pinging mysql: %w", err))
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(mysqlMaxIdleConns)
	db.SetConnMaxLifetime(mysqlMaxConnLifetime)
	return db, nil
}

// ConnectionReset closes and reopens the underlying pool, the way spirit's
// dbconn standardizes a fresh connection before each cutover-sensitive
// operation (spec.md §4.2: close and reopen before any query to avoid
// stale-connection errors). A new *sql.DB is dialed and pinged before the
// old one is closed, so a failed redial leaves the adapter on its prior,
// still-working pool.
func (a *mysqlAdapter) ConnectionReset(ctx context.Context) error {
	db, err := openMySQLPool(ctx, a.dsn, a.cfg)
	if err != nil {
		return err
	}
	old := a.db
	a.db = db
	old.Close() //nolint:errcheck
	return nil
}

func (a *mysqlAdapter) Engine() Engine { return MySQL }

func (a *mysqlAdapter) ListTables(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'")
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

func (a *mysqlAdapter) TableSchema(ctx context.Context, table string) (Schema, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT COLUMN_NAME, COLUMN_TYPE FROM information_schema.COLUMNS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, table)
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

	pkRows, err := a.db.QueryContext(ctx,
		`SELECT COLUMN_NAME FROM information_schema.STATISTICS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND INDEX_NAME = 'PRIMARY' ORDER BY SEQ_IN_INDEX`, table)
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

func (a *mysqlAdapter) HashSchema(ctx context.Context, table string) (string, error) {
	schema, err := a.TableSchema(ctx, table)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range schema.Columns {
		sb.WriteString(c.Name)
		sb.WriteByte(':')
		sb.WriteString(c.Type)
		sb.WriteByte(',')
	}
	return fmt.Sprintf("%x", simpleHash(sb.String())), nil
}

// simpleHash is FNV-1a; schema fingerprints only need to be stable and
// cheap to compute, not cryptographically strong.
func simpleHash(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

func (a *mysqlAdapter) ExtractToFile(ctx context.Context, q ExtractQuery, path string) error {
	query, args := buildSelectQuery(q)
	argv := []string{
		"--batch", "--raw", "--silent",
		"-e", interpolatedStatement(query, args),
	}
	argv = append(dsnArgs(a.cfg.DSN), argv...)
	return a.runViaOutputRedirect(ctx, syncerr.KindExtract, q.Table, argv, path)
}

// runViaOutputRedirect runs the mysql client with its stdout captured to
// path and stderr captured to a sibling file, per spec.md §6's "non-empty
// stderr OR non-zero exit" failure rule. The mysql client has no
// "--output-file" flag, so stdout is redirected by this process instead of
// left to shell "> file" syntax, keeping the whole invocation argv-based.
func (a *mysqlAdapter) runViaOutputRedirect(ctx context.Context, kind syncerr.Kind, table string, argv []string, outPath string) error {
	out, err := createOutputFile(outPath)
	if err != nil {
		return syncerr.New(kind, "", table, err)
	}
	defer out.Close()
	return runSubprocessWithStdout(ctx, kind, "", table, a.cfg.mysqlBinary(), argv, out, outPath)
}

func (a *mysqlAdapter) LoadFromFile(ctx context.Context, targetTable string, columns []string, path string) error {
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = "`" + c + "`"
	}
	loadStmt := fmt.Sprintf(
		"LOAD DATA LOCAL INFILE '%s' INTO TABLE `%s` FIELDS TERMINATED BY '\\t' (%s)",
		path, targetTable, strings.Join(quotedCols, ","),
	)
	argv := append(dsnArgs(a.cfg.DSN), "--local-infile=1", "-e", loadStmt)
	return runSubprocess(ctx, syncerr.KindLoad, "", targetTable, a.cfg.mysqlBinary(), argv, path)
}

func (a *mysqlAdapter) CreateStagingLike(ctx context.Context, liveTable, stagingTable string) error {
	if err := a.DropTableIfExists(ctx, stagingTable); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE TABLE `%s` LIKE `%s`", stagingTable, liveTable)
	return a.Exec(ctx, stmt)
}

func (a *mysqlAdapter) DropTableIfExists(ctx context.Context, table string) error {
	return a.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table))
}

func (a *mysqlAdapter) CreateTableFromColumns(ctx context.Context, table string, cols []ColumnInfo, primaryKey []string) error {
	if err := a.DropTableIfExists(ctx, table); err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE `%s` (", table)
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "`%s` %s", c.Name, mysqlColumnType(c.Type))
	}
	if len(primaryKey) > 0 {
		sb.WriteString(", PRIMARY KEY (")
		for i, pk := range primaryKey {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "`%s`", pk)
		}
		sb.WriteString(")")
	}
	sb.WriteString(") CHARACTER SET utf8mb4 COLLATE utf8mb4_bin")
	return a.Exec(ctx, sb.String())
}

// SwitchTable performs the gh-ost style locked rename spirit uses in
// pkg/migration/cutover.go: lock both tables, then RENAME TABLE live TO
// old, staging TO live in a single atomic statement, so there is never a
// window where live is missing.
func (a *mysqlAdapter) SwitchTable(ctx context.Context, liveTable, stagingTable string) error {
	oldTable := fmt.Sprintf("_old_%s_%d", liveTable, rand.Intn(1_000_000))
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockStmt := fmt.Sprintf("LOCK TABLES `%s` WRITE, `%s` WRITE", liveTable, stagingTable)
	if _, err := tx.ExecContext(ctx, lockStmt); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, fmt.Errorf("acquiring switch lock: %w", err))
	}
	renameStmt := fmt.Sprintf("RENAME TABLE `%s` TO `%s`, `%s` TO `%s`", liveTable, oldTable, stagingTable, liveTable)
	if _, err := tx.ExecContext(ctx, renameStmt); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, fmt.Errorf("rename under lock: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "UNLOCK TABLES"); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, err)
	}
	if err := tx.Commit(); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, err)
	}
	if _, err := a.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", oldTable)); err != nil {
		return syncerr.New(syncerr.KindLoad, "", liveTable, fmt.Errorf("dropping retired table: %w", err))
	}
	return nil
}

func (a *mysqlAdapter) AddColumn(ctx context.Context, table string, col ColumnInfo) error {
	schema, err := a.TableSchema(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range schema.Columns {
		if c.Name == col.Name {
			return nil
		}
	}
	stmt := fmt.Sprintf("ALTER TABLE `%s` ADD COLUMN `%s` %s", table, col.Name, col.Type)
	if err := dbutil.ValidateGeneratedAlter(stmt); err != nil {
		return syncerr.New(syncerr.KindConfig, "", table, fmt.Errorf("add column: %w", err))
	}
	return a.Exec(ctx, stmt)
}

func (a *mysqlAdapter) EnsureIndexes(ctx context.Context, table string, indexes map[string][]string) error {
	existing := make(map[string]bool)
	rows, err := a.db.QueryContext(ctx,
		`SELECT DISTINCT INDEX_NAME FROM information_schema.STATISTICS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table)
	if err != nil {
		return syncerr.New(syncerr.KindLoad, "", table, err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return syncerr.New(syncerr.KindLoad, "", table, err)
		}
		existing[name] = true
	}
	rows.Close()

	for name, cols := range indexes {
		if existing[name] {
			continue
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = "`" + c + "`"
		}
		stmt := fmt.Sprintf("ALTER TABLE `%s` ADD INDEX `%s` (%s)", table, name, strings.Join(quoted, ","))
		if err := dbutil.ValidateGeneratedAlter(stmt); err != nil {
			return syncerr.New(syncerr.KindConfig, "", table, fmt.Errorf("ensure indexes: %w", err))
		}
		if err := a.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (a *mysqlAdapter) DeleteWindow(ctx context.Context, table, column string, since, until time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM `%s` WHERE `%s` >= ? AND `%s` < ?", table, column, column), since, until)
	if err != nil {
		return 0, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	return n, nil
}

func (a *mysqlAdapter) MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error) {
	var t sql.NullTime
	err := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(`%s`) FROM `%s`", column, table)).Scan(&t)
	if err != nil {
		return time.Time{}, false, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

func (a *mysqlAdapter) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)).Scan(&n)
	if err != nil {
		return 0, syncerr.New(syncerr.KindLoad, "", table, err)
	}
	return n, nil
}

func (a *mysqlAdapter) Exec(ctx context.Context, query string, args ...any) error {
	_, err := retryableExec(ctx, a.db, query, args...)
	return err
}

func (a *mysqlAdapter) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

// retryableExec mirrors spirit's dbconn.RetryableTransaction: a single
// statement, retried a bounded number of times on a short allowlist of
// transient MySQL error numbers (lock wait timeout, deadlock, connection
// loss), everything else failing immediately.
func retryableExec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < mysqlMaxRetries; attempt++ {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryableMySQLError(err) {
			return nil, err
		}
		sleepBackoff(attempt)
	}
	return nil, lastErr
}

const (
	errLockWaitTimeout uint16 = 1205
	errDeadlock        uint16 = 1213
	errCannotConnect   uint16 = 2003
	errConnLost        uint16 = 2013
	errReadOnly        uint16 = 1290
	errQueryKilled     uint16 = 1836
)

func isRetryableMySQLError(err error) bool {
	merr, ok := err.(*mysql.MySQLError)
	if !ok {
		return false
	}
	switch merr.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect, errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

func sleepBackoff(attempt int) {
	factor := attempt * rand.Intn(10)
	time.Sleep(time.Duration(factor) * time.Millisecond)
}

// WithAdvisoryLock acquires a server-wide named lock via GET_LOCK, the
// same primitive spirit's dbconn.MetadataLock uses, runs fn, then releases
// it (GET_LOCK's companion connection-scoped release happens automatically
// when the dedicated connection used to take it is returned, but since we
// share the pool here we release explicitly instead).
func (a *mysqlAdapter) WithAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return syncerr.New(syncerr.KindConfig, "", "", err)
	}
	defer conn.Close()

	var answer int
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 30)", name).Scan(&answer); err != nil {
		return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("acquiring advisory lock %s: %w", name, err))
	}
	if answer != 1 {
		return syncerr.New(syncerr.KindConfig, "", "", fmt.Errorf("advisory lock %s held by another connection", name))
	}
	defer func() {
		var released int
		_ = conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name).Scan(&released)
	}()
	return fn(ctx)
}

func (a *mysqlAdapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }
func (a *mysqlAdapter) Close() error                   { return a.db.Close() }
