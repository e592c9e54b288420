// Package testutils provides live-database test fixtures for packages
// that want integration coverage beyond the hand-rolled in-memory fakes
// used elsewhere (pkg/action, pkg/manager, pkg/pipeline). Grounded on
// xataio-pgroll's pkg/testutils/util.go: an ephemeral
// testcontainers-go Postgres instance for the Postgres path, since the
// retrieval pack carries testcontainers-go's Postgres module.
package testutils

import (
	"context"
	"os"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultPostgresVersion = "15.3"

// MySQLDSN returns a go-sql-driver/mysql-style DSN for a live MySQL
// instance, read from SYNCWAREHOUSE_TEST_MYSQL_DSN. The retrieval pack
// carries no MySQL testcontainers module (pgroll's testutils only ever
// spins up Postgres), so unlike PostgresDSN there is no ephemeral-container
// fallback here; the test is skipped instead. This is a documented, not
// silent, gap — see DESIGN.md.
func MySQLDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("SYNCWAREHOUSE_TEST_MYSQL_DSN"); dsn != "" {
		return dsn
	}
	t.Skip("set SYNCWAREHOUSE_TEST_MYSQL_DSN to run this test against a live MySQL instance")
	return ""
}

// PostgresDSN returns a libpq-style DSN for a live Postgres instance. If
// SYNCWAREHOUSE_TEST_POSTGRES_DSN is set, it is used directly; otherwise a
// throwaway testcontainers-go Postgres container is started and torn down
// via t.Cleanup, exactly as pgroll's SharedTestMain/setupTestDatabase does.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("SYNCWAREHOUSE_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	return startPostgresContainer(t)
}

func startPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	version := os.Getenv("SYNCWAREHOUSE_TEST_POSTGRES_VERSION")
	if version == "" {
		version = defaultPostgresVersion
	}

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(30 * time.Second)

	ctr, err := tcpostgres.RunContainer(ctx,
		tc.WithImage("postgres:"+version),
		tc.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		t.Skipf("skipping: could not start postgres test container (is Docker available?): %v", err)
	}
	t.Cleanup(func() {
		_ = ctr.Terminate(ctx)
	})

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Skipf("skipping: could not obtain postgres connection string: %v", err)
	}
	return connStr
}
