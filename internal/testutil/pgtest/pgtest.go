package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/edgeflare/loadbench/internal/testutil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// URL returns TEST_DATABASE when set, otherwise starts a disposable
// PostgreSQL container and returns its connection string.
func URL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DATABASE"); url != "" {
		return url
	}
	endpoint := testutil.Container(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "performanceTest",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	return fmt.Sprintf("postgres://postgres:password@%s/performanceTest?sslmode=disable", endpoint)
}

// Connect opens a single connection to url that logs server notices to t.
func Connect(ctx context.Context, t *testing.T, url string) *pgx.Conn {
	t.Helper()
	config, err := pgx.ParseConfig(url)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(ctx))
	})
	return conn
}
