// Package database provisions disposable PostgreSQL instances for
// integration tests. With UMT_TEST_DATABASE_URL set (CI service container)
// it connects there; otherwise it starts a shared testcontainer once per
// package. Tests skip when neither is available.
package database

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/umt-project/umt/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewTestClient returns a migrated client on a database created just for
// this test. The schema is applied by the production migration path, so
// these tests exercise the embedded SQL as well.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := baseConnectionString(t)
	dbName := generateDatabaseName(t)

	admin, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	t.Logf("Created test database %s", dbName)

	client, err := database.NewClient(ctx, database.Config{
		URL:             replaceDatabase(t, baseConnStr, dbName),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_, err := admin.ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
		if err != nil {
			t.Logf("Warning: failed to drop database %s: %v", dbName, err)
		}
		_ = admin.Close()
	})

	return client
}

// baseConnectionString resolves the PostgreSQL to test against, skipping
// the test when no database can be provisioned.
func baseConnectionString(t *testing.T) string {
	t.Helper()

	if ciURL := os.Getenv("UMT_TEST_DATABASE_URL"); ciURL != "" {
		t.Log("Using external PostgreSQL from UMT_TEST_DATABASE_URL")
		return ciURL
	}
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("umt_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("read connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	if containerErr != nil {
		t.Skipf("no database available (is Docker running?): %v", containerErr)
	}
	return sharedConnStr
}

// generateDatabaseName derives a unique, PostgreSQL-safe database name from
// the test name.
func generateDatabaseName(t *testing.T) string {
	t.Helper()

	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

// replaceDatabase swaps the database component of a postgres:// URL.
func replaceDatabase(t *testing.T, connStr, dbName string) string {
	t.Helper()
	u, err := url.Parse(connStr)
	require.NoError(t, err)
	u.Path = "/" + dbName
	return u.String()
}
