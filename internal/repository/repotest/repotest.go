// Package repotest opens migrated databases for tests.
package repotest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"github.com/joseph-ayodele/docextract/internal/repository"
)

// PostgresEnv enables the container-backed Postgres helpers.
const PostgresEnv = "DOCEXTRACT_PG_IT"

// Logger discards everything below ERROR.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewSQLite opens a migrated SQLite database in a temp dir and returns a
// job repository over it. The database is closed with the test.
func NewSQLite(t testing.TB) (*repository.DB, repository.JobRepository) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db") + "?_pragma=busy_timeout(5000)&_time_format=sqlite"
	return open(t, repository.Config{Driver: "sqlite", DSN: dsn})
}

// NewPostgres starts a throwaway postgres container. It skips the test
// unless DOCEXTRACT_PG_IT=1.
func NewPostgres(t testing.TB) (*repository.DB, repository.JobRepository) {
	t.Helper()
	if os.Getenv(PostgresEnv) != "1" {
		t.Skipf("set %s=1 to run postgres integration tests", PostgresEnv)
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("docker pool: %v", err)
	}
	pool.MaxWait = 60 * time.Second

	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=docextract",
			"POSTGRES_PASSWORD=docextract",
			"POSTGRES_DB=docextract",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(res); err != nil {
			t.Logf("purge postgres container: %v", err)
		}
	})
	_ = res.Expire(120)

	dsn := fmt.Sprintf("postgres://docextract:docextract@%s/docextract?sslmode=disable", res.GetHostPort("5432/tcp"))
	cfg := repository.Config{Driver: "postgres", DSN: dsn, MaxConns: 4}
	if err := pool.Retry(func() error {
		db, err := repository.Open(context.Background(), cfg, Logger())
		if err != nil {
			return err
		}
		defer repository.Close(db, Logger())
		return repository.HealthCheck(context.Background(), db, 2*time.Second, Logger())
	}); err != nil {
		t.Fatalf("postgres not ready: %v", err)
	}
	return open(t, cfg)
}

func open(t testing.TB, cfg repository.Config) (*repository.DB, repository.JobRepository) {
	t.Helper()
	ctx := context.Background()
	logger := Logger()
	db, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("open %s: %v", cfg.Driver, err)
	}
	t.Cleanup(func() { repository.Close(db, logger) })
	if err := repository.Migrate(ctx, db, logger); err != nil {
		t.Fatalf("migrate %s: %v", cfg.Driver, err)
	}
	return db, repository.NewJobRepository(db, logger)
}
