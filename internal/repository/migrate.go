package repository

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"entgo.io/ent/dialect"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// goose keeps its dialect and base FS in package globals.
var migrateMu sync.Mutex

// Migrate applies the embedded migrations for the database's dialect.
func Migrate(ctx context.Context, db *DB, logger *slog.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	var gooseDialect, dir string
	switch db.Dialect() {
	case dialect.Postgres:
		gooseDialect, dir = "postgres", "migrations/postgres"
	case dialect.SQLite:
		gooseDialect, dir = "sqlite3", "migrations/sqlite"
	default:
		return fmt.Errorf("no migrations for dialect %q", db.Dialect())
	}

	goose.SetLogger(&gooseLogger{logger: logger})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.SQL, dir); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	logger.Info("database migrations applied", "dialect", gooseDialect)
	return nil
}

// gooseLogger adapts slog to goose.Logger.
type gooseLogger struct {
	logger *slog.Logger
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
