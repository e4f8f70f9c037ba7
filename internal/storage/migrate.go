package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/authrim/authrim/internal/common"
)

// RunMigrations applies all pending SQL migrations from sourcePath against
// the database at databaseURL. ErrNoChange is not an error.
func RunMigrations(databaseURL, sourcePath string, log *common.Logger) error {
	// golang-migrate selects the driver from the URL scheme; route through pgx/v5.
	url := databaseURL
	if strings.HasPrefix(url, "postgres://") {
		url = "pgx5://" + strings.TrimPrefix(url, "postgres://")
	} else if strings.HasPrefix(url, "postgresql://") {
		url = "pgx5://" + strings.TrimPrefix(url, "postgresql://")
	}

	m, err := migrate.New("file://"+sourcePath, url)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	m.Log = &migrateLogger{log: log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration db: %w", dbErr)
	}
	return nil
}

// migrateLogger bridges golang-migrate's logger to arbor.
type migrateLogger struct {
	log *common.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msgf("migrate: "+strings.TrimSpace(format), v...)
}

func (l *migrateLogger) Verbose() bool { return false }
