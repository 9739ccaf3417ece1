package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bohemiyan/qms/internal/config"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresDB wraps both sql.DB and gorm.DB
type PostgresDB struct {
	DB     *sql.DB
	GormDB *gorm.DB
}

func NewPostgresDB(cfg *config.Config) (*PostgresDB, error) {
	dsn := cfg.PostgresDSN()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	gormDB, err := NewGorm(dsn)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresDB{DB: db, GormDB: gormDB}, nil
}

// NewGorm opens a gorm connection through the pgx driver.
func NewGorm(dsn string) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}
	return gormDB, nil
}

// RequiredTables are the tables the server cannot run without. The
// delegation table is optional: authorization degrades to role grants.
var RequiredTables = []string{"tenants", "users", "roles", "user_roles", "documents", "qms_tasks", "capas"}

// SchemaReady reports which of tables are missing from the search path.
func SchemaReady(ctx context.Context, db *sql.DB, tables ...string) ([]string, error) {
	var missing []string
	for _, table := range tables {
		var found sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", table).Scan(&found); err != nil {
			return nil, fmt.Errorf("failed to probe table %s: %w", table, err)
		}
		if !found.Valid {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

func (p *PostgresDB) Close() error {
	if err := p.DB.Close(); err != nil {
		return fmt.Errorf("failed to close sql.DB: %w", err)
	}

	sqlDB, err := p.GormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from GORM: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close GORM sql.DB: %w", err)
	}

	return nil
}
