package qms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE undefined_table.
const pgUndefinedTable = "42P01"

// IsUndefinedTable recognises a "table does not exist" failure from the pgx
// driver behind gorm, from lib/pq, and from sqlite.
func IsUndefinedTable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUndefinedTable
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUndefinedTable
	}
	// sqlite reports every schema error as SQLITE_ERROR; only the text differs.
	return strings.Contains(err.Error(), "no such table")
}

// classifyStoreError converts a missing-table failure into ErrSchemaNotReady.
func classifyStoreError(table string, err error) error {
	if err == nil {
		return nil
	}
	if IsUndefinedTable(err) {
		return fmt.Errorf("%s: %w", table, ErrSchemaNotReady)
	}
	return err
}
