package transitdb

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrInvalidFeed = errors.New("invalid feed")

// validateFeed checks every declared foreign-ID column against its target
// table and reports each dangling reference. Issues do not fail ingestion
// unless the caller asked for strict mode.
func validateFeed(db *sqlite.Conn) ([]string, error) {
	slog.Info("Validating")

	var issues []string
	for table, schema := range feedSchema {
		for _, col := range schema.Columns {
			if col.ForeignID == nil {
				continue
			}
			found, err := danglingReferences(db, table, col)
			if err != nil {
				return issues, err
			}
			issues = append(issues, found...)
		}
	}
	return issues, nil
}

func danglingReferences(db *sqlite.Conn, table string, col columnSchema) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE %s IS NOT NULL AND %s NOT IN (SELECT %s FROM %s)",
		table, col.Name, col.Name, col.ForeignID.Column, col.ForeignID.Table)

	var issues []string
	err := sqlitex.Exec(db, query, func(stmt *sqlite.Stmt) error {
		value := stmt.GetText(col.Name)
		issue := fmt.Sprintf("%s in %s.%s is not a valid %s.%s [%s]",
			value, table, col.Name, col.ForeignID.Table, col.ForeignID.Column,
			prettyPrintRow(stmt))
		slog.Warn(issue)
		issues = append(issues, issue)
		return nil
	})
	return issues, err
}

func prettyPrintRow(row *sqlite.Stmt) string {
	var out []string
	for i := 0; i < row.ColumnCount(); i++ {
		column := row.ColumnName(i)
		value := row.GetText(column)
		if value != "" {
			out = append(out, fmt.Sprintf("%s: %s", column, value))
		}
	}
	return strings.Join(out, ", ")
}
