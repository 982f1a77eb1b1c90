package transitdb

import (
	"archive/zip"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
)

type ExportOpts struct {
	// IncludeEmpty writes a tabular file even for tables with no rows.
	IncludeEmpty bool
}

// Export writes the feed tables back out as a zip archive of tabular files,
// one per declared table, columns in schema order.
func (s *Store) Export(outputPath string, opts *ExportOpts) error {
	if outputPath == "" {
		panic("Missing outputPath")
	}
	if opts == nil {
		opts = &ExportOpts{}
	}

	slog.Info(fmt.Sprintf("Exporting %s to %s", s.path, outputPath))

	db, err := s.reader()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	outputF, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	outputZip := zip.NewWriter(outputF)
	defer func() {
		_ = outputZip.Close()
		_ = outputF.Close()
	}()

	for _, table := range feedTableNames() {
		var rowCount int64
		err = sqlitex.Exec(db, fmt.Sprintf("SELECT count(*) AS count FROM %s", table),
			func(stmt *sqlite.Stmt) error {
				rowCount = stmt.GetInt64("count")
				return nil
			})
		if err != nil {
			return err
		}
		if rowCount == 0 && !opts.IncludeEmpty {
			continue
		}

		if err := exportTableIn(db, outputZip, table, feedSchema[table]); err != nil {
			return err
		}
	}

	if err := outputZip.Close(); err != nil {
		return err
	}
	if err := outputF.Close(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}

func exportTableIn(db *sqlite.Conn, outputZip *zip.Writer, table string, schema tableSchema) error {
	outputName := table + ".txt"
	outputF, err := outputZip.Create(outputName)
	if err != nil {
		return err
	}
	outputCSV := csv.NewWriter(outputF)

	var cols []string
	for _, col := range schema.Columns {
		cols = append(cols, col.Name)
	}
	if err := outputCSV.Write(cols); err != nil {
		return err
	}
	rowCount := 1

	err = sqlitex.Exec(db, "SELECT * FROM "+table, func(stmt *sqlite.Stmt) error {
		var row []string
		for _, col := range cols {
			row = append(row, stmt.GetText(col))
		}
		if err := outputCSV.Write(row); err != nil {
			return err
		}
		rowCount++
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Wrote %d rows to %s", rowCount, outputName))

	outputCSV.Flush()
	return outputCSV.Error()
}

func feedTableNames() []string {
	// Stable export order.
	return []string{"stops", "routes", "trips", "stop_times", "shapes", "transfers"}
}
