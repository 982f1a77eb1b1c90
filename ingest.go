package transitdb

import (
	"archive/zip"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrMalformedTable reports a tabular file that could not be loaded. The
// failed table's transaction is rolled back; tables committed before it are
// left intact.
var ErrMalformedTable = errors.New("malformed table")

type IngestOpts struct {
	// Client is used for the fingerprint probe and the archive download.
	Client *http.Client
	// Strict makes referential validation issues fail the ingestion.
	Strict bool
}

// Ingestor loads feed archives into a Store. At most one ingestion runs at a
// time; a second concurrent call is a benign no-op rather than a queued wait.
type Ingestor struct {
	store *Store
	mu    sync.Mutex
}

func NewIngestor(store *Store) *Ingestor {
	return &Ingestor{store: store}
}

// Ingest fetches the feed archive at sourceURL and loads every known table,
// each inside its own transaction, replacing that table's prior content.
// If the remote fingerprint (ETag, else Last-Modified) matches the stored
// one and the store already holds feed data, nothing is fetched.
func (ing *Ingestor) Ingest(sourceURL string, opts *IngestOpts) (FeedVersion, []string, error) {
	if sourceURL == "" {
		panic("Missing sourceURL")
	}
	if opts == nil {
		opts = &IngestOpts{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	if !ing.mu.TryLock() {
		slog.Info("Ingestion already in flight, skipping")
		fv, err := ing.store.FeedVersion()
		return fv, nil, err
	}
	defer ing.mu.Unlock()

	current, err := ing.store.FeedVersion()
	if err != nil {
		return FeedVersion{}, nil, err
	}

	fingerprint, err := fetchFingerprint(client, sourceURL)
	if err != nil {
		return current, nil, fmt.Errorf("fetch fingerprint: %w", err)
	}

	if fingerprint != "" && fingerprint == current.Fingerprint {
		stops, err := ing.store.RowCount("stops")
		if err != nil {
			return current, nil, err
		}
		if stops > 0 {
			slog.Info("Feed unchanged, skipping", "fingerprint", fingerprint)
			return current, nil, nil
		}
	}

	slog.Info(fmt.Sprintf("Ingesting %s into %s", sourceURL, ing.store.Path()))

	archivePath, err := downloadArchive(client, sourceURL)
	if err != nil {
		return current, nil, fmt.Errorf("download feed: %w", err)
	}
	defer func() { _ = os.Remove(archivePath) }()

	inputZip, err := zip.OpenReader(archivePath)
	if err != nil {
		return current, nil, fmt.Errorf("open feed archive: %w", err)
	}
	defer func() { _ = inputZip.Close() }()

	db, err := ing.store.writer()
	if err != nil {
		return current, nil, err
	}
	defer func() { _ = db.Close() }()

	for _, entry := range inputZip.File {
		table := strings.TrimSuffix(entry.Name, ".txt")
		schema, ok := feedSchema[table]
		if !strings.HasSuffix(entry.Name, ".txt") || !ok {
			slog.Info("Skipping unknown file " + entry.Name)
			continue
		}
		if err := loadTableIn(db, &inputZip.Reader, entry.Name, table, schema); err != nil {
			return current, nil, err
		}
	}

	issues, err := validateFeed(db)
	if err != nil {
		return current, issues, err
	}
	if len(issues) > 0 && opts.Strict {
		return current, issues, ErrInvalidFeed
	}

	now := time.Now()
	if err := setFeedVersionIn(db, fingerprint, now); err != nil {
		return current, issues, err
	}

	slog.Info("Ingestion complete", "fingerprint", fingerprint)
	return FeedVersion{
		Fingerprint:          fingerprint,
		IngestedAt:           now,
		RestroomsRefreshedAt: current.RestroomsRefreshedAt,
	}, issues, nil
}

// fetchFingerprint probes the source without downloading it. An empty result
// means the server offers no usable validator and the feed is treated as
// changed.
func fetchFingerprint(client *http.Client, sourceURL string) (string, error) {
	resp, err := client.Head(sourceURL)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return resp.Header.Get("Last-Modified"), nil
}

func downloadArchive(client *http.Client, sourceURL string) (string, error) {
	resp, err := client.Get(sourceURL)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "transitdb-feed-*.zip")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// loadTableIn replaces table's content with the rows of one tabular file.
// The truncate and every insert share a savepoint, so a malformed row leaves
// the table's prior content in place.
func loadTableIn(db *sqlite.Conn, inputZip *zip.Reader, filename, table string, schema tableSchema) (err error) {
	inputF, err := inputZip.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = inputF.Close() }()

	inputCSV := csv.NewReader(inputF)

	header, err := inputCSV.Read()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedTable, table, err)
	}
	slog.Info(fmt.Sprintf("Loading %s: %s", filename, strings.Join(header, ",")))

	// Columns are bound by header name; anything outside the declared
	// schema is ignored.
	const utf8BOM = "\xef\xbb\xbf"
	columns := make([]columnSchema, len(header))
	known := 0
	for i, name := range header {
		name = strings.TrimPrefix(name, utf8BOM)
		header[i] = name
		if col, ok := schema.column(name); ok {
			columns[i] = col
			known++
		} else {
			slog.Warn("Ignoring undeclared column", "table", table, "column", name)
		}
	}
	if known == 0 {
		return fmt.Errorf("%w: %s: no declared columns in header", ErrMalformedTable, table)
	}

	var nameFragments, argFragments []string
	for i, col := range columns {
		if col.Name == "" {
			continue
		}
		nameFragments = append(nameFragments, col.Name)
		argFragments = append(argFragments, fmt.Sprintf("?%d", i+1))
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(nameFragments, ", "), strings.Join(argFragments, ", "))

	defer sqlitex.Save(db)(&err)

	if err := sqlitex.ExecTransient(db, "DELETE FROM "+table, sqlitexNoop); err != nil {
		return err
	}

	insertStmt, err := db.Prepare(insertQuery)
	if err != nil {
		return err
	}

	rowCount := 0
	for {
		row, err := inputCSV.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedTable, table, err)
		}

		if err := insertStmt.Reset(); err != nil {
			return err
		}
		if err := insertStmt.ClearBindings(); err != nil {
			return err
		}

		for i, v := range row {
			col := columns[i]
			if col.Name == "" {
				continue
			}
			if err := bindTyped(insertStmt, i+1, col, v); err != nil {
				return fmt.Errorf("%w: %s row %d: %v", ErrMalformedTable, table, rowCount+1, err)
			}
		}

		for {
			rowReturned, err := insertStmt.Step()
			if err != nil {
				return fmt.Errorf("%w: %s row %d: %v", ErrMalformedTable, table, rowCount+1, err)
			}
			if !rowReturned {
				break
			}
		}

		rowCount++
	}
	slog.Info(fmt.Sprintf("Wrote %d rows to %s", rowCount, table))

	return nil
}

func bindTyped(stmt *sqlite.Stmt, param int, col columnSchema, value string) error {
	if value == "" {
		stmt.BindNull(param)
		return nil
	}
	switch col.Type {
	case "INTEGER":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", col.Name, value)
		}
		stmt.BindInt64(param, n)
	case "REAL":
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", col.Name, value)
		}
		stmt.BindFloat(param, f)
	default:
		stmt.BindText(param, value)
	}
	return nil
}
