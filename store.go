package transitdb

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups for identifiers that do not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable home of the feed tables, the restroom table and the
// feed version record. Each operation opens its own connection, so concurrent
// readers only ever contend with a writer for the duration of a single
// table's transaction.
type Store struct {
	path string
}

func sqlitexNoop(*sqlite.Stmt) error { return nil }

func OpenStore(path string) (*Store, error) {
	if path == "" {
		panic("Missing path")
	}

	s := &Store{path: path}

	db, err := s.writer()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	for table, schema := range feedSchema {
		if err := createTable(db, table, schema); err != nil {
			return nil, err
		}
	}
	for table, schema := range internalSchema {
		if err := createTable(db, table, schema); err != nil {
			return nil, err
		}
	}

	err = sqlitex.ExecTransient(db,
		`INSERT INTO feed_version (id, fingerprint, ingested_at, restrooms_refreshed_at)
		 SELECT 1, '', 0, 0 WHERE NOT EXISTS (SELECT 1 FROM feed_version WHERE id = 1)`,
		sqlitexNoop)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) writer() (*sqlite.Conn, error) {
	return sqlite.OpenConn(s.path, 0)
}

func (s *Store) reader() (*sqlite.Conn, error) {
	return sqlite.OpenConn(s.path, sqlite.SQLITE_OPEN_READONLY)
}

func createTable(db *sqlite.Conn, table string, schema tableSchema) error {
	var columnFragments []string
	for _, col := range schema.Columns {
		columnFragments = append(columnFragments, col.Name+" "+col.Type)
	}
	if len(schema.PrimaryKey) > 0 {
		columnFragments = append(columnFragments,
			fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(schema.PrimaryKey, ", ")))
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		table, strings.Join(columnFragments, ", "))
	return sqlitex.ExecTransient(db, query, sqlitexNoop)
}

// FeedVersion identifies the feed content the store currently holds.
type FeedVersion struct {
	Fingerprint          string
	IngestedAt           time.Time
	RestroomsRefreshedAt time.Time
}

func (s *Store) FeedVersion() (FeedVersion, error) {
	db, err := s.reader()
	if err != nil {
		return FeedVersion{}, err
	}
	defer func() { _ = db.Close() }()

	return feedVersionIn(db)
}

func feedVersionIn(db *sqlite.Conn) (FeedVersion, error) {
	var fv FeedVersion
	err := sqlitex.Exec(db,
		"SELECT fingerprint, ingested_at, restrooms_refreshed_at FROM feed_version WHERE id = 1",
		func(stmt *sqlite.Stmt) error {
			fv.Fingerprint = stmt.GetText("fingerprint")
			if at := stmt.GetInt64("ingested_at"); at != 0 {
				fv.IngestedAt = time.Unix(at, 0)
			}
			if at := stmt.GetInt64("restrooms_refreshed_at"); at != 0 {
				fv.RestroomsRefreshedAt = time.Unix(at, 0)
			}
			return nil
		})
	return fv, err
}

func setFeedVersionIn(db *sqlite.Conn, fingerprint string, at time.Time) error {
	return sqlitex.Exec(db,
		"UPDATE feed_version SET fingerprint = ?, ingested_at = ? WHERE id = 1",
		sqlitexNoop, fingerprint, at.Unix())
}

func (s *Store) setRestroomsRefreshedAt(at time.Time) error {
	db, err := s.writer()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return sqlitex.Exec(db,
		"UPDATE feed_version SET restrooms_refreshed_at = ? WHERE id = 1",
		sqlitexNoop, at.Unix())
}

// RowCount reports the number of rows in one of the declared tables.
func (s *Store) RowCount(table string) (int64, error) {
	if _, ok := feedSchema[table]; !ok {
		if _, ok := internalSchema[table]; !ok {
			return 0, fmt.Errorf("unknown table %s", table)
		}
	}

	db, err := s.reader()
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	var count int64
	err = sqlitex.Exec(db, fmt.Sprintf("SELECT count(*) AS count FROM %s", table),
		func(stmt *sqlite.Stmt) error {
			count = stmt.GetInt64("count")
			return nil
		})
	return count, err
}
