package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateItem is returned when a non-terminal item already exists
	// for the same dataset and version.
	ErrDuplicateItem = errors.New("a non-terminal item already exists for this dataset version")
)

// dialect holds what differs between the supported databases.
type dialect struct {
	name              string
	driver            string
	migrations        []migration
	isUniqueViolation func(error) bool
}

var sqliteDialect = dialect{
	name:       "sqlite",
	driver:     "sqlite",
	migrations: sqliteMigrations,
	isUniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

var mysqlDialect = dialect{
	name:       "mysql",
	driver:     "mysql",
	migrations: mysqlMigrations,
	isUniqueViolation: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == 1062
	},
}

// Store provides SQL-backed persistence for items, batches and parts.
// Each exported method is one transaction.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open(sqliteDialect.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer, and every connection to ":memory:" is a
	// separate database.
	db.SetMaxOpenConns(1)

	return open(db, sqliteDialect, dbPath, logger)
}

// NewMySQL connects to a MySQL database and runs migrations. parseTime is
// forced on since the schema uses DATETIME columns, and affected row counts
// report matched rows so idempotent updates are not mistaken for misses.
func NewMySQL(dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	db, err := sql.Open(mysqlDialect.driver, cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(db, mysqlDialect, cfg.Addr+"/"+cfg.DBName, logger)
}

// Open selects the backend by driver name ("sqlite" or "mysql").
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	switch driver {
	case "", "sqlite":
		return New(dsn, logger)
	case "mysql":
		return NewMySQL(dsn, logger)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func open(db *sql.DB, d dialect, where string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "dialect", d.name, "path", where)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Stats counts items and batches per status.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{
		Items:   make(map[ItemStatus]int),
		Batches: make(map[BatchStatus]int),
	}

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan item count: %w", err)
		}
		st.Items[ItemStatus(status)] = n
	}
	rows.Close()

	rows, err = s.db.Query("SELECT status, COUNT(*) FROM batches GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan batch count: %w", err)
		}
		st.Batches[BatchStatus(status)] = n
	}
	rows.Close()

	ready, err := s.SumReadySize()
	if err != nil {
		return nil, err
	}
	st.ReadyBytes = ready
	return st, nil
}

// nullString maps "" to NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
