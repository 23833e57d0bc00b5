package store

import (
	"fmt"
)

// migration is one schema version. Statements run in order inside a single
// transaction; the MySQL driver does not accept compound statements.
type migration struct {
	version    int
	statements []string
}

// List of migrations per dialect. Add new ones to the end.
// DO NOT change the order of items already in these lists.
var sqliteMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE batches (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				in_progress BOOLEAN NOT NULL DEFAULT 0,
				vault_path TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				last_attempt_at DATETIME
			)`,
			`CREATE INDEX idx_batches_status ON batches(status, in_progress)`,
			`CREATE TABLE items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				dataset_id TEXT NOT NULL,
				dataset_version TEXT NOT NULL,
				active_key TEXT UNIQUE,
				path TEXT NOT NULL,
				checksum TEXT NOT NULL DEFAULT '',
				size INTEGER NOT NULL DEFAULT 0,
				bag_id TEXT NOT NULL DEFAULT '',
				nbn TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				batch_id TEXT,
				object_id TEXT,
				error_message TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(batch_id) REFERENCES batches(id)
			)`,
			`CREATE INDEX idx_items_status ON items(status)`,
			`CREATE INDEX idx_items_batch ON items(batch_id)`,
			`CREATE TABLE parts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				batch_id TEXT NOT NULL,
				part_index INTEGER NOT NULL,
				name TEXT NOT NULL,
				algorithm TEXT NOT NULL,
				checksum TEXT NOT NULL,
				UNIQUE(batch_id, part_index),
				FOREIGN KEY(batch_id) REFERENCES batches(id)
			)`,
		},
	},
}

var mysqlMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE batches (
				id VARCHAR(64) PRIMARY KEY,
				status VARCHAR(32) NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				in_progress BOOLEAN NOT NULL DEFAULT 0,
				vault_path VARCHAR(1024) NOT NULL DEFAULT '',
				error_message TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				last_attempt_at DATETIME(6) NULL,
				INDEX idx_batches_status (status, in_progress)
			)`,
			`CREATE TABLE items (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				dataset_id VARCHAR(255) NOT NULL,
				dataset_version VARCHAR(64) NOT NULL,
				active_key VARCHAR(320) NULL,
				path VARCHAR(2048) NOT NULL,
				checksum VARCHAR(128) NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				bag_id VARCHAR(255) NOT NULL DEFAULT '',
				nbn VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL,
				batch_id VARCHAR(64) NULL,
				object_id VARCHAR(255) NULL,
				error_message TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				UNIQUE INDEX items_active_key (active_key),
				INDEX idx_items_status (status),
				INDEX idx_items_batch (batch_id),
				FOREIGN KEY (batch_id) REFERENCES batches(id)
			)`,
			`CREATE TABLE parts (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				batch_id VARCHAR(64) NOT NULL,
				part_index INTEGER NOT NULL,
				name VARCHAR(1024) NOT NULL,
				algorithm VARCHAR(32) NOT NULL,
				checksum VARCHAR(256) NOT NULL,
				UNIQUE INDEX parts_batch_index (batch_id, part_index),
				FOREIGN KEY (batch_id) REFERENCES batches(id)
			)`,
		},
	},
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER NOT NULL PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Info("Current schema version", "version", currentVersion, "dialect", s.dialect.name)

	for _, mig := range s.dialect.migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(mig migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range mig.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	insertSQL := "INSERT INTO migrations (version, applied_at) VALUES (?, ?)"
	if _, err := tx.Exec(insertSQL, mig.version, s.now()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
