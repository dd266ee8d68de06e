package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// These are the only drivers currently supported
	SQLITE_DRIVER   = "sqlite"
	POSTGRES_DRIVER = "pgx"

	TABLE_CONFIGS    = "configs"
	TABLE_RUNS       = "runs"
	TABLE_UNITS      = "units"
	TABLE_CRITERIA   = "criteria"
	TABLE_ITERATIONS = "iterations"
)

// The pos column keeps insertion order for listings.
const SQLITE_SCHEMA = `
CREATE TABLE IF NOT EXISTS configs (
	pos INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	pos INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	config_id TEXT NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS units (
	pos INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS criteria (
	pos INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	unit_id TEXT NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS iterations (
	pos INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	unit_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL,
	UNIQUE (unit_id, sequence)
);
CREATE INDEX IF NOT EXISTS runs_config_idx ON runs (config_id);
CREATE INDEX IF NOT EXISTS units_run_idx ON units (run_id);
CREATE INDEX IF NOT EXISTS criteria_unit_idx ON criteria (unit_id);
`

const POSTGRES_SCHEMA = `
CREATE TABLE IF NOT EXISTS configs (
	pos BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	pos BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	config_id TEXT NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS units (
	pos BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS criteria (
	pos BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	unit_id TEXT NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS iterations (
	pos BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	unit_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	status TEXT NOT NULL,
	entity TEXT NOT NULL,
	UNIQUE (unit_id, sequence)
);
CREATE INDEX IF NOT EXISTS runs_config_idx ON runs (config_id);
CREATE INDEX IF NOT EXISTS units_run_idx ON units (run_id);
CREATE INDEX IF NOT EXISTS criteria_unit_idx ON criteria (unit_id);
`

func getUnsupportedDriverError(driver string) error {
	return fmt.Errorf("unsupported driver: %s", driver)
}

func schemaForDriver(driver string) (string, error) {
	switch driver {
	case SQLITE_DRIVER:
		return SQLITE_SCHEMA, nil
	case POSTGRES_DRIVER:
		return POSTGRES_SCHEMA, nil
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// rebind rewrites ? placeholders into the driver's syntax. SQLite takes ?
// as is, PostgreSQL wants $1, $2, ...
func rebind(driver, query string) string {
	if driver != POSTGRES_DRIVER {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Both drivers accept ON CONFLICT ... DO UPDATE with excluded.
const upsertConfigStatement = `INSERT INTO configs (id, entity) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET entity = excluded.entity`
