// Package sqlstore is a database/sql Store. Entities are stored as JSON in an
// entity column next to the few columns that queries filter on.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-viper/mapstructure/v2"

	// import the postgres driver - "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	// import the sqlite driver - "sqlite"
	_ "modernc.org/sqlite"

	"github.com/signalnine/benchloop/internal/store"
)

type Config struct {
	Driver          string         `mapstructure:"driver"`
	URL             string         `mapstructure:"url"`
	ConnMaxLifetime *time.Duration `mapstructure:"conn_max_lifetime,omitempty"`
	MaxIdleConns    *int           `mapstructure:"max_idle_conns,omitempty"`
	MaxOpenConns    *int           `mapstructure:"max_open_conns,omitempty"`
}

type SQLStore struct {
	cfg    Config
	pool   *sql.DB
	logger *slog.Logger
}

// New opens the database described by config (keys: driver, url,
// conn_max_lifetime, max_idle_conns, max_open_conns), pings it and ensures
// the schema exists.
func New(config map[string]any, logger *slog.Logger) (*SQLStore, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("decoding store config: %w", err)
	}

	switch cfg.Driver {
	case SQLITE_DRIVER, POSTGRES_DRIVER:
	default:
		return nil, getUnsupportedDriverError(cfg.Driver)
	}

	logger.Info("Opening SQL store", "driver", cfg.Driver)
	pool, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	if cfg.ConnMaxLifetime != nil {
		pool.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}
	if cfg.MaxIdleConns != nil {
		pool.SetMaxIdleConns(*cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns != nil {
		pool.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.Driver == SQLITE_DRIVER {
		// a single writer avoids SQLITE_BUSY between concurrent units
		pool.SetMaxOpenConns(1)
	}

	s := &SQLStore{cfg: cfg, pool: pool, logger: logger}
	if err := s.Ping(5 * time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s store: %w", cfg.Driver, err)
	}
	if err := s.ensureSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Ping(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.pool.PingContext(ctx)
}

func (s *SQLStore) Driver() string {
	return s.cfg.Driver
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func (s *SQLStore) ensureSchema() error {
	schema, err := schemaForDriver(s.cfg.Driver)
	if err != nil {
		return err
	}
	_, err = s.pool.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.pool.ExecContext(ctx, rebind(s.cfg.Driver, query), args...)
}

// execOne runs an UPDATE and reports ErrNotFound when no row matched.
func (s *SQLStore) execOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s %q: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s %q: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

// getEntity loads the entity column of one row into v.
func (s *SQLStore) getEntity(ctx context.Context, table, id string, v any) error {
	query := rebind(s.cfg.Driver, fmt.Sprintf(`SELECT entity FROM %s WHERE id = ?`, quoteIdentifier(table)))
	var entity string
	if err := s.pool.QueryRowContext(ctx, query, id).Scan(&entity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %q: %w", table, id, store.ErrNotFound)
		}
		return fmt.Errorf("reading %s %q: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(entity), v); err != nil {
		return fmt.Errorf("decoding %s %q: %w", table, id, err)
	}
	return nil
}

// listEntities runs query and decodes each row's entity column with decode.
func (s *SQLStore) listEntities(ctx context.Context, query string, decode func([]byte) error, args ...any) error {
	rows, err := s.pool.QueryContext(ctx, rebind(s.cfg.Driver, query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		if err := rows.Scan(&entity); err != nil {
			return err
		}
		if err := decode([]byte(entity)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func quoteIdentifier(identifier string) string {
	return `"` + identifier + `"`
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
