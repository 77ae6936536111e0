package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopassist/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const pingTimeout = 5 * time.Second

// dialect holds what differs between the SQL drivers backing SQLKV.
type dialect struct {
	driver string
	dsn    func(config.DatabaseConfig) (string, error)
	tune   func(*sql.DB)
	schema string
	upsert string
}

var dialects = map[string]dialect{
	"sqlite3": {
		driver: "sqlite3",
		dsn: func(c config.DatabaseConfig) (string, error) {
			if c.DSN == "" {
				return "", errors.New("sqlite dsn must be provided")
			}
			return c.DSN, nil
		},
		// one writer at a time
		tune: func(db *sql.DB) { db.SetMaxOpenConns(1) },
		schema: `CREATE TABLE IF NOT EXISTS kv_store (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		upsert: `INSERT INTO kv_store (k, v, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
	},
	"mysql": {
		driver: "mysql",
		dsn: func(c config.DatabaseConfig) (string, error) {
			if c.DSN != "" {
				return c.DSN, nil
			}
			dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", c.Username, c.Password, c.Host, c.Port, c.DBName)
			if c.Params != "" {
				dsn += "?" + c.Params
			}
			return dsn, nil
		},
		tune: func(db *sql.DB) { db.SetConnMaxLifetime(5 * time.Minute) },
		schema: `CREATE TABLE IF NOT EXISTS kv_store (
			k VARCHAR(255) NOT NULL,
			v MEDIUMBLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (k)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		upsert: `INSERT INTO kv_store (k, v, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`,
	},
}

func lookupDialect(name string) (dialect, string, error) {
	key := strings.ToLower(name)
	if key == "sqlite" {
		key = "sqlite3"
	}
	d, ok := dialects[key]
	if !ok {
		return dialect{}, key, fmt.Errorf("unsupported driver: %s", name)
	}
	return d, key, nil
}

// OpenDB connects to the SQL database configured for dbType and checks it
// answers.
func OpenDB(dbType string, cfg *config.Config) (*sql.DB, error) {
	d, key, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}
	dbCfg, ok := cfg.Databases[key]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	dsn, err := d.dsn(dbCfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", key, err)
	}
	d.tune(db)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", key, err)
	}
	return db, nil
}

// Migrate creates the kv_store table when it is missing.
func Migrate(db *sql.DB, driver string) error {
	d, key, err := lookupDialect(driver)
	if err != nil {
		return err
	}
	if _, err := db.Exec(d.schema); err != nil {
		return fmt.Errorf("migrate %s: %w", key, err)
	}
	return nil
}

// SQLKV is a KV over the kv_store table.
type SQLKV struct {
	db     *sql.DB
	upsert string
}

// NewSQLKV wraps a migrated database. Unknown drivers get the sqlite
// upsert syntax.
func NewSQLKV(db *sql.DB, driver string) *SQLKV {
	d, _, err := lookupDialect(driver)
	if err != nil {
		d = dialects["sqlite3"]
	}
	return &SQLKV{db: db, upsert: d.upsert}
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	switch err := s.db.QueryRowContext(ctx, `SELECT v FROM kv_store WHERE k = ?`, key).Scan(&v); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.upsert, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE k = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLKV) Close() error {
	return s.db.Close()
}
