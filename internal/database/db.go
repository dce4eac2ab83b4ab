package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn   *sql.DB
	dbType string
}

type Config struct {
	Type       string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SQLitePath string
}

// DSN returns the postgres connection string for the config.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

func NewDB(config Config) (*DB, error) {
	var conn *sql.DB
	var err error

	switch config.Type {
	case "sqlite":
		// cascades below need foreign keys enabled per connection
		dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", config.SQLitePath)
		conn, err = sql.Open("sqlite3", dsn)
	case "postgres":
		conn, err = sql.Open("pgx", config.DSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dbType: config.Type}

	// Only create tables for SQLite
	if config.Type == "sqlite" {
		conn.SetMaxOpenConns(1)
		if err := db.createTables(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return db, nil
}

func (db *DB) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL DEFAULT 0,
		cover_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_until INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_videos_status ON videos(status);

	CREATE TABLE IF NOT EXISTS subtitles (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subtitles_video ON subtitles(video_id, start_time, seq);

	CREATE TABLE IF NOT EXISTS frame_samples (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		path TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_frame_samples_video ON frame_samples(video_id, seq);

	CREATE TABLE IF NOT EXISTS embeddings (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_ref TEXT NOT NULL,
		video_id TEXT NOT NULL,
		modality TEXT NOT NULL,
		vector BLOB NOT NULL,
		UNIQUE(modality, owner_ref)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_video ON embeddings(video_id);
	`

	if _, err := db.conn.Exec(query); err != nil {
		return err
	}
	return db.addLeaseColumns()
}

// addLeaseColumns upgrades sqlite files created before videos carried a
// lease.
func (db *DB) addLeaseColumns() error {
	rows, err := db.conn.Query(`PRAGMA table_info(videos)`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	columns := []struct{ name, def string }{
		{"lease_owner", "TEXT NOT NULL DEFAULT ''"},
		{"lease_until", "INTEGER NOT NULL DEFAULT 0"},
		{"cancel_requested", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range columns {
		if existing[c.name] {
			continue
		}
		if _, err := db.conn.Exec(`ALTER TABLE videos ADD COLUMN ` + c.name + ` ` + c.def); err != nil {
			return fmt.Errorf("failed to add column %s: %w", c.name, err)
		}
	}
	return nil
}

// RunMigrations applies pending postgres migrations. SQLite schemas are
// created on open and need none.
func (db *DB) RunMigrations(ctx context.Context, path string) error {
	return NewMigrator(db.conn, db.dbType).Run(ctx, path)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Type() string {
	return db.dbType
}

// rebind rewrites ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dbType != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
