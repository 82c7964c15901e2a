package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// Cookie is one persisted cookie, keyed by the origin that set it.
type Cookie struct {
	Origin    string
	Name      string
	Value     string
	Domain    string
	Path      string
	Expires   *time.Time // nil for session cookies
	Secure    bool
	HttpOnly  bool
	UpdatedAt time.Time
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Cookie store opened at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cookies (
		origin TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		expires DATETIME,
		secure BOOLEAN DEFAULT FALSE,
		http_only BOOLEAN DEFAULT FALSE,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (origin, name, path)
	);

	CREATE INDEX IF NOT EXISTS idx_cookies_expires ON cookies(expires);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Cookie operations

func (d *Database) SaveCookie(c Cookie) error {
	_, err := d.db.Exec(`
		INSERT INTO cookies (origin, name, path, value, domain, expires, secure, http_only, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(origin, name, path) DO UPDATE SET
			value = excluded.value,
			domain = excluded.domain,
			expires = excluded.expires,
			secure = excluded.secure,
			http_only = excluded.http_only,
			updated_at = CURRENT_TIMESTAMP
	`, c.Origin, c.Name, c.Path, c.Value, c.Domain, nullTime(c.Expires), c.Secure, c.HttpOnly)
	return err
}

func (d *Database) GetCookie(origin, name, path string) (*Cookie, error) {
	row := d.db.QueryRow(`
		SELECT origin, name, path, value, domain, expires, secure, http_only, updated_at
		FROM cookies WHERE origin = ? AND name = ? AND path = ?
	`, origin, name, path)

	c, err := scanCookie(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCookies returns the cookies set by origin, oldest first.
func (d *Database) ListCookies(origin string) ([]Cookie, error) {
	rows, err := d.db.Query(`
		SELECT origin, name, path, value, domain, expires, secure, http_only, updated_at
		FROM cookies WHERE origin = ?
		ORDER BY updated_at ASC
	`, origin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cookies []Cookie
	for rows.Next() {
		c, err := scanCookie(rows)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, *c)
	}
	return cookies, rows.Err()
}

func (d *Database) ListOrigins() ([]string, error) {
	rows, err := d.db.Query("SELECT DISTINCT origin FROM cookies ORDER BY origin")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, err
		}
		origins = append(origins, origin)
	}
	return origins, rows.Err()
}

func (d *Database) DeleteCookie(origin, name, path string) error {
	_, err := d.db.Exec(
		"DELETE FROM cookies WHERE origin = ? AND name = ? AND path = ?",
		origin, name, path,
	)
	return err
}

// DeleteExpired removes cookies whose expiry is before now and reports
// how many were removed. Session cookies are kept.
func (d *Database) DeleteExpired(now time.Time) (int64, error) {
	result, err := d.db.Exec(
		"DELETE FROM cookies WHERE expires IS NOT NULL AND expires < ?",
		now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var cookieCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM cookies").Scan(&cookieCount); err != nil {
		return nil, err
	}
	stats["cookie_count"] = cookieCount

	var originCount int
	if err := d.db.QueryRow("SELECT COUNT(DISTINCT origin) FROM cookies").Scan(&originCount); err != nil {
		return nil, err
	}
	stats["origin_count"] = originCount

	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCookie(s scanner) (*Cookie, error) {
	var c Cookie
	var expires sql.NullTime
	if err := s.Scan(&c.Origin, &c.Name, &c.Path, &c.Value, &c.Domain, &expires, &c.Secure, &c.HttpOnly, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		c.Expires = &t
	}
	return &c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
