// Package registry is the persistent device registry: the mapping from
// device-id to credential and status that survives server restarts.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	ErrDeviceExists   = errors.New("device already registered")
	ErrDeviceNotFound = errors.New("device not found")
)

// bcryptCost trades hash time for brute-force resistance. Device
// secrets are long random strings, so the default cost is plenty.
const bcryptCost = bcrypt.DefaultCost

// Device is one registry record. The secret itself is never loaded
// back out; only its hash is stored.
type Device struct {
	ID           string
	Model        string
	RegisteredAt time.Time
	Active       bool
}

// Registry stores device records in SQLite. The database pool is
// limited to a single connection, which also serializes writers.
type Registry struct {
	db *sql.DB
}

// Open creates or opens the registry database at path.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	// Pragmas in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id     TEXT PRIMARY KEY,
		secret_hash   TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init device registry schema: %w", err)
	}
	return nil
}

// Register creates a new device record. The secret is stored as a
// bcrypt hash and is immutable afterwards. Fails with ErrDeviceExists
// if the id is taken.
func (r *Registry) Register(deviceID, secret, model string) error {
	if deviceID == "" || secret == "" {
		return errors.New("device id and secret are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash device secret: %w", err)
	}

	res, err := r.db.Exec(`
		INSERT INTO devices (device_id, secret_hash, model, registered_at, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO NOTHING`,
		deviceID, string(hash), model, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceExists
	}

	log.Info().Str("device", deviceID).Str("model", model).Msg("Device registered")
	return nil
}

// Authenticate succeeds iff the record exists, is active, and the
// secret matches its stored hash. bcrypt comparison is constant-time.
// Device-id lookup is a case-sensitive exact match.
func (r *Registry) Authenticate(deviceID, secret string) bool {
	var hash string
	var active int
	err := r.db.QueryRow(
		`SELECT secret_hash, active FROM devices WHERE device_id = ?`, deviceID,
	).Scan(&hash, &active)
	if err != nil {
		return false
	}
	if active != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// Get returns a device record without its credential.
func (r *Registry) Get(deviceID string) (*Device, error) {
	var d Device
	var registered int64
	var active int
	err := r.db.QueryRow(
		`SELECT device_id, model, registered_at, active FROM devices WHERE device_id = ?`, deviceID,
	).Scan(&d.ID, &d.Model, &registered, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	d.RegisteredAt = time.Unix(registered, 0)
	d.Active = active == 1
	return &d, nil
}

// Deactivate clears the active flag so further authentications fail.
// The record itself is kept.
func (r *Registry) Deactivate(deviceID string) error {
	res, err := r.db.Exec(`UPDATE devices SET active = 0 WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Count returns the number of registered devices.
func (r *Registry) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
