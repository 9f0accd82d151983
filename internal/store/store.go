// Package store persists device credentials, ownership, online flags and
// client sessions in SQLite. The relay plane consumes it through narrow
// interfaces; OAuth login and device pairing flows live elsewhere and only
// write rows here.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Session describes a verified access token.
type Session struct {
	UserID          string
	Email           string
	AccessExpiresAt time.Time
}

// Key material bounds. Device keys are 48 hex chars as issued; anything
// outside [MinKeyLength, MaxKeyLength] is rejected before hashing.
const (
	MinKeyLength = 32
	MaxKeyLength = 64

	bcryptCost = 10
)

var ErrUnknownUser = errors.New("unknown user")

// Store is a SQLite-backed credential and ownership store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the brewlink database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "brewlink.db")

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);
	CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(online);

	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		access_expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(access_expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// VerifyDeviceKey checks a device's secret key against its stored bcrypt
// hash. Unknown devices verify false without error.
func (s *Store) VerifyDeviceKey(ctx context.Context, deviceID, key string) (bool, error) {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return false, nil
	}
	var keyHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash FROM devices WHERE id = ?`, normalizeDeviceID(deviceID),
	).Scan(&keyHash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("device lookup: %w", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) == nil, nil
}

// VerifyAccessToken resolves a session access token. Returns nil (no
// error) when the token is unknown or expired.
func (s *Store) VerifyAccessToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	var (
		userID    string
		email     string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.user_id, u.email, s.access_expires_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ?`, hashToken(token),
	).Scan(&userID, &email, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	exp := time.UnixMilli(expiresAt)
	if !exp.After(time.Now()) {
		return nil, nil
	}
	return &Session{UserID: userID, Email: email, AccessExpiresAt: exp}, nil
}

// UserOwnsDevice reports whether the device is registered to the user.
func (s *Store) UserOwnsDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM devices WHERE id = ? AND user_id = ?`,
		normalizeDeviceID(deviceID), userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ownership lookup: %w", err)
	}
	return true, nil
}

// UpdateDeviceStatus persists the online flag and bumps last_seen.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, online bool) error {
	flag := 0
	if online {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET online = ?, last_seen = ? WHERE id = ?`,
		flag, time.Now().UnixMilli(), normalizeDeviceID(deviceID),
	)
	if err != nil {
		return fmt.Errorf("update device status: %w", err)
	}
	return nil
}

// SyncOnlineDevices marks any device flagged online in persistence but
// absent from the connected set as offline, returning how many rows were
// corrected. Covers crash recovery and missed close events; idempotent.
func (s *Store) SyncOnlineDevices(ctx context.Context, connected []string) (int, error) {
	query := `UPDATE devices SET online = 0 WHERE online = 1`
	args := make([]any, 0, len(connected))
	if len(connected) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(connected)), ",")
		query += ` AND id NOT IN (` + placeholders + `)`
		for _, id := range connected {
			args = append(args, normalizeDeviceID(id))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sync online devices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("stale", n).Msg("Marked stale devices offline")
	}
	return int(n), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeDeviceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
