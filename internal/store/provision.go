package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Provisioning helpers used by the CLI, the pairing service, and tests.
// The relay plane itself never calls these.

var deviceIDPattern = regexp.MustCompile(`^BRW-[A-F0-9]{8}$`)

// ValidDeviceID reports whether id matches BRW-XXXXXXXX (hex, case
// insensitive).
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(strings.ToUpper(strings.TrimSpace(id)))
}

// CreateUser inserts a user and returns its id. Email must be unique.
func (s *Store) CreateUser(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		id, email, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// UserIDByEmail resolves a user id, returning ErrUnknownUser when absent.
func (s *Store) UserIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("user lookup: %w", err)
	}
	return id, nil
}

// RegisterDevice creates a device row owned by userID and returns the
// freshly generated secret key. Only the bcrypt hash is stored; the key
// cannot be recovered later.
func (s *Store) RegisterDevice(ctx context.Context, deviceID, userID string) (string, error) {
	deviceID = normalizeDeviceID(deviceID)
	if !ValidDeviceID(deviceID) {
		return "", fmt.Errorf("invalid device id %q", deviceID)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	key := hex.EncodeToString(raw) // 48 chars, inside [MinKeyLength, MaxKeyLength]

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash device key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, key_hash, online, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, key_hash = excluded.key_hash`,
		deviceID, userID, string(hash), time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("register device: %w", err)
	}
	return key, nil
}

// CreateSession mints an access token for userID valid for ttl and
// returns it. Only the SHA-256 of the token is stored.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, access_expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		hashToken(token), userID, time.Now().Add(ttl).UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// PruneExpiredSessions deletes sessions whose access window has passed.
func (s *Store) PruneExpiredSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE access_expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
