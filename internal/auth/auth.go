// Package auth manages the gateway identity, pairing sessions and bearer
// tokens. Tokens are stored hashed; the plaintext exists only on issue.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pairing session limits.
const (
	PairingTTL         = 10 * time.Minute
	PairingMaxAttempts = 5
)

// Confirm outcomes.
var (
	ErrNotFound    = errors.New("not_found")
	ErrAlreadyUsed = errors.New("already_used")
	ErrExpired     = errors.New("expired")
	ErrRateLimited = errors.New("rate_limited")
	ErrWrongCode   = errors.New("wrong_code")
	ErrRevoked     = errors.New("revoked")
)

// GatewaySettings is the stable identity shown during pairing.
type GatewaySettings struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// PairingSession is a short-lived six-digit-code exchange.
type PairingSession struct {
	ID        string     `json:"id"`
	Code      string     `json:"-"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Token is the persisted (hashed) bearer token row.
type Token struct {
	ID         string     `json:"id"`
	DeviceName string     `json:"deviceName,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Store persists auth state in the shared gateway database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("auth")}
}

// EnsureGatewaySettings assigns a stable gateway id and name on first start
// and returns the existing row afterwards.
func (s *Store) EnsureGatewaySettings(defaultName string) (*GatewaySettings, error) {
	var gs GatewaySettings
	err := s.db.QueryRow(`SELECT id, name, created_at FROM gateway_settings LIMIT 1`).
		Scan(&gs.ID, &gs.Name, &gs.CreatedAt)
	if err == nil {
		return &gs, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	gs = GatewaySettings{ID: uuid.NewString(), Name: defaultName, CreatedAt: time.Now().UTC()}
	if _, err := s.db.Exec(
		`INSERT INTO gateway_settings (id, name, created_at) VALUES (?, ?, ?)`,
		gs.ID, gs.Name, gs.CreatedAt); err != nil {
		return nil, fmt.Errorf("init gateway settings: %w", err)
	}
	s.logger.Info("gateway identity created", zap.String("gateway_id", gs.ID))
	return &gs, nil
}

// CreatePairingSession starts a new pairing exchange. An unexpired, unused
// session is reused so the displayed code stays stable.
func (s *Store) CreatePairingSession() (*PairingSession, error) {
	now := time.Now().UTC()

	var ps PairingSession
	err := s.db.QueryRow(
		`SELECT id, code, expires_at, attempts, created_at FROM pairing_sessions
		 WHERE used_at IS NULL AND expires_at > ? ORDER BY created_at DESC LIMIT 1`, now).
		Scan(&ps.ID, &ps.Code, &ps.ExpiresAt, &ps.Attempts, &ps.CreatedAt)
	if err == nil {
		return &ps, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	code, err := sixDigitCode()
	if err != nil {
		return nil, err
	}
	ps = PairingSession{
		ID:        uuid.NewString(),
		Code:      code,
		ExpiresAt: now.Add(PairingTTL),
		CreatedAt: now,
	}
	if _, err := s.db.Exec(
		`INSERT INTO pairing_sessions (id, code, expires_at, attempts, created_at) VALUES (?, ?, ?, 0, ?)`,
		ps.ID, ps.Code, ps.ExpiresAt, ps.CreatedAt); err != nil {
		return nil, fmt.Errorf("create pairing session: %w", err)
	}
	return &ps, nil
}

// ActivePairingCode returns the code of the live session, for the /pair page.
func (s *Store) ActivePairingCode() (string, error) {
	var code string
	err := s.db.QueryRow(
		`SELECT code FROM pairing_sessions WHERE used_at IS NULL AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`, time.Now().UTC()).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return code, err
}

// ConfirmPairing checks the submitted code. On success the session is marked
// used and a fresh bearer token is issued; the plaintext is returned exactly
// once. Wrong codes count toward the five-attempt cap; at the cap every
// subsequent confirm is rate_limited regardless of the code.
func (s *Store) ConfirmPairing(id, code, deviceName string) (string, error) {
	now := time.Now().UTC()

	var ps PairingSession
	var used sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, code, expires_at, used_at, attempts FROM pairing_sessions WHERE id = ?`, id).
		Scan(&ps.ID, &ps.Code, &ps.ExpiresAt, &used, &ps.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if used.Valid {
		return "", ErrAlreadyUsed
	}
	if now.After(ps.ExpiresAt) {
		return "", ErrExpired
	}
	if ps.Attempts >= PairingMaxAttempts {
		return "", ErrRateLimited
	}
	if code != ps.Code {
		if _, err := s.db.Exec(
			`UPDATE pairing_sessions SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
			return "", err
		}
		return "", ErrWrongCode
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE pairing_sessions SET used_at = ? WHERE id = ?`, now, id); err != nil {
		return "", err
	}
	if _, err := tx.Exec(
		`INSERT INTO tokens (id, token_hash, device_name, created_at) VALUES (?, ?, NULLIF(?, ''), ?)`,
		uuid.NewString(), hashToken(plaintext), deviceName, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.logger.Info("pairing confirmed", zap.String("device", deviceName))
	return plaintext, nil
}

// VerifyToken looks a raw token up by hash, rejecting revoked ones and
// stamping last_used_at on success.
func (s *Store) VerifyToken(raw string) (*Token, error) {
	var t Token
	var lastUsed, revoked sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, COALESCE(device_name, ''), created_at, last_used_at, revoked_at
		 FROM tokens WHERE token_hash = ?`, hashToken(raw)).
		Scan(&t.ID, &t.DeviceName, &t.CreatedAt, &lastUsed, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		return nil, ErrRevoked
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, now, t.ID); err != nil {
		return nil, err
	}
	t.LastUsedAt = &now
	return &t, nil
}

// RevokeToken marks a token revoked.
func (s *Store) RevokeToken(id string) error {
	res, err := s.db.Exec(
		`UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns every token row, newest first.
func (s *Store) ListTokens() ([]Token, error) {
	rows, err := s.db.Query(
		`SELECT id, COALESCE(device_name, ''), created_at, last_used_at, revoked_at
		 FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var t Token
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&t.ID, &t.DeviceName, &t.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			v := lastUsed.Time
			t.LastUsedAt = &v
		}
		if revoked.Valid {
			v := revoked.Time
			t.RevokedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SyntheticToken is returned by the auth middleware when auth is disabled so
// downstream code stays uniform.
func SyntheticToken() *Token {
	return &Token{ID: "auth-disabled", DeviceName: "local", CreatedAt: time.Now().UTC()}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// sixDigitCode draws uniformly from 0..999999 and zero-pads.
func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
