// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credstore persists provider credentials in a local SQLite
// database. The credentials column is encrypted at rest; every other column
// is routing metadata and stays queryable in plaintext.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/llxprt/agentrt/internal/json"
	"github.com/llxprt/agentrt/internal/translator"
)

// Store errors.
var (
	ErrNotFound           = errors.New("credential_not_found")
	ErrInvalidSessionName = errors.New("invalid_session_name")
	ErrInvalidCredentials = errors.New("invalid_credentials")
)

// DefaultSessionName is used when the caller does not name a session.
const DefaultSessionName = "default"

// sessionNameRegexp is the permitted name alphabet after normalization.
var sessionNameRegexp = regexp.MustCompile(`^[a-z0-9_-]{3,50}$`)

// NormalizeSessionName lowercases the name and replaces spaces with
// underscores, then validates the result.
func NormalizeSessionName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "_")
	if !sessionNameRegexp.MatchString(n) {
		return "", fmt.Errorf("%w: %q must normalize to [a-z0-9_-]{3,50}", ErrInvalidSessionName, name)
	}
	return n, nil
}

// Credentials is the encrypted JSON payload of one stored credential.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	// RequiresReauth marks a credential whose refresh token was rejected;
	// the refresh scheduler stops retrying until the user logs in again.
	RequiresReauth bool `json:"requires_reauth,omitempty"`

	AccountID string `json:"account_id,omitempty"`
	PlanType  string `json:"plan_type,omitempty"`
	Project   string `json:"project,omitempty"`
}

// Record is one stored credential with its routing metadata.
type Record struct {
	Provider    translator.Provider
	AuthType    translator.AuthType
	Name        string
	Credentials Credentials
	// ExpiresAt is nil for credentials without a lifetime (API keys).
	ExpiresAt  *time.Time
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// validate enforces the per-auth-type shape before anything is written.
func (r *Record) validate() error {
	if !r.Provider.Valid() {
		return fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, r.Provider)
	}
	switch r.AuthType {
	case translator.AuthTypeAPIKey:
		if r.Credentials.APIKey == "" {
			return fmt.Errorf("%w: api_key credential without a key", ErrInvalidCredentials)
		}
	case translator.AuthTypeOAuth:
		if r.Credentials.AccessToken == "" {
			return fmt.Errorf("%w: oauth credential without an access token", ErrInvalidCredentials)
		}
		if r.ExpiresAt == nil && !r.Credentials.RequiresReauth {
			return fmt.Errorf("%w: oauth credential without an expiry", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidCredentials, r.AuthType)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	provider    TEXT NOT NULL,
	auth_type   TEXT NOT NULL,
	name        TEXT NOT NULL,
	credentials TEXT NOT NULL,
	expires_at  TIMESTAMP,
	inserted_at TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	UNIQUE (provider, auth_type, name)
);
`

// Store is a credential store backed by one SQLite file.
type Store struct {
	db     *sql.DB
	cipher Cipher
}

// Open opens (and if needed creates) the store at path. Use ":memory:" for
// an ephemeral store.
func Open(path string, cipher Cipher) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("credstore: nil cipher")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	// The sqlite driver serializes access through a single connection;
	// more would only contend on the file lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create credentials schema: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or atomically replaces the credential identified by
// (provider, auth_type, name). The name is normalized first.
func (s *Store) Put(ctx context.Context, rec Record) error {
	name, err := NormalizeSessionName(rec.Name)
	if err != nil {
		return err
	}
	rec.Name = name
	if err := rec.validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	encrypted, err := s.cipher.Encrypt(string(payload))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO credentials (provider, auth_type, name, credentials, expires_at, inserted_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, auth_type, name) DO UPDATE SET
	credentials = excluded.credentials,
	expires_at  = excluded.expires_at,
	updated_at  = excluded.updated_at`,
		string(rec.Provider), string(rec.AuthType), rec.Name, encrypted, nullableTime(rec.ExpiresAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get fetches and decrypts one credential.
func (s *Store) Get(ctx context.Context, provider translator.Provider, authType translator.AuthType, name string) (*Record, error) {
	normalized, err := NormalizeSessionName(name)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT provider, auth_type, name, credentials, expires_at, inserted_at, updated_at
FROM credentials WHERE provider = ? AND auth_type = ? AND name = ?`,
		string(provider), string(authType), normalized)
	return s.scanRecord(row)
}

// List returns all stored credentials, decrypted, ordered by provider and
// name. The refresh scheduler seeds itself from this at startup.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, auth_type, name, credentials, expires_at, inserted_at, updated_at
FROM credentials ORDER BY provider, auth_type, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes one credential. Deleting a missing credential returns
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, provider translator.Provider, authType translator.AuthType, name string) error {
	normalized, err := NormalizeSessionName(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider = ? AND auth_type = ? AND name = ?`,
		string(provider), string(authType), normalized)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s/%s", ErrNotFound, provider, authType, normalized)
	}
	return nil
}

// MarkRequiresReauth flags a credential whose refresh token was rejected.
func (s *Store) MarkRequiresReauth(ctx context.Context, provider translator.Provider, authType translator.AuthType, name string) error {
	rec, err := s.Get(ctx, provider, authType, name)
	if err != nil {
		return err
	}
	rec.Credentials.RequiresReauth = true
	return s.Put(ctx, *rec)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		provider  string
		authType  string
		encrypted string
		expiresAt sql.NullTime
	)
	err := row.Scan(&provider, &authType, &rec.Name, &encrypted, &expiresAt, &rec.InsertedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	rec.Provider = translator.Provider(provider)
	rec.AuthType = translator.AuthType(authType)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		rec.ExpiresAt = &t
	}

	payload, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Credentials); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &rec, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
