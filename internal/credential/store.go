// Package credential stores the per-owner platform tokens publishers
// authenticate with. Secrets are stored as given; encrypting them at rest is
// left to the database's host.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"postflow/internal/domain"
	"postflow/internal/storage"
)

func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS credentials (
  owner_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  access_token TEXT NOT NULL,
  refresh_token TEXT,
  expires_at TEXT,
  account_ref TEXT,
  updated_at TEXT NOT NULL,
  PRIMARY KEY(owner_id, platform)
);`)
	return err
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the owner's credential for platform, or nil when none is stored.
func (s *Store) Get(ctx context.Context, ownerID string, platform domain.Platform) (*domain.Credential, error) {
	var (
		c                              domain.Credential
		p, updatedAt                   string
		refresh, expiresAt, accountRef sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT owner_id,platform,access_token,refresh_token,expires_at,account_ref,updated_at
FROM credentials WHERE owner_id=? AND platform=?`, ownerID, string(platform)).
		Scan(&c.OwnerID, &p, &c.AccessToken, &refresh, &expiresAt, &accountRef, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.Platform = domain.Platform(p)
	c.RefreshToken = storage.StringPtr(refresh)
	c.AccountRef = storage.StringPtr(accountRef)
	if c.ExpiresAt, err = storage.TimePtr(expiresAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// HasValidToken reports whether a non-expired token is stored.
func (s *Store) HasValidToken(ctx context.Context, ownerID string, platform domain.Platform, now time.Time) (bool, error) {
	c, err := s.Get(ctx, ownerID, platform)
	if err != nil || c == nil {
		return false, err
	}
	return c.Valid(now), nil
}

// Put stores c, replacing any credential the owner has for the platform.
func (s *Store) Put(ctx context.Context, c domain.Credential) error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.OwnerID, validation.Required),
		validation.Field(&c.Platform, validation.Required),
		validation.Field(&c.AccessToken, validation.Required),
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (owner_id,platform,access_token,refresh_token,expires_at,account_ref,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(owner_id, platform) DO UPDATE SET
  access_token=excluded.access_token,
  refresh_token=excluded.refresh_token,
  expires_at=excluded.expires_at,
  account_ref=excluded.account_ref,
  updated_at=excluded.updated_at`,
		c.OwnerID, string(c.Platform), c.AccessToken, storage.NullableString(c.RefreshToken),
		storage.NullableTime(c.ExpiresAt), storage.NullableString(c.AccountRef), storage.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}
