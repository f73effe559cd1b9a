// Package apikeys resolves the caller-supplied API key header to a
// stable requester id, backing the Control API's requested_by
// ownership checks (spec §4.6's RetryJob/CancelJob 403s) with a real
// lookup instead of treating the raw header value as the identity.
package apikeys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrRevoked = errors.New("api key revoked")

// Record mirrors one row of the api_keys table: a key's SHA-256 hash
// maps to the user id requests authenticated with it are billed/scoped
// to, the same shape the teacher's DynamoDB APIKeyRecord tracked per
// key prefix.
type Record struct {
	UserID string
	Name   string
	Status string
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Resolve hashes the raw key and looks up its owning user id. A key
// with no matching row is treated as an unauthenticated passthrough
// (the caller falls back to the raw header value as client id) rather
// than an error, since spec.md keeps API-key issuance itself a
// Non-goal — this lookup only upgrades identity when a row exists.
func (s *Store) Resolve(ctx context.Context, rawKey string) (*Record, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, nil
	}
	hash := sha256.Sum256([]byte(rawKey))
	hexHash := hex.EncodeToString(hash[:])

	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, name, status FROM api_keys WHERE key_hash = $1`,
		hexHash,
	).Scan(&rec.UserID, &rec.Name, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == "revoked" {
		return nil, ErrRevoked
	}
	return &rec, nil
}

// Issue inserts a new key record for rawKey. Only the SHA-256 hash of
// rawKey is stored, so the caller must keep the raw key itself.
func (s *Store) Issue(ctx context.Context, rawKey, userID, name string) error {
	hash := sha256.Sum256([]byte(rawKey))
	hexHash := hex.EncodeToString(hash[:])
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, user_id, name, status) VALUES ($1, $2, $3, 'active')`,
		hexHash, userID, name,
	)
	return err
}
