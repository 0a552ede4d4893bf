package apikeyauth

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `id, name, key_hash, key_prefix, last_used_at, created_at`

// Store provides database operations for API tokens using the shared
// connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.Name, &t.KeyHash, &t.KeyPrefix, &t.LastUsedAt, &t.CreatedAt)
	return t, err
}

// Create generates a new token named name, persists its hash and prefix, and
// returns the raw value alongside the stored row. The raw value is never
// stored and is returned to the caller exactly once.
func (s *Store) Create(ctx context.Context, name string) (raw string, token Token, err error) {
	raw, prefix, hash, err := generate()
	if err != nil {
		return "", Token{}, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (name, key_hash, key_prefix, created_at) VALUES ($1, $2, $3, now())
		 RETURNING `+tokenColumns,
		name, hash, prefix,
	)
	token, err = scanToken(row)
	if err != nil {
		return "", Token{}, fmt.Errorf("creating api token: %w", err)
	}
	return raw, token, nil
}

// FindByPrefix returns the token row whose key_prefix matches the lookup
// prefix of raw, or false if none exists. Callers must still verify the
// full hash via Token.matches before trusting the result.
func (s *Store) FindByPrefix(ctx context.Context, raw string) (Token, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_keys WHERE key_prefix = $1`,
		rawPrefix(raw),
	)
	token, err := scanToken(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("looking up api token: %w", err)
	}
	return token, true, nil
}

// List returns every token, newest first, without their hashes' raw values
// (raw values are never persisted).
func (s *Store) List(ctx context.Context) ([]Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing api tokens: %w", err)
	}
	defer rows.Close()

	var items []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api token row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api token rows: %w", err)
	}
	return items, nil
}

// Delete permanently removes a token by id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting api token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateLastUsed stamps last_used_at with the caller-supplied time at, the way
// pkg/pat.Store.UpdateLastUsed does in the teacher repo.
func (s *Store) UpdateLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("updating last_used_at for api token %d: %w", id, err)
	}
	return nil
}
