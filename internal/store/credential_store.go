package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const credentialColumns = `id, key, active, description, last_reset,
	keyword_used, around_used, polygon_used,
	keyword_limit, around_limit, polygon_limit,
	keyword_qps, around_qps, polygon_qps`

// CredentialStore provides database operations for credentials using the
// shared connection pool.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore backed by pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func scanCredentialRow(row pgx.Row) (Credential, error) {
	var c Credential
	err := row.Scan(
		&c.ID, &c.Key, &c.Active, &c.Description, &c.LastReset,
		&c.KeywordUsed, &c.AroundUsed, &c.PolygonUsed,
		&c.KeywordLimit, &c.AroundLimit, &c.PolygonLimit,
		&c.KeywordQPS, &c.AroundQPS, &c.PolygonQPS,
	)
	return c, err
}

func scanCredentialRows(rows pgx.Rows) ([]Credential, error) {
	defer rows.Close()
	var items []Credential
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return items, nil
}

// Get returns a credential by id.
func (s *CredentialStore) Get(ctx context.Context, id int64) (Credential, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	return scanCredentialRow(row)
}

// ListActive returns all active credentials.
func (s *CredentialStore) ListActive(ctx context.Context) ([]Credential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing active credentials: %w", err)
	}
	return scanCredentialRows(rows)
}

// ListEligible returns active credentials with used[kind] < effective
// limit[kind], after the caller has already applied any daily reset. usedCol
// and limitCol are one of the three (used, limit) column pairs.
func (s *CredentialStore) ListEligible(ctx context.Context, kind Kind) ([]Credential, error) {
	usedCol, limitCol := kindColumns(kind)
	query := fmt.Sprintf(
		`SELECT %s FROM credentials WHERE active AND %s < COALESCE(%s, $1) ORDER BY id`,
		credentialColumns, usedCol, limitCol,
	)
	rows, err := s.pool.Query(ctx, query, DefaultDailyLimit)
	if err != nil {
		return nil, fmt.Errorf("listing eligible credentials for %s: %w", kind, err)
	}
	return scanCredentialRows(rows)
}

func kindColumns(kind Kind) (usedCol, limitCol string) {
	switch kind {
	case KindKeyword:
		return "keyword_used", "keyword_limit"
	case KindAround:
		return "around_used", "around_limit"
	case KindPolygon:
		return "polygon_used", "polygon_limit"
	default:
		return "", ""
	}
}

// Create inserts a new credential row.
func (s *CredentialStore) Create(ctx context.Context, key, description string, limits CredentialLimits) (Credential, error) {
	query := `INSERT INTO credentials (key, description, keyword_limit, around_limit, polygon_limit, keyword_qps, around_qps, polygon_qps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + credentialColumns
	row := s.pool.QueryRow(ctx, query, key, description,
		limits.KeywordLimit, limits.AroundLimit, limits.PolygonLimit,
		limits.KeywordQPS, limits.AroundQPS, limits.PolygonQPS,
	)
	return scanCredentialRow(row)
}

// ResetCredentialsBefore resets all per-kind usage counters to 0 and sets
// last_reset = now for every active credential whose last_reset is null or
// earlier than boundary (spec.md §4.3 "Reset rule"). Returns the number of
// rows reset.
func (s *CredentialStore) ResetCredentialsBefore(ctx context.Context, boundary, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET keyword_used = 0, around_used = 0, polygon_used = 0, last_reset = $2
		 WHERE active AND (last_reset IS NULL OR last_reset < $1)`,
		boundary, now,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IncrementUsage increments used[kind] by 1. Returns false for an unknown
// kind without touching the row (spec.md §4.3 "IncrementUsage").
func (s *CredentialStore) IncrementUsage(ctx context.Context, id int64, kind Kind) (bool, error) {
	usedCol, _ := kindColumns(kind)
	if usedCol == "" {
		return false, nil
	}
	query := fmt.Sprintf(`UPDATE credentials SET %s = %s + 1 WHERE id = $1`, usedCol, usedCol)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("incrementing %s usage for credential %d: %w", kind, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDailyExhausted sets used[kind] := effective limit[kind], making the
// credential ineligible until the next reset (spec.md §4.3).
func (s *CredentialStore) MarkDailyExhausted(ctx context.Context, id int64, kind Kind) error {
	usedCol, limitCol := kindColumns(kind)
	if usedCol == "" {
		return fmt.Errorf("unknown kind %q", kind)
	}
	query := fmt.Sprintf(`UPDATE credentials SET %s = COALESCE(%s, $2) WHERE id = $1`, usedCol, limitCol)
	_, err := s.pool.Exec(ctx, query, id, DefaultDailyLimit)
	if err != nil {
		return fmt.Errorf("marking %s exhausted for credential %d: %w", kind, id, err)
	}
	return nil
}

// Disable sets active=false and appends "| reason: <reason>" to the
// description (spec.md §4.3 "Disable is sticky").
func (s *CredentialStore) Disable(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET active = false, description = description || $2 WHERE id = $1`,
		id, fmt.Sprintf("| reason: %s", reason),
	)
	if err != nil {
		return fmt.Errorf("disabling credential %d: %w", id, err)
	}
	return nil
}

// UpdateLimits updates the custom per-kind limit/QPS overrides for a
// credential. Only non-nil fields are applied.
func (s *CredentialStore) UpdateLimits(ctx context.Context, id int64, limits CredentialLimits) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET
			keyword_limit = COALESCE($2, keyword_limit),
			around_limit  = COALESCE($3, around_limit),
			polygon_limit = COALESCE($4, polygon_limit),
			keyword_qps   = COALESCE($5, keyword_qps),
			around_qps    = COALESCE($6, around_qps),
			polygon_qps   = COALESCE($7, polygon_qps)
		 WHERE id = $1`,
		id, limits.KeywordLimit, limits.AroundLimit, limits.PolygonLimit,
		limits.KeywordQPS, limits.AroundQPS, limits.PolygonQPS,
	)
	if err != nil {
		return false, fmt.Errorf("updating limits for credential %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
