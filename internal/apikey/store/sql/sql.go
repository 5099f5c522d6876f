// Package sql provides sqlx-backed, Postgres- and SQLite-compatible
// implementations of the API-key service's repositories.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apistore "github.com/agentmesh/router/internal/apikey/store"
)

// DB wraps the three repositories over a shared *sqlx.DB connection.
type DB struct {
	conn *sqlx.DB
}

// Open wraps an existing *sqlx.DB. Callers are responsible for opening the
// connection (via sqlx.Connect with "postgres" or "sqlite" as the driver
// name) and for running migrations beforehand.
func Open(conn *sqlx.DB) *DB {
	return &DB{conn: conn}
}

// Organizations returns the organization repository.
func (d *DB) Organizations() *OrganizationRepo { return &OrganizationRepo{conn: d.conn} }

// APIKeys returns the API key repository.
func (d *DB) APIKeys() *APIKeyRepo { return &APIKeyRepo{conn: d.conn} }

// Usages returns the usage repository.
func (d *DB) Usages() *UsageRepo { return &UsageRepo{conn: d.conn} }

// OrganizationRepo implements apistore.OrganizationRepository over SQL.
type OrganizationRepo struct {
	conn *sqlx.DB
}

var _ apistore.OrganizationRepository = (*OrganizationRepo)(nil)

type orgRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Active       bool      `db:"active"`
	RateLimit    int       `db:"rate_limit"`
	MaxAPIKeys   int       `db:"max_api_keys"`
	MonthlyLimit int       `db:"monthly_limit"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r orgRow) toDomain() apistore.Organization {
	return apistore.Organization{
		ID: r.ID, Name: r.Name, Active: r.Active, RateLimit: r.RateLimit,
		MaxAPIKeys: r.MaxAPIKeys, MonthlyLimit: r.MonthlyLimit, CreatedAt: r.CreatedAt,
	}
}

func (repo *OrganizationRepo) Get(ctx context.Context, id string) (apistore.Organization, error) {
	var row orgRow
	err := repo.conn.GetContext(ctx, &row,
		repo.conn.Rebind(`SELECT id, name, active, rate_limit, max_api_keys, monthly_limit, created_at
			FROM organizations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return apistore.Organization{}, apistore.ErrNotFound
	}
	if err != nil {
		return apistore.Organization{}, fmt.Errorf("get organization: %w", err)
	}
	return row.toDomain(), nil
}

func (repo *OrganizationRepo) Create(ctx context.Context, org apistore.Organization) error {
	_, err := repo.conn.ExecContext(ctx, repo.conn.Rebind(`
		INSERT INTO organizations (id, name, active, rate_limit, max_api_keys, monthly_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		org.ID, org.Name, org.Active, org.RateLimit, org.MaxAPIKeys, org.MonthlyLimit, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

func (repo *OrganizationRepo) List(ctx context.Context, limit, offset int, activeOnly *bool) ([]apistore.Organization, int, error) {
	where := ""
	args := []any{}
	if activeOnly != nil {
		where = "WHERE active = ?"
		args = append(args, *activeOnly)
	}

	var total int
	countQuery := repo.conn.Rebind(`SELECT COUNT(*) FROM organizations ` + where)
	if err := repo.conn.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count organizations: %w", err)
	}

	if limit <= 0 {
		limit = total
	}
	listArgs := append(append([]any{}, args...), limit, offset)
	var rows []orgRow
	listQuery := repo.conn.Rebind(`
		SELECT id, name, active, rate_limit, max_api_keys, monthly_limit, created_at
		FROM organizations ` + where + ` ORDER BY created_at ASC LIMIT ? OFFSET ?`)
	if err := repo.conn.SelectContext(ctx, &rows, listQuery, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list organizations: %w", err)
	}
	out := make([]apistore.Organization, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, total, nil
}

func (repo *OrganizationRepo) Update(ctx context.Context, org apistore.Organization) error {
	res, err := repo.conn.ExecContext(ctx, repo.conn.Rebind(`
		UPDATE organizations SET name = ?, active = ?, rate_limit = ?, max_api_keys = ?, monthly_limit = ?
		WHERE id = ?`),
		org.Name, org.Active, org.RateLimit, org.MaxAPIKeys, org.MonthlyLimit, org.ID)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apistore.ErrNotFound
	}
	return nil
}

// APIKeyRepo implements apistore.APIKeyRepository over SQL.
type APIKeyRepo struct {
	conn *sqlx.DB
}

var _ apistore.APIKeyRepository = (*APIKeyRepo)(nil)

type apiKeyRow struct {
	ID              string         `db:"id"`
	OrganizationID  string         `db:"organization_id"`
	Name            string         `db:"name"`
	KeyHash         string         `db:"key_hash"`
	KeyHint         string         `db:"key_hint"`
	KeyPrefix       string         `db:"key_prefix"`
	Environment     string         `db:"environment"`
	Scopes          string         `db:"scopes"` // comma-joined
	CustomRateLimit int            `db:"custom_rate_limit"`
	TotalRequests   int64          `db:"total_requests"`
	CreatedAt       time.Time      `db:"created_at"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	LastUsedAt      sql.NullTime   `db:"last_used_at"`
	RevokedAt       sql.NullTime   `db:"revoked_at"`
	RevokedReason   sql.NullString `db:"revoked_reason"`
	RevokedBy       sql.NullString `db:"revoked_by"`
}

func (r apiKeyRow) toDomain() apistore.APIKey {
	k := apistore.APIKey{
		ID: r.ID, OrganizationID: r.OrganizationID, Name: r.Name,
		KeyHash: r.KeyHash, KeyHint: r.KeyHint, KeyPrefix: r.KeyPrefix,
		Environment: r.Environment, CustomRateLimit: r.CustomRateLimit,
		TotalRequests: r.TotalRequests, CreatedAt: r.CreatedAt,
	}
	if r.Scopes != "" {
		k.Scopes = strings.Split(r.Scopes, ",")
	}
	if r.ExpiresAt.Valid {
		k.ExpiresAt = &r.ExpiresAt.Time
	}
	if r.LastUsedAt.Valid {
		k.LastUsedAt = &r.LastUsedAt.Time
	}
	if r.RevokedAt.Valid {
		k.RevokedAt = &r.RevokedAt.Time
	}
	k.RevokedReason = r.RevokedReason.String
	k.RevokedBy = r.RevokedBy.String
	return k
}

func fromDomainKey(k apistore.APIKey) apiKeyRow {
	row := apiKeyRow{
		ID: k.ID, OrganizationID: k.OrganizationID, Name: k.Name,
		KeyHash: k.KeyHash, KeyHint: k.KeyHint, KeyPrefix: k.KeyPrefix,
		Environment: k.Environment, Scopes: strings.Join(k.Scopes, ","),
		CustomRateLimit: k.CustomRateLimit, TotalRequests: k.TotalRequests, CreatedAt: k.CreatedAt,
	}
	if k.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *k.ExpiresAt, Valid: true}
	}
	if k.LastUsedAt != nil {
		row.LastUsedAt = sql.NullTime{Time: *k.LastUsedAt, Valid: true}
	}
	if k.RevokedAt != nil {
		row.RevokedAt = sql.NullTime{Time: *k.RevokedAt, Valid: true}
	}
	row.RevokedReason = sql.NullString{String: k.RevokedReason, Valid: k.RevokedReason != ""}
	row.RevokedBy = sql.NullString{String: k.RevokedBy, Valid: k.RevokedBy != ""}
	return row
}

func (repo *APIKeyRepo) Create(ctx context.Context, key apistore.APIKey) error {
	row := fromDomainKey(key)
	_, err := repo.conn.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, organization_id, name, key_hash, key_hint, key_prefix, environment,
			scopes, custom_rate_limit, total_requests, created_at, expires_at, last_used_at,
			revoked_at, revoked_reason, revoked_by)
		VALUES (:id, :organization_id, :name, :key_hash, :key_hint, :key_prefix, :environment,
			:scopes, :custom_rate_limit, :total_requests, :created_at, :expires_at, :last_used_at,
			:revoked_at, :revoked_reason, :revoked_by)`, row)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (repo *APIKeyRepo) get(ctx context.Context, where string, arg any) (apistore.APIKey, error) {
	var row apiKeyRow
	err := repo.conn.GetContext(ctx, &row, repo.conn.Rebind(`
		SELECT id, organization_id, name, key_hash, key_hint, key_prefix, environment, scopes,
			custom_rate_limit, total_requests, created_at, expires_at, last_used_at,
			revoked_at, revoked_reason, revoked_by
		FROM api_keys WHERE `+where+` = ?`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return apistore.APIKey{}, apistore.ErrNotFound
	}
	if err != nil {
		return apistore.APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return row.toDomain(), nil
}

func (repo *APIKeyRepo) GetByHash(ctx context.Context, hash string) (apistore.APIKey, error) {
	return repo.get(ctx, "key_hash", hash)
}

func (repo *APIKeyRepo) Get(ctx context.Context, id string) (apistore.APIKey, error) {
	return repo.get(ctx, "id", id)
}

func (repo *APIKeyRepo) Update(ctx context.Context, key apistore.APIKey) error {
	row := fromDomainKey(key)
	res, err := repo.conn.NamedExecContext(ctx, `
		UPDATE api_keys SET name = :name, scopes = :scopes, custom_rate_limit = :custom_rate_limit,
			total_requests = :total_requests, expires_at = :expires_at, last_used_at = :last_used_at,
			revoked_at = :revoked_at, revoked_reason = :revoked_reason, revoked_by = :revoked_by
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return apistore.ErrNotFound
	}
	return nil
}

func (repo *APIKeyRepo) ListByOrganization(ctx context.Context, orgID string) ([]apistore.APIKey, error) {
	var rows []apiKeyRow
	err := repo.conn.SelectContext(ctx, &rows, repo.conn.Rebind(`
		SELECT id, organization_id, name, key_hash, key_hint, key_prefix, environment, scopes,
			custom_rate_limit, total_requests, created_at, expires_at, last_used_at,
			revoked_at, revoked_reason, revoked_by
		FROM api_keys WHERE organization_id = ? ORDER BY created_at DESC`), orgID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	out := make([]apistore.APIKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (repo *APIKeyRepo) CountActiveByOrganization(ctx context.Context, orgID string) (int, error) {
	var count int
	err := repo.conn.GetContext(ctx, &count, repo.conn.Rebind(`
		SELECT COUNT(*) FROM api_keys WHERE organization_id = ? AND revoked_at IS NULL`), orgID)
	if err != nil {
		return 0, fmt.Errorf("count active api keys: %w", err)
	}
	return count, nil
}

// UsageRepo implements apistore.UsageRepository over SQL.
type UsageRepo struct {
	conn *sqlx.DB
}

var _ apistore.UsageRepository = (*UsageRepo)(nil)

func (repo *UsageRepo) Insert(ctx context.Context, rec apistore.UsageRecord) error {
	_, err := repo.conn.ExecContext(ctx, repo.conn.Rebind(`
		INSERT INTO usage_records (id, key_id, method, path, status_code, client_ip, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.KeyID, rec.Method, rec.Path, rec.StatusCode, rec.ClientIP, rec.UserAgent, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (repo *UsageRepo) CountSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	var count int
	err := repo.conn.GetContext(ctx, &count, repo.conn.Rebind(`
		SELECT COUNT(*) FROM usage_records WHERE key_id = ? AND created_at >= ?`), keyID, since)
	if err != nil {
		return 0, fmt.Errorf("count usage since: %w", err)
	}
	return count, nil
}

func (repo *UsageRepo) CountInRange(ctx context.Context, keyIDs []string, from, to time.Time) (int, error) {
	if len(keyIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlxIn(`SELECT COUNT(*) FROM usage_records WHERE key_id IN (?) AND created_at >= ? AND created_at < ?`,
		keyIDs, from, to)
	if err != nil {
		return 0, fmt.Errorf("build usage range query: %w", err)
	}
	var count int
	if err := repo.conn.GetContext(ctx, &count, repo.conn.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count usage in range: %w", err)
	}
	return count, nil
}

func sqlxIn(query string, keyIDs []string, from, to time.Time) (string, []any, error) {
	return sqlx.In(query, keyIDs, from, to)
}
