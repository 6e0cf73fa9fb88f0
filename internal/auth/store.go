package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialStore persists ApiKey records and is queried on a cache miss.
type CredentialStore interface {
	GetByLookupHash(ctx context.Context, lookupHash string) (*ApiKey, error)
	Save(ctx context.Context, key *ApiKey) error
	TouchLastUsed(ctx context.Context, id string, when time.Time) error
	Deactivate(ctx context.Context, id string) error
	List(ctx context.Context) ([]*ApiKey, error)
}

// ErrNotFound is returned by CredentialStore implementations when no record
// matches the given lookup hash or id.
var ErrNotFound = fmt.Errorf("auth: credential not found")

// PostgresCredentialStore is the production CredentialStore, backed by a
// pooled pgx connection. Schema (conceptually):
//
//	CREATE TABLE api_keys (
//	  id TEXT PRIMARY KEY, org_id TEXT, user_id TEXT, name TEXT,
//	  lookup_hash TEXT UNIQUE, slow_hash TEXT, preview TEXT,
//	  can_read BOOL, can_write BOOL, can_manage_keys BOOL, is_admin BOOL,
//	  rate_limit_per_minute INT, is_active BOOL,
//	  expires_at TIMESTAMPTZ, last_used_at TIMESTAMPTZ, created_at TIMESTAMPTZ
//	);
type PostgresCredentialStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCredentialStore wraps an already-connected pool.
func NewPostgresCredentialStore(pool *pgxpool.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool}
}

func (s *PostgresCredentialStore) GetByLookupHash(ctx context.Context, lookupHash string) (*ApiKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, user_id, name, lookup_hash, slow_hash, preview,
		       can_read, can_write, can_manage_keys, is_admin, rate_limit_per_minute,
		       is_active, expires_at, last_used_at, created_at
		FROM api_keys WHERE lookup_hash = $1`, lookupHash)
	return scanAPIKey(row)
}

func (s *PostgresCredentialStore) Save(ctx context.Context, key *ApiKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, org_id, user_id, name, lookup_hash, slow_hash, preview,
		                       can_read, can_write, can_manage_keys, is_admin, rate_limit_per_minute,
		                       is_active, expires_at, last_used_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
		  name=$4, can_read=$8, can_write=$9, can_manage_keys=$10, is_admin=$11,
		  rate_limit_per_minute=$12, is_active=$13, expires_at=$14`,
		key.ID, key.OrgID, key.UserID, key.Name, key.LookupHash, key.SlowHash, key.Preview,
		key.Permissions.CanRead, key.Permissions.CanWrite, key.Permissions.CanManageKeys,
		key.Permissions.IsAdmin, key.Permissions.RateLimitPerMinute,
		key.IsActive, key.ExpiresAt, key.LastUsedAt, key.CreatedAt,
	)
	return err
}

func (s *PostgresCredentialStore) TouchLastUsed(ctx context.Context, id string, when time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at=$2 WHERE id=$1`, id, when)
	return err
}

func (s *PostgresCredentialStore) Deactivate(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active=false WHERE id=$1`, id)
	return err
}

func (s *PostgresCredentialStore) List(ctx context.Context) ([]*ApiKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, user_id, name, lookup_hash, slow_hash, preview,
		       can_read, can_write, can_manage_keys, is_admin, rate_limit_per_minute,
		       is_active, expires_at, last_used_at, created_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApiKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// rowScanner abstracts over pgx.Row / pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*ApiKey, error) {
	k := &ApiKey{}
	err := row.Scan(
		&k.ID, &k.OrgID, &k.UserID, &k.Name, &k.LookupHash, &k.SlowHash, &k.Preview,
		&k.Permissions.CanRead, &k.Permissions.CanWrite, &k.Permissions.CanManageKeys,
		&k.Permissions.IsAdmin, &k.Permissions.RateLimitPerMinute,
		&k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if err != nil {
		return nil, ErrNotFound
	}
	return k, nil
}

// MemoryCredentialStore is an in-process CredentialStore fake used in tests
// and in the open-source build when no database_url is configured.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	byID map[string]*ApiKey
}

// NewMemoryCredentialStore creates an empty MemoryCredentialStore.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{byID: make(map[string]*ApiKey)}
}

func (m *MemoryCredentialStore) GetByLookupHash(_ context.Context, lookupHash string) (*ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.byID {
		if k.LookupHash == lookupHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryCredentialStore) Save(_ context.Context, key *ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.byID[key.ID] = &cp
	return nil
}

func (m *MemoryCredentialStore) TouchLastUsed(_ context.Context, id string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.byID[id]; ok {
		t := when
		k.LastUsedAt = &t
	}
	return nil
}

func (m *MemoryCredentialStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.byID[id]; ok {
		k.IsActive = false
	}
	return nil
}

func (m *MemoryCredentialStore) List(_ context.Context) ([]*ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ApiKey, 0, len(m.byID))
	for _, k := range m.byID {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}
