package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// ErrProfileNotFound is returned when no profile was stored for an org.
var ErrProfileNotFound = errors.New("speaker: profile not found")

// ProfileStore persists learned speaker profiles per org.
type ProfileStore interface {
	Load(ctx context.Context, orgID string) (ProfileSnapshot, error)
	Save(ctx context.Context, orgID string, snap ProfileSnapshot) error
}

// LoadIdentifier builds an identifier from the org's stored profile, falling
// back to base (or the defaults) when nothing was stored.
func LoadIdentifier(ctx context.Context, store ProfileStore, orgID string, base *Profile, opts ...IdentifierOption) (*Identifier, error) {
	snap, err := store.Load(ctx, orgID)
	if errors.Is(err, ErrProfileNotFound) {
		return NewIdentifier(base, opts...), nil
	}
	if err != nil {
		return nil, err
	}
	p, err := ProfileFromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if base != nil {
		p = overlay(base, p)
	}
	return NewIdentifier(p, opts...), nil
}

// overlay fills fields missing from p with base's.
func overlay(base, p *Profile) *Profile {
	out := base.clone()
	if p.UserIdentifiers != nil {
		out.UserIdentifiers = p.UserIdentifiers
	}
	if p.ClientIdentifiers != nil {
		out.ClientIdentifiers = p.ClientIdentifiers
	}
	if p.PhonePatterns != nil {
		out.PhonePatterns = p.PhonePatterns
	}
	if p.EmailPattern != nil {
		out.EmailPattern = p.EmailPattern
	}
	if p.Hints != nil {
		out.Hints = p.Hints
	}
	return out
}

// MemoryProfileStore keeps snapshots in process memory.
type MemoryProfileStore struct {
	mu    sync.RWMutex
	snaps map[string]ProfileSnapshot
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{snaps: make(map[string]ProfileSnapshot)}
}

func (s *MemoryProfileStore) Load(_ context.Context, orgID string) (ProfileSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[orgID]
	if !ok {
		return ProfileSnapshot{}, ErrProfileNotFound
	}
	return snap, nil
}

func (s *MemoryProfileStore) Save(_ context.Context, orgID string, snap ProfileSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[orgID] = snap
	return nil
}

// RedisProfileStore stores the full snapshot as JSON.
type RedisProfileStore struct {
	redis *redis.Client
}

func NewRedisProfileStore(client *redis.Client) *RedisProfileStore {
	return &RedisProfileStore{redis: client}
}

func (s *RedisProfileStore) key(orgID string) string {
	return fmt.Sprintf("speaker-profile:%s", orgID)
}

func (s *RedisProfileStore) Load(ctx context.Context, orgID string) (ProfileSnapshot, error) {
	data, err := s.redis.Get(ctx, s.key(orgID)).Bytes()
	if err == redis.Nil {
		return ProfileSnapshot{}, ErrProfileNotFound
	}
	if err != nil {
		return ProfileSnapshot{}, fmt.Errorf("speaker: get profile: %w", err)
	}
	var snap ProfileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ProfileSnapshot{}, fmt.Errorf("speaker: unmarshal profile: %w", err)
	}
	return snap, nil
}

func (s *RedisProfileStore) Save(ctx context.Context, orgID string, snap ProfileSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("speaker: marshal profile: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(orgID), data, 0).Err(); err != nil {
		return fmt.Errorf("speaker: set profile: %w", err)
	}
	return nil
}

type db interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresProfileStore keeps only identifier tokens, one row per org/role/token.
// Patterns and hints come from process configuration.
type PostgresProfileStore struct {
	db db
}

func NewPostgresProfileStore(pool db) *PostgresProfileStore {
	return &PostgresProfileStore{db: pool}
}

func (s *PostgresProfileStore) Load(ctx context.Context, orgID string) (ProfileSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT role, token
		FROM speaker_profile_tokens
		WHERE org_id = $1
		ORDER BY created_at, token`, orgID)
	if err != nil {
		return ProfileSnapshot{}, fmt.Errorf("speaker: query profile tokens: %w", err)
	}
	defer rows.Close()

	var snap ProfileSnapshot
	found := false
	for rows.Next() {
		var role, token string
		if err := rows.Scan(&role, &token); err != nil {
			return ProfileSnapshot{}, fmt.Errorf("speaker: scan profile token: %w", err)
		}
		found = true
		switch Role(role) {
		case RoleYou:
			snap.UserIdentifiers = append(snap.UserIdentifiers, token)
		case RoleClient:
			snap.ClientIdentifiers = append(snap.ClientIdentifiers, token)
		}
	}
	if err := rows.Err(); err != nil {
		return ProfileSnapshot{}, fmt.Errorf("speaker: iterate profile tokens: %w", err)
	}
	if !found {
		return ProfileSnapshot{}, ErrProfileNotFound
	}
	return snap, nil
}

// Save inserts any token not yet stored. Existing tokens are never moved to
// the other role.
func (s *PostgresProfileStore) Save(ctx context.Context, orgID string, snap ProfileSnapshot) error {
	lists := []struct {
		role   Role
		tokens []string
	}{
		{RoleYou, snap.UserIdentifiers},
		{RoleClient, snap.ClientIdentifiers},
	}
	for _, l := range lists {
		for _, tok := range l.tokens {
			if _, err := s.db.Exec(ctx, `
				INSERT INTO speaker_profile_tokens (org_id, role, token)
				VALUES ($1, $2, $3)
				ON CONFLICT (org_id, token) DO NOTHING`, orgID, string(l.role), tok); err != nil {
				return fmt.Errorf("speaker: insert profile token: %w", err)
			}
		}
	}
	return nil
}
