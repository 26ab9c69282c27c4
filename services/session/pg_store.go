package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"andaweb/pkg/db"
)

const (
	upsertSessionSQL = `
INSERT INTO sessions (id, subject, name, email, access_token, refresh_token, id_token, token_expiry, claims, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	id_token = EXCLUDED.id_token,
	token_expiry = EXCLUDED.token_expiry,
	claims = EXCLUDED.claims,
	expires_at = EXCLUDED.expires_at`

	selectSessionSQL = `
SELECT id::text AS id, subject, name, email, access_token, refresh_token, id_token, token_expiry,
	COALESCE(claims::text, '{}') AS claims, expires_at, created_at
FROM sessions
WHERE id = $1 AND expires_at > now()`

	deleteSessionSQL = `DELETE FROM sessions WHERE id = $1`

	pruneSessionsSQL = `DELETE FROM sessions WHERE expires_at <= now()`
)

type sessionRow struct {
	ID           string     `db:"id"`
	Subject      string     `db:"subject"`
	Name         string     `db:"name"`
	Email        string     `db:"email"`
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	IDToken      string     `db:"id_token"`
	TokenExpiry  *time.Time `db:"token_expiry"`
	Claims       string     `db:"claims"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// PGStore keeps sessions in the Postgres sessions table so they survive restarts
// and are shared between replicas.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a store backed by pool. Run db.Migrate first.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (p *PGStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNoSession
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		return fmt.Errorf("session id %q: %w", s.ID, err)
	}

	claims, err := json.Marshal(s.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	if s.Claims == nil {
		claims = []byte("{}")
	}

	var tokenExpiry *time.Time
	if !s.TokenExpiry.IsZero() {
		t := s.TokenExpiry
		tokenExpiry = &t
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = db.Exec(ctx, p.pool, upsertSessionSQL,
		s.ID, s.Subject, s.Name, s.Email, s.AccessToken, s.RefreshToken, s.IDToken,
		tokenExpiry, string(claims), s.ExpiresAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (p *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	// ids are uuids; anything else cannot match and would fail the cast.
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNoSession
	}
	var row sessionRow
	if err := db.Get(ctx, p.pool, &row, selectSessionSQL, id); err != nil {
		if db.NotFound(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return row.session()
}

func (p *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	if _, err := db.Exec(ctx, p.pool, deleteSessionSQL, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Prune deletes expired sessions.
func (p *PGStore) Prune(ctx context.Context) (int64, error) {
	tag, err := db.Exec(ctx, p.pool, pruneSessionsSQL)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r sessionRow) session() (*Session, error) {
	s := &Session{
		ID:           r.ID,
		Subject:      r.Subject,
		Name:         r.Name,
		Email:        r.Email,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		IDToken:      r.IDToken,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
	}
	if r.TokenExpiry != nil {
		s.TokenExpiry = *r.TokenExpiry
	}
	if r.Claims != "" {
		if err := json.Unmarshal([]byte(r.Claims), &s.Claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}
	return s, nil
}
