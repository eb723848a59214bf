package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
)

// ProfileStore reads user display projections. Identity itself is managed
// outside this service; rows are provisioned by the auth system.
type ProfileStore struct {
	pool *pgxpool.Pool
}

func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

func (s *ProfileStore) GetByIDs(ctx context.Context, ids []string) ([]model.UserProfile, error) {
	defer logger.DeferLogDuration("profile.GetByIDs", time.Now())()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, avatar_url FROM users WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("profileStore.GetByIDs query: %w", err)
	}
	defer rows.Close()

	profiles := make([]model.UserProfile, 0, len(ids))
	for rows.Next() {
		var p model.UserProfile
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("profileStore.GetByIDs scan: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profileStore.GetByIDs rows: %w", err)
	}
	return profiles, nil
}
