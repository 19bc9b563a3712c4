package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"classboard-discussion-service/internal/domain"
)

// ProfileLoader reads the minimal user profiles embedded into thread views.
// The users table is a read-only projection maintained by the identity
// service; this core never writes to it.
type ProfileLoader struct {
	pool *pgxpool.Pool
}

func NewProfileLoader(pool *pgxpool.Pool) *ProfileLoader {
	return &ProfileLoader{pool: pool}
}

func (l *ProfileLoader) LoadProfiles(ctx context.Context, userIDs []string) (map[string]domain.UserProfile, error) {
	if len(userIDs) == 0 {
		return map[string]domain.UserProfile{}, nil
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	profiles := make(map[string]domain.UserProfile, len(userIDs))
	for rows.Next() {
		var p domain.UserProfile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	return profiles, nil
}
