package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/ryoa/internal/database"
	"github.com/hitoshi/ryoa/internal/model"
)

// SQLProfileRepo はPostgreSQL/SQLiteを使用したプロフィールリポジトリ。
type SQLProfileRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLProfileRepo はSQLProfileRepoを生成する。
func NewSQLProfileRepo(db *sql.DB, dialect database.Dialect) *SQLProfileRepo {
	return &SQLProfileRepo{db: db, dialect: dialect}
}

const profileColumns = `id, user_id, full_name, bio, avatar_url, created_at, updated_at`

// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *SQLProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	err := r.db.QueryRowContext(ctx, database.Rebind(r.dialect,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`), userID,
	).Scan(&p.ID, &p.UserID, &p.FullName, &p.Bio, &p.AvatarURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by user ID: %w", err)
	}
	return p, nil
}

// Upsert はプロフィールを作成し、既に存在する場合は内容を置き換える。
// user_idの一意制約で衝突した場合はidとcreated_atを保持する。
func (r *SQLProfileRepo) Upsert(ctx context.Context, profile *model.UserProfile) error {
	_, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`INSERT INTO user_profiles (`+profileColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   full_name = excluded.full_name,
		   bio = excluded.bio,
		   avatar_url = excluded.avatar_url,
		   updated_at = excluded.updated_at`),
		profile.ID, profile.UserID, profile.FullName, profile.Bio, profile.AvatarURL,
		profile.CreatedAt.UTC(), profile.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*SQLProfileRepo)(nil)
