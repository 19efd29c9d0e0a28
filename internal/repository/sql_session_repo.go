package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ryoa/internal/database"
	"github.com/hitoshi/ryoa/internal/model"
)

// SQLSessionRepo はPostgreSQL/SQLiteを使用したセッションリポジトリ。
type SQLSessionRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLSessionRepo はSQLSessionRepoを生成する。
func NewSQLSessionRepo(db *sql.DB, dialect database.Dialect) *SQLSessionRepo {
	return &SQLSessionRepo{db: db, dialect: dialect}
}

// Create はセッションを作成する。
func (r *SQLSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`INSERT INTO sessions (id, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`),
		session.ID, session.UserID, session.ExpiresAt.UTC(), session.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
// 期限切れの行もそのまま返す。
func (r *SQLSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx, database.Rebind(r.dialect,
		`SELECT id, user_id, expires_at, created_at
		 FROM sessions
		 WHERE id = $1`),
		id,
	).Scan(&session.ID, &session.UserID, &session.ExpiresAt, &session.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
func (r *SQLSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`DELETE FROM sessions WHERE id = $1`),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
func (r *SQLSessionRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`DELETE FROM sessions WHERE user_id = $1`),
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
func (r *SQLSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`DELETE FROM sessions WHERE expires_at <= $1`),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ SessionRepository = (*SQLSessionRepo)(nil)
