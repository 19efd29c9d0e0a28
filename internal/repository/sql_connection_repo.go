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

// SQLConnectionRepo はPostgreSQL/SQLiteを使用したOAuth紐付けリポジトリ。
type SQLConnectionRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLConnectionRepo はSQLConnectionRepoを生成する。
func NewSQLConnectionRepo(db *sql.DB, dialect database.Dialect) *SQLConnectionRepo {
	return &SQLConnectionRepo{db: db, dialect: dialect}
}

const connectionColumns = `id, user_id, provider, provider_user_id, created_at`

// FindByProviderAndProviderUserID はproviderとprovider_user_idで紐付けを検索する。
// 見つからない場合はnilを返す。
func (r *SQLConnectionRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.OAuthConnection, error) {
	conn, err := r.scanOne(ctx,
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth connection: %w", err)
	}
	return conn, nil
}

// FindByUserAndProvider はユーザーIDとproviderで紐付けを検索する。見つからない場合はnilを返す。
func (r *SQLConnectionRepo) FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.OAuthConnection, error) {
	conn, err := r.scanOne(ctx,
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth connection by user: %w", err)
	}
	return conn, nil
}

// ListByUserID はユーザーの全紐付けを作成日時順に返す。
func (r *SQLConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.OAuthConnection, error) {
	rows, err := r.db.QueryContext(ctx, database.Rebind(r.dialect,
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE user_id = $1
		 ORDER BY created_at ASC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth connections: %w", err)
	}
	defer rows.Close()

	var conns []*model.OAuthConnection
	for rows.Next() {
		conn := &model.OAuthConnection{}
		if err := rows.Scan(&conn.ID, &conn.UserID, &conn.Provider, &conn.ProviderUserID, &conn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan oauth connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate oauth connections: %w", err)
	}
	return conns, nil
}

// Create は紐付けを作成する。一意制約に違反する場合はErrDuplicateを返す。
func (r *SQLConnectionRepo) Create(ctx context.Context, conn *model.OAuthConnection) error {
	_, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`INSERT INTO oauth_connections (`+connectionColumns+`)
		 VALUES ($1, $2, $3, $4, $5)`),
		conn.ID, conn.UserID, conn.Provider, conn.ProviderUserID, conn.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert oauth connection: %w", err)
	}
	return nil
}

func (r *SQLConnectionRepo) scanOne(ctx context.Context, query string, args ...any) (*model.OAuthConnection, error) {
	conn := &model.OAuthConnection{}
	err := r.db.QueryRowContext(ctx, database.Rebind(r.dialect, query), args...).Scan(
		&conn.ID, &conn.UserID, &conn.Provider, &conn.ProviderUserID, &conn.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// compile-time interface check
var _ ConnectionRepository = (*SQLConnectionRepo)(nil)
