package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/ryoa/internal/database"
	"github.com/hitoshi/ryoa/internal/model"
)

// SQLUserRepo はPostgreSQL/SQLiteを使用したユーザーリポジトリ。
type SQLUserRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLUserRepo はSQLUserRepoを生成する。
func NewSQLUserRepo(db *sql.DB, dialect database.Dialect) *SQLUserRepo {
	return &SQLUserRepo{db: db, dialect: dialect}
}

const userColumns = `id, email, password_hash, name, avatar_url, role, created_at, updated_at`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *SQLUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateを返す。
func (r *SQLUserRepo) Create(ctx context.Context, user *model.User) error {
	var passwordHash sql.NullString
	if user.PasswordHash != nil {
		passwordHash = sql.NullString{String: *user.PasswordHash, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`),
		user.ID, model.NormalizeEmail(user.Email), passwordHash, user.Name, user.AvatarURL,
		string(user.Role), user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdatePasswordHash はパスワードハッシュを更新する。
func (r *SQLUserRepo) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`),
		passwordHash, nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// List は全ユーザーを作成日時順に返す。
func (r *SQLUserRepo) List(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

func (r *SQLUserRepo) scanOne(ctx context.Context, query string, arg any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, database.Rebind(r.dialect, query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		user         model.User
		passwordHash sql.NullString
		role         string
	)
	if err := row.Scan(
		&user.ID, &user.Email, &passwordHash, &user.Name, &user.AvatarURL, &role,
		&user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if passwordHash.Valid {
		user.PasswordHash = &passwordHash.String
	}
	user.Role = model.Role(role)
	return &user, nil
}

// compile-time interface check
var _ UserRepository = (*SQLUserRepo)(nil)
