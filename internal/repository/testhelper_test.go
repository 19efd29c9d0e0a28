package repository

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/hitoshi/ryoa/internal/database"
)

// setupTestDB はt.TempDir上のSQLiteにマイグレーションを適用した接続を返す。
func setupTestDB(t *testing.T) (*sql.DB, database.Dialect) {
	t.Helper()

	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "ryoa_test.db")
	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	db, dialect, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db, dialect
}
