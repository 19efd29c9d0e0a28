package repository

import (
	"errors"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicate は一意制約違反を表す。
// 同時ログインなどで同じ行を作成しようとした場合に返る。
var ErrDuplicate = errors.New("repository: duplicate record")

// pqUniqueViolation はPostgreSQLのunique_violationエラーコード。
const pqUniqueViolation = "23505"

// isUniqueViolation はドライバ固有の一意制約違反エラーを判定する。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}

	return false
}
