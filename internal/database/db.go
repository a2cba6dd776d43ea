// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ドライバ名
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// sqliteParams はSQLite接続に常に付与するパラメータ。
// _txlock=immediate によりトランザクション開始時に書き込みロックを取得する。
const sqliteParams = "_txlock=immediate&_foreign_keys=on&_busy_timeout=5000"

// Open はデータベース接続を開く。
// driverは "postgres" または "sqlite3" を指定する。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(driver, databaseURL string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open(DriverPostgres, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	case DriverSQLite:
		db, err := sql.Open(DriverSQLite, SQLiteDSN(databaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// 書き込みは単一接続に直列化する。
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// SQLiteDSN はDATABASE_URL（"sqlite3://path" またはファイルパス）を
// mattn/go-sqlite3のDSNへ変換する。
func SQLiteDSN(databaseURL string) string {
	path := sqlitePath(databaseURL)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqliteParams
}

func sqlitePath(databaseURL string) string {
	return strings.TrimPrefix(databaseURL, DriverSQLite+"://")
}
