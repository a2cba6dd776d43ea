package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect はSQL方言を表す。
// クエリのプレースホルダは $1, $2 ... を出現順に使用する。
// SQLiteは $N を名前付きパラメータとして出現順に番号付けするため、この規約で両方言に対応できる。
type Dialect string

const (
	// DialectPostgres はPostgreSQL方言。
	DialectPostgres Dialect = "postgres"
	// DialectSQLite はSQLite方言。
	DialectSQLite Dialect = "sqlite3"
)

// forUpdate は行ロック句を返す。
// SQLiteはトランザクション開始時にDB全体の書き込みロックを取得するため不要。
func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// skipLocked はロック済み行を読み飛ばす行ロック句を返す。
func (d Dialect) skipLocked() string {
	if d == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// SQLStore はdatabase/sqlを使用したStore実装。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore はSQLStoreを生成する。
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Identities はユーザーリポジトリを返す。
func (s *SQLStore) Identities() IdentityRepository {
	return NewSQLIdentityRepo(s.db, s.dialect)
}

// BondRequests はペアリクエストリポジトリを返す。
func (s *SQLStore) BondRequests() BondRequestRepository {
	return NewSQLBondRequestRepo(s.db, s.dialect)
}

// Interactions はインタラクションリポジトリを返す。
func (s *SQLStore) Interactions() InteractionRepository {
	return NewSQLInteractionRepo(s.db, s.dialect)
}

// Deliveries は配信アウトボックスリポジトリを返す。
func (s *SQLStore) Deliveries() DeliveryRepository {
	return NewSQLDeliveryRepo(s.db, s.dialect)
}

// Sessions はセッションリポジトリを返す。
func (s *SQLStore) Sessions() SessionRepository {
	return NewSQLSessionRepo(s.db)
}

// PingContext はDB接続を確認する。
func (s *SQLStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx はfnを1つのトランザクション内で実行する。
// fnがエラーを返した場合はロールバックし、そのエラーをそのまま返す。
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqlTx は *sql.Tx に束縛されたリポジトリ群。
type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) Identities() IdentityRepository {
	return NewSQLIdentityRepo(t.tx, t.dialect)
}

func (t *sqlTx) BondRequests() BondRequestRepository {
	return NewSQLBondRequestRepo(t.tx, t.dialect)
}

func (t *sqlTx) Interactions() InteractionRepository {
	return NewSQLInteractionRepo(t.tx, t.dialect)
}

func (t *sqlTx) Deliveries() DeliveryRepository {
	return NewSQLDeliveryRepo(t.tx, t.dialect)
}

// rowsAffected は更新件数が1件以上かを返す。
func rowsAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ Store = (*SQLStore)(nil)
var _ Tx = (*sqlTx)(nil)
