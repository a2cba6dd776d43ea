package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

const identityColumns = `id, email, display_name, role, bonded_user_id, created_at, updated_at`

// SQLIdentityRepo はSQLを使用したユーザーリポジトリ。
type SQLIdentityRepo struct {
	db      DBTX
	dialect Dialect
}

// NewSQLIdentityRepo はSQLIdentityRepoを生成する。
func NewSQLIdentityRepo(db DBTX, dialect Dialect) *SQLIdentityRepo {
	return &SQLIdentityRepo{db: db, dialect: dialect}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	return r.findOne(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
}

// FindByIDForUpdate はトランザクション内で行ロックを取得しつつユーザーを取得する。
func (r *SQLIdentityRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Identity, error) {
	return r.findOne(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`+r.dialect.forUpdate(), id)
}

func (r *SQLIdentityRepo) findOne(ctx context.Context, query string, args ...any) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// ListByEmail はメールアドレスが一致するユーザーを全て返す。
func (r *SQLIdentityRepo) ListByEmail(ctx context.Context, email string) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = $1 ORDER BY created_at ASC`+r.dialect.forUpdate(),
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities by email: %w", err)
	}
	defer rows.Close()

	var identities []*model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity row: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	return identities, nil
}

// Create はユーザーを作成する。
func (r *SQLIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (id, email, display_name, role, bonded_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity.ID, identity.Email, identity.DisplayName, string(identity.Role),
		nullString(identity.BondedUserID), identity.CreatedAt.UTC(), identity.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", classifyError(err))
	}
	return nil
}

// SetRole は役割が未設定の場合に限り役割を設定する。
func (r *SQLIdentityRepo) SetRole(ctx context.Context, id string, role model.Role, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities SET role = $1, updated_at = $2 WHERE id = $3 AND role = ''`,
		string(role), at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set role: %w", err)
	}
	return rowsAffected(result)
}

// SetBondedUserID はペア相手を設定する。
// 未ペア、または既に同じ相手とペアの場合に限り更新する。
func (r *SQLIdentityRepo) SetBondedUserID(ctx context.Context, id, partnerID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities SET bonded_user_id = $1, updated_at = $2
		 WHERE id = $3 AND (bonded_user_id IS NULL OR bonded_user_id = $1)`,
		partnerID, at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set bonded user: %w", err)
	}
	return rowsAffected(result)
}

// rowScanner は *sql.Row と *sql.Rows の共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*model.Identity, error) {
	identity := &model.Identity{}
	var role string
	var bondedUserID sql.NullString
	if err := row.Scan(
		&identity.ID, &identity.Email, &identity.DisplayName, &role, &bondedUserID,
		&identity.CreatedAt, &identity.UpdatedAt,
	); err != nil {
		return nil, err
	}
	identity.Role = model.Role(role)
	identity.BondedUserID = bondedUserID.String
	return identity, nil
}

// nullString は空文字をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ IdentityRepository = (*SQLIdentityRepo)(nil)
