package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

const bondRequestColumns = `id, sender_id, sender_role, receiver_email, status, created_at, accepted_at`

// SQLBondRequestRepo はSQLを使用したペアリクエストリポジトリ。
type SQLBondRequestRepo struct {
	db      DBTX
	dialect Dialect
}

// NewSQLBondRequestRepo はSQLBondRequestRepoを生成する。
func NewSQLBondRequestRepo(db DBTX, dialect Dialect) *SQLBondRequestRepo {
	return &SQLBondRequestRepo{db: db, dialect: dialect}
}

// FindByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
func (r *SQLBondRequestRepo) FindByID(ctx context.Context, id string) (*model.BondRequest, error) {
	return r.findOne(ctx, `SELECT `+bondRequestColumns+` FROM bond_requests WHERE id = $1`, id)
}

// FindByIDForUpdate はトランザクション内で行ロックを取得しつつリクエストを取得する。
// 同一リクエストへの同時承認はこのロックで直列化される。
func (r *SQLBondRequestRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.BondRequest, error) {
	return r.findOne(ctx, `SELECT `+bondRequestColumns+` FROM bond_requests WHERE id = $1`+r.dialect.forUpdate(), id)
}

func (r *SQLBondRequestRepo) findOne(ctx context.Context, query string, args ...any) (*model.BondRequest, error) {
	req, err := scanBondRequest(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bond request: %w", err)
	}
	return req, nil
}

// Create はリクエストを作成する。
func (r *SQLBondRequestRepo) Create(ctx context.Context, req *model.BondRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bond_requests (id, sender_id, sender_role, receiver_email, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.ID, req.SenderID, string(req.SenderRole), req.ReceiverEmail, string(req.Status), req.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bond request: %w", classifyError(err))
	}
	return nil
}

// ListBySenderID は送信者のリクエストをcreated_at昇順で返す。
func (r *SQLBondRequestRepo) ListBySenderID(ctx context.Context, senderID string) ([]*model.BondRequest, error) {
	return r.list(ctx,
		`SELECT `+bondRequestColumns+` FROM bond_requests WHERE sender_id = $1 ORDER BY created_at ASC, id ASC`,
		senderID,
	)
}

// ListByReceiverEmail は宛先メールアドレスのリクエストをcreated_at昇順で返す。
func (r *SQLBondRequestRepo) ListByReceiverEmail(ctx context.Context, email string) ([]*model.BondRequest, error) {
	return r.list(ctx,
		`SELECT `+bondRequestColumns+` FROM bond_requests WHERE receiver_email = $1 ORDER BY created_at ASC, id ASC`,
		email,
	)
}

func (r *SQLBondRequestRepo) list(ctx context.Context, query string, args ...any) ([]*model.BondRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bond requests: %w", err)
	}
	defer rows.Close()

	var reqs []*model.BondRequest
	for rows.Next() {
		req, err := scanBondRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bond request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bond requests: %w", err)
	}
	return reqs, nil
}

// UpdateStatus は現在の状態がfromの場合に限りtoへ更新する。
// acceptedへの遷移時はaccepted_atも設定する。
func (r *SQLBondRequestRepo) UpdateStatus(ctx context.Context, id string, from, to model.BondStatus, at time.Time) (bool, error) {
	var acceptedAt sql.NullTime
	if to == model.BondStatusAccepted {
		acceptedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE bond_requests SET status = $1, accepted_at = $2 WHERE id = $3 AND status = $4`,
		string(to), acceptedAt, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update bond request status: %w", err)
	}
	return rowsAffected(result)
}

func scanBondRequest(row rowScanner) (*model.BondRequest, error) {
	req := &model.BondRequest{}
	var senderRole, status string
	var acceptedAt sql.NullTime
	if err := row.Scan(
		&req.ID, &req.SenderID, &senderRole, &req.ReceiverEmail, &status, &req.CreatedAt, &acceptedAt,
	); err != nil {
		return nil, err
	}
	req.SenderRole = model.Role(senderRole)
	req.Status = model.BondStatus(status)
	if acceptedAt.Valid {
		req.AcceptedAt = &acceptedAt.Time
	}
	return req, nil
}

// compile-time interface check
var _ BondRequestRepository = (*SQLBondRequestRepo)(nil)
