package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

const deliveryColumns = `id, interaction_id, event, recipient_id, payload, status,
	attempts, next_attempt_at, last_error, created_at, updated_at`

// SQLDeliveryRepo はSQLを使用した配信アウトボックスリポジトリ。
type SQLDeliveryRepo struct {
	db      DBTX
	dialect Dialect
}

// NewSQLDeliveryRepo はSQLDeliveryRepoを生成する。
func NewSQLDeliveryRepo(db DBTX, dialect Dialect) *SQLDeliveryRepo {
	return &SQLDeliveryRepo{db: db, dialect: dialect}
}

// Create は配信待ちの行を作成する。
func (r *SQLDeliveryRepo) Create(ctx context.Context, d *model.Delivery) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_outbox (`+deliveryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.InteractionID, string(d.Event), d.RecipientID, d.Payload, string(d.Status),
		d.Attempts, d.NextAttemptAt.UTC(), d.LastError, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("配信アウトボックスへの登録に失敗しました: %w", classifyError(err))
	}
	return nil
}

// ClaimDue はnext_attempt_at <= now の配信待ち行を最大limit件確保する。
// 確保した行のnext_attempt_atはleaseUntilまで延長される。
// PostgreSQLではSKIP LOCKEDにより複数ワーカーが同じ行を確保しない。
func (r *SQLDeliveryRepo) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*model.Delivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE delivery_outbox SET next_attempt_at = $1
		 WHERE id IN (
			SELECT id FROM delivery_outbox
			WHERE status = 'pending' AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			LIMIT $3`+r.dialect.skipLocked()+`
		 )
		 RETURNING `+deliveryColumns,
		leaseUntil.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信待ち行の確保に失敗しました: %w", err)
	}
	defer rows.Close()

	var deliveries []*model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("配信行の読み取りに失敗しました: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信行の走査に失敗しました: %w", err)
	}
	return deliveries, nil
}

// Update は配信結果を保存する。
func (r *SQLDeliveryRepo) Update(ctx context.Context, d *model.Delivery) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE delivery_outbox
		 SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = $5
		 WHERE id = $6`,
		string(d.Status), d.Attempts, d.NextAttemptAt.UTC(), d.LastError, d.UpdatedAt.UTC(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("配信結果の保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteFinishedBefore は配信済み・失敗の行のうちcutoffより前に更新されたものを削除する。
func (r *SQLDeliveryRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_outbox
		 WHERE status IN ('delivered', 'failed') AND updated_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("完了済み配信の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func scanDelivery(row rowScanner) (*model.Delivery, error) {
	d := &model.Delivery{}
	var event, status string
	if err := row.Scan(
		&d.ID, &d.InteractionID, &event, &d.RecipientID, &d.Payload, &status,
		&d.Attempts, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Event = model.DeliveryEvent(event)
	d.Status = model.DeliveryStatus(status)
	return d, nil
}

// compile-time interface check
var _ DeliveryRepository = (*SQLDeliveryRepo)(nil)
