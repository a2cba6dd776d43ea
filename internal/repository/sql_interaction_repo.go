package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

const interactionColumns = `id, primary_id, secondary_id, type, timestamp,
	response_type, response_timestamp, response_time_seconds`

// SQLInteractionRepo はSQLを使用したインタラクションリポジトリ。
type SQLInteractionRepo struct {
	db      DBTX
	dialect Dialect
}

// NewSQLInteractionRepo はSQLInteractionRepoを生成する。
func NewSQLInteractionRepo(db DBTX, dialect Dialect) *SQLInteractionRepo {
	return &SQLInteractionRepo{db: db, dialect: dialect}
}

// FindByID は指定IDのインタラクションを取得する。見つからない場合はnilを返す。
func (r *SQLInteractionRepo) FindByID(ctx context.Context, id string) (*model.Interaction, error) {
	interaction, err := scanInteraction(r.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("インタラクションの取得に失敗しました: %w", err)
	}
	return interaction, nil
}

// Create は応答未設定のインタラクションを作成する。
func (r *SQLInteractionRepo) Create(ctx context.Context, interaction *model.Interaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO interactions (id, primary_id, secondary_id, type, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		interaction.ID, interaction.PrimaryID, interaction.SecondaryID, interaction.Type, interaction.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("インタラクションの作成に失敗しました: %w", classifyError(err))
	}
	return nil
}

// RecordResponse は応答が未記録の場合に限り応答を記録する。
// response_time_secondsは一度設定されると変更されない。
func (r *SQLInteractionRepo) RecordResponse(ctx context.Context, id, responseType string, at time.Time, seconds int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE interactions
		 SET response_type = $1, response_timestamp = $2, response_time_seconds = $3
		 WHERE id = $4 AND response_type IS NULL`,
		responseType, at.UTC(), seconds, id,
	)
	if err != nil {
		return false, fmt.Errorf("応答の記録に失敗しました: %w", err)
	}
	return rowsAffected(result)
}

// ListByPair は2人の間のインタラクションを向きを問わずtimestamp降順で返す。
func (r *SQLInteractionRepo) ListByPair(ctx context.Context, userA, userB string, limit int) ([]*model.Interaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE (primary_id = $1 AND secondary_id = $2) OR (primary_id = $2 AND secondary_id = $1)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $3`,
		userA, userB, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("インタラクション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var interactions []*model.Interaction
	for rows.Next() {
		interaction, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("インタラクション行の読み取りに失敗しました: %w", err)
		}
		interactions = append(interactions, interaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("インタラクション一覧の走査に失敗しました: %w", err)
	}
	return interactions, nil
}

// DeleteOlderThan はcutoffより古いインタラクションを削除し、削除件数を返す。
// 関連するアウトボックス行はCASCADE削除される。
func (r *SQLInteractionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM interactions WHERE timestamp < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("古いインタラクションの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func scanInteraction(row rowScanner) (*model.Interaction, error) {
	interaction := &model.Interaction{}
	var responseType sql.NullString
	var responseTimestamp sql.NullTime
	var responseTimeSeconds sql.NullInt64
	if err := row.Scan(
		&interaction.ID, &interaction.PrimaryID, &interaction.SecondaryID, &interaction.Type, &interaction.Timestamp,
		&responseType, &responseTimestamp, &responseTimeSeconds,
	); err != nil {
		return nil, err
	}
	if responseType.Valid {
		interaction.ResponseType = &responseType.String
	}
	if responseTimestamp.Valid {
		interaction.ResponseTimestamp = &responseTimestamp.Time
	}
	if responseTimeSeconds.Valid {
		interaction.ResponseTimeSeconds = &responseTimeSeconds.Int64
	}
	return interaction, nil
}

// compile-time interface check
var _ InteractionRepository = (*SQLInteractionRepo)(nil)
