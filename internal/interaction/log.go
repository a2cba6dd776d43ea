// Package interaction はペア間の通知と応答の記録を提供する。
//
// 応答は1件の通知に対して高々1回だけ記録でき、応答時間（秒）は記録時に一度だけ算出される。
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/puppybell/internal/metrics"
	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
	"github.com/hitoshi/puppybell/internal/security"
)

// 履歴取得件数の既定値と上限
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Store はLogが使用するストアの部分集合。
type Store interface {
	repository.Tx
	repository.Transactor
}

// LogConfig はLogの設定。
type LogConfig struct {
	// OutboxEnabled がtrueの場合、通知・応答と同じトランザクションで配信アウトボックスに行を追加する。
	OutboxEnabled bool
}

// Log はインタラクションの記録サービス。
type Log struct {
	store     Store
	sanitizer security.LabelSanitizer
	metrics   metrics.MetricsCollector
	config    LogConfig
	now       func() time.Time
}

// NewLog はLogを生成する。collectorがnilの場合は記録しない。
func NewLog(store Store, sanitizer security.LabelSanitizer, collector metrics.MetricsCollector, config LogConfig) *Log {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Log{
		store:     store,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
		now:       time.Now,
	}
}

// SetClock はサーバー時刻の取得関数を差し替える。
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// LogNotification はprimaryからsecondaryへの通知を記録する。
// 2人が相互にペアでない場合、または通知者がMaster・受信者がPuppyでない場合はINVALID_INPUTを返す。
func (l *Log) LogNotification(ctx context.Context, primaryID, secondaryID, notificationType string) (*model.Interaction, error) {
	if primaryID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	label, err := l.cleanLabel("type", notificationType)
	if err != nil {
		return nil, err
	}
	if secondaryID == "" {
		return nil, model.NewInvalidInputError("secondary_id は必須です")
	}
	if secondaryID == primaryID {
		return nil, model.NewInvalidInputError("自分自身には通知できません")
	}

	var created *model.Interaction
	err = l.store.WithinTx(ctx, func(tx repository.Tx) error {
		if err := requireMutualBond(ctx, tx.Identities(), primaryID, secondaryID); err != nil {
			return err
		}

		interaction := &model.Interaction{
			ID:          uuid.New().String(),
			PrimaryID:   primaryID,
			SecondaryID: secondaryID,
			Type:        label,
			Timestamp:   l.now().UTC(),
		}
		if err := tx.Interactions().Create(ctx, interaction); err != nil {
			return err
		}
		if err := l.enqueue(ctx, tx, model.DeliveryEventNotified, interaction, secondaryID); err != nil {
			return err
		}
		created = interaction
		return nil
	})
	if err != nil {
		return nil, model.AsStoreError(err)
	}

	l.metrics.RecordNotification()
	slog.Info("notification logged",
		slog.String("interaction_id", created.ID),
		slog.String("primary_id", primaryID),
		slog.String("secondary_id", secondaryID),
	)
	return created, nil
}

// LogResponse はsecondaryの応答を記録し、応答時間を確定させる。
// 通知が存在しない、または呼び出し元が当事者でない場合はNOT_FOUND、
// 応答済みの場合はINVALID_STATEを返す。
func (l *Log) LogResponse(ctx context.Context, responderID, interactionID, responseType string) (*model.Interaction, error) {
	if responderID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	label, err := l.cleanLabel("response_type", responseType)
	if err != nil {
		return nil, err
	}

	var updated *model.Interaction
	err = l.store.WithinTx(ctx, func(tx repository.Tx) error {
		interaction, err := tx.Interactions().FindByID(ctx, interactionID)
		if err != nil {
			return err
		}
		if interaction == nil || !interaction.Involves(responderID) {
			return model.NewNotFoundError("インタラクション", interactionID)
		}
		if interaction.SecondaryID != responderID {
			return model.NewInvalidInputError("通知を受け取った側のみ応答できます")
		}
		if interaction.HasResponse() {
			return model.NewInvalidStateError("既に応答済みです")
		}

		at := l.now().UTC()
		seconds := model.ResponseSeconds(interaction.Timestamp, at)
		ok, err := tx.Interactions().RecordResponse(ctx, interaction.ID, label, at, seconds)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewInvalidStateError("既に応答済みです")
		}

		interaction.ResponseType = &label
		interaction.ResponseTimestamp = &at
		interaction.ResponseTimeSeconds = &seconds
		if err := l.enqueue(ctx, tx, model.DeliveryEventResponded, interaction, interaction.PrimaryID); err != nil {
			return err
		}
		updated = interaction
		return nil
	})
	if err != nil {
		return nil, model.AsStoreError(err)
	}

	l.metrics.RecordResponse(*updated.ResponseTimeSeconds)
	slog.Info("response logged",
		slog.String("interaction_id", updated.ID),
		slog.String("secondary_id", responderID),
		slog.Int64("response_time_seconds", *updated.ResponseTimeSeconds),
	)
	return updated, nil
}

// Get は当事者のみが閲覧できるインタラクションを返す。
func (l *Log) Get(ctx context.Context, callerID, interactionID string) (*model.Interaction, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	interaction, err := l.store.Interactions().FindByID(ctx, interactionID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if interaction == nil || !interaction.Involves(callerID) {
		return nil, model.NewNotFoundError("インタラクション", interactionID)
	}
	return interaction, nil
}

// ListForPair は呼び出し元と現在のペア相手との間のインタラクションを新しい順に返す。
// ペアが成立していない場合は空のスライスを返す。
func (l *Log) ListForPair(ctx context.Context, callerID string, limit int) ([]*model.Interaction, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	caller, err := l.store.Identities().FindByID(ctx, callerID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if caller == nil {
		return nil, model.NewUnauthenticatedError("ユーザーが登録されていません")
	}
	if !caller.IsBonded() {
		return []*model.Interaction{}, nil
	}

	list, err := l.store.Interactions().ListByPair(ctx, caller.ID, caller.BondedUserID, limit)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if list == nil {
		list = []*model.Interaction{}
	}
	return list, nil
}

func (l *Log) cleanLabel(field, raw string) (string, error) {
	label := l.sanitizer.CleanLabel(raw)
	if label == "" {
		return "", model.NewInvalidInputError(field + " は必須です")
	}
	if utf8.RuneCountInString(label) > model.MaxLabelLength {
		return "", model.NewInvalidInputError(fmt.Sprintf("%s は%d文字以内で指定してください", field, model.MaxLabelLength))
	}
	return label, nil
}

// requireMutualBond は2人が互いをペア相手とし、通知の向きが役割と一致しているかを確認する。
// 役割は一度しか設定できないため、応答者がPuppyであることも作成時の確認で保証される。
func requireMutualBond(ctx context.Context, identities repository.IdentityRepository, primaryID, secondaryID string) error {
	primary, err := identities.FindByID(ctx, primaryID)
	if err != nil {
		return err
	}
	if primary == nil {
		return model.NewUnauthenticatedError("ユーザーが登録されていません")
	}
	secondary, err := identities.FindByID(ctx, secondaryID)
	if err != nil {
		return err
	}
	if secondary == nil || !primary.IsBondedTo(secondaryID) || !secondary.IsBondedTo(primaryID) {
		return model.NewInvalidInputError("2人はペアになっていません")
	}
	if primary.Role != model.RolePrimary {
		return model.NewInvalidInputError("通知できるのはMasterのみです")
	}
	if secondary.Role != model.RoleSecondary {
		return model.NewInvalidInputError("通知先はPuppyである必要があります")
	}
	return nil
}

// deliveryPayload はWebhookに送信するJSONの形式。
type deliveryPayload struct {
	Event               model.DeliveryEvent `json:"event"`
	InteractionID       string              `json:"interaction_id"`
	RecipientID         string              `json:"recipient_id"`
	PrimaryID           string              `json:"primary_id"`
	SecondaryID         string              `json:"secondary_id"`
	Type                string              `json:"type"`
	Timestamp           time.Time           `json:"timestamp"`
	ResponseType        *string             `json:"response_type,omitempty"`
	ResponseTimestamp   *time.Time          `json:"response_timestamp,omitempty"`
	ResponseTimeSeconds *int64              `json:"response_time_seconds,omitempty"`
}

// enqueue は配信アウトボックスに行を追加する。無効化されている場合は何もしない。
func (l *Log) enqueue(ctx context.Context, tx repository.Tx, event model.DeliveryEvent, interaction *model.Interaction, recipientID string) error {
	if !l.config.OutboxEnabled {
		return nil
	}

	payload, err := json.Marshal(deliveryPayload{
		Event:               event,
		InteractionID:       interaction.ID,
		RecipientID:         recipientID,
		PrimaryID:           interaction.PrimaryID,
		SecondaryID:         interaction.SecondaryID,
		Type:                interaction.Type,
		Timestamp:           interaction.Timestamp,
		ResponseType:        interaction.ResponseType,
		ResponseTimestamp:   interaction.ResponseTimestamp,
		ResponseTimeSeconds: interaction.ResponseTimeSeconds,
	})
	if err != nil {
		return fmt.Errorf("配信ペイロードの生成に失敗しました: %w", err)
	}

	now := l.now().UTC()
	return tx.Deliveries().Create(ctx, &model.Delivery{
		ID:            uuid.New().String(),
		InteractionID: interaction.ID,
		Event:         event,
		RecipientID:   recipientID,
		Payload:       payload,
		Status:        model.DeliveryStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}
