// Package bond はペアリクエスト台帳を提供する。
//
// 台帳は追記のみで、状態は pending → accepted の一方向にしか遷移しない。
// 承認に伴うプロフィール更新は pairing パッケージが同一トランザクションで行う。
package bond

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
	"github.com/hitoshi/puppybell/internal/security"
)

// Ledger はペアリクエスト台帳。
type Ledger struct {
	identities repository.IdentityRepository
	requests   repository.BondRequestRepository
	now        func() time.Time
}

// NewLedger はLedgerを生成する。
func NewLedger(identities repository.IdentityRepository, requests repository.BondRequestRepository) *Ledger {
	return &Ledger{
		identities: identities,
		requests:   requests,
		now:        time.Now,
	}
}

// SetClock はサーバー時刻の取得関数を差し替える。
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// InTx はトランザクションに束縛したLedgerを返す。時刻関数は引き継ぐ。
func (l *Ledger) InTx(tx repository.Tx) *Ledger {
	return &Ledger{
		identities: tx.Identities(),
		requests:   tx.BondRequests(),
		now:        l.now,
	}
}

// Create はpending状態のリクエストを作成する。
// 宛先メールアドレスに該当するユーザーの存在は確認しない。
func (l *Ledger) Create(ctx context.Context, senderID string, senderRole model.Role, receiverEmail string) (*model.BondRequest, error) {
	email, err := security.NormalizeEmail(receiverEmail)
	if err != nil {
		return nil, model.NewInvalidInputError("receiver_email: " + err.Error())
	}
	if senderID == "" {
		return nil, model.NewUnauthenticatedError("送信者が特定できません")
	}

	sender, err := l.identities.FindByID(ctx, senderID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if sender == nil {
		return nil, model.NewUnauthenticatedError("送信者が登録されていません")
	}
	if sender.Email == email {
		return nil, model.NewInvalidInputError("自分自身にはリクエストを送信できません")
	}

	req := &model.BondRequest{
		ID:            uuid.New().String(),
		SenderID:      sender.ID,
		SenderRole:    senderRole,
		ReceiverEmail: email,
		Status:        model.BondStatusPending,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.requests.Create(ctx, req); err != nil {
		return nil, model.AsStoreError(err)
	}
	return req, nil
}

// ListBySender は送信者のリクエストをcreated_at昇順で返す。
func (l *Ledger) ListBySender(ctx context.Context, senderID string) ([]*model.BondRequest, error) {
	reqs, err := l.requests.ListBySenderID(ctx, senderID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	return reqs, nil
}

// ListByReceiverEmail は宛先メールアドレスのリクエストをcreated_at昇順で返す。
// emailは正規化してから照合する。
func (l *Ledger) ListByReceiverEmail(ctx context.Context, email string) ([]*model.BondRequest, error) {
	normalized, err := security.NormalizeEmail(email)
	if err != nil {
		return nil, model.NewInvalidInputError("email: " + err.Error())
	}
	reqs, err := l.requests.ListByReceiverEmail(ctx, normalized)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	return reqs, nil
}

// Find はリクエストを取得する。存在しない場合はNOT_FOUNDを返す。
// トランザクション内では行ロックを取得する。
func (l *Ledger) Find(ctx context.Context, id string, forUpdate bool) (*model.BondRequest, error) {
	if id == "" {
		return nil, model.NewNotFoundError("リクエスト", id)
	}
	find := l.requests.FindByID
	if forUpdate {
		find = l.requests.FindByIDForUpdate
	}
	req, err := find(ctx, id)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if req == nil {
		return nil, model.NewNotFoundError("リクエスト", id)
	}
	return req, nil
}

// MarkAccepted はリクエストを pending → accepted に遷移させる。
// 存在しない場合はNOT_FOUND、既に承認済みの場合はINVALID_STATEを返す。
// 状態の判定は条件付き更新で行うため、同時に呼び出されても成功するのは1件のみ。
func (l *Ledger) MarkAccepted(ctx context.Context, id string) (*model.BondRequest, error) {
	req, err := l.Find(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if !req.Status.CanTransitionTo(model.BondStatusAccepted) {
		return nil, model.NewInvalidStateError("リクエストは既に承認済みです")
	}

	at := l.now().UTC()
	ok, err := l.requests.UpdateStatus(ctx, req.ID, req.Status, model.BondStatusAccepted, at)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if !ok {
		return nil, model.NewInvalidStateError("リクエストは既に承認済みです")
	}

	req.Status = model.BondStatusAccepted
	req.AcceptedAt = &at
	return req, nil
}
