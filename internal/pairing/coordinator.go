// Package pairing はペアリクエストの送信と承認を調整する。
//
// 承認はリクエストの状態遷移と双方のプロフィール更新を1つのトランザクションで行い、
// 一方だけがペアになった状態が観測されないことを保証する。
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/puppybell/internal/bond"
	"github.com/hitoshi/puppybell/internal/metrics"
	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
)

// Store はCoordinatorが使用するストアの部分集合。
type Store interface {
	repository.Tx
	repository.Transactor
}

// Coordinator はペアリクエストの送信・一覧・承認を提供する。
type Coordinator struct {
	store   Store
	ledger  *bond.Ledger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewCoordinator はCoordinatorを生成する。collectorがnilの場合は記録しない。
func NewCoordinator(store Store, collector metrics.MetricsCollector) *Coordinator {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Coordinator{
		store:   store,
		ledger:  bond.NewLedger(store.Identities(), store.BondRequests()),
		metrics: collector,
		now:     time.Now,
	}
}

// SetClock はサーバー時刻の取得関数を差し替える。
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.ledger.SetClock(now)
}

// SendRequest は呼び出し元から宛先メールアドレスへのペアリクエストを作成する。
// 役割が未選択の場合はUNAUTHENTICATEDを返す。
func (c *Coordinator) SendRequest(ctx context.Context, callerID string, callerRole model.Role, receiverEmail string) (*model.BondRequest, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	if !callerRole.IsSet() {
		return nil, model.NewUnauthenticatedError("役割を選択してからリクエストを送信してください")
	}

	req, err := c.ledger.Create(ctx, callerID, callerRole, receiverEmail)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordBondRequestSent()
	slog.Info("bond request sent",
		slog.String("request_id", req.ID),
		slog.String("sender_id", req.SenderID),
	)
	return req, nil
}

// ListSent は呼び出し元が送信したリクエストをcreated_at昇順で返す。
func (c *Coordinator) ListSent(ctx context.Context, callerID string) ([]*model.BondRequest, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	return c.ledger.ListBySender(ctx, callerID)
}

// ListReceived は呼び出し元のメールアドレス宛てのリクエストをcreated_at昇順で返す。
func (c *Coordinator) ListReceived(ctx context.Context, callerEmail string) ([]*model.BondRequest, error) {
	if callerEmail == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元のメールアドレスが特定できません")
	}
	return c.ledger.ListByReceiverEmail(ctx, callerEmail)
}

// AcceptRequest はリクエストを承認し、送信者と受信者をペアにする。
//
// 以下を1つのトランザクションで行う。いずれかが失敗した場合は何も書き込まれない。
//   - リクエストの pending → accepted 遷移
//   - 送信者の bonded_user_id を受信者に設定
//   - 受信者の bonded_user_id を送信者に設定
//
// 宛先メールアドレスの所有者のみが承認できる。それ以外の呼び出し元にはNOT_FOUNDを返す。
// 送信者・受信者のどちらかが既に別の相手とペアの場合はALREADY_BONDEDを返す。
func (c *Coordinator) AcceptRequest(ctx context.Context, callerID, requestID string) (*model.Pairing, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}

	var pairing *model.Pairing
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		p, err := c.accept(ctx, tx, callerID, requestID)
		if err != nil {
			return err
		}
		pairing = p
		return nil
	})
	if err != nil {
		err = model.AsStoreError(err)
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			c.metrics.RecordBondAcceptFailure(apiErr.Code)
		}
		if model.HasCode(err, model.ErrCodeStoreUnavailable) {
			slog.Error("bond accept failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	c.metrics.RecordBondAccepted()
	slog.Info("bond accepted",
		slog.String("request_id", pairing.Request.ID),
		slog.String("sender_id", pairing.Partner.ID),
		slog.String("receiver_id", pairing.Self.ID),
	)
	return pairing, nil
}

func (c *Coordinator) accept(ctx context.Context, tx repository.Tx, callerID, requestID string) (*model.Pairing, error) {
	ledger := c.ledger.InTx(tx)
	identities := tx.Identities()

	req, err := ledger.Find(ctx, requestID, true)
	if err != nil {
		return nil, err
	}

	receiver, err := resolveReceiver(ctx, identities, req.ReceiverEmail)
	if err != nil {
		return nil, err
	}
	if receiver.ID != callerID {
		return nil, model.NewNotFoundError("リクエスト", requestID)
	}
	if req.Status != model.BondStatusPending {
		return nil, model.NewInvalidStateError("リクエストは既に承認済みです")
	}

	sender, err := identities.FindByIDForUpdate(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, model.NewNotFoundError("送信者", req.SenderID)
	}
	if sender.IsBonded() && !sender.IsBondedTo(receiver.ID) {
		return nil, model.NewAlreadyBondedError(sender.ID)
	}
	if receiver.IsBonded() && !receiver.IsBondedTo(sender.ID) {
		return nil, model.NewAlreadyBondedError(receiver.ID)
	}

	accepted, err := ledger.MarkAccepted(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	at := c.now().UTC()
	if ok, err := identities.SetBondedUserID(ctx, sender.ID, receiver.ID, at); err != nil {
		return nil, err
	} else if !ok {
		return nil, model.NewAlreadyBondedError(sender.ID)
	}
	if ok, err := identities.SetBondedUserID(ctx, receiver.ID, sender.ID, at); err != nil {
		return nil, err
	} else if !ok {
		return nil, model.NewAlreadyBondedError(receiver.ID)
	}

	sender.BondedUserID = receiver.ID
	sender.UpdatedAt = at
	receiver.BondedUserID = sender.ID
	receiver.UpdatedAt = at

	return &model.Pairing{
		Request: *accepted,
		Self:    *receiver,
		Partner: *sender,
	}, nil
}

// resolveReceiver は宛先メールアドレスの所有者を1人に特定する。
func resolveReceiver(ctx context.Context, identities repository.IdentityRepository, email string) (*model.Identity, error) {
	matches, err := identities.ListByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, model.NewReceiverNotFoundError(email)
	case 1:
		return matches[0], nil
	default:
		return nil, model.NewAmbiguousReceiverError(email)
	}
}
