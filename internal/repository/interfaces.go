// Package repository はデータ永続化のインターフェースを定義する。
//
// 見つからない場合は (nil, nil) を返す。条件付き更新は条件を満たさなかった場合に
// (false, nil) を返し、状態判定は呼び出し側のサービスが行う。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

// IdentityRepository はユーザープロフィールの永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByIDForUpdate はトランザクション内で行ロックを取得しつつユーザーを取得する。
	FindByIDForUpdate(ctx context.Context, id string) (*model.Identity, error)

	// ListByEmail はメールアドレスが一致するユーザーを全て返す。
	// 一意性は作成側の責務であり、ここでは件数をそのまま返す。
	ListByEmail(ctx context.Context, email string) ([]*model.Identity, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, identity *model.Identity) error

	// SetRole は役割が未設定の場合に限り役割を設定する。
	SetRole(ctx context.Context, id string, role model.Role, at time.Time) (bool, error)

	// SetBondedUserID はペア相手を設定する。
	// 未ペア、または既に同じ相手とペアの場合に限り更新する。
	SetBondedUserID(ctx context.Context, id, partnerID string, at time.Time) (bool, error)
}

// BondRequestRepository はペアリクエスト台帳の永続化インターフェース。
// レコードは削除しない（追記のみ）。
type BondRequestRepository interface {
	// FindByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BondRequest, error)

	// FindByIDForUpdate はトランザクション内で行ロックを取得しつつリクエストを取得する。
	FindByIDForUpdate(ctx context.Context, id string) (*model.BondRequest, error)

	// Create はリクエストを作成する。
	Create(ctx context.Context, req *model.BondRequest) error

	// ListBySenderID は送信者のリクエストをcreated_at昇順で返す。
	ListBySenderID(ctx context.Context, senderID string) ([]*model.BondRequest, error)

	// ListByReceiverEmail は宛先メールアドレスのリクエストをcreated_at昇順で返す。
	ListByReceiverEmail(ctx context.Context, email string) ([]*model.BondRequest, error)

	// UpdateStatus は現在の状態がfromの場合に限りtoへ更新する。
	UpdateStatus(ctx context.Context, id string, from, to model.BondStatus, at time.Time) (bool, error)
}

// InteractionRepository はインタラクションの永続化インターフェース。
type InteractionRepository interface {
	// FindByID は指定IDのインタラクションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Interaction, error)

	// Create は応答未設定のインタラクションを作成する。
	Create(ctx context.Context, interaction *model.Interaction) error

	// RecordResponse は応答が未記録の場合に限り応答を記録する。
	RecordResponse(ctx context.Context, id, responseType string, at time.Time, seconds int64) (bool, error)

	// ListByPair は2人の間のインタラクションを向きを問わずtimestamp降順で返す。
	ListByPair(ctx context.Context, userA, userB string, limit int) ([]*model.Interaction, error)

	// DeleteOlderThan はcutoffより古いインタラクションを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeliveryRepository はWebhook配信アウトボックスの永続化インターフェース。
type DeliveryRepository interface {
	// Create は配信待ちの行を作成する。
	Create(ctx context.Context, delivery *model.Delivery) error

	// ClaimDue はnext_attempt_at <= now の配信待ち行を最大limit件確保する。
	// 確保した行のnext_attempt_atはleaseUntilまで延長され、他のワーカーからは見えなくなる。
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*model.Delivery, error)

	// Update は配信結果（status、attempts、next_attempt_at、last_error）を保存する。
	Update(ctx context.Context, delivery *model.Delivery) error

	// DeleteFinishedBefore は配信済み・失敗の行のうちcutoffより前に更新されたものを削除する。
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Tx はトランザクション内で使用できるリポジトリ群。
type Tx interface {
	Identities() IdentityRepository
	BondRequests() BondRequestRepository
	Interactions() InteractionRepository
	Deliveries() DeliveryRepository
}

// Transactor はトランザクション境界を提供する。
// fnがエラーを返した場合は全ての書き込みを破棄し、そのエラーをそのまま返す。
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store はストア実装（PostgreSQL、SQLite、インメモリ）が満たすインターフェース。
type Store interface {
	Tx
	Transactor
	Sessions() SessionRepository
	PingContext(ctx context.Context) error
}

// DBTX は *sql.DB と *sql.Tx の共通部分。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
