package model

import "time"

// BondStatus はペアリクエストの状態を表す。
// pending → accepted の一方向にのみ遷移する。
type BondStatus string

const (
	// BondStatusPending は承認待ち（初期状態）。
	BondStatusPending BondStatus = "pending"
	// BondStatusAccepted は承認済み（終端状態）。
	BondStatusAccepted BondStatus = "accepted"
)

// CanTransitionTo は次の状態へ遷移可能かを返す。
func (s BondStatus) CanTransitionTo(next BondStatus) bool {
	return s == BondStatusPending && next == BondStatusAccepted
}

// BondRequest はペアの申し込み1件を表す。
// 宛先はユーザーIDではなくメールアドレスで保持し、承認時に解決する。
type BondRequest struct {
	ID            string
	SenderID      string
	SenderRole    Role // 送信時点の役割のコピー
	ReceiverEmail string
	Status        BondStatus
	CreatedAt     time.Time
	AcceptedAt    *time.Time
}

// Pairing は承認成功時に呼び出し元へ返すペアの情報。
type Pairing struct {
	Request BondRequest
	Self    Identity
	Partner Identity
}
