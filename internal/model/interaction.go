package model

import "time"

// DefaultNotificationType は種別未指定時の通知種別。
const DefaultNotificationType = "ring"

// MaxLabelLength は通知種別・応答種別の最大文字数。
const MaxLabelLength = 64

// PresetResponses はクライアントが提示する定型の応答。
var PresetResponses = []string{"Coming!", "Wait a moment", "Cuddle"}

// Interaction はペア間の通知1件と、それに対する高々1回の応答を表す。
type Interaction struct {
	ID                  string
	PrimaryID           string
	SecondaryID         string
	Type                string
	Timestamp           time.Time
	ResponseType        *string
	ResponseTimestamp   *time.Time
	ResponseTimeSeconds *int64
}

// HasResponse は応答が記録済みかを返す。
func (i *Interaction) HasResponse() bool {
	return i.ResponseType != nil
}

// Involves は指定ユーザーが当事者かを返す。
func (i *Interaction) Involves(userID string) bool {
	return userID != "" && (i.PrimaryID == userID || i.SecondaryID == userID)
}

// ResponseSeconds は通知時刻から応答時刻までの経過秒数を返す。
// 時計の巻き戻りがあっても負にはならない。
func ResponseSeconds(notifiedAt, respondedAt time.Time) int64 {
	d := respondedAt.Sub(notifiedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// DeliveryStatus はプッシュ配信の状態を表す。
type DeliveryStatus string

const (
	// DeliveryStatusPending は配信待ち。
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusDelivered は配信済み。
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusFailed はリトライ上限到達または恒久エラー。
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// DeliveryEvent は配信イベントの種別。
type DeliveryEvent string

const (
	// DeliveryEventNotified は通知が記録されたことを表す。
	DeliveryEventNotified DeliveryEvent = "interaction.notified"
	// DeliveryEventResponded は応答が記録されたことを表す。
	DeliveryEventResponded DeliveryEvent = "interaction.responded"
)

// Delivery はWebhook配信のアウトボックス行を表す。
// インタラクションの書き込みと同一トランザクションで作成される。
type Delivery struct {
	ID            string
	InteractionID string
	Event         DeliveryEvent
	RecipientID   string
	Payload       []byte
	Status        DeliveryStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
