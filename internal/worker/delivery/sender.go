package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hitoshi/puppybell/internal/model"
)

// 配信リクエストに付与するヘッダー
const (
	headerEvent      = "X-PuppyBell-Event"
	headerDeliveryID = "X-PuppyBell-Delivery"
	userAgent        = "PuppyBell-Webhook/1.0"
)

// WebhookSender はアウトボックス行のペイロードをWebhookにPOSTする。
type WebhookSender struct {
	client *http.Client
	url    string
}

// NewWebhookSender はWebhookSenderを生成する。
// 本番ではsecurity.WebhookGuardが生成したSSRF防止クライアントを渡す。
func NewWebhookSender(client *http.Client, url string) *WebhookSender {
	return &WebhookSender{client: client, url: url}
}

// Send はペイロードを送信し、HTTPステータスコードを返す。
// 接続エラー・タイムアウトの場合はerrを返す。
func (s *WebhookSender) Send(ctx context.Context, d *model.Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerEvent, string(d.Event))
	req.Header.Set(headerDeliveryID, d.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()
	// コネクション再利用のため読み捨てる
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}
