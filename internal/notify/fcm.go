// Package notify はプッシュ通知の送信機能を提供する。
// FCM（Firebase Cloud Messaging）のレガシーHTTP APIクライアントと、
// サーバーキー未設定時にログ出力のみを行うシンクを含む。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// DefaultFCMEndpoint はFCMレガシー送信APIのエンドポイント。
	DefaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

	// alarmURL は通知タップ時に開くクライアント側のパス。
	alarmURL = "/alarm"
	// notificationIcon は通知に表示するアイコンのパス。
	notificationIcon = "/icons/favicon.png"

	// maxResponseBytes はFCMレスポンスの最大読み取りサイズ。
	maxResponseBytes = 64 * 1024
)

// vibratePattern は通知受信時のバイブレーションパターン（ミリ秒）。
var vibratePattern = []int{300, 200, 300, 200, 300}

// ErrTokenRejected はFCMがデバイストークンへの配信を拒否したことを示す。
var ErrTokenRejected = errors.New("FCMがデバイストークンへの配信を拒否しました")

// fcmMessage はFCMレガシーAPIのリクエストボディ。
type fcmMessage struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmNotification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate"`
}

// fcmResponse はFCMレガシーAPIのレスポンスボディ。
type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// FCMClient はFCMレガシーHTTP APIのクライアント。
type FCMClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	serverKey  string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewFCMClient はFCMClientの新しいインスタンスを生成する。
// endpointが空の場合はDefaultFCMEndpointを使用する。
func NewFCMClient(httpClient *http.Client, logger *slog.Logger, serverKey, endpoint string) *FCMClient {
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}
	return &FCMClient{
		httpClient: httpClient,
		logger:     logger,
		serverKey:  serverKey,
		endpoint:   endpoint,
	}
}

// Send は指定デバイストークンへ通知を1件送信する。
// 再送は行わない。FCMが配信失敗を返した場合は ErrTokenRejected をラップして返す。
func (c *FCMClient) Send(ctx context.Context, token, title, body string) error {
	if token == "" {
		return fmt.Errorf("%w: トークンが空です", ErrTokenRejected)
	}

	payload, err := json.Marshal(fcmMessage{
		To: token,
		Notification: fcmNotification{
			Title:   title,
			Body:    body,
			Icon:    notificationIcon,
			Badge:   notificationIcon,
			Vibrate: vibratePattern,
		},
		Data: map[string]string{"url": alarmURL},
	})
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.serverKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("FCM APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("FCM APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("FCM APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("FCM APIがステータス %d を返しました", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result fcmResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("FCMレスポンスJSONのパースに失敗しました: %w", err)
	}

	if result.Failure > 0 {
		reason := "unknown"
		if len(result.Results) > 0 && result.Results[0].Error != "" {
			reason = result.Results[0].Error
		}
		return fmt.Errorf("%w: %s", ErrTokenRejected, reason)
	}

	c.logger.Debug("FCM通知を送信しました",
		slog.Int("success", result.Success),
	)
	return nil
}

// LogSink はサーバーキー未設定時に使用するシンク。通知内容をログ出力のみ行う。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink はLogSinkの新しいインスタンスを生成する。
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send は通知内容をInfoレベルでログ出力する。常に成功する。
func (s *LogSink) Send(_ context.Context, token, title, body string) error {
	s.logger.Info("プッシュ通知（未送信: FCMサーバーキー未設定）",
		slog.String("token_suffix", tokenSuffix(token)),
		slog.String("title", title),
		slog.String("body", body),
	)
	return nil
}

// tokenSuffix はログ用にトークン末尾のみを返す。
func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return "..." + token[len(token)-6:]
}
