package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/vitalog/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// DefaultRxNavBaseURL はNLM RxNav REST APIのベースURL。
	DefaultRxNavBaseURL = "https://rxnav.nlm.nih.gov"
	// SourceNameRemote はRxNavソースの名前。
	SourceNameRemote = "remote"
	// maxResponseBytes はRxNavレスポンスの最大読み取りサイズ。
	maxResponseBytes = 2 << 20
)

// RxNavClient はRxNav REST APIのクライアント。
// 呼び出し間隔をレートリミッターで制御し、連続エラー時は一定時間呼び出しを停止する。
type RxNavClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	limiter    *rate.Limiter

	mu                sync.Mutex
	consecutiveErrors int
	backoffUntil      time.Time
	now               func() time.Time // テスト用に差し替え可能
}

// NewRxNavClient はRxNavClientの新しいインスタンスを生成する。
// minIntervalはAPI呼び出しの最低間隔。0以下の場合は制限しない。
func NewRxNavClient(httpClient *http.Client, logger *slog.Logger, baseURL string, minInterval time.Duration) *RxNavClient {
	if baseURL == "" {
		baseURL = DefaultRxNavBaseURL
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RxNavClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}
}

// rxcuiResponse は /REST/rxcui.json のレスポンス。
type rxcuiResponse struct {
	IDGroup struct {
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

// interactionListResponse は /REST/interaction/list.json のレスポンス。
type interactionListResponse struct {
	FullInteractionTypeGroup []struct {
		FullInteractionType []struct {
			InteractionPair []struct {
				Description string `json:"description"`
			} `json:"interactionPair"`
		} `json:"fullInteractionType"`
	} `json:"fullInteractionTypeGroup"`
}

// ResolveCode は薬名をRxNormコード（RxCUI）に変換する。
// 該当するコードがない場合は空文字列を返す。
func (c *RxNavClient) ResolveCode(ctx context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("name", name)

	var resp rxcuiResponse
	if err := c.getJSON(ctx, "/REST/rxcui.json", q, &resp); err != nil {
		return "", err
	}
	if len(resp.IDGroup.RxNormID) == 0 {
		return "", nil
	}
	return resp.IDGroup.RxNormID[0], nil
}

// QueryInteractions は複数のRxCUI間の相互作用を一括で問い合わせ、説明文をレスポンス順に返す。
func (c *RxNavClient) QueryInteractions(ctx context.Context, codes []string) ([]string, error) {
	q := url.Values{}
	q.Set("rxcuis", strings.Join(codes, " "))

	var resp interactionListResponse
	if err := c.getJSON(ctx, "/REST/interaction/list.json", q, &resp); err != nil {
		return nil, err
	}

	var descriptions []string
	for _, group := range resp.FullInteractionTypeGroup {
		for _, typ := range group.FullInteractionType {
			for _, pair := range typ.InteractionPair {
				if pair.Description != "" {
					descriptions = append(descriptions, pair.Description)
				}
			}
		}
	}
	return descriptions, nil
}

// getJSON はRxNav APIにGETリクエストを送信してJSONをデコードする。
func (c *RxNavClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if until, ok := c.inBackoff(); ok {
		return fmt.Errorf("RxNav呼び出しはバックオフ中です（%sまで）", until.Format(time.RFC3339))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("RxNav呼び出しの待機に失敗しました: %w", err)
	}

	err := c.doGetJSON(ctx, path, query, out)
	c.recordResult(err)
	return err
}

func (c *RxNavClient) doGetJSON(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "VitaLog/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("RxNav APIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("RxNav APIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("RxNav APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("RxNav APIのレスポンスのパースに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// inBackoff はバックオフ中であればその終了時刻とtrueを返す。
func (c *RxNavClient) inBackoff() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.backoffUntil.IsZero() && c.now().Before(c.backoffUntil) {
		return c.backoffUntil, true
	}
	return time.Time{}, false
}

// recordResult は呼び出し結果に応じて連続エラー数とバックオフを更新する。
func (c *RxNavClient) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.consecutiveErrors = 0
		c.backoffUntil = time.Time{}
		return
	}

	c.consecutiveErrors++
	if backoff := calculateErrorBackoff(c.consecutiveErrors); backoff > 0 {
		c.backoffUntil = c.now().Add(backoff)
		c.logger.Warn("連続エラーによりRxNav呼び出しにバックオフを適用します",
			slog.Int("consecutive_errors", c.consecutiveErrors),
			slog.Duration("backoff_duration", backoff),
		)
	}
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30秒、5回連続: 2分、10回連続: 10分。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 10 * time.Minute
	case consecutiveErrors >= 5:
		return 2 * time.Minute
	case consecutiveErrors >= 3:
		return 30 * time.Second
	default:
		return 0
	}
}

// CodeResolver は薬名のコード変換と相互作用の一括問い合わせを行う外部サービスのインターフェース。
// テスト時にモックに差し替え可能。
type CodeResolver interface {
	ResolveCode(ctx context.Context, name string) (string, error)
	QueryInteractions(ctx context.Context, codes []string) ([]string, error)
}

// RemoteSource はRxNavを参照する相互作用ソース。
// ペアに含まれる各キーをコードに変換し、解決できたコード全体で1回だけ相互作用を問い合わせる。
type RemoteSource struct {
	client  CodeResolver
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewRemoteSource はRemoteSourceを生成する。
func NewRemoteSource(client CodeResolver, m metrics.MetricsCollector, logger *slog.Logger) *RemoteSource {
	return &RemoteSource{
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

// Name はソース名を返す。
func (s *RemoteSource) Name() string {
	return SourceNameRemote
}

// FindWarnings はペア群に含まれるキーをコードに変換し、相互作用の説明文を返す。
// コードに変換できないキーは除外する。解決できたコードが2件未満の場合は空を返す。
// 外部サービスのエラーはErrRemoteUnavailableでラップして返す。
func (s *RemoteSource) FindWarnings(ctx context.Context, pairs []Pair) ([]string, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordRemoteLatency(time.Since(start))
	}()

	var keys []string
	seenKeys := make(map[string]bool)
	for _, p := range pairs {
		for _, k := range []string{p.A, p.B} {
			if k != "" && !seenKeys[k] {
				seenKeys[k] = true
				keys = append(keys, k)
			}
		}
	}

	var codes []string
	seenCodes := make(map[string]bool)
	for _, key := range keys {
		code, err := s.client.ResolveCode(ctx, key)
		if err != nil {
			s.metrics.RecordRemoteFailure(SourceNameRemote)
			return nil, fmt.Errorf("%w: 薬名 %q のコード変換に失敗しました: %w", ErrRemoteUnavailable, key, err)
		}
		if code == "" {
			s.logger.Debug("RxNormコードが見つからない薬名を除外します", slog.String("name", key))
			continue
		}
		if !seenCodes[code] {
			seenCodes[code] = true
			codes = append(codes, code)
		}
	}

	if len(codes) < 2 {
		return nil, nil
	}

	descriptions, err := s.client.QueryInteractions(ctx, codes)
	if err != nil {
		s.metrics.RecordRemoteFailure(SourceNameRemote)
		return nil, fmt.Errorf("%w: 相互作用の問い合わせに失敗しました: %w", ErrRemoteUnavailable, err)
	}
	return descriptions, nil
}
