package interaction

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/vitalog/internal/metrics"
)

// ErrRemoteUnavailable は外部相互作用サービスが利用できないことを表す。
// Resolverはこのエラーを相互作用なしの結果に変換する。
var ErrRemoteUnavailable = errors.New("remote interaction service unavailable")

// Source は相互作用の知識を提供するソースのインターフェース。
// ローカルDBとRxNavの2つの実装があり、設定で切り替える。
type Source interface {
	// Name はメトリクスとログに使用するソース名を返す。
	Name() string

	// FindWarnings はペア群に該当する警告文を見つかった順に返す。重複を含んでもよい。
	FindWarnings(ctx context.Context, pairs []Pair) ([]string, error)
}

// Result は相互作用チェックの結果。
type Result struct {
	HasInteraction bool     `json:"hasInteraction"`
	Warnings       []string `json:"warnings"`
}

// emptyResult は相互作用なしの結果を返す。Warningsはnilではなく空スライス。
func emptyResult() Result {
	return Result{HasInteraction: false, Warnings: []string{}}
}

// Resolver はペア群を相互作用ソースに問い合わせ、警告を重複なく集約する。
type Resolver struct {
	source  Source
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewResolver はResolverを生成する。
func NewResolver(source Source, m metrics.MetricsCollector, logger *slog.Logger) *Resolver {
	return &Resolver{
		source:  source,
		metrics: m,
		logger:  logger,
	}
}

// Resolve はペア群の相互作用を解決する。
// 警告は最初に現れた順を保った重複なしの集合で、HasInteractionは警告が1件以上のときtrue。
// ソースがErrRemoteUnavailableを返した場合は警告ログを出力して空の結果を返す。
// それ以外のソースのエラーは呼び出し元に返す。
func (r *Resolver) Resolve(ctx context.Context, pairs []Pair) (Result, error) {
	eligible := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if p.eligible() {
			eligible = append(eligible, p)
		}
	}

	if len(eligible) == 0 {
		r.metrics.RecordInteractionCheck(r.source.Name(), metrics.OutcomeNone)
		return emptyResult(), nil
	}

	found, err := r.source.FindWarnings(ctx, eligible)
	if err != nil {
		if errors.Is(err, ErrRemoteUnavailable) {
			r.logger.Warn("外部相互作用サービスが利用できないため相互作用なしとして扱います",
				slog.String("source", r.source.Name()),
				slog.Int("pair_count", len(eligible)),
				slog.String("error", err.Error()),
			)
			r.metrics.RecordInteractionCheck(r.source.Name(), metrics.OutcomeFailOpen)
			return emptyResult(), nil
		}
		return Result{}, err
	}

	result := emptyResult()
	seen := make(map[string]bool, len(found))
	for _, w := range found {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		result.Warnings = append(result.Warnings, w)
	}
	result.HasInteraction = len(result.Warnings) > 0

	outcome := metrics.OutcomeNone
	if result.HasInteraction {
		outcome = metrics.OutcomeMatch
	}
	r.metrics.RecordInteractionCheck(r.source.Name(), outcome)

	return result, nil
}
