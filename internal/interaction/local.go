package interaction

import (
	"context"
	"fmt"

	"github.com/hitoshi/vitalog/internal/repository"
)

// SourceNameLocal はローカルDBソースの名前。
const SourceNameLocal = "local"

// LocalSource はinteraction_recordsテーブルを参照する相互作用ソース。
// ペアごとに1回のクエリを発行し、両キーが順不同・大文字小文字を区別せず完全一致するレコードを探す。
type LocalSource struct {
	repo repository.InteractionRecordRepository
}

// NewLocalSource はLocalSourceを生成する。
func NewLocalSource(repo repository.InteractionRecordRepository) *LocalSource {
	return &LocalSource{repo: repo}
}

// Name はソース名を返す。
func (s *LocalSource) Name() string {
	return SourceNameLocal
}

// FindWarnings はペアごとにレコードを検索し、見つかった警告をペア順に返す。
// DBエラーは即座に返す（呼び出し元でサーバーエラーとして扱う）。
func (s *LocalSource) FindWarnings(ctx context.Context, pairs []Pair) ([]string, error) {
	var warnings []string
	for _, p := range pairs {
		rec, err := s.repo.FindByPair(ctx, p.A, p.B)
		if err != nil {
			return nil, fmt.Errorf("相互作用レコードの検索に失敗しました (%s, %s): %w", p.A, p.B, err)
		}
		if rec != nil && rec.Warning != "" {
			warnings = append(warnings, rec.Warning)
		}
	}
	return warnings, nil
}
