package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は利用者が入力する自由記述テキストのサニタイズ機能のインターフェースを定義する。
// 薬名、用量、警告文、監査ログの説明文を保存する前に使用される。
type TextSanitizerService interface {
	// Clean は全てのHTMLタグを除去したプレーンテキストを返す。
	// 実体参照は元の文字に戻し、前後の空白を除去する。
	// Clean(Clean(x)) == Clean(x)。
	Clean(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// maxCleanPasses はエスケープが入れ子になった入力に対するサニタイズの最大反復回数。
const maxCleanPasses = 8

// Clean はHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyは&や<をエスケープするため、保存用にアンエスケープする。
// アンエスケープで新たにタグが現れる場合（"&lt;b&gt;x" → "<b>x"）があるため、結果が変わらなくなるまで繰り返す。
func (s *textSanitizer) Clean(raw string) string {
	cleaned := raw
	for range maxCleanPasses {
		next := s.pass(cleaned)
		if next == cleaned {
			break
		}
		cleaned = next
	}
	return cleaned
}

func (s *textSanitizer) pass(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}
