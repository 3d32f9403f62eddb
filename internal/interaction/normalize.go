// Package interaction は薬の相互作用チェック機能を提供する。
// 薬名の正規化、ペア列挙、相互作用ソース（ローカルDB / RxNav）への問い合わせを含む。
package interaction

import "strings"

// Normalize は薬名を検索用の正規化キーに変換する。
// 前後の空白を除去して小文字化し、最初の空白区切りトークンのみを残す。
// 空文字列または空白のみの入力には空文字列を返す。空キーはどのレコードにも一致しない。
func Normalize(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// NormalizeAll は薬名リストを入力順のまま正規化する。
func NormalizeAll(names []string) []string {
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = Normalize(name)
	}
	return keys
}
