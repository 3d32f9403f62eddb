package interaction

// Pair は相互作用を問い合わせる正規化キーの組。
type Pair struct {
	A string
	B string
}

// EnumeratePairs はi < jとなる全ての(keys[i], keys[j])をインデックスの昇順で返す。
// 要素数nに対してn(n-1)/2件を返し、自分自身との組は含まない。
// nが2未満の場合は空スライスを返す。
func EnumeratePairs(keys []string) []Pair {
	n := len(keys)
	if n < 2 {
		return []Pair{}
	}
	pairs := make([]Pair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, Pair{A: keys[i], B: keys[j]})
		}
	}
	return pairs
}

// eligible はペアを相互作用ソースへ問い合わせてよいかを返す。
// 空キーを含むペアと同一キー同士のペアは対象外。
func (p Pair) eligible() bool {
	return p.A != "" && p.B != "" && p.A != p.B
}
