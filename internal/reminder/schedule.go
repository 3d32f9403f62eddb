// Package reminder は服薬リマインダーのスケジュール計算と発火管理を提供する。
package reminder

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"
)

// doseKeyDateLayout は服薬記録キーの日付部分のレイアウト。
const doseKeyDateLayout = "2006-01-02"

// FireInstant はリマインダーの1回分の発火時刻とその元になったスケジュール枠を表す。
type FireInstant struct {
	At   time.Time
	Slot string // 正規化済みの "HH:MM"
}

// ParseSlot は時刻文字列を検証し、"HH:MM"形式に正規化して返す。
// 時は1桁でも受け付ける（"8:00" → "08:00"）。不正な場合はfalseを返す。
func ParseSlot(s string) (string, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return t.Format("15:04"), true
}

// ParseExpiration は有効期限の文字列を解釈する。
// RFC3339はその時刻のまま、"YYYY-MM-DD" はlocでの翌日0時とする（その日の服用分までを含む）。
// 空文字はnil（期限なし）を返す。
func ParseExpiration(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("有効期限の形式が不正です: %q", raw)
	}
	end := day.AddDate(0, 0, 1)
	return &end, nil
}

// FireInstants はスケジュールと有効期限から今後の発火時刻を計算する。
// 各スケジュール枠について、from以降で最初に訪れる時刻を返す（当日の時刻を過ぎていれば翌日）。
// 有効期限以降の時刻と不正な枠は除外し、重複した枠は1つにまとめる。発火時刻の昇順に返す。
// 返すシーケンスはrangeのたびに再計算される。
func FireInstants(schedules []string, expiration *time.Time, from time.Time, loc *time.Location) iter.Seq[FireInstant] {
	return func(yield func(FireInstant) bool) {
		for _, inst := range computeInstants(schedules, expiration, from, loc) {
			if !yield(inst) {
				return
			}
		}
	}
}

func computeInstants(schedules []string, expiration *time.Time, from time.Time, loc *time.Location) []FireInstant {
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)

	seen := make(map[string]bool, len(schedules))
	instants := make([]FireInstant, 0, len(schedules))
	for _, raw := range schedules {
		slot, ok := ParseSlot(raw)
		if !ok || seen[slot] {
			continue
		}
		seen[slot] = true

		at := nextOccurrence(slot, local, loc)
		if expiration != nil && !at.Before(*expiration) {
			continue
		}
		instants = append(instants, FireInstant{At: at, Slot: slot})
	}

	slices.SortFunc(instants, func(a, b FireInstant) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.Slot, b.Slot)
	})
	return instants
}

// nextOccurrence はlocal以降で最初に訪れるslotの時刻を返す。
func nextOccurrence(slot string, local time.Time, loc *time.Location) time.Time {
	t, _ := time.Parse("15:04", slot)
	at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if at.Before(local) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, t.Hour(), t.Minute(), 0, 0, loc)
	}
	return at
}

// DoseKey は服薬記録（dosesTaken）のキー "YYYY-MM-DD_HH:MM" を返す。
// 日付はlocでの発火時刻の日付。
func DoseKey(at time.Time, slot string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format(doseKeyDateLayout) + "_" + slot
}

// ParseDoseDate は服薬確認で指定される日付 "YYYY-MM-DD" を検証する。
func ParseDoseDate(s string) (string, bool) {
	t, err := time.Parse(doseKeyDateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return t.Format(doseKeyDateLayout), true
}
