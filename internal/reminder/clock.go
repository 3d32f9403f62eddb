package reminder

import "time"

// Timer は停止可能なタイマー。
type Timer interface {
	Stop() bool
}

// Clock は現在時刻とタイマーを提供する。テスト時は偽の時計に差し替える。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock はtimeパッケージを使用するClockを返す。
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
