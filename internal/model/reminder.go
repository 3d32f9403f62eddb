package model

import "time"

// ReminderState はリマインダー発火時刻ごとの状態を表す。
// 遷移: armed → fired → delivered、または armed → cancelled。
// missed は再起動時に発火時刻を過ぎていた armed を表す。
type ReminderState string

const (
	ReminderStateArmed     ReminderState = "armed"
	ReminderStateFired     ReminderState = "fired"
	ReminderStateDelivered ReminderState = "delivered"
	ReminderStateCancelled ReminderState = "cancelled"
	ReminderStateMissed    ReminderState = "missed"
)

// ScheduledReminder は薬ごとの1回分の発火予定を表す。
// (MedicationID, FireAt) で一意になる。
type ScheduledReminder struct {
	MedicationID string
	FireAt       time.Time
	Slot         string
	State        ReminderState
	Title        string
	Body         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
