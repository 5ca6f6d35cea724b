package models

import "time"

type JobKind string

const (
	JobOnce      JobKind = "once"
	JobRecurring JobKind = "recurring"
)

// ScheduledJob is the durable form of a scheduler entry.
type ScheduledJob struct {
	JobKey    string    `gorm:"primaryKey;size:191" json:"job_key"`
	Handler   string    `gorm:"size:100;not null" json:"handler"`
	Kind      JobKind   `gorm:"size:20;not null" json:"kind"`
	Spec      string    `gorm:"size:100" json:"spec"`
	RunAt     time.Time `gorm:"not null;index" json:"run_at"`
	Args      string    `gorm:"type:text" json:"args"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
