package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusDeleted   Status = "deleted"
)

// failed -> published happens only through the retry path. An explicit
// delete still removes a cancelled record from the active view.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusPublished, StatusScheduled, StatusFailed, StatusDeleted},
	StatusScheduled: {StatusPublished, StatusFailed, StatusScheduled, StatusCancelled, StatusDeleted},
	StatusFailed:    {StatusPublished, StatusDeleted},
	StatusPublished: {StatusDeleted},
	StatusCancelled: {StatusDeleted},
}

// CanTransition reports whether a record in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the record can no longer be sent, retried or rescheduled.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDeleted
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPublished, StatusFailed, StatusCancelled, StatusDeleted:
		return true
	}
	return false
}

// Metrics holds the latest engagement counters fetched from the platform.
type Metrics struct {
	Views  int64 `gorm:"default:0" json:"views"`
	Likes  int64 `gorm:"default:0" json:"likes"`
	Shares int64 `gorm:"default:0" json:"shares"`
}

// SendParameters is the per-attempt delivery payload stored as JSON.
type SendParameters struct {
	// Message and MediaURL override the referenced content when set.
	Message  string `json:"message,omitempty"`
	MediaURL string `json:"media_url,omitempty"`

	// Snapshot of what the last attempt actually sent.
	Text  string `json:"text,omitempty"`
	Media string `json:"media,omitempty"`

	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	APIResponse   string     `json:"api_response,omitempty"`
	MediaWarning  string     `json:"media_warning,omitempty"`
	ExecutedBy    string     `json:"executed_by,omitempty"`
}

func (p SendParameters) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *SendParameters) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*p = SendParameters{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SendParameters", value)
	}
	if len(raw) == 0 {
		*p = SendParameters{}
		return nil
	}
	return json.Unmarshal(raw, p)
}

type Publication struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	OwnerID        string         `gorm:"size:191;not null;index" json:"owner_id"`
	ContentRef     string         `gorm:"size:191;not null" json:"content_ref"`
	Title          string         `gorm:"size:500" json:"title"`
	Platform       string         `gorm:"size:50;not null;index" json:"platform"`
	Status         Status         `gorm:"size:20;not null;index;default:'draft'" json:"status"`
	ScheduledAt    *time.Time     `gorm:"index" json:"scheduled_at"`
	PublishedAt    *time.Time     `gorm:"index" json:"published_at"`
	ExternalID     *string        `gorm:"size:191" json:"external_id"`
	ExternalURL    *string        `gorm:"size:500" json:"external_url"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message"`
	SendParameters SendParameters `gorm:"type:jsonb" json:"send_parameters"`

	Metrics          Metrics    `gorm:"embedded" json:"metrics"`
	MetricsUpdatedAt *time.Time `json:"metrics_updated_at"`

	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

func (p *Publication) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	return nil
}
