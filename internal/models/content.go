package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Content is a piece of user-authored material a publication points at.
type Content struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string    `gorm:"size:191;not null;index" json:"owner_id"`
	Title     string    `gorm:"size:500" json:"title"`
	Text      string    `gorm:"type:text" json:"text"`
	MediaURL  string    `gorm:"size:1000" json:"media_url"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *Content) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// PlatformToken is an OAuth token a user granted for one provider.
type PlatformToken struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	OwnerID      string     `gorm:"size:191;not null;uniqueIndex:idx_token_owner_provider" json:"owner_id"`
	Provider     string     `gorm:"size:50;not null;uniqueIndex:idx_token_owner_provider" json:"provider"`
	AccessToken  string     `gorm:"type:text;not null" json:"-"`
	RefreshToken string     `gorm:"type:text" json:"-"`
	ExpiresAt    *time.Time `json:"expires_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
