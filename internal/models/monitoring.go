package models

import (
	"time"
)

// ErrorLog 错误日志表
type ErrorLog struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Level         string     `gorm:"size:20;not null;index" json:"level"`     // ERROR, WARN, INFO
	Source        string     `gorm:"size:100;not null;index" json:"source"`   // publication, scheduler, metrics
	PlatformName  string     `gorm:"size:100;index" json:"platform_name"`     // 平台名称
	PublicationID *string    `gorm:"size:36;index" json:"publication_id"`     // 相关的发布记录
	Title         string     `gorm:"size:500;not null" json:"title"`          // 错误标题
	Message       string     `gorm:"type:text;not null" json:"message"`       // 错误信息
	StackTrace    string     `gorm:"type:text" json:"stack_trace"`            // 堆栈信息
	Context       string     `gorm:"type:jsonb" json:"context"`               // 额外上下文信息
	Resolved      bool       `gorm:"default:false;index" json:"resolved"`     // 是否已解决
	ResolvedAt    *time.Time `json:"resolved_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MetricsSample 指标采样数据
type MetricsSample struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MetricName string    `gorm:"size:100;not null;index" json:"metric_name"` // 指标名称
	MetricType string    `gorm:"size:50;not null" json:"metric_type"`        // gauge, counter, histogram
	Value      float64   `gorm:"not null" json:"value"`                      // 指标值
	Tags       string    `gorm:"type:jsonb" json:"tags"`                     // 标签信息
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`            // 采样时间戳
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PublicationStats 发布统计 (仪表板使用)
type PublicationStats struct {
	Total           int64            `json:"total"`
	ByStatus        map[Status]int64 `json:"by_status"`
	CreatedThisWeek int64            `json:"created_this_week"`
	Upcoming        int64            `json:"upcoming"`
	Latest          []Publication    `json:"latest"`
}
