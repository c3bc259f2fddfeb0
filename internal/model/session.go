package model

import (
	"time"
)

// Session 会话审计记录：连接建立时写入，断开或被清理时补全结束信息
type Session struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(64)"`
	ConnectionType string     `json:"connection_type" gorm:"type:varchar(16);not null;index"`
	Host           string     `json:"host" gorm:"type:varchar(128);not null;index"`
	Port           int        `json:"port" gorm:"not null"`
	Username       string     `json:"username" gorm:"type:varchar(64);not null"`
	DeviceType     string     `json:"device_type" gorm:"type:varchar(32)"`
	Version        string     `json:"version" gorm:"type:varchar(256)"`
	ConnectedAt    time.Time  `json:"connected_at"`
	ClosedAt       *time.Time `json:"closed_at"`
	CloseReason    string     `json:"close_reason" gorm:"type:varchar(32)"`
	Commands       int        `json:"commands" gorm:"not null;default:0"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Session) TableName() string {
	return "sessions"
}

// 会话事件类型
const (
	EventConnected     = "connected"
	EventCommand       = "command"
	EventCommandFailed = "command_failed"
	EventReconnected   = "reconnected"
	EventDisconnected  = "disconnected"
	EventEvicted       = "evicted"
)

// SessionEvent 会话事件日志
type SessionEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	SessionID string    `json:"session_id" gorm:"type:varchar(64);not null;index"`
	Kind      string    `json:"kind" gorm:"type:varchar(32);not null"`
	Command   string    `json:"command" gorm:"type:text"`
	Detail    string    `json:"detail" gorm:"type:text"`
	Duration  int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt time.Time `json:"created_at"`
}

// TableName 表名
func (SessionEvent) TableName() string {
	return "session_events"
}
