package terminal

import (
	"context"
	"time"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

// Driver 协议驱动：只负责建立连接，会话表由 Manager 统一持有
type Driver interface {
	Protocol() device.Protocol
	// Open 建立并认证连接；hint 为调用方已知的设备类型，可为 unknown
	Open(ctx context.Context, creds device.Credentials, hint device.Type) (device.Conn, error)
	// IdleTimeout 该协议会话的默认空闲超时
	IdleTimeout() time.Duration
}

// Prober 支持主动活性探测的连接
type Prober interface {
	CheckLiveness(ctx context.Context) error
}

// Reconnector 支持使用缓存凭据重连的连接
type Reconnector interface {
	Reconnect(ctx context.Context) error
	Reconnects() int
}

// SessionInfo 会话元数据
type SessionInfo struct {
	SessionID      string          `json:"session_id"`
	ConnectionType device.Protocol `json:"connection_type"`
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	Username       string          `json:"username"`
	DeviceType     device.Type     `json:"device_type"`
	Status         device.Status   `json:"status"`
	ConnectedAt    time.Time       `json:"connected_at"`
	LastActivity   time.Time       `json:"last_activity"`
	Active         bool            `json:"active"`
}

// ConnectRequest 连接请求
type ConnectRequest struct {
	ConnectionType device.Protocol `json:"connection_type" binding:"required"`
	Host           string          `json:"host" binding:"required"`
	Port           int             `json:"port"`
	Username       string          `json:"username" binding:"required"`
	Password       string          `json:"password"`
	// DeviceType 可选，已知设备类型时跳过识别
	DeviceType device.Type `json:"device_type"`
}

// ConnectResult 连接结果
type ConnectResult struct {
	Success    bool              `json:"success"`
	SessionID  string            `json:"session_id,omitempty"`
	Message    string            `json:"message"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
	Kind       device.Kind       `json:"error_kind,omitempty"`
}

// CommandResponse 命令执行结果快照
type CommandResponse struct {
	SessionID string      `json:"session_id"`
	Command   string      `json:"command"`
	Output    string      `json:"output"`
	IsError   bool        `json:"is_error"`
	Kind      device.Kind `json:"error_kind,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// DisconnectResult 断开结果
type DisconnectResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Kind    device.Kind `json:"error_kind,omitempty"`
}

// CleanupResult 空闲清理结果
type CleanupResult struct {
	CleanedCount int      `json:"cleaned_count"`
	SessionIDs   []string `json:"session_ids"`
}

// 事件类型
const (
	EventConnected     = "connected"
	EventCommand       = "command"
	EventCommandFailed = "command_failed"
	EventReconnected   = "reconnected"
	EventDisconnected  = "disconnected"
	EventEvicted       = "evicted"
)

// Event 会话生命周期事件
type Event struct {
	Kind       string
	Session    SessionInfo
	DeviceInfo map[string]string
	Command    string
	Detail     string
	Duration   time.Duration
	At         time.Time
}

// Recorder 会话事件审计
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Archiver 会话结束时归档交互记录
type Archiver interface {
	Archive(ctx context.Context, info SessionInfo, transcript []byte) error
}
