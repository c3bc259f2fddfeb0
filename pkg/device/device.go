package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Type 设备厂商类型
type Type string

const (
	TypeUnknown Type = "unknown"
	TypeHuawei  Type = "huawei"
	TypeCisco   Type = "cisco"
	TypeJuniper Type = "juniper"
	TypeH3C     Type = "h3c"
)

// ParseType 将外部传入的字符串转换为设备类型，无法识别时返回 unknown
func ParseType(s string) Type {
	switch Type(s) {
	case TypeHuawei, TypeCisco, TypeJuniper, TypeH3C:
		return Type(s)
	}
	return TypeUnknown
}

// Status 连接状态
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Protocol 连接协议
type Protocol string

const (
	ProtocolTelnet Protocol = "telnet"
	ProtocolSSH    Protocol = "ssh"
)

// DefaultPort 协议默认端口
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSSH:
		return 22
	case ProtocolTelnet:
		return 23
	}
	return 0
}

// Credentials 设备登录凭据，密码只保存在内存中
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Address host:port
func (c Credentials) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String 不输出密码
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Address())
}

// WithDefaultPort 端口为空时使用协议默认端口
func (c Credentials) WithDefaultPort(p Protocol) Credentials {
	if c.Port <= 0 {
		c.Port = p.DefaultPort()
	}
	return c
}

// DialFunc 建立原始字节流连接，超时由 ctx 控制，测试中可替换
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DefaultDial 使用 net.Dialer 拨号
func DefaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Conn 已建立的设备会话连接，由 Telnet 与 SSH 各自实现。
// 同一连接上的并发命令属于未定义行为，调用方需按会话串行调用
type Conn interface {
	Execute(ctx context.Context, command string) (string, error)
	Disconnect() error
	IsAlive() bool
	Status() Status
	DeviceType() Type
	// Info 连接建立时采集的设备信息（类型、提示符、版本等）
	Info() map[string]string
}
