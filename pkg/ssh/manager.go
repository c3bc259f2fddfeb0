package ssh

import (
	"context"
	"time"

	"github.com/sshcollectorpro/devterm/pkg/credential"
	"github.com/sshcollectorpro/devterm/pkg/device"
)

// DefaultIdleTimeout SSH 会话默认空闲超时
const DefaultIdleTimeout = 600 * time.Second

// Manager SSH 协议驱动：负责建立连接，不持有会话表
type Manager struct {
	config Config
	vault  *credential.Vault
	idle   time.Duration
}

// Option Manager 选项
type Option func(*Manager)

// WithIdleTimeout 设置空闲超时
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithVault 使用共享的凭据保管器
func WithVault(v *credential.Vault) Option {
	return func(m *Manager) { m.vault = v }
}

// NewManager 创建 SSH 驱动
func NewManager(config Config, options ...Option) *Manager {
	m := &Manager{config: config.withDefaults(), idle: DefaultIdleTimeout}
	for _, o := range options {
		o(m)
	}
	if m.vault == nil {
		m.vault = credential.NewVault()
	}
	return m
}

func (m *Manager) Protocol() device.Protocol {
	return device.ProtocolSSH
}

func (m *Manager) IdleTimeout() time.Duration {
	return m.idle
}

// Open 建立 SSH 连接并打开交互式 Shell
func (m *Manager) Open(ctx context.Context, creds device.Credentials, hint device.Type) (device.Conn, error) {
	client := NewClient(m.config, m.vault)
	if err := client.Connect(ctx, ConnectionInfo{Credentials: creds, DeviceType: hint}); err != nil {
		return nil, err
	}
	return client, nil
}
