package telnet

import (
	"context"
	"time"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

// DefaultIdleTimeout Telnet 会话默认空闲超时
const DefaultIdleTimeout = 7200 * time.Second

// Manager Telnet 协议驱动：负责建立连接，不持有会话表
type Manager struct {
	opts     Options
	registry *Registry
	racer    *Racer
	idle     time.Duration
}

// Option Manager 选项
type Option func(*Manager)

// WithRegistry 使用自定义的厂商注册表
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithRacer 使用自定义的策略竞速器
func WithRacer(r *Racer) Option {
	return func(m *Manager) { m.racer = r }
}

// WithIdleTimeout 设置空闲超时
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// NewManager 创建 Telnet 驱动
func NewManager(opts Options, options ...Option) *Manager {
	m := &Manager{
		opts:     opts.withDefaults(),
		registry: NewRegistry(),
		idle:     DefaultIdleTimeout,
	}
	for _, o := range options {
		o(m)
	}
	if m.racer == nil {
		m.racer = &Racer{
			Strategies: DefaultStrategies(m.opts, m.registry),
			Fallback:   DefaultFallback(m.opts, m.registry),
		}
	}
	return m
}

// Protocol 协议名
func (m *Manager) Protocol() device.Protocol {
	return device.ProtocolTelnet
}

// IdleTimeout 空闲超时
func (m *Manager) IdleTimeout() time.Duration {
	return m.idle
}

// Open 建立连接：指定了有专用实现的设备类型时直接使用该实现，否则进行策略竞速
func (m *Manager) Open(ctx context.Context, creds device.Credentials, hint device.Type) (device.Conn, error) {
	creds = creds.WithDefaultPort(device.ProtocolTelnet)
	if hint != device.TypeUnknown && m.registry.Specialized(hint) {
		conn := m.registry.Lookup(hint)(creds, m.opts)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, _, err := m.racer.Race(ctx, creds)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
