package telnet

import (
	"sync"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

// Constructor 创建指定类型设备的 Telnet 连接
type Constructor func(creds device.Credentials, opts Options) Connection

// Registry 设备类型到连接构造器的映射，未注册的类型使用通用实现
type Registry struct {
	mu       sync.RWMutex
	ctors    map[device.Type]Constructor
	fallback Constructor
}

// NewRegistry 创建注册表，内置华为特化实现
func NewRegistry() *Registry {
	r := &Registry{
		ctors:    make(map[device.Type]Constructor),
		fallback: NewConn,
	}
	r.Register(device.TypeHuawei, NewHuaweiConn)
	return r
}

// Register 注册或覆盖设备类型的构造器
func (r *Registry) Register(t device.Type, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[t] = ctor
}

// Lookup 获取设备类型的构造器，不存在则返回通用构造器
func (r *Registry) Lookup(t device.Type) Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.ctors[t]; ok {
		return c
	}
	return r.fallback
}

// Specialized 设备类型是否有专用实现
func (r *Registry) Specialized(t device.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[t]
	return ok
}
