package simulate

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// listener 模拟服务的公共部分：接受连接、跟踪活动连接、关闭
type listener struct {
	name    string
	ln      net.Listener
	handle  func(net.Conn)
	stats   Stats
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closed  bool
	MaxConn int
}

// start 在 addr 上监听，addr 端口为 0 时随机分配
func (l *listener) start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("simulate %s listen %s: %w", l.name, addr, err)
	}
	l.ln = ln
	l.conns = make(map[net.Conn]struct{})
	logger.WithField("addr", ln.Addr().String()).Infof("Simulate: %s 模拟设备已启动", l.name)

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return
		}
		l.mu.Lock()
		if l.closed || (l.MaxConn > 0 && len(l.conns) >= l.MaxConn) {
			l.mu.Unlock()
			_ = conn.Close()
			continue
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.stats.active.Add(1)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.forget(conn)
			l.handle(conn)
		}()
	}
}

func (l *listener) forget(conn net.Conn) {
	_ = conn.Close()
	l.mu.Lock()
	if _, ok := l.conns[conn]; ok {
		delete(l.conns, conn)
		l.stats.active.Add(-1)
	}
	l.mu.Unlock()
}

// Addr 监听地址
func (l *listener) Addr() string {
	return l.ln.Addr().String()
}

// Port 监听端口
func (l *listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Stats 计数器
func (l *listener) Stats() *Stats {
	return &l.stats
}

// DropConnections 强制断开所有连接，模拟设备侧掉线
func (l *listener) DropConnections() {
	l.mu.Lock()
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		l.forget(c)
	}
}

// Close 停止监听并断开所有连接
func (l *listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	err := l.ln.Close()
	l.DropConnections()
	l.wg.Wait()
	return err
}
