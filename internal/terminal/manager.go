package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/devterm/pkg/credential"
	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

const (
	DefaultMaxSessions       = 100
	DefaultSweepInterval     = 300 * time.Second
	DefaultKeepAliveInterval = 60 * time.Second
	DefaultKeepAliveIdle     = 120 * time.Second
	defaultWorkers           = 8
	// maxTranscript 单个会话保留的交互记录上限，超出后丢弃最早的内容
	maxTranscript = 1 << 20
)

// 清理原因
const (
	reasonDisconnected = "disconnected"
	reasonIdle         = "idle"
	reasonDead         = "dead"
	reasonTransport    = "transport_error"
	reasonShutdown     = "shutdown"
)

type entry struct {
	info       SessionInfo
	conn       device.Conn
	driver     Driver
	transcript bytes.Buffer
	// busy 进行中的命令数，受 Manager.mu 保护。busy 大于 0 的会话不参与清理与保活
	busy int
	// io 串行化连接上的读写，命令与保活探测不会交错
	io sync.Mutex
}

// Manager 终端会话管理器：按连接类型分发到协议驱动，并持有唯一的会话表。
// 同一会话上的命令按到达顺序串行执行，命令进行中的会话不会被清理或保活探测打断
type Manager struct {
	drivers map[device.Protocol]Driver

	mu       sync.RWMutex
	sessions map[string]*entry
	pending  int
	sweeping bool
	closed   bool

	now               func() time.Time
	maxSessions       int
	idleThreshold     time.Duration
	sweepInterval     time.Duration
	keepAliveInterval time.Duration
	keepAliveIdle     time.Duration
	workers           int
	recorder          Recorder
	archiver          Archiver

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option Manager 选项
type Option func(*Manager)

// WithClock 注入时钟，测试中用于模拟时间流逝
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxSessions 最大会话数，0 表示不限制
func WithMaxSessions(n int) Option {
	return func(m *Manager) { m.maxSessions = n }
}

// WithIdleThreshold 后台清理使用的空闲阈值，0 表示各协议自身的空闲超时
func WithIdleThreshold(d time.Duration) Option {
	return func(m *Manager) { m.idleThreshold = d }
}

// WithSweepInterval 后台清理周期，0 表示关闭后台清理
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithKeepAlive 保活探测周期与空闲门限
func WithKeepAlive(interval, idle time.Duration) Option {
	return func(m *Manager) {
		m.keepAliveInterval = interval
		m.keepAliveIdle = idle
	}
}

// WithWorkers 清理与探测的并发数
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithRecorder 会话事件审计
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithArchiver 会话记录归档
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// New 创建终端会话管理器
func New(drivers []Driver, opts ...Option) *Manager {
	m := &Manager{
		drivers:           make(map[device.Protocol]Driver, len(drivers)),
		sessions:          make(map[string]*entry),
		now:               time.Now,
		maxSessions:       DefaultMaxSessions,
		sweepInterval:     DefaultSweepInterval,
		keepAliveInterval: DefaultKeepAliveInterval,
		keepAliveIdle:     DefaultKeepAliveIdle,
		workers:           defaultWorkers,
		stop:              make(chan struct{}),
	}
	for _, d := range drivers {
		m.drivers[d.Protocol()] = d
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetMaxSessions 运行期调整会话上限，已建立的会话不受影响
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	m.maxSessions = n
	m.mu.Unlock()
}

// Connect 建立会话。所有预期内的失败都通过结果返回
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) ConnectResult {
	driver, ok := m.drivers[req.ConnectionType]
	if !ok {
		return ConnectResult{Message: fmt.Sprintf("unsupported connection type %q", req.ConnectionType)}
	}
	if req.Host == "" || req.Username == "" {
		return ConnectResult{Message: "host and username are required"}
	}
	creds := device.Credentials{Host: req.Host, Port: req.Port, Username: req.Username, Password: req.Password}.
		WithDefaultPort(req.ConnectionType)
	hint := req.DeviceType
	if hint == "" {
		hint = device.TypeUnknown
	}
	log := logger.WithDevice(string(req.ConnectionType), creds.Address()).WithFields(logrus.Fields{
		"username": creds.Username,
		"password": credential.Mask(creds.Password),
	})

	if err := m.reserve(); err != nil {
		log.WithError(err).Warn("会话数已达上限")
		return ConnectResult{Message: err.Error(), Kind: device.KindOf(err)}
	}
	conn, err := driver.Open(ctx, creds, hint)
	if err != nil {
		m.release()
		log.WithError(err).Warn("连接失败")
		return ConnectResult{Message: err.Error(), Kind: device.KindOf(err)}
	}

	now := m.now()
	e := &entry{
		conn:   conn,
		driver: driver,
		info: SessionInfo{
			SessionID:      uuid.NewString(),
			ConnectionType: req.ConnectionType,
			Host:           creds.Host,
			Port:           creds.Port,
			Username:       creds.Username,
			DeviceType:     conn.DeviceType(),
			Status:         conn.Status(),
			ConnectedAt:    now,
			LastActivity:   now,
			Active:         true,
		},
	}
	m.mu.Lock()
	m.pending--
	if m.closed {
		m.mu.Unlock()
		_ = conn.Disconnect()
		return ConnectResult{Message: "manager closed", Kind: device.KindTransport}
	}
	m.sessions[e.info.SessionID] = e
	m.ensureSweeper()
	m.mu.Unlock()

	details := conn.Info()
	log.WithFields(logrus.Fields{"session_id": e.info.SessionID, "device_type": e.info.DeviceType}).Info("会话已建立")
	m.record(ctx, Event{Kind: EventConnected, Session: e.info, DeviceInfo: details, At: now})
	return ConnectResult{
		Success:    true,
		SessionID:  e.info.SessionID,
		Message:    "connected",
		DeviceInfo: details,
	}
}

// reserve 占用一个会话名额，连接建立期间的会话也计入上限
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return device.NewError(device.KindTransport, "connect", "manager closed", nil)
	}
	if m.maxSessions > 0 && len(m.sessions)+m.pending >= m.maxSessions {
		return device.NewError(device.KindLimitExceeded, "connect", fmt.Sprintf("max %d sessions", m.maxSessions), nil)
	}
	m.pending++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

// Execute 在会话上执行命令。成功或失败都会刷新活跃标记，传输错误或重连失败会销毁会话
func (m *Manager) Execute(ctx context.Context, sessionID, command string) CommandResponse {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		e.busy++
	}
	m.mu.Unlock()
	if !ok {
		err := notFound("execute", sessionID)
		logger.WithSession(sessionID).Warn("会话不存在")
		return CommandResponse{SessionID: sessionID, Command: command, Output: err.Error(), IsError: true, Kind: device.KindOf(err), Timestamp: m.now()}
	}

	e.io.Lock()
	reconnects := reconnectCount(e.conn)
	start := time.Now()
	out, err := e.conn.Execute(ctx, command)
	elapsed := time.Since(start)
	e.io.Unlock()
	now := m.now()

	m.mu.Lock()
	e.busy--
	if now.After(e.info.LastActivity) {
		e.info.LastActivity = now
	}
	e.info.Active = err == nil
	e.info.Status = e.conn.Status()
	appendTranscript(&e.transcript, command, out, err)
	info := e.info
	m.mu.Unlock()

	log := logger.WithSession(sessionID).WithField("command", command)
	if n := reconnectCount(e.conn); n > reconnects {
		log.Info("会话已自动重连")
		m.record(ctx, Event{Kind: EventReconnected, Session: info, At: now})
	}

	if err != nil {
		log.WithError(err).Warn("命令执行失败")
		m.record(ctx, Event{Kind: EventCommandFailed, Session: info, Command: command, Detail: err.Error(), Duration: elapsed, At: now})
		if destroysSession(err) {
			m.remove(ctx, sessionID, reasonTransport)
		}
		return CommandResponse{SessionID: sessionID, Command: command, Output: err.Error(), IsError: true, Kind: device.KindOf(err), Timestamp: now}
	}
	logger.DebugOutput(log.WithField("elapsed", elapsed.String()), out, 3)
	m.record(ctx, Event{Kind: EventCommand, Session: info, Command: command, Duration: elapsed, At: now})
	return CommandResponse{SessionID: sessionID, Command: command, Output: out, Timestamp: now}
}

// destroysSession 传输中断，或通道失效且自动重连也失败时，会话不可恢复
func destroysSession(err error) bool {
	switch device.KindOf(err) {
	case device.KindTransport, device.KindChannelStale:
		return true
	}
	return false
}

// Disconnect 断开会话，重复调用返回会话不存在
func (m *Manager) Disconnect(ctx context.Context, sessionID string) DisconnectResult {
	if _, ok := m.remove(ctx, sessionID, reasonDisconnected); !ok {
		err := notFound("disconnect", sessionID)
		return DisconnectResult{Message: err.Error(), Kind: device.KindOf(err)}
	}
	return DisconnectResult{Success: true, Message: "disconnected"}
}

// ListSessions 列出全部会话，按建立时间排序
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// GetSession 查询会话
func (m *Manager) GetSession(sessionID string) (SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return SessionInfo{}, notFound("get session", sessionID)
	}
	return e.snapshot(), nil
}

// Count 当前会话数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle 清理空闲超过 threshold 或已失效的会话。threshold 为 0 时使用各协议的空闲超时。
// 活性检查在有限并发的工作池中执行
func (m *Manager) CleanupIdle(ctx context.Context, threshold time.Duration) CleanupResult {
	now := m.now()
	type candidate struct {
		id    string
		last  time.Time
		entry *entry
	}
	m.mu.RLock()
	candidates := make([]candidate, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.busy > 0 {
			continue
		}
		candidates = append(candidates, candidate{id: id, last: e.info.LastActivity, entry: e})
	}
	m.mu.RUnlock()

	var (
		mu      sync.Mutex
		evicted = make(map[string]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, c := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			limit := threshold
			if limit <= 0 {
				limit = c.entry.driver.IdleTimeout()
			}
			reason := ""
			if limit > 0 && now.Sub(c.last) > limit {
				reason = reasonIdle
			} else if c.entry.io.TryLock() {
				// 命令进行中时跳过活性检查，避免与命令争抢同一连接
				if !c.entry.conn.IsAlive() {
					reason = reasonDead
				}
				c.entry.io.Unlock()
			}
			if reason != "" {
				mu.Lock()
				evicted[c.id] = reason
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := CleanupResult{SessionIDs: make([]string, 0, len(evicted))}
	for id, reason := range evicted {
		if _, ok := m.evict(ctx, id, reason); ok {
			res.SessionIDs = append(res.SessionIDs, id)
		}
	}
	sort.Strings(res.SessionIDs)
	res.CleanedCount = len(res.SessionIDs)
	if res.CleanedCount > 0 {
		logger.WithField("count", res.CleanedCount).Info("已清理空闲会话")
	}
	return res
}

// Close 停止后台任务并断开全部会话
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.Unlock()
		close(m.stop)
		m.wg.Wait()

		ctx := context.Background()
		for _, id := range ids {
			m.remove(ctx, id, reasonShutdown)
		}
	})
}

// remove 会话删除的唯一出口：移出会话表、关闭连接、记录事件并归档
func (m *Manager) remove(ctx context.Context, sessionID, reason string) (SessionInfo, bool) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return SessionInfo{}, false
	}
	delete(m.sessions, sessionID)
	info := e.snapshot()
	transcript := append([]byte(nil), e.transcript.Bytes()...)
	m.mu.Unlock()

	log := logger.WithSession(sessionID).WithField("reason", reason)
	if err := e.conn.Disconnect(); err != nil {
		log.WithError(err).Debug("关闭连接出错")
	}
	info.Status = device.StatusDisconnected
	info.Active = false

	kind := EventDisconnected
	if reason == reasonIdle || reason == reasonDead {
		kind = EventEvicted
	}
	log.Info("会话已移除")
	m.record(ctx, Event{Kind: kind, Session: info, Detail: reason, At: m.now()})

	if m.archiver != nil && len(transcript) > 0 {
		if err := m.archiver.Archive(ctx, info, transcript); err != nil {
			log.WithError(err).Warn("会话记录归档失败")
		}
	}
	return info, true
}

// evict 清理与保活使用的删除入口，期间开始执行命令的会话保留
func (m *Manager) evict(ctx context.Context, sessionID, reason string) (SessionInfo, bool) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	busy := ok && e.busy > 0
	m.mu.RUnlock()
	if !ok || busy {
		return SessionInfo{}, false
	}
	return m.remove(ctx, sessionID, reason)
}

func (m *Manager) record(ctx context.Context, ev Event) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(ctx, ev); err != nil {
		logger.WithSession(ev.Session.SessionID).WithError(err).Warn("会话事件记录失败")
	}
}

// ensureSweeper 按需启动后台清理，调用方需持有写锁
func (m *Manager) ensureSweeper() {
	if m.sweeping || m.sweepInterval <= 0 {
		return
	}
	m.sweeping = true
	m.wg.Add(1)
	go m.sweep()
}

// sweep 周期性清理空闲会话并对长时间空闲的会话做保活探测，会话表为空时退出
func (m *Manager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	var probe <-chan time.Time
	if m.keepAliveInterval > 0 {
		t := time.NewTicker(m.keepAliveInterval)
		defer t.Stop()
		probe = t.C
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.CleanupIdle(ctx, m.idleThreshold)
			m.mu.Lock()
			if len(m.sessions) == 0 {
				m.sweeping = false
				m.mu.Unlock()
				logger.Debug("会话表为空，后台清理退出")
				return
			}
			m.mu.Unlock()
		case <-probe:
			m.keepAlive(ctx)
		}
	}
}

// keepAlive 探测空闲超过 keepAliveIdle 的会话，失效时尝试重连，重连失败则移除。
// 探测不刷新最后活跃时间
func (m *Manager) keepAlive(ctx context.Context) {
	now := m.now()
	type target struct {
		id     string
		prober Prober
		entry  *entry
	}
	m.mu.RLock()
	targets := make([]target, 0)
	for id, e := range m.sessions {
		p, ok := e.conn.(Prober)
		if !ok || e.busy > 0 || now.Sub(e.info.LastActivity) < m.keepAliveIdle {
			continue
		}
		targets = append(targets, target{id: id, prober: p, entry: e})
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, t := range targets {
		g.Go(func() error {
			if !t.entry.io.TryLock() {
				return nil
			}
			defer t.entry.io.Unlock()
			err := t.prober.CheckLiveness(gctx)
			if err == nil {
				return nil
			}
			log := logger.WithSession(t.id).WithError(err)
			if r, ok := t.entry.conn.(Reconnector); ok {
				if rerr := r.Reconnect(gctx); rerr == nil {
					log.Info("保活探测失败，已重连")
					if info, gerr := m.GetSession(t.id); gerr == nil {
						m.record(gctx, Event{Kind: EventReconnected, Session: info, Detail: "keepalive", At: m.now()})
					}
					return nil
				}
			}
			log.Warn("保活探测失败，移除会话")
			m.evict(gctx, t.id, reasonDead)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *entry) snapshot() SessionInfo {
	info := e.info
	info.Status = e.conn.Status()
	info.DeviceType = e.conn.DeviceType()
	return info
}

func notFound(op, sessionID string) error {
	return device.NewError(device.KindSessionNotFound, op, sessionID, nil)
}

func reconnectCount(c device.Conn) int {
	if r, ok := c.(Reconnector); ok {
		return r.Reconnects()
	}
	return 0
}

// appendTranscript 追加一条交互记录，超出上限时保留最新内容
func appendTranscript(buf *bytes.Buffer, command, out string, err error) {
	fmt.Fprintf(buf, "$ %s\n", command)
	if out != "" {
		buf.WriteString(out)
		buf.WriteByte('\n')
	}
	if err != nil {
		var derr *device.Error
		if errors.As(err, &derr) {
			fmt.Fprintf(buf, "!! %s\n", derr.Kind)
		} else {
			fmt.Fprintf(buf, "!! %v\n", err)
		}
	}
	if buf.Len() > maxTranscript {
		keep := buf.Bytes()[buf.Len()-maxTranscript:]
		trimmed := append([]byte(nil), keep...)
		buf.Reset()
		buf.Write(trimmed)
	}
}
