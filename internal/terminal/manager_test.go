package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

type fakeConn struct {
	mu          sync.Mutex
	dead        bool
	devType     device.Type
	execErr     error
	probeErr    error
	status      device.Status
	delay       time.Duration
	disconnects int
	reconnects  int
	checks      int
}

func (c *fakeConn) Execute(_ context.Context, cmd string) (string, error) {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	time.Sleep(delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		return "", c.execErr
	}
	return "out:" + cmd, nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.status = device.StatusDisconnected
	return nil
}

func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *fakeConn) Status() device.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == "" {
		return device.StatusConnected
	}
	return c.status
}

func (c *fakeConn) DeviceType() device.Type {
	if c.devType == "" {
		return device.TypeUnknown
	}
	return c.devType
}

func (c *fakeConn) Info() map[string]string {
	return map[string]string{"device_type": string(c.DeviceType())}
}

func (c *fakeConn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// probingConn 额外支持活性探测与重连
type probingConn struct {
	fakeConn
}

func (c *probingConn) CheckLiveness(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.probeErr
}

func (c *probingConn) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeErr = nil
	c.reconnects++
	return nil
}

func (c *probingConn) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

type fakeDriver struct {
	protocol device.Protocol
	idle     time.Duration
	openErr  error
	build    func() device.Conn

	mu     sync.Mutex
	opened []device.Conn
	hints  []device.Type
}

func (d *fakeDriver) Protocol() device.Protocol  { return d.protocol }
func (d *fakeDriver) IdleTimeout() time.Duration { return d.idle }

func (d *fakeDriver) Open(_ context.Context, _ device.Credentials, hint device.Type) (device.Conn, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	var c device.Conn = &fakeConn{}
	if d.build != nil {
		c = d.build()
	}
	d.mu.Lock()
	d.opened = append(d.opened, c)
	d.hints = append(d.hints, hint)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDriver) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch c := d.opened[i].(type) {
	case *fakeConn:
		return c
	case *probingConn:
		return &c.fakeConn
	}
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *memRecorder) Record(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type memArchiver struct {
	mu       sync.Mutex
	archived map[string]string
}

func (a *memArchiver) Archive(_ context.Context, info SessionInfo, transcript []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archived == nil {
		a.archived = make(map[string]string)
	}
	a.archived[info.SessionID] = string(transcript)
	return nil
}

func telnetDriver() *fakeDriver {
	return &fakeDriver{protocol: device.ProtocolTelnet, idle: 7200 * time.Second}
}

func sshDriver() *fakeDriver {
	return &fakeDriver{protocol: device.ProtocolSSH, idle: 600 * time.Second}
}

func request(p device.Protocol) ConnectRequest {
	return ConnectRequest{ConnectionType: p, Host: "10.0.0.1", Username: "admin", Password: "secret"}
}

func mustConnect(t *testing.T, m *Manager, p device.Protocol) string {
	t.Helper()
	res := m.Connect(context.Background(), request(p))
	require.True(t, res.Success, res.Message)
	return res.SessionID
}

func TestConnectThenGetSession(t *testing.T) {
	m := New([]Driver{telnetDriver(), sshDriver()}, WithSweepInterval(0))
	defer m.Close()

	res := m.Connect(context.Background(), request(device.ProtocolSSH))
	require.True(t, res.Success)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "unknown", res.DeviceInfo["device_type"])

	info, err := m.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusConnected, info.Status)
	assert.Equal(t, device.ProtocolSSH, info.ConnectionType)
	assert.Equal(t, 22, info.Port, "未指定端口时使用协议默认端口")
	assert.True(t, info.Active)
}

func TestConnectPassesDeviceTypeHint(t *testing.T) {
	d := telnetDriver()
	m := New([]Driver{d}, WithSweepInterval(0))
	defer m.Close()

	req := request(device.ProtocolTelnet)
	req.DeviceType = device.TypeHuawei
	require.True(t, m.Connect(context.Background(), req).Success)
	require.True(t, m.Connect(context.Background(), request(device.ProtocolTelnet)).Success)
	assert.Equal(t, []device.Type{device.TypeHuawei, device.TypeUnknown}, d.hints)
}

func TestConnectFailures(t *testing.T) {
	d := sshDriver()
	d.openErr = device.NewError(device.KindAuthenticationFailed, "ssh handshake", "", nil)
	m := New([]Driver{d}, WithSweepInterval(0))
	defer m.Close()

	res := m.Connect(context.Background(), request(device.ProtocolSSH))
	assert.False(t, res.Success)
	assert.Equal(t, device.KindAuthenticationFailed, res.Kind)
	assert.NotContains(t, res.Message, "secret")

	res = m.Connect(context.Background(), request("rlogin"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unsupported connection type")

	res = m.Connect(context.Background(), ConnectRequest{ConnectionType: device.ProtocolSSH})
	assert.False(t, res.Success)
	assert.Empty(t, m.ListSessions())
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	m := New([]Driver{telnetDriver()}, WithSweepInterval(0))
	defer m.Close()

	resp := m.Execute(context.Background(), "missing", "show clock")
	assert.True(t, resp.IsError)
	assert.Equal(t, device.KindSessionNotFound, resp.Kind)
	assert.Contains(t, resp.Output, "session not found")

	dres := m.Disconnect(context.Background(), "missing")
	assert.False(t, dres.Success)
	assert.Equal(t, device.KindSessionNotFound, dres.Kind)

	_, err := m.GetSession("missing")
	assert.True(t, errors.Is(err, device.ErrSessionNotFound))
}

func TestDisconnectTwice(t *testing.T) {
	d := telnetDriver()
	m := New([]Driver{d}, WithSweepInterval(0))
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolTelnet)

	first := m.Disconnect(context.Background(), id)
	assert.True(t, first.Success)
	assert.Empty(t, m.ListSessions())

	second := m.Disconnect(context.Background(), id)
	assert.False(t, second.Success)
	assert.Equal(t, device.KindSessionNotFound, second.Kind)
	assert.Equal(t, 1, d.conn(0).Disconnects())
}

func TestExecuteUpdatesActivity(t *testing.T) {
	clock := newClock()
	d := telnetDriver()
	m := New([]Driver{d}, WithClock(clock.Now), WithSweepInterval(0))
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolTelnet)

	clock.Advance(30 * time.Second)
	resp := m.Execute(context.Background(), id, "show clock")
	assert.False(t, resp.IsError)
	assert.Equal(t, "out:show clock", resp.Output)
	info, _ := m.GetSession(id)
	assert.Equal(t, clock.Now(), info.LastActivity)
	assert.True(t, info.Active)

	d.conn(0).mu.Lock()
	d.conn(0).execErr = device.NewError(device.KindCommandTimeout, "collect", "", nil)
	d.conn(0).mu.Unlock()
	clock.Advance(time.Second)
	resp = m.Execute(context.Background(), id, "show run")
	assert.True(t, resp.IsError)
	assert.Equal(t, device.KindCommandTimeout, resp.Kind)

	info, err := m.GetSession(id)
	require.NoError(t, err, "命令超时不销毁会话")
	assert.False(t, info.Active)
	assert.Equal(t, clock.Now(), info.LastActivity)
}

func TestExecuteTransportErrorDestroysSession(t *testing.T) {
	d := sshDriver()
	m := New([]Driver{d}, WithSweepInterval(0))
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolSSH)

	d.conn(0).execErr = device.NewError(device.KindTransport, "read", "", errors.New("EOF"))
	resp := m.Execute(context.Background(), id, "show clock")
	assert.True(t, resp.IsError)
	assert.Equal(t, device.KindTransport, resp.Kind)

	_, err := m.GetSession(id)
	assert.True(t, errors.Is(err, device.ErrSessionNotFound))
	assert.Equal(t, 1, d.conn(0).Disconnects())
}

func TestExecuteStaleChannelDestroysSession(t *testing.T) {
	d := sshDriver()
	m := New([]Driver{d}, WithSweepInterval(0))
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolSSH)

	// 通道失效且自动重连失败
	stale := device.NewError(device.KindChannelStale, "ssh probe", "keepalive", nil)
	d.conn(0).execErr = fmt.Errorf("%w: %w", stale, device.NewError(device.KindUnreachable, "ssh dial", "", nil))
	resp := m.Execute(context.Background(), id, "show clock")
	assert.True(t, resp.IsError)
	assert.Equal(t, device.KindChannelStale, resp.Kind)

	_, err := m.GetSession(id)
	assert.True(t, errors.Is(err, device.ErrSessionNotFound))
	assert.Zero(t, m.Count())
}

// startSlowCommand 在后台执行命令，返回时命令已处于执行中
func startSlowCommand(t *testing.T, m *Manager, id string) <-chan CommandResponse {
	t.Helper()
	done := make(chan CommandResponse, 1)
	go func() { done <- m.Execute(context.Background(), id, "display current-configuration") }()
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		e, ok := m.sessions[id]
		return ok && e.busy > 0
	}, 2*time.Second, time.Millisecond)
	return done
}

func TestKeepAliveSkipsSessionWithCommandInFlight(t *testing.T) {
	clock := newClock()
	d := sshDriver()
	d.build = func() device.Conn { return &probingConn{fakeConn{delay: 300 * time.Millisecond}} }
	m := New([]Driver{d},
		WithClock(clock.Now),
		WithSweepInterval(time.Hour),
		WithKeepAlive(20*time.Millisecond, 120*time.Second),
	)
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolSSH)
	conn := d.opened[0].(*probingConn)

	done := startSlowCommand(t, m, id)
	clock.Advance(200 * time.Second)
	resp := <-done
	require.False(t, resp.IsError, resp.Output)

	conn.mu.Lock()
	checks := conn.checks
	conn.mu.Unlock()
	assert.Zero(t, checks, "命令执行期间不做保活探测")

	// 命令结束后会话再次空闲，保活恢复
	conn.mu.Lock()
	conn.delay = 0
	conn.mu.Unlock()
	clock.Advance(200 * time.Second)
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.checks > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCleanupSkipsSessionWithCommandInFlight(t *testing.T) {
	clock := newClock()
	d := sshDriver()
	d.build = func() device.Conn { return &fakeConn{delay: 200 * time.Millisecond} }
	m := New([]Driver{d}, WithClock(clock.Now), WithSweepInterval(0))
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolSSH)

	done := startSlowCommand(t, m, id)
	clock.Advance(time.Hour)
	d.conn(0).mu.Lock()
	d.conn(0).dead = true
	d.conn(0).mu.Unlock()

	res := m.CleanupIdle(context.Background(), 600*time.Second)
	assert.Zero(t, res.CleanedCount, "命令执行中的会话既不按空闲也不按失效清理")
	resp := <-done
	assert.False(t, resp.IsError)
	assert.Zero(t, d.conn(0).Disconnects())

	res = m.CleanupIdle(context.Background(), 600*time.Second)
	assert.Equal(t, []string{id}, res.SessionIDs, "命令结束后失效会话被清理")
}

func TestCleanupIdleThreshold(t *testing.T) {
	clock := newClock()
	m := New([]Driver{sshDriver()}, WithClock(clock.Now), WithSweepInterval(0))
	defer m.Close()

	stale := mustConnect(t, m, device.ProtocolSSH)
	clock.Advance(600 * time.Second)
	fresh := mustConnect(t, m, device.ProtocolSSH)
	clock.Advance(100 * time.Second)

	res := m.CleanupIdle(context.Background(), 600*time.Second)
	assert.Equal(t, 1, res.CleanedCount)
	assert.Equal(t, []string{stale}, res.SessionIDs)

	_, err := m.GetSession(stale)
	assert.True(t, errors.Is(err, device.ErrSessionNotFound))
	_, err = m.GetSession(fresh)
	assert.NoError(t, err)
}

func TestCleanupIdleUsesDriverTimeout(t *testing.T) {
	clock := newClock()
	m := New([]Driver{telnetDriver(), sshDriver()}, WithClock(clock.Now), WithSweepInterval(0))
	defer m.Close()

	tel := mustConnect(t, m, device.ProtocolTelnet)
	ssh := mustConnect(t, m, device.ProtocolSSH)
	clock.Advance(700 * time.Second)

	res := m.CleanupIdle(context.Background(), 0)
	assert.Equal(t, []string{ssh}, res.SessionIDs)
	_, err := m.GetSession(tel)
	assert.NoError(t, err, "Telnet 默认空闲超时为 7200 秒")
}

func TestCleanupEvictsDeadSessions(t *testing.T) {
	d := telnetDriver()
	m := New([]Driver{d}, WithSweepInterval(0))
	defer m.Close()
	dead := mustConnect(t, m, device.ProtocolTelnet)
	alive := mustConnect(t, m, device.ProtocolTelnet)

	d.conn(0).mu.Lock()
	d.conn(0).dead = true
	d.conn(0).mu.Unlock()

	res := m.CleanupIdle(context.Background(), time.Hour)
	assert.Equal(t, []string{dead}, res.SessionIDs)
	assert.Len(t, m.ListSessions(), 1)
	assert.Equal(t, alive, m.ListSessions()[0].SessionID)
}

func TestMaxSessions(t *testing.T) {
	m := New([]Driver{telnetDriver()}, WithMaxSessions(2), WithSweepInterval(0))
	defer m.Close()
	first := mustConnect(t, m, device.ProtocolTelnet)
	mustConnect(t, m, device.ProtocolTelnet)

	res := m.Connect(context.Background(), request(device.ProtocolTelnet))
	assert.False(t, res.Success)
	assert.Equal(t, device.KindLimitExceeded, res.Kind)

	require.True(t, m.Disconnect(context.Background(), first).Success)
	mustConnect(t, m, device.ProtocolTelnet)

	m.SetMaxSessions(0)
	mustConnect(t, m, device.ProtocolTelnet)
	assert.Len(t, m.ListSessions(), 3)
}

func TestListSessionsOrdered(t *testing.T) {
	clock := newClock()
	m := New([]Driver{telnetDriver(), sshDriver()}, WithClock(clock.Now), WithSweepInterval(0))
	defer m.Close()

	a := mustConnect(t, m, device.ProtocolSSH)
	clock.Advance(time.Second)
	b := mustConnect(t, m, device.ProtocolTelnet)

	list := m.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].SessionID)
	assert.Equal(t, b, list[1].SessionID)
	assert.Equal(t, 2, m.Count())
}

func TestEventsAndTranscript(t *testing.T) {
	rec := &memRecorder{}
	arc := &memArchiver{}
	m := New([]Driver{telnetDriver()}, WithRecorder(rec), WithArchiver(arc), WithSweepInterval(0))
	defer m.Close()

	id := mustConnect(t, m, device.ProtocolTelnet)
	m.Execute(context.Background(), id, "show clock")
	m.Disconnect(context.Background(), id)

	assert.Equal(t, []string{EventConnected, EventCommand, EventDisconnected}, rec.kinds())
	assert.Equal(t, "$ show clock\nout:show clock\n", arc.archived[id])
}

func TestSweeperEvictsAndStops(t *testing.T) {
	clock := newClock()
	rec := &memRecorder{}
	m := New([]Driver{sshDriver()},
		WithClock(clock.Now),
		WithRecorder(rec),
		WithSweepInterval(20*time.Millisecond),
		WithKeepAlive(0, 0),
	)
	defer m.Close()

	mustConnect(t, m, device.ProtocolSSH)
	clock.Advance(time.Hour)

	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return !m.sweeping
	}, 2*time.Second, 10*time.Millisecond, "会话表为空后后台清理退出")
	assert.Contains(t, rec.kinds(), EventEvicted)

	// 新连接重新启动后台清理
	mustConnect(t, m, device.ProtocolSSH)
	m.mu.RLock()
	assert.True(t, m.sweeping)
	m.mu.RUnlock()
}

func TestKeepAliveReconnectsStaleSession(t *testing.T) {
	rec := &memRecorder{}
	d := sshDriver()
	d.build = func() device.Conn {
		return &probingConn{fakeConn{probeErr: device.NewError(device.KindChannelStale, "ssh probe", "", nil)}}
	}
	m := New([]Driver{d},
		WithRecorder(rec),
		WithSweepInterval(time.Hour),
		WithKeepAlive(20*time.Millisecond, 0),
	)
	defer m.Close()
	id := mustConnect(t, m, device.ProtocolSSH)

	assert.Eventually(t, func() bool {
		return d.conn(0).reconnectsLocked() == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err := m.GetSession(id)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		for _, k := range rec.kinds() {
			if k == EventReconnected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseDisconnectsAll(t *testing.T) {
	d := telnetDriver()
	m := New([]Driver{d})
	mustConnect(t, m, device.ProtocolTelnet)
	mustConnect(t, m, device.ProtocolTelnet)

	m.Close()
	m.Close()
	assert.Zero(t, m.Count())
	assert.Equal(t, 1, d.conn(0).Disconnects())
	assert.Equal(t, 1, d.conn(1).Disconnects())

	res := m.Connect(context.Background(), request(device.ProtocolTelnet))
	assert.False(t, res.Success)
}

func (c *fakeConn) reconnectsLocked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}
